// internal/driver/cdp/browser.go
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/config"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const navigationTimeout = 90 * time.Second

// Browser drives a locally launched Chrome over the DevTools protocol.
type Browser struct {
	*driver.Base
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	tabCtx  context.Context
	tabs    map[string]tab
	current string
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ driver.Browser = (*Browser)(nil)

// New launches Chrome and opens the first tab.
func New(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig, caps capabilities.Bag) (*Browser, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
	)
	for _, arg := range cfg.Args {
		allocOpts = append(allocOpts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	if caps == nil {
		caps = capabilities.Bag{}
	}
	if _, ok := caps["browserName"]; !ok {
		caps = caps.Clone()
		caps["browserName"] = "chrome"
	}

	sessionID := uuid.New().String()
	b := &Browser{
		Base:          driver.NewBase(logger.Named("cdp_browser"), sessionID, caps, "localhost"),
		logger:        observability.ForSession(logger.Named("cdp_browser"), "", sessionID),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabCtx:        browserCtx,
		tabs:          map[string]tab{"window-0": {ctx: browserCtx, cancel: browserCancel}},
		current:       "window-0",
	}
	b.registerCommands()
	return b, nil
}

// Close shuts the tabs and the browser process down.
func (b *Browser) Close() {
	b.Base.Close()
	b.mu.Lock()
	for name, t := range b.tabs {
		if name != "window-0" {
			t.cancel()
		}
	}
	b.mu.Unlock()
	b.browserCancel()
	b.allocCancel()
}

// run executes actions on the current tab, bounded by ctx as well.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	tabCtx := b.tabCtx
	b.mu.Unlock()

	runCtx, cancel := combineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func (b *Browser) registerCommands() {
	session := map[string]driver.Command{
		driver.CmdURL:                b.navigate,
		driver.CmdNavigateTo:         b.navigate,
		driver.CmdGetURL:             b.location,
		driver.CmdRefresh:            b.simple(chromedp.Reload()),
		driver.CmdBack:               b.simple(chromedp.NavigateBack()),
		driver.CmdForward:            b.simple(chromedp.NavigateForward()),
		driver.CmdExecute:            b.execute(false),
		driver.CmdExecuteScript:      b.execute(false),
		driver.CmdExecuteAsync:       b.execute(true),
		driver.CmdExecuteAsyncScript: b.execute(true),
		driver.CmdSwitchWindow:       b.switchWindow,
		driver.CmdNewWindow:          b.newWindow,
		driver.CmdTakeScreenshot:     b.screenshot,
	}
	for name, fn := range session {
		_ = b.AddCommand(name, false, fn)
	}

	element := map[string]driver.Command{
		driver.CmdClick:               b.elementAction(chromedp.Click),
		driver.CmdDoubleClick:         b.elementAction(chromedp.DoubleClick),
		driver.CmdSetValue:            b.sendValue(true),
		driver.CmdAddValue:            b.sendValue(false),
		driver.CmdClearValue:          b.elementAction(chromedp.Clear),
		driver.CmdSelectByIndex:       b.selectOption(selectByIndexJS),
		driver.CmdSelectByVisibleText: b.selectOption(selectByTextJS),
		driver.CmdDragAndDrop:         b.dragAndDrop,
	}
	for name, fn := range element {
		_ = b.AddCommand(name, true, fn)
	}
}

func (b *Browser) navigate(ctx context.Context, args ...any) (any, error) {
	url, err := driver.StringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	navCtx, cancel := context.WithTimeout(ctx, navigationTimeout)
	defer cancel()
	if err := b.run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("navigation timed out after %s: %w", navigationTimeout, err)
		}
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil, nil
}

func (b *Browser) location(ctx context.Context, _ ...any) (any, error) {
	var url string
	if err := b.run(ctx, chromedp.Location(&url)); err != nil {
		return nil, err
	}
	return url, nil
}

func (b *Browser) simple(action chromedp.Action) driver.Command {
	return func(ctx context.Context, _ ...any) (any, error) {
		return nil, b.run(ctx, action)
	}
}

func (b *Browser) execute(async bool) driver.Command {
	return func(ctx context.Context, args ...any) (any, error) {
		script, err := driver.StringArg(args, 0, "script")
		if err != nil {
			return nil, err
		}
		expr, err := buildScript(script, args[1:], async)
		if err != nil {
			return nil, err
		}

		var obj *runtime.RemoteObject
		err = b.run(ctx, chromedp.Evaluate(expr, &obj, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
		if err != nil {
			return nil, fmt.Errorf("script execution failed: %w", err)
		}
		return decodeRemote(obj)
	}
}

func (b *Browser) switchWindow(ctx context.Context, args ...any) (any, error) {
	handle, err := driver.StringArg(args, 0, "window handle")
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tabs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: no window %q", driver.ErrInvalidArgument, handle)
	}
	b.tabCtx = t.ctx
	b.current = handle
	return handle, nil
}

func (b *Browser) newWindow(ctx context.Context, args ...any) (any, error) {
	url, err := driver.StringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(url)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open window: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	handle := fmt.Sprintf("window-%d", len(b.tabs))
	b.tabs[handle] = tab{ctx: tabCtx, cancel: cancel}
	b.tabCtx = tabCtx
	b.current = handle
	return handle, nil
}

func (b *Browser) screenshot(ctx context.Context, _ ...any) (any, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

type selectorAction func(sel interface{}, opts ...chromedp.QueryOption) chromedp.QueryAction

func (b *Browser) elementAction(action selectorAction) driver.Command {
	return func(ctx context.Context, args ...any) (any, error) {
		el, err := driver.ElementArg(args)
		if err != nil {
			return nil, err
		}
		return nil, b.run(ctx, action(el.Selector, chromedp.ByQuery))
	}
}

// sendValue types a string or number into an input. setValue clears it first.
func (b *Browser) sendValue(clear bool) driver.Command {
	return func(ctx context.Context, args ...any) (any, error) {
		el, err := driver.ElementArg(args)
		if err != nil {
			return nil, err
		}
		value, err := driver.ValueArg(args, 1)
		if err != nil {
			return nil, err
		}
		var actions []chromedp.Action
		if clear {
			actions = append(actions, chromedp.Clear(el.Selector, chromedp.ByQuery))
		}
		actions = append(actions, chromedp.SendKeys(el.Selector, value, chromedp.ByQuery))
		return nil, b.run(ctx, actions...)
	}
}

const (
	selectByIndexJS = `(function(sel, idx){ const s = document.querySelector(sel); if (!s) { throw new Error("no element " + sel); } s.selectedIndex = Number(idx); s.dispatchEvent(new Event("change", {bubbles: true})); return s.value; })`
	selectByTextJS  = `(function(sel, text){ const s = document.querySelector(sel); if (!s) { throw new Error("no element " + sel); } const o = Array.from(s.options).find(o => o.text.trim() === String(text)); if (!o) { throw new Error("no option " + text); } s.value = o.value; s.dispatchEvent(new Event("change", {bubbles: true})); return s.value; })`
	centerJS        = `(function(sel){ const r = document.querySelector(sel).getBoundingClientRect(); return [r.left + r.width / 2, r.top + r.height / 2]; })`
)

func (b *Browser) selectOption(fn string) driver.Command {
	return func(ctx context.Context, args ...any) (any, error) {
		el, err := driver.ElementArg(args)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: missing option", driver.ErrInvalidArgument)
		}
		expr, err := callExpression(fn, el.Selector, args[1])
		if err != nil {
			return nil, err
		}
		var value string
		if err := b.run(ctx, chromedp.Evaluate(expr, &value)); err != nil {
			return nil, err
		}
		return value, nil
	}
}

func (b *Browser) dragAndDrop(ctx context.Context, args ...any) (any, error) {
	source, err := driver.ElementArg(args)
	if err != nil {
		return nil, err
	}
	target, err := driver.ElementArg(args[1:])
	if err != nil {
		return nil, fmt.Errorf("drag target: %w", err)
	}

	var from, to []float64
	fromExpr, err := callExpression(centerJS, source.Selector)
	if err != nil {
		return nil, err
	}
	toExpr, err := callExpression(centerJS, target.Selector)
	if err != nil {
		return nil, err
	}
	if err := b.run(ctx, chromedp.Evaluate(fromExpr, &from), chromedp.Evaluate(toExpr, &to)); err != nil {
		return nil, err
	}
	if len(from) != 2 || len(to) != 2 {
		return nil, fmt.Errorf("could not locate drag elements")
	}

	return nil, b.run(ctx,
		chromedp.MouseEvent(input.MouseMoved, from[0], from[1]),
		chromedp.MouseEvent(input.MousePressed, from[0], from[1], chromedp.ButtonLeft),
		chromedp.MouseEvent(input.MouseMoved, to[0], to[1], chromedp.ButtonLeft),
		chromedp.MouseEvent(input.MouseReleased, to[0], to[1], chromedp.ButtonLeft),
	)
}

// combineContext derives from primary and also cancels when secondary does.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
