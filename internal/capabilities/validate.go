// internal/capabilities/validate.go
package capabilities

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors returned when a session cannot host accessibility scanning.
var (
	ErrNotDesktop     = errors.New("accessibility automation will run only on desktop browsers")
	ErrNotChrome      = errors.New("accessibility automation will run only on Chrome browsers")
	ErrChromeTooOld   = errors.New("accessibility automation requires a newer Chrome version")
	ErrLegacyHeadless = errors.New("accessibility automation will not run in legacy headless mode")
	ErrPlatformTooOld = errors.New("app accessibility automation requires a newer OS version")
)

const (
	minDesktopChrome     = 94.0
	minNonProviderChrome = 100.0
)

// PlatformMeta is the flattened platform description of a session.
type PlatformMeta struct {
	BrowserName     string
	BrowserVersion  string
	PlatformName    string
	PlatformVersion string
	OSName          string
	OSVersion       string
}

// MetaFor builds PlatformMeta from the capabilities the driver returned for
// the live session and the capabilities the run requested.
func MetaFor(live, requested Bag) PlatformMeta {
	version := firstString(live, "browserVersion", "version")
	if version == "" {
		version = "latest"
	}
	return PlatformMeta{
		BrowserName:     live.String("browserName"),
		BrowserVersion:  version,
		PlatformName:    live.String("platformName"),
		PlatformVersion: ResolveString(live, AttrPlatformVersion),
		OSName:          ResolveString(requested, AttrOS),
		OSVersion:       ResolveString(requested, AttrOSVersion),
	}
}

// ValidateDesktop checks a provider hosted browser session: desktop Chrome,
// a recent or channel version, and no legacy headless flag.
func ValidateDesktop(bag Bag, meta PlatformMeta) error {
	if _, ok := Resolve(bag, AttrDeviceName); ok {
		return ErrNotDesktop
	}
	if err := validateChrome(meta, minDesktopChrome, "latest", "beta", "dev"); err != nil {
		return err
	}
	if chrome, ok := Resolve(bag, "goog:chromeOptions"); ok {
		for _, arg := range stringSlice(asMap(chrome)["args"]) {
			if arg == "--headless" {
				return ErrLegacyHeadless
			}
		}
	}
	return nil
}

// ValidateNonProvider checks sessions that are not hosted by the provider or
// that run in turbo mode.
func ValidateNonProvider(meta PlatformMeta) error {
	return validateChrome(meta, minNonProviderChrome, "latest")
}

// ValidateApp checks native app sessions: Android 11 or iOS 14 and later.
func ValidateApp(meta PlatformMeta) error {
	major, err := strconv.Atoi(strings.SplitN(meta.PlatformVersion, ".", 2)[0])
	if err != nil {
		return nil
	}
	switch strings.ToLower(meta.PlatformName) {
	case "android":
		if major < 11 {
			return fmt.Errorf("%w: android %d, need 11 or above", ErrPlatformTooOld, major)
		}
	case "ios":
		if major < 14 {
			return fmt.Errorf("%w: ios %d, need 14 or above", ErrPlatformTooOld, major)
		}
	}
	return nil
}

func validateChrome(meta PlatformMeta, minVersion float64, channels ...string) error {
	if !strings.EqualFold(meta.BrowserName, "chrome") {
		return ErrNotChrome
	}
	if meta.BrowserVersion == "" {
		return nil
	}
	for _, c := range channels {
		if strings.EqualFold(meta.BrowserVersion, c) {
			return nil
		}
	}
	v, err := strconv.ParseFloat(leadingNumber(meta.BrowserVersion), 64)
	if err != nil || v <= minVersion {
		return fmt.Errorf("%w: got %q, need greater than %v", ErrChromeTooOld, meta.BrowserVersion, minVersion)
	}
	return nil
}

// leadingNumber trims a version such as "120.0.6099.71" down to "120.0".
func leadingNumber(s string) string {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
