// internal/telemetry/handler.go
package telemetry

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the payload published for every observed event.
type Message struct {
	RunID     string    `json:"runId"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	Instance  string    `json:"instance,omitempty"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name,omitempty"`
	TestID    string    `json:"testId,omitempty"`
	Command   string    `json:"command,omitempty"`
	Passed    *bool     `json:"passed,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

const (
	typeLifecycle = "lifecycle"
	typeCommand   = "command"
)

// Handler publishes run milestones and driver commands. Subjects are
// "<base>.lifecycle.<kind>" and "<base>.command.<command|result>".
type Handler struct {
	logger  *zap.Logger
	pub     Publisher
	subject string
	runID   string
}

// NewHandler creates a telemetry handler publishing under subject.
func NewHandler(logger *zap.Logger, pub Publisher, subject, runID string) *Handler {
	return &Handler{
		logger:  logger.Named("telemetry"),
		pub:     pub,
		subject: subject,
		runID:   runID,
	}
}

// Name implements orchestrator.Handler.
func (h *Handler) Name() string { return "telemetry" }

// HandleLifecycle publishes a run milestone.
func (h *Handler) HandleLifecycle(ctx context.Context, _ driver.Browser, lc orchestrator.Lifecycle) error {
	msg := Message{
		RunID:     h.runID,
		Type:      typeLifecycle,
		Kind:      string(lc.Kind),
		Instance:  lc.Instance,
		SessionID: lc.SessionID,
		Name:      lc.Name,
		TestID:    lc.TestID,
		Error:     lc.Error,
		Time:      lc.Time,
	}
	switch lc.Kind {
	case orchestrator.TestFinished, orchestrator.ScenarioFinished, orchestrator.StepFinished, orchestrator.RunFinished:
		passed := lc.Passed
		msg.Passed = &passed
	}
	return h.publish(ctx, typeLifecycle+"."+msg.Kind, msg)
}

// HandleEvent publishes a driver command observation. Arguments and results
// are left out; they can hold page content or screenshots.
func (h *Handler) HandleEvent(ctx context.Context, _ driver.Browser, ev driver.Event) error {
	msg := Message{
		RunID:     h.runID,
		Type:      typeCommand,
		Kind:      string(ev.Kind),
		SessionID: ev.SessionID,
		Command:   ev.Command,
		Time:      ev.Timestamp,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return h.publish(ctx, typeCommand+"."+msg.Kind, msg)
}

func (h *Handler) publish(ctx context.Context, suffix string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode telemetry message: %w", err)
	}
	subject := h.subject + "." + suffix
	if err := h.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

var _ orchestrator.Handler = (*Handler)(nil)
