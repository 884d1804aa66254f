// internal/replay/trace.go
package replay

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/remotesuite/internal/framework"
)

// Hook names accepted in a trace.
const (
	HookBeforeSuite    = "before_suite"
	HookBeforeTest     = "before_test"
	HookAfterTest      = "after_test"
	HookBeforeFeature  = "before_feature"
	HookBeforeScenario = "before_scenario"
	HookAfterScenario  = "after_scenario"
	HookBeforeStep     = "before_step"
	HookAfterStep      = "after_step"
	HookCommand        = "command"
	HookReload         = "reload"
)

// Trace is a recorded run: the sessions it drove and the hook calls and
// driver commands in the order the runner made them.
type Trace struct {
	Framework string        `yaml:"framework"`
	Sessions  []SessionSpec `yaml:"sessions"`
	Steps     []Step        `yaml:"steps"`
	// ExitCode overrides the exit code derived from the recorded results.
	ExitCode *int `yaml:"exit_code,omitempty"`
}

// SessionSpec describes one browser of the run. Name is set for every
// instance of a multi-remote run and left empty for a single session.
type SessionSpec struct {
	Name         string         `yaml:"name,omitempty"`
	SessionID    string         `yaml:"session_id,omitempty"`
	Hostname     string         `yaml:"hostname"`
	Capabilities map[string]any `yaml:"capabilities"`
	// Requested holds the capabilities the runner asked for, when they differ
	// from what the session returned.
	Requested map[string]any `yaml:"requested,omitempty"`
}

// Step is one recorded hook call or command.
type Step struct {
	Hook string `yaml:"hook"`

	Suite      *framework.Suite      `yaml:"suite,omitempty"`
	Test       *framework.Test       `yaml:"test,omitempty"`
	Result     *framework.TestResult `yaml:"result,omitempty"`
	URI        string                `yaml:"uri,omitempty"`
	Feature    *framework.Feature    `yaml:"feature,omitempty"`
	World      *framework.World      `yaml:"world,omitempty"`
	Step       *framework.Step       `yaml:"step,omitempty"`
	StepResult *framework.StepResult `yaml:"step_result,omitempty"`

	// Instance selects the multi-remote browser a command or reload targets.
	Instance string `yaml:"instance,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Args     []any  `yaml:"args,omitempty"`
}

// Load reads and validates a trace file.
func Load(path string) (*Trace, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand trace path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a trace. Unknown fields are rejected.
func Parse(data []byte) (*Trace, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Trace
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// MultiRemote reports whether the trace drives named instances.
func (t *Trace) MultiRemote() bool {
	return len(t.Sessions) > 0 && t.Sessions[0].Name != ""
}

// Validate checks the sessions and that every step carries its payload.
func (t *Trace) Validate() error {
	if len(t.Sessions) == 0 {
		return errors.New("trace has no sessions")
	}
	multi := t.MultiRemote()
	if !multi && len(t.Sessions) > 1 {
		return errors.New("a trace with several sessions must name each of them")
	}
	names := make(map[string]struct{}, len(t.Sessions))
	for i, s := range t.Sessions {
		if multi && s.Name == "" {
			return fmt.Errorf("session %d has no name", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate session name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}

	var errs []error
	for i, s := range t.Steps {
		if err := s.validate(names); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i, s.Hook, err))
		}
	}
	return errors.Join(errs...)
}

func (s Step) validate(names map[string]struct{}) error {
	need := func(ok bool, field string) error {
		if !ok {
			return fmt.Errorf("missing %s", field)
		}
		return nil
	}
	switch s.Hook {
	case HookBeforeSuite:
		return need(s.Suite != nil, "suite")
	case HookBeforeTest:
		return need(s.Test != nil, "test")
	case HookAfterTest:
		if err := need(s.Test != nil, "test"); err != nil {
			return err
		}
		return need(s.Result != nil, "result")
	case HookBeforeFeature:
		return need(s.Feature != nil, "feature")
	case HookBeforeScenario, HookAfterScenario:
		return need(s.World != nil, "world")
	case HookBeforeStep:
		if err := need(s.World != nil, "world"); err != nil {
			return err
		}
		return need(s.Step != nil, "step")
	case HookAfterStep:
		if err := need(s.World != nil && s.Step != nil, "world and step"); err != nil {
			return err
		}
		return need(s.StepResult != nil, "step_result")
	case HookCommand:
		if err := need(s.Command != "", "command"); err != nil {
			return err
		}
		return s.checkInstance(names)
	case HookReload:
		return s.checkInstance(names)
	default:
		return fmt.Errorf("unknown hook %q", s.Hook)
	}
}

func (s Step) checkInstance(names map[string]struct{}) error {
	if _, ok := names[s.Instance]; ok {
		return nil
	}
	if s.Instance == "" && len(names) > 0 {
		return nil
	}
	return fmt.Errorf("unknown instance %q", s.Instance)
}

// DerivedExitCode is the trace's explicit exit code, or 1 when any recorded
// test or scenario failed.
func (t *Trace) DerivedExitCode() int {
	if t.ExitCode != nil {
		return *t.ExitCode
	}
	for _, s := range t.Steps {
		switch s.Hook {
		case HookAfterTest:
			if !s.Result.Passed {
				return 1
			}
		case HookAfterScenario:
			if s.World.Result != nil && s.World.Result.Status == "failed" {
				return 1
			}
		}
	}
	return 0
}
