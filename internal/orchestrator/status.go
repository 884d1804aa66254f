// internal/orchestrator/status.go
package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/framework"
)

const unknownError = "Unknown Error"

// scenarioFailureStatuses are the scenario results that fail a session.
// Pending joins them in strict mode.
var scenarioFailureStatuses = []string{"failed", "ambiguous", "undefined", "unknown"}

// scenarioFailure returns the reason a scenario failed the session, if it did.
func scenarioFailure(world framework.World, strict bool) (string, bool) {
	if world.Result == nil {
		return "", false
	}
	status := strings.ToLower(world.Result.Status)
	pending := status == "pending"
	if !slices.Contains(scenarioFailureStatuses, status) && !(strict && pending) {
		return "", false
	}
	if world.Result.Message != "" {
		return world.Result.Message, true
	}
	if pending {
		return fmt.Sprintf("Some steps/hooks are pending for scenario %q", world.Pickle.Name), true
	}
	return unknownError, true
}

// reasonText joins the non-empty failure reasons.
func reasonText(reasons []string) string {
	kept := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r != "" {
			kept = append(kept, r)
		}
	}
	return strings.Join(kept, "\n")
}

// finalStatus builds the body pushed when the run ends. The session passed
// only when the runner exited cleanly and at least one spec ran.
func (s *Service) finalStatus(exitCode int) controlplane.UpdateBody {
	passed := exitCode == 0 && s.specsRan
	body := controlplane.UpdateBody{Status: controlplane.StatusFailed}
	if passed {
		body.Status = controlplane.StatusPassed
	}
	if s.cfg.Session.SetSessionName {
		body.Name = s.fullTitle
	}
	if !passed {
		body.Reason = reasonText(s.failReasons)
	}
	return body
}

// reloadStatus builds the body flushed to a session that is being replaced.
func (s *Service) reloadStatus() controlplane.UpdateBody {
	body := controlplane.UpdateBody{Status: controlplane.StatusPassed}
	if len(s.failReasons) > 0 {
		body.Status = controlplane.StatusFailed
		body.Reason = strings.Join(s.failReasons, "\n")
	}
	if s.cfg.Session.SetSessionName {
		body.Name = s.fullTitle
	}
	return body
}
