// internal/orchestrator/fanout.go
package orchestrator

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/controlplane"
	"github.com/xkilldash9x/remotesuite/internal/dispatch"
	"github.com/xkilldash9x/remotesuite/internal/driver"
	"github.com/xkilldash9x/remotesuite/internal/framework"
	"github.com/xkilldash9x/remotesuite/internal/interception"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// onProviderSessions runs fn on every provider hosted session of the run
// through the dispatcher. Sessions on other hosts are skipped.
func (s *Service) onProviderSessions(ctx context.Context, what string, fn func(ctx context.Context, b driver.Browser, caps capabilities.Bag, sessionID string) error) {
	if s.dispatcher == nil {
		return
	}
	_, err := dispatch.Dispatch(ctx, s.dispatcher, func(ctx context.Context, sessionID, name string) (struct{}, error) {
		b := s.browserFor(name)
		if b == nil || !capabilities.IsProviderHost(b.Hostname()) {
			return struct{}{}, nil
		}
		return struct{}{}, fn(ctx, b, s.capsFor(name), sessionID)
	})
	if err != nil {
		s.logger.Error("Session action failed.", zap.String("action", what), zap.Error(err))
	}
}

// pushUpdate sends body to every provider session.
func (s *Service) pushUpdate(ctx context.Context, body controlplane.UpdateBody) {
	s.onProviderSessions(ctx, "update", func(ctx context.Context, _ driver.Browser, caps capabilities.Bag, sessionID string) error {
		return s.updater.Update(ctx, sessionID, caps, body)
	})
}

// setSessionName pushes a new name only when it differs from the last one.
func (s *Service) setSessionName(ctx context.Context, suiteTitle string, test *framework.Test) {
	name, ok := s.sessionName(s.capsFor(s.firstInstance()), suiteTitle, test)
	if !ok || name == s.fullTitle {
		return
	}
	s.fullTitle = name
	s.pushUpdate(ctx, controlplane.UpdateBody{Name: name})
}

// annotation is the executor payload that adds a line to the session log.
type annotation struct {
	Action    string         `json:"action"`
	Arguments annotationArgs `json:"arguments"`
}

type annotationArgs struct {
	Data  string `json:"data"`
	Level string `json:"level"`
}

// annotate writes data into the remote session log of every provider session.
func (s *Service) annotate(ctx context.Context, data string) {
	payload, err := json.Marshal(annotation{Action: "annotate", Arguments: annotationArgs{Data: data, Level: "info"}})
	if err != nil {
		s.logger.Debug("Failed to encode annotation.", zap.Error(err))
		return
	}
	script := interception.MarkerExecutor + ": " + string(payload)
	s.onProviderSessions(ctx, "annotate", func(ctx context.Context, b driver.Browser, _ capabilities.Bag, _ string) error {
		_, err := b.ExecuteScript(ctx, script)
		return err
	})
}

// printSessionURLs logs the dashboard URL of every provider session.
func (s *Service) printSessionURLs(ctx context.Context) {
	s.onProviderSessions(ctx, "session_url", func(ctx context.Context, _ driver.Browser, caps capabilities.Bag, sessionID string) error {
		url, err := s.updater.SessionURL(ctx, sessionID, caps)
		if err != nil {
			return err
		}
		s.logger.Info(capabilities.Describe(caps)+" session: "+url, zap.String("session_id", sessionID))
		return nil
	})
}

// browserFor returns the browser of an instance, "" for single runs.
func (s *Service) browserFor(instance string) driver.Browser {
	switch t := s.target.(type) {
	case driver.SingleSession:
		return t.Browser
	case *driver.MultiRemoteSession:
		return t.Instance(instance)
	}
	return nil
}

// capsFor returns the capabilities of an instance, requested ones merged
// over what the session reported.
func (s *Service) capsFor(instance string) capabilities.Bag {
	switch t := s.target.(type) {
	case driver.SingleSession:
		if t.Browser != nil {
			return t.Browser.Capabilities()
		}
	case *driver.MultiRemoteSession:
		return t.Capabilities(instance)
	}
	return capabilities.Bag{}
}

func (s *Service) firstInstance() string {
	if m, ok := s.target.(*driver.MultiRemoteSession); ok {
		if names := m.Names(); len(names) > 0 {
			return names[0]
		}
	}
	return ""
}

// browserBySession finds the instance currently holding sessionID.
func (s *Service) browserBySession(sessionID string) (string, driver.Browser) {
	switch t := s.target.(type) {
	case driver.SingleSession:
		return "", t.Browser
	case *driver.MultiRemoteSession:
		if name, ok := t.NameOf(sessionID); ok {
			return name, t.Instance(name)
		}
	}
	return "", nil
}
