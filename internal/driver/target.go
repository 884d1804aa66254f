// internal/driver/target.go
package driver

import (
	"github.com/xkilldash9x/remotesuite/internal/capabilities"
)

// RunTarget is what a run drives: exactly one session or a named set of
// sessions. It is resolved once when the run starts.
type RunTarget interface {
	isRunTarget()
}

// SingleSession is a run driving one browser.
type SingleSession struct {
	Browser Browser
}

func (SingleSession) isRunTarget() {}

// MultiRemoteSession is a run driving several named browsers concurrently.
// Names keep insertion order.
type MultiRemoteSession struct {
	names     []string
	instances map[string]Browser
	requested map[string]capabilities.Bag
}

func (*MultiRemoteSession) isRunTarget() {}

// NewMultiRemoteSession creates an empty named set.
func NewMultiRemoteSession() *MultiRemoteSession {
	return &MultiRemoteSession{
		instances: make(map[string]Browser),
		requested: make(map[string]capabilities.Bag),
	}
}

// Add appends a named instance. requested are the capabilities the run asked
// for; they take precedence over what the live session reports. Re-adding a
// name replaces the instance but keeps its position.
func (m *MultiRemoteSession) Add(name string, b Browser, requested capabilities.Bag) *MultiRemoteSession {
	if _, exists := m.instances[name]; !exists {
		m.names = append(m.names, name)
	}
	m.instances[name] = b
	m.requested[name] = requested
	return m
}

// Names returns the instance names in insertion order.
func (m *MultiRemoteSession) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Instance returns the named browser or nil.
func (m *MultiRemoteSession) Instance(name string) Browser {
	return m.instances[name]
}

// Capabilities merges the requested capabilities for name over the ones the
// live session reported.
func (m *MultiRemoteSession) Capabilities(name string) capabilities.Bag {
	merged := capabilities.Bag{}
	if b := m.instances[name]; b != nil {
		for k, v := range b.Capabilities() {
			merged[k] = v
		}
	}
	for k, v := range m.requested[name] {
		merged[k] = v
	}
	return merged
}

// NameOf returns the instance name currently holding sessionID.
func (m *MultiRemoteSession) NameOf(sessionID string) (string, bool) {
	for _, name := range m.names {
		if b := m.instances[name]; b != nil && b.SessionID() == sessionID {
			return name, true
		}
	}
	return "", false
}

// NamedBrowser pairs a browser with its instance name, "" for single runs.
type NamedBrowser struct {
	Name    string
	Browser Browser
}

// Browsers lists every live browser of a target in enumeration order.
func Browsers(target RunTarget) []NamedBrowser {
	switch t := target.(type) {
	case SingleSession:
		if t.Browser == nil {
			return nil
		}
		return []NamedBrowser{{Browser: t.Browser}}
	case *MultiRemoteSession:
		if t == nil {
			return nil
		}
		out := make([]NamedBrowser, 0, len(t.names))
		for _, name := range t.names {
			if b := t.instances[name]; b != nil {
				out = append(out, NamedBrowser{Name: name, Browser: b})
			}
		}
		return out
	default:
		return nil
	}
}
