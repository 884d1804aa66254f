// internal/scanstate/scanstate.go
package scanstate

import "sync"

// Registry maps a session identifier to the current "should scan" decision.
// Command interception only knows the session, so this is what it consults.
// Entries are overwritten at every test boundary and never cleared.
type Registry struct {
	mu    sync.RWMutex
	flags map[string]bool
}

// NewRegistry returns an empty registry. Each orchestrator owns its own.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]bool)}
}

// Set records the decision for sessionID.
func (r *Registry) Set(sessionID string, scan bool) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.flags[sessionID] = scan
	r.mu.Unlock()
}

// ShouldScan reports the decision for sessionID. Unknown sessions do not scan.
func (r *Registry) ShouldScan(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[sessionID]
}

// Lookup returns the decision and whether one was ever recorded.
func (r *Registry) Lookup(sessionID string) (scan, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scan, ok = r.flags[sessionID]
	return scan, ok
}

// State is the lifecycle position of one test's scan window.
type State int

const (
	NotStarted State = iota
	Decided
	Closed
)

func (s State) String() string {
	switch s {
	case Decided:
		return "decided"
	case Closed:
		return "closed"
	default:
		return "not_started"
	}
}

// Entry is the scan decision recorded for one test identifier.
type Entry struct {
	State         State
	ScanRequested bool
	ScanStarted   bool
}

// Store keeps one Entry per stable test identifier for the whole run.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Open records the decision for testID and moves it to Decided. A recurring
// identifier overwrites the previous entry.
func (s *Store) Open(testID string, requested bool) Entry {
	e := Entry{State: Decided, ScanRequested: requested, ScanStarted: requested}
	s.mu.Lock()
	s.entries[testID] = e
	s.mu.Unlock()
	return e
}

// Close moves testID to Closed and returns the entry as it was while open.
// ok is false when the test was never opened or is already closed.
func (s *Store) Close(testID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[testID]
	if !found || e.State != Decided {
		return Entry{}, false
	}
	closed := e
	closed.State = Closed
	s.entries[testID] = closed
	return e, true
}

// Get returns the entry for testID.
func (s *Store) Get(testID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[testID]
	return e, ok
}

// Len returns the number of identifiers seen during the run.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
