package routine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "routined/pkg/logx"
)

// Store is the durable routine catalogue plus transient cooldown bookkeeping.
//
// Concurrency contract: Add/Remove/Toggle read-modify-write the whole list and
// rewrite the whole file, so concurrent mutators must be serialized externally
// (the dispatcher runs a single writer). Get/List/Len are safe concurrently
// with a mutator and return copies, so dispatch traffic never observes a
// half-applied mutation. Cooldown bookkeeping has its own lock because
// executions finish on worker goroutines.
type Store struct {
	path string

	mu       sync.RWMutex
	routines []Routine

	execMu       sync.Mutex
	lastExecuted map[string]time.Time // monotonic; never persisted

	log logx.Logger
}

// NewStore loads the catalogue from path. An absent or unparsable file yields
// an empty catalogue (best-effort recovery, not an error); the parse failure
// is logged so the silent data-loss trade-off stays observable.
func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		path:         path,
		lastExecuted: map[string]time.Time{},
		log:          log,
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("routines file unreadable; starting empty", logx.String("path", path), logx.Err(err))
		}
		return s
	}
	var routines []Routine
	if err := json.Unmarshal(b, &routines); err != nil {
		log.Warn("routines file corrupt; starting empty", logx.String("path", path), logx.Err(err))
		return s
	}
	s.routines = routines
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// List returns a snapshot of the routines in insertion order.
func (s *Store) List() []Routine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Routine(nil), s.routines...)
}

// Get returns a copy of the routine with the given id. The copy stays valid
// after later mutations.
func (s *Store) Get(id string) (*Routine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.routines {
		if s.routines[i].ID == id {
			r := s.routines[i]
			return &r, true
		}
	}
	return nil, false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routines)
}

// Add appends a routine and persists the catalogue. The in-memory list is not
// rolled back if persistence fails.
func (s *Store) Add(r Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.routines {
		if s.routines[i].ID == r.ID {
			return fmt.Errorf("%w: %q", ErrDuplicateID, r.ID)
		}
	}
	s.routines = append(s.routines, r)
	return s.save("add")
}

// Remove deletes the routine with the given id and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]Routine, 0, len(s.routines))
	removed := false
	for _, r := range s.routines {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	s.routines = kept
	return s.save("remove")
}

// Toggle flips the enabled flag, persists, and returns the new state.
func (s *Store) Toggle(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.routines {
		if s.routines[i].ID == id {
			s.routines[i].Enabled = !s.routines[i].Enabled
			if err := s.save("toggle"); err != nil {
				return s.routines[i].Enabled, err
			}
			return s.routines[i].Enabled, nil
		}
	}
	return false, fmt.Errorf("%w: %q", ErrNotFound, id)
}

// CheckCooldown reports whether the routine may execute again. Unknown ids
// fail closed (false), the opposite of the engine's admission check, which
// fails open for ids it does not track. Downstream callers depend on this
// asymmetry; do not "fix" it here.
func (s *Store) CheckCooldown(id string) bool {
	r, ok := s.Get(id)
	if !ok {
		return false
	}
	s.execMu.Lock()
	last, executed := s.lastExecuted[id]
	s.execMu.Unlock()
	if !executed {
		return true
	}
	return time.Since(last) >= time.Duration(r.Guardrails.CooldownSecs)*time.Second
}

// RecordExecution stamps the last-execution time for id, known or not.
// time.Now carries a monotonic reading, so cooldown math is immune to
// wall-clock jumps.
func (s *Store) RecordExecution(id string) {
	s.execMu.Lock()
	s.lastExecuted[id] = time.Now()
	s.execMu.Unlock()
}

// save rewrites the whole file in place. There is deliberately no
// temp-file-plus-rename: a crash mid-write can corrupt the file, which
// NewStore then treats as "start empty". Accepted data-loss trade-off.
func (s *Store) save(op string) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &PersistError{Op: op, Err: err}
		}
	}
	b, err := json.MarshalIndent(s.routines, "", "  ")
	if err != nil {
		return &PersistError{Op: op, Err: err}
	}
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return &PersistError{Op: op, Err: err}
	}
	return nil
}
