package results

import (
	"fmt"
	"sync"
	"time"
)

// Store is the case-result store for one session. The ordered case id list
// is fixed at construction; changing scope requires a new session and a new
// store. Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	order  []string
	states map[string]*caseState
}

// NewStore creates a store over a fixed ordered set of case ids. Duplicate
// ids are rejected.
func NewStore(caseIDs []string) (*Store, error) {
	states := make(map[string]*caseState, len(caseIDs))
	order := make([]string, 0, len(caseIDs))
	for _, id := range caseIDs {
		if _, dup := states[id]; dup {
			return nil, fmt.Errorf("duplicate case id %q", id)
		}
		states[id] = &caseState{phase: PhaseUnvisited}
		order = append(order, id)
	}
	return &Store{order: order, states: states}, nil
}

// CaseIDs returns the fixed ordered case id list.
func (s *Store) CaseIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Len returns the number of cases in scope.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Phase returns the lifecycle phase of a case.
func (s *Store) Phase(caseID string) (Phase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[caseID]
	if !ok {
		return PhaseUnvisited, fmt.Errorf("unknown case id %q", caseID)
	}
	return st.phase, nil
}

// Visit marks a case in progress, recording the visit timestamp used later
// for the persisted duration. Visiting a case already in progress or
// completed leaves it unchanged.
func (s *Store) Visit(caseID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[caseID]
	if !ok {
		return fmt.Errorf("unknown case id %q", caseID)
	}
	if st.phase == PhaseUnvisited {
		st.phase = PhaseInProgress
		st.visitedAt = at
	}
	return nil
}

// VisitedAt returns the visit timestamp for a case, if it has one.
func (s *Store) VisitedAt(caseID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[caseID]
	if !ok || st.phase == PhaseUnvisited {
		return time.Time{}, false
	}
	return st.visitedAt, true
}

// Complete records the result for a case, exactly once per session. A
// completed result must carry a real outcome.
func (s *Store) Complete(result CaseResult) error {
	if result.Outcome == OutcomeUnset || !result.Outcome.Valid() {
		return fmt.Errorf("case %q: completed result requires an outcome", result.CaseID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[result.CaseID]
	if !ok {
		return fmt.Errorf("unknown case id %q", result.CaseID)
	}
	if st.phase == PhaseCompleted {
		return fmt.Errorf("case %q already has a completed result", result.CaseID)
	}
	result.Completed = true
	st.phase = PhaseCompleted
	st.result = result
	return nil
}

// Result returns the completed result for a case, if one exists.
func (s *Store) Result(caseID string) (CaseResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[caseID]
	if !ok || st.phase != PhaseCompleted {
		return CaseResult{}, false
	}
	return st.result, true
}

// Rehydrate loads persisted completed results into a fresh store, used when
// continuing a session. Entries without completed=true are ignored; entries
// for unknown case ids are rejected, since scope is immutable.
func (s *Store) Rehydrate(persisted []CaseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range persisted {
		if !r.Completed {
			continue
		}
		st, ok := s.states[r.CaseID]
		if !ok {
			return fmt.Errorf("persisted result for case %q outside session scope", r.CaseID)
		}
		st.phase = PhaseCompleted
		st.visitedAt = r.StartedAt
		st.result = r
	}
	return nil
}

// Reset returns every case to unvisited, discarding all results. Used by
// re-execute mode.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		*st = caseState{phase: PhaseUnvisited}
	}
}

// FirstIncomplete returns the index of the first case without a completed
// result, for cursor positioning. Wraps to 0 when every case is complete,
// so a finished set can be revisited.
func (s *Store) FirstIncomplete() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, id := range s.order {
		if s.states[id].phase != PhaseCompleted {
			return i
		}
	}
	return 0
}

// CompletedCount returns the number of completed cases.
func (s *Store) CompletedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.states {
		if st.phase == PhaseCompleted {
			n++
		}
	}
	return n
}

// CompletedResults returns all completed results in case order.
func (s *Store) CompletedResults() []CaseResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CaseResult, 0, len(s.order))
	for _, id := range s.order {
		if st := s.states[id]; st.phase == PhaseCompleted {
			out = append(out, st.result)
		}
	}
	return out
}

// Aggregate folds the completed results into aggregate statistics. Persisted
// aggregates must always be recomputed through this method so they can never
// diverge from the per-case results.
func (s *Store) Aggregate() AggregateStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := AggregateStats{Total: len(s.order)}
	for _, id := range s.order {
		st := s.states[id]
		if st.phase != PhaseCompleted {
			continue
		}
		stats.Completed++
		switch st.result.Outcome {
		case OutcomePass:
			stats.Passed++
		case OutcomeFail:
			stats.Failed++
		case OutcomeBlock:
			stats.Blocked++
		case OutcomeSkip:
			stats.Skipped++
		}
	}
	return stats
}
