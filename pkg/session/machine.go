// Package session implements the execution-session state machine. One
// Machine owns one session: its result store, its cursor, and every write
// against the remote execution record. All session-scoped state lives on the
// struct so concurrent sessions never share anything.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/planrun/planrun/pkg/errors"
	"github.com/planrun/planrun/pkg/gateway"
	"github.com/planrun/planrun/pkg/journal"
	"github.com/planrun/planrun/pkg/logging"
	"github.com/planrun/planrun/pkg/metrics"
	"github.com/planrun/planrun/pkg/reliability"
	"github.com/planrun/planrun/pkg/results"
	"github.com/planrun/planrun/pkg/tracing"
)

// Mode selects how a session starts relative to a prior record.
type Mode string

const (
	// ModeNew creates a fresh execution record.
	ModeNew Mode = "new"

	// ModeContinue resumes a prior record, rehydrating its completed results.
	ModeContinue Mode = "continue"

	// ModeReexecute reuses a prior record's scope but discards its results.
	ModeReexecute Mode = "reexecute"
)

// State is the lifecycle position of the session itself.
type State string

const (
	StateInitializing State = "initializing"
	StateInProgress   State = "in_progress"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateAbandoned    State = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateAbandoned
}

// StartOptions configures Start. CaseIDs is the plan's ordered case scope and
// must always be supplied: continue and re-execute prefer the prior record's
// scope, but fall back to these ids when the record cannot be fetched.
type StartOptions struct {
	PlanID         string
	CaseIDs        []string
	PriorSessionID string
	Mode           Mode
}

// SubmitInput carries everything the executor entered for one case.
type SubmitInput struct {
	Outcome      results.Outcome
	ActualResult string
	Comments     string
	Steps        []results.StepResult
	Evidence     []results.Evidence

	// ElapsedMs is the advisory on-screen timer value. It is only consulted
	// when neither the in-memory store nor the journal has a visit timestamp,
	// such as after a crash mid-case.
	ElapsedMs int64
}

// Machine is the state machine for one execution session. Methods are safe
// for concurrent use; gateway writes for the session are serialized through
// the machine's mutex so patches arrive in submission order.
type Machine struct {
	gw      gateway.Gateway
	journal *journal.Journal
	logger  *logging.Logger
	retry   *reliability.RetryStrategy
	now     func() time.Time

	mu             sync.Mutex
	state          State
	mode           Mode
	sessionID      string
	planID         string
	store          *results.Store
	cursor         int
	startRequested bool
	confirmed      bool
	startedAt      time.Time
	finishedAt     time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithJournal attaches the local visit journal used for crash-safe durations.
func WithJournal(j *journal.Journal) Option {
	return func(m *Machine) { m.journal = j }
}

// WithRetryStrategy overrides the retry strategy for terminal-state writes.
func WithRetryStrategy(s *reliability.RetryStrategy) Option {
	return func(m *Machine) { m.retry = s }
}

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a machine in the initializing state.
func NewMachine(gw gateway.Gateway, opts ...Option) *Machine {
	m := &Machine{
		gw:    gw,
		state: StateInitializing,
		retry: reliability.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// Start transitions the machine into a running session. Continue and
// re-execute fetch the prior record first; when that fetch fails the start
// degrades to a fresh run over opts.CaseIDs rather than blocking the user.
// A create failure for a fresh run is fatal: there is no record to write to.
func (m *Machine) Start(ctx context.Context, opts StartOptions) error {
	ctx, span := tracing.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("plan_id", opts.PlanID),
			attribute.String("mode", string(opts.Mode)),
		))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitializing {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot start a session in state %q", m.state))
	}
	if len(opts.CaseIDs) == 0 {
		return errors.New(errors.ErrCodeUserInput, "session requires at least one case")
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeNew
	}
	m.startRequested = true
	m.planID = opts.PlanID

	var err error
	switch mode {
	case ModeContinue:
		err = m.startContinue(ctx, opts)
	case ModeReexecute:
		err = m.startReexecute(ctx, opts)
	case ModeNew:
		err = m.startNew(ctx, opts)
	default:
		err = errors.New(errors.ErrCodeInternal, fmt.Sprintf("unknown session mode %q", opts.Mode))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	m.state = StateInProgress
	m.confirmed = true
	m.startedAt = m.now()
	span.SetAttributes(attribute.String("session_id", m.sessionID))
	metrics.SessionsStarted.WithLabelValues(string(m.mode)).Inc()
	m.logger.WithSession(m.sessionID).Info("session started",
		"mode", string(m.mode), "cases", m.store.Len(), "cursor", m.cursor)
	return nil
}

func (m *Machine) startNew(ctx context.Context, opts StartOptions) error {
	id, err := m.gw.Create(ctx, opts.PlanID, opts.CaseIDs)
	if err != nil {
		return errors.Wrap(err, errors.GetCode(err), "failed to create execution record")
	}
	store, err := results.NewStore(opts.CaseIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUserInput, "invalid case scope")
	}
	m.sessionID = id
	m.store = store
	m.cursor = 0
	m.mode = ModeNew
	return nil
}

func (m *Machine) startContinue(ctx context.Context, opts StartOptions) error {
	record, err := m.gw.Fetch(ctx, opts.PriorSessionID)
	if err != nil {
		m.logger.ModeDowngraded(opts.PriorSessionID, err)
		return m.startNew(ctx, opts)
	}

	store, err := results.NewStore(record.CaseIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGatewayProtocol, "prior record has invalid case scope")
	}
	if err := store.Rehydrate(record.Results); err != nil {
		return errors.Wrap(err, errors.ErrCodeGatewayProtocol, "prior record results do not match its scope")
	}

	m.sessionID = record.SessionID
	m.planID = record.PlanID
	m.store = store
	m.cursor = store.FirstIncomplete()
	m.mode = ModeContinue

	status := gateway.StatusRunning
	m.writeProgressLocked(ctx, "continue", gateway.Patch{Status: &status})
	return nil
}

func (m *Machine) startReexecute(ctx context.Context, opts StartOptions) error {
	record, err := m.gw.Fetch(ctx, opts.PriorSessionID)
	if err != nil {
		m.logger.ModeDowngraded(opts.PriorSessionID, err)
		return m.startNew(ctx, opts)
	}

	store, err := results.NewStore(record.CaseIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeGatewayProtocol, "prior record has invalid case scope")
	}

	m.sessionID = record.SessionID
	m.planID = record.PlanID
	m.store = store
	m.cursor = 0
	m.mode = ModeReexecute

	status := gateway.StatusRunning
	stats := store.Aggregate()
	m.writeProgressLocked(ctx, "reexecute", gateway.Patch{
		Status:       &status,
		Stats:        &stats,
		ResetResults: true,
	})
	return nil
}

// Visit marks a case opened and moves the cursor onto it. Revisits keep the
// original timestamp. The journal write is best effort: losing it only costs
// duration fidelity after a crash.
func (m *Machine) Visit(ctx context.Context, caseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot visit a case in state %q", m.state))
	}
	at := m.now()
	if err := m.store.Visit(caseID, at); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "visit failed")
	}
	for i, id := range m.store.CaseIDs() {
		if id == caseID {
			m.cursor = i
			break
		}
	}
	if m.journal != nil {
		if err := m.journal.RecordVisit(m.sessionID, caseID, at); err != nil {
			m.logger.Warn("failed to journal case visit", "case_id", caseID, "error", err)
		}
	}
	return nil
}

// Submit records a completed case. The outcome and an actual-result summary
// are required; a rejected submission leaves all state untouched. The result
// and the recomputed aggregate travel to the gateway in one patch. When the
// submitted case was the last incomplete one the same patch also carries the
// completed status, written with retries so the run cannot end ambiguous.
func (m *Machine) Submit(ctx context.Context, caseID string, input SubmitInput) error {
	ctx, span := tracing.StartSpan(ctx, "session.submit",
		trace.WithAttributes(
			attribute.String("case_id", caseID),
			attribute.String("outcome", string(input.Outcome)),
		))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot submit in state %q", m.state))
	}
	if input.Outcome == results.OutcomeUnset || !input.Outcome.Valid() {
		return errors.New(errors.ErrCodeUserInput, "submission requires an outcome").
			WithUserMessage("Select a result before submitting.")
	}
	if strings.TrimSpace(input.ActualResult) == "" {
		return errors.New(errors.ErrCodeUserInput, "submission requires an actual-result summary").
			WithUserMessage("Describe what actually happened before submitting.")
	}

	result := m.buildResultLocked(caseID, input.Outcome, input)
	if err := m.store.Complete(result); err != nil {
		err = errors.Wrap(err, errors.ErrCodeInternal, "failed to record result")
		tracing.RecordError(ctx, err)
		return err
	}
	metrics.CaseSubmissions.WithLabelValues(string(input.Outcome)).Inc()

	if err := m.flushResultLocked(ctx, "submit", result); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// Skip records a case as skipped without requiring any input.
func (m *Machine) Skip(ctx context.Context, caseID string) error {
	ctx, span := tracing.StartSpan(ctx, "session.skip",
		trace.WithAttributes(attribute.String("case_id", caseID)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot skip in state %q", m.state))
	}

	result := m.buildResultLocked(caseID, results.OutcomeSkip, SubmitInput{})
	if err := m.store.Complete(result); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record skip")
	}
	metrics.CaseSubmissions.WithLabelValues(string(results.OutcomeSkip)).Inc()

	if err := m.flushResultLocked(ctx, "skip", result); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// buildResultLocked assembles the CaseResult, resolving the duration from the
// best available visit timestamp: the in-memory store, then the journal, then
// the advisory on-screen timer.
func (m *Machine) buildResultLocked(caseID string, outcome results.Outcome, input SubmitInput) results.CaseResult {
	finished := m.now()
	started, ok := m.store.VisitedAt(caseID)
	if !ok && m.journal != nil {
		if at, found, err := m.journal.VisitedAt(m.sessionID, caseID); err == nil && found {
			started, ok = at, true
		}
	}
	if !ok {
		if input.ElapsedMs > 0 {
			started = finished.Add(-time.Duration(input.ElapsedMs) * time.Millisecond)
			m.logger.Debug("no visit timestamp, falling back to on-screen timer",
				"case_id", caseID, "elapsed_ms", input.ElapsedMs)
		} else {
			started = finished
		}
	}

	result := results.CaseResult{
		CaseID:       caseID,
		Outcome:      outcome,
		Completed:    true,
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMs:   finished.Sub(started).Milliseconds(),
		ActualResult: strings.TrimSpace(input.ActualResult),
		Comments:     input.Comments,
		Evidence:     input.Evidence,
		Steps:        input.Steps,
	}
	result.StepsTotal = len(input.Steps)
	for _, step := range input.Steps {
		switch step.Outcome {
		case results.OutcomePass:
			result.StepsPassed++
			result.StepsCompleted++
		case results.OutcomeFail:
			result.StepsFailed++
			result.StepsCompleted++
		case results.OutcomeBlock:
			result.StepsBlocked++
			result.StepsCompleted++
		case results.OutcomeSkip:
			result.StepsCompleted++
		}
	}
	return result
}

// flushResultLocked pushes a newly completed result and the recomputed
// aggregate in one patch, advances the cursor, and finishes the session when
// the scope is exhausted. Progress patches are best effort; the final patch
// is terminal and retried.
func (m *Machine) flushResultLocked(ctx context.Context, op string, result results.CaseResult) error {
	stats := m.store.Aggregate()
	patch := gateway.Patch{
		Stats:   &stats,
		Results: []results.CaseResult{result},
	}

	if stats.Completed == stats.Total {
		status := gateway.StatusCompleted
		finished := m.now()
		patch.Status = &status
		patch.FinishedAt = &finished

		if err := m.writeTerminalLocked(ctx, op, patch); err != nil {
			return err
		}
		m.state = StateCompleted
		m.finishedAt = finished
		m.cursor = 0
		m.clearJournalLocked()
		m.logger.WithSession(m.sessionID).Info("session completed",
			"passed", stats.Passed, "failed", stats.Failed,
			"blocked", stats.Blocked, "skipped", stats.Skipped)
		return nil
	}

	m.writeProgressLocked(ctx, op, patch)
	m.cursor = m.store.FirstIncomplete()
	return nil
}

// Cancel ends the session early. Completed results are never discarded: the
// terminal patch carries every completed result, the aggregate, and the
// cancellation message.
func (m *Machine) Cancel(ctx context.Context, message string) error {
	ctx, span := tracing.StartSpan(ctx, "session.cancel")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot cancel in state %q", m.state))
	}

	status := gateway.StatusCancelled
	finished := m.now()
	stats := m.store.Aggregate()
	patch := gateway.Patch{
		Status:     &status,
		FinishedAt: &finished,
		Stats:      &stats,
		Results:    m.store.CompletedResults(),
		Message:    &message,
	}
	if err := m.writeTerminalLocked(ctx, "cancel", patch); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	m.state = StateCancelled
	m.finishedAt = finished
	m.clearJournalLocked()
	m.logger.WithSession(m.sessionID).Info("session cancelled",
		"completed", stats.Completed, "total", stats.Total)
	return nil
}

// Abandon deletes the execution record outright. Only legal while no case has
// a completed result; once results exist, Cancel is the only early exit.
func (m *Machine) Abandon(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "session.abandon")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInProgress {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot abandon in state %q", m.state))
	}
	if n := m.store.CompletedCount(); n > 0 {
		return errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("cannot abandon a session with %d completed results, cancel instead", n))
	}

	err := m.retry.Execute(ctx, func() error {
		return m.gw.Delete(ctx, m.sessionID)
	})
	if err != nil {
		if errors.IsAlreadyDeleted(err) {
			m.logger.WriteSwallowed(m.sessionID, "abandon")
		} else {
			tracing.RecordError(ctx, err)
			return errors.Wrap(err, errors.GetCode(err), "failed to delete execution record")
		}
	}

	m.state = StateAbandoned
	m.finishedAt = m.now()
	m.clearJournalLocked()
	m.logger.WithSession(m.sessionID).Info("session abandoned")
	return nil
}

// writeProgressLocked applies a best-effort patch. A vanished record or a
// transient failure is logged and dropped: local state is the source of truth
// mid-session and the next patch carries the full aggregate anyway.
func (m *Machine) writeProgressLocked(ctx context.Context, op string, patch gateway.Patch) {
	err := m.gw.Update(ctx, m.sessionID, patch)
	if err == nil {
		return
	}
	if errors.IsAlreadyDeleted(err) {
		m.logger.WriteSwallowed(m.sessionID, op)
		return
	}
	metrics.GatewayWriteFailures.WithLabelValues(op, string(errors.GetCode(err))).Inc()
	m.logger.Warn("progress write failed, dropping",
		"session_id", m.sessionID, "op", op, "error", err)
}

// writeTerminalLocked applies a terminal patch with retries. A vanished
// record is still benign; anything else is surfaced so the caller knows the
// server state is unresolved.
func (m *Machine) writeTerminalLocked(ctx context.Context, op string, patch gateway.Patch) error {
	err := m.retry.Execute(ctx, func() error {
		return m.gw.Update(ctx, m.sessionID, patch)
	})
	if err == nil {
		return nil
	}
	if errors.IsAlreadyDeleted(err) {
		m.logger.WriteSwallowed(m.sessionID, op)
		return nil
	}
	metrics.GatewayWriteFailures.WithLabelValues(op, string(errors.GetCode(err))).Inc()
	return errors.Wrap(err, errors.GetCode(err), "terminal write failed")
}

func (m *Machine) clearJournalLocked() {
	if m.journal == nil {
		return
	}
	if err := m.journal.ClearSession(m.sessionID); err != nil {
		m.logger.Warn("failed to clear visit journal", "session_id", m.sessionID, "error", err)
	}
}

// State returns the current session state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the server-assigned session id, empty before Start.
func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Mode returns the effective start mode, which may differ from the requested
// one when a continue or re-execute degraded to a fresh run.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Cursor returns the index of the case the session is positioned on.
func (m *Machine) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// CurrentCaseID returns the case id under the cursor, empty before Start.
func (m *Machine) CurrentCaseID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ""
	}
	ids := m.store.CaseIDs()
	if m.cursor < 0 || m.cursor >= len(ids) {
		return ""
	}
	return ids[m.cursor]
}

// Stats returns the current aggregate, always recomputed from the store.
func (m *Machine) Stats() results.AggregateStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return results.AggregateStats{}
	}
	return m.store.Aggregate()
}

// Store exposes the underlying result store for read-side consumers.
func (m *Machine) Store() *results.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Unfinished reports whether leaving now would lose work: a start that was
// requested but never confirmed by the gateway, or a running session with
// incomplete cases. Terminal sessions are never unfinished.
func (m *Machine) Unfinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startRequested && !m.confirmed {
		return true
	}
	if m.state != StateInProgress {
		return false
	}
	return m.store.CompletedCount() < m.store.Len()
}

// CompletedCount returns the number of completed cases, 0 before Start.
func (m *Machine) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return 0
	}
	return m.store.CompletedCount()
}
