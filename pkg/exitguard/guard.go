// Package exitguard arms the host UI against losing an execution session.
// While a session has unfinished work, close and navigation requests are
// intercepted and routed through a single confirmation prompt; a confirmed
// exit settles the session (cancel or abandon) before the guard releases.
package exitguard

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/planrun/planrun/pkg/logging"
)

// ErrPromptActive is returned when an exit is requested while a confirmation
// prompt is already open. Confirmation surfaces are mutually exclusive: the
// second request is rejected rather than stacking dialogs.
var ErrPromptActive = stderrors.New("exit confirmation already in progress")

// Session is the slice of the session machine the guard consults and drives.
type Session interface {
	// Unfinished reports whether leaving now would lose work.
	Unfinished() bool

	// CompletedCount returns the number of completed case results.
	CompletedCount() int

	// Cancel ends the session early, preserving completed results.
	Cancel(ctx context.Context, message string) error

	// Abandon deletes the session record. Only legal with zero results.
	Abandon(ctx context.Context) error
}

// Prompter asks the user to confirm leaving. Implemented by the host UI.
type Prompter interface {
	// ConfirmExit shows the confirmation. completed lets the dialog say what
	// would be kept. Returns true when the user chooses to leave.
	ConfirmExit(ctx context.Context, completed int) (bool, error)
}

// Guard intercepts exit attempts for one session.
type Guard struct {
	session  Session
	prompter Prompter
	logger   *logging.Logger

	mu        sync.Mutex
	prompting bool
	released  bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a guard over a session.
func New(session Session, prompter Prompter, opts ...Option) *Guard {
	g := &Guard{session: session, prompter: prompter}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)
	return g
}

// ShouldBlock reports whether an exit attempt must be intercepted right now.
// Hosts wire this into their close interceptor or navigation hook.
func (g *Guard) ShouldBlock() bool {
	g.mu.Lock()
	released := g.released
	g.mu.Unlock()
	if released {
		return false
	}
	return g.session.Unfinished()
}

// RequestExit runs the confirmation flow for one exit attempt. It returns
// true when the exit may proceed: either there was nothing to lose, or the
// user confirmed and the session was settled. A declined prompt returns
// false with the guard still armed.
func (g *Guard) RequestExit(ctx context.Context) (bool, error) {
	g.mu.Lock()
	if g.released || !g.session.Unfinished() {
		g.mu.Unlock()
		return true, nil
	}
	if g.prompting {
		g.mu.Unlock()
		return false, ErrPromptActive
	}
	g.prompting = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.prompting = false
		g.mu.Unlock()
	}()

	confirmed, err := g.prompter.ConfirmExit(ctx, g.session.CompletedCount())
	if err != nil {
		return false, err
	}
	if !confirmed {
		return false, nil
	}

	g.settle(ctx)
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
	return true, nil
}

// settle ends the session on the user's behalf: abandon when nothing was
// recorded, cancel otherwise so completed results survive. Settlement errors
// are logged but do not trap the user; they already chose to leave.
func (g *Guard) settle(ctx context.Context) {
	var err error
	if g.session.CompletedCount() == 0 {
		err = g.session.Abandon(ctx)
	} else {
		err = g.session.Cancel(ctx, "Session closed before completion")
	}
	if err != nil {
		g.logger.Warn("failed to settle session on exit", "error", err)
	}
}

// Release disarms the guard without a prompt, used once the session reaches
// a terminal state on its own.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
}
