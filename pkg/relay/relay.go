// Package relay maintains the live frame stream shown while a run executes
// remotely. The stream is pull-based: frames are fetched at a capped rate and
// forwarded to a sink. A watchdog detects streams that silently stop
// producing frames and drives reconnection with exponential backoff; an
// exhausted reconnect budget surfaces a terminal message instead of retrying
// forever.
package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/planrun/planrun/pkg/backoff"
	"github.com/planrun/planrun/pkg/errors"
	"github.com/planrun/planrun/pkg/gateway"
	"github.com/planrun/planrun/pkg/logging"
	"github.com/planrun/planrun/pkg/metrics"
)

// State is the reconnector lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateLive         State = "live"
	StateStalled      State = "stalled"
	StateReconnecting State = "reconnecting"

	// StateStopped means the run left the active status and the stream ended
	// normally. Carries a status-specific message.
	StateStopped State = "stopped"

	// StateFailed means the reconnect budget is exhausted. Terminal; carries
	// a user-facing message.
	StateFailed State = "failed"
)

// Terminal reports whether the reconnector will make no further attempts.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Frame is one unit of live output.
type Frame struct {
	Data        []byte
	ContentType string
	CapturedAt  time.Time
}

// Source produces frame streams. Connect is called once per attempt so
// implementations can cache-bust per attempt.
type Source interface {
	Connect(ctx context.Context, runID string, attempt int) (Stream, error)
}

// Stream yields frames until it errors or is closed.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Sink receives live frames. Called on the reconnector goroutine.
type Sink func(Frame)

// StatusFunc reports the run's current server-side status. The reconnector
// only streams while the status is active and tears down when it changes.
type StatusFunc func() gateway.Status

// Options tunes the reconnector. Zero fields take the defaults below.
type Options struct {
	// StalenessThreshold is how long without a frame before the stream is
	// declared stalled.
	StalenessThreshold time.Duration

	// StalenessCheck is the watchdog cadence.
	StalenessCheck time.Duration

	// MaxRetries bounds consecutive failed reconnect attempts.
	MaxRetries int

	// Backoff computes the delay before each reconnect attempt.
	Backoff backoff.Policy

	// MaxFPS caps the frame fetch rate. The effective interval never drops
	// below 200ms regardless of this value.
	MaxFPS int

	Logger  *logging.Logger
	OnState func(state State, message string)
}

const (
	defaultStalenessThreshold = 10 * time.Second
	defaultStalenessCheck     = 2 * time.Second
	defaultMaxRetries         = 8
	defaultMaxFPS             = 5
	minFrameInterval          = 200 * time.Millisecond

	// When most fetch attempts on a live stream fail, back off hard before
	// hammering the endpoint again.
	pauseAfterAttempts = 20
	pauseFailureRate   = 0.9
	pauseDuration      = 10 * time.Second
)

// Reconnector drives one run's live stream. Create per run; not reusable
// after Stop or a terminal state.
type Reconnector struct {
	runID  string
	source Source
	sink   Sink
	status StatusFunc
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	state     State
	message   string
	lastGood  *Frame
	lastFrame atomic.Int64 // unix nanos of the last received frame

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconnector creates a reconnector for one run.
func NewReconnector(runID string, source Source, sink Sink, status StatusFunc, opts Options) *Reconnector {
	if opts.StalenessThreshold <= 0 {
		opts.StalenessThreshold = defaultStalenessThreshold
	}
	if opts.StalenessCheck <= 0 {
		opts.StalenessCheck = defaultStalenessCheck
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.MaxFPS <= 0 {
		opts.MaxFPS = defaultMaxFPS
	}
	return &Reconnector{
		runID:  runID,
		source: source,
		sink:   sink,
		status: status,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).WithRun(runID),
		state:  StateIdle,
	}
}

// Start begins streaming. Returns immediately; state changes are reported
// through Options.OnState and the State accessor.
func (r *Reconnector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop tears the stream down without a terminal message.
func (r *Reconnector) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// State returns the current state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Message returns the terminal message, empty outside terminal states.
func (r *Reconnector) Message() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.message
}

// LastFrame returns the most recent good frame, if any. Consumers keep
// showing it while the stream is stalled or reconnecting.
func (r *Reconnector) LastFrame() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastGood == nil {
		return Frame{}, false
	}
	return *r.lastGood, true
}

func (r *Reconnector) setState(state State, message string) {
	r.mu.Lock()
	r.state = state
	r.message = message
	onState := r.opts.OnState
	r.mu.Unlock()

	metrics.RelayState.WithLabelValues(string(state)).Set(1)
	for _, other := range []State{StateConnecting, StateLive, StateStalled, StateReconnecting, StateStopped, StateFailed} {
		if other != state {
			metrics.RelayState.WithLabelValues(string(other)).Set(0)
		}
	}
	if onState != nil {
		onState(state, message)
	}
}

// statusMessage maps a non-active run status to the message shown in place
// of the live view.
func statusMessage(s gateway.Status) string {
	switch s {
	case gateway.StatusCompleted:
		return "Execution finished; live view ended."
	case gateway.StatusCancelled:
		return "Execution was cancelled; live view ended."
	case gateway.StatusFailed:
		return "Execution failed; live view ended."
	}
	return "Execution is no longer running; live view ended."
}

func (r *Reconnector) run(ctx context.Context) {
	defer r.wg.Done()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if st := r.status(); !st.Active() {
			r.setState(StateStopped, statusMessage(st))
			return
		}

		if attempt == 0 {
			r.setState(StateConnecting, "")
		}
		stream, err := r.source.Connect(ctx, r.runID, attempt)
		if err != nil {
			metrics.RelayReconnects.WithLabelValues("failure").Inc()
			attempt++
			if attempt > r.opts.MaxRetries {
				r.giveUp(attempt)
				return
			}
			if !r.waitBackoff(ctx, attempt) {
				return
			}
			continue
		}
		if attempt > 0 {
			metrics.RelayReconnects.WithLabelValues("success").Inc()
		}
		attempt = 0
		r.lastFrame.Store(time.Now().UnixNano())
		r.setState(StateLive, "")

		reason := r.pump(ctx, stream)
		_ = stream.Close()

		switch {
		case ctx.Err() != nil:
			return
		case reason == pumpStatusChanged:
			r.setState(StateStopped, statusMessage(r.status()))
			return
		case reason == pumpStalled:
			r.setState(StateStalled, "")
		}

		attempt = 1
		if attempt > r.opts.MaxRetries {
			r.giveUp(attempt)
			return
		}
		if !r.waitBackoff(ctx, attempt) {
			return
		}
	}
}

func (r *Reconnector) giveUp(attempts int) {
	err := errors.New(errors.ErrCodeTerminalStream,
		fmt.Sprintf("reconnect budget exhausted after %d attempts", attempts)).
		WithUserMessage("Live view is unavailable. The run is still executing; results will appear when it finishes.")
	r.logger.Error("live stream gave up", "attempts", attempts, "error", err)
	r.setState(StateFailed, err.UserMessage)
}

// waitBackoff sleeps for the policy delay, reporting false on cancellation.
func (r *Reconnector) waitBackoff(ctx context.Context, attempt int) bool {
	delay := r.opts.Backoff.Delay(attempt)
	r.logger.StreamReconnecting(r.runID, attempt, delay.Milliseconds())
	r.setState(StateReconnecting, "")
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

type pumpResult int

const (
	pumpStalled pumpResult = iota
	pumpStatusChanged
	pumpCancelled
)

// pump fetches frames at the capped rate until the stream stalls, the run
// leaves the active status, or ctx ends. A watchdog goroutine owns staleness
// detection so a blocked fetch cannot mask a dead stream.
func (r *Reconnector) pump(ctx context.Context, stream Stream) pumpResult {
	interval := time.Second / time.Duration(r.opts.MaxFPS)
	if interval < minFrameInterval {
		interval = minFrameInterval
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled, statusChanged atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.opts.StalenessCheck)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case <-ticker.C:
				if !r.status().Active() {
					statusChanged.Store(true)
					cancel()
					return
				}
				since := time.Since(time.Unix(0, r.lastFrame.Load()))
				if since > r.opts.StalenessThreshold {
					metrics.RelayStalls.Inc()
					r.logger.StreamStalled(r.runID, since.Milliseconds())
					stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	var fetches, failures int
	for {
		if err := limiter.Wait(pumpCtx); err != nil {
			break
		}
		fetches++
		frame, err := stream.Next(pumpCtx)
		if err != nil {
			if pumpCtx.Err() != nil {
				break
			}
			failures++
			if errors.IsTerminalStream(err) {
				// The endpoint says the stream is gone for good; let the
				// watchdog's staleness threshold end the pump rather than
				// burning fetches.
				r.logger.Warn("stream reported terminal error", "error", err)
			}
			if fetches > pauseAfterAttempts && float64(failures)/float64(fetches) > pauseFailureRate {
				r.logger.Warn("frame failure rate too high, pausing fetches",
					"fetches", fetches, "failures", failures)
				select {
				case <-time.After(pauseDuration):
				case <-pumpCtx.Done():
				}
				fetches, failures = 0, 0
			}
			continue
		}
		failures = 0
		r.lastFrame.Store(time.Now().UnixNano())
		metrics.RelayFramesReceived.Inc()
		r.mu.Lock()
		f := frame
		r.lastGood = &f
		r.mu.Unlock()
		r.sink(frame)
	}

	wg.Wait()
	switch {
	case statusChanged.Load():
		return pumpStatusChanged
	case stalled.Load():
		return pumpStalled
	}
	return pumpCancelled
}
