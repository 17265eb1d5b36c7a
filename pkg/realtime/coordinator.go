// Package realtime keeps downstream consumers in sync with remote execution
// state. Push events are treated as refresh hints and coalesced per target;
// a poll ticker covers push-channel gaps for targets that are still active.
// Every refresh fetches authoritative state and is skipped when that state
// is structurally identical to what the consumer already has.
package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/planrun/planrun/pkg/coalesce"
	"github.com/planrun/planrun/pkg/logging"
	"github.com/planrun/planrun/pkg/metrics"
	"github.com/planrun/planrun/pkg/push"
)

// State is one fetched snapshot of a target. Fingerprint is a stable digest
// of the fields the consumer renders; two snapshots with equal fingerprints
// are interchangeable and the second one is not applied.
type State struct {
	Fingerprint string
	Data        any
}

// Fetcher loads the authoritative state of a target.
type Fetcher func(ctx context.Context, targetID string) (State, error)

// Applier delivers a fetched state downstream. silent means the consumer
// should update in place without any loading affordance; only the very first
// load of a target is foreground.
type Applier func(targetID string, state State, silent bool)

// Options configures a Coordinator.
type Options struct {
	// Channel is the push event source. Optional: without one the
	// coordinator is poll-only.
	Channel push.Channel

	// DebounceWindow is the per-target quiet period for push bursts.
	DebounceWindow time.Duration

	// PollInterval is the fallback poll cadence for active targets.
	PollInterval time.Duration

	// MaxPendingTargets bounds the coalescing buffer.
	MaxPendingTargets int

	Logger *logging.Logger
}

// Coordinator drives refreshes for a set of tracked targets. Safe for
// concurrent use.
type Coordinator struct {
	fetch  Fetcher
	apply  Applier
	opts   Options
	logger *logging.Logger

	group singleflight.Group
	co    *coalesce.Coalescer[string, refreshHint]

	mu           sync.Mutex
	targets      map[string]func() bool // target id -> still-active predicate
	fingerprints map[string]string
	loaded       map[string]bool
	running      bool

	ctx    context.Context
	cancel context.CancelFunc
	sub    push.Subscription
	wg     sync.WaitGroup
}

type refreshHint struct {
	source string // "push" or "poll"
}

// NewCoordinator creates a coordinator. fetch and apply are required.
func NewCoordinator(fetch Fetcher, apply Applier, opts Options) *Coordinator {
	c := &Coordinator{
		fetch:        fetch,
		apply:        apply,
		opts:         opts,
		logger:       logging.OrNop(opts.Logger),
		targets:      make(map[string]func() bool),
		fingerprints: make(map[string]string),
		loaded:       make(map[string]bool),
	}
	c.co = coalesce.New[string, refreshHint](opts.DebounceWindow, opts.MaxPendingTargets, c.dispatch)
	return c
}

// Start subscribes to the push channel and begins the poll loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.opts.Channel != nil {
		sub, err := c.opts.Channel.Subscribe(c.ctx, c.onEvent)
		if err != nil {
			c.cancel()
			return err
		}
		c.sub = sub
	}

	if c.opts.PollInterval > 0 {
		c.wg.Add(1)
		go c.pollLoop(c.ctx)
	}

	c.running = true
	return nil
}

// Stop tears everything down: the subscription, the poll loop, and every
// pending debounce entry. Pending refreshes are dropped, not flushed.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	sub := c.sub
	c.sub = nil
	cancel := c.cancel
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	cancel()
	c.co.Close()
	c.wg.Wait()
}

// Track registers a target for refreshes. active gates the poll fallback:
// once it reports false the poller leaves the target alone, though push
// hints still get through until Forget. Tracking an already tracked target
// replaces its predicate.
func (c *Coordinator) Track(targetID string, active func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if active == nil {
		active = func() bool { return true }
	}
	c.targets[targetID] = active
}

// Forget stops refreshing a target and drops any pending hint for it.
func (c *Coordinator) Forget(targetID string) {
	c.mu.Lock()
	delete(c.targets, targetID)
	delete(c.fingerprints, targetID)
	delete(c.loaded, targetID)
	c.mu.Unlock()
	c.co.Cancel(targetID)
}

// ForceRefresh fetches and applies a target immediately, bypassing the
// debounce window. Used for the initial load of a screen.
func (c *Coordinator) ForceRefresh(ctx context.Context, targetID string) error {
	return c.refresh(ctx, targetID, "force")
}

// onEvent receives raw push events. Unknown targets are ignored; bursts for
// the same target collapse in the coalescer, last hint wins.
func (c *Coordinator) onEvent(e push.Event) {
	metrics.PushEventsReceived.WithLabelValues(string(e.Kind)).Inc()

	c.mu.Lock()
	_, tracked := c.targets[e.TargetID]
	c.mu.Unlock()
	if !tracked {
		c.logger.Debug("push event for untracked target", "target_id", e.TargetID, "kind", string(e.Kind))
		return
	}
	c.co.Put(e.TargetID, refreshHint{source: "push"})
}

// pollLoop covers push-channel gaps. Each tick queues a hint for every
// tracked target that is still active; inactive targets produce no traffic.
func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PollTicks.Inc()
			for _, id := range c.activeTargets() {
				c.co.Put(id, refreshHint{source: "poll"})
			}
		}
	}
}

func (c *Coordinator) activeTargets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.targets))
	for id, active := range c.targets {
		if active() {
			out = append(out, id)
		}
	}
	return out
}

// dispatch is the coalescer flush callback.
func (c *Coordinator) dispatch(targetID string, hint refreshHint) {
	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := c.refresh(ctx, targetID, hint.source); err != nil {
		c.logger.Warn("refresh failed", "target_id", targetID, "source", hint.source, "error", err)
	}
}

// refresh fetches the target once, collapsing concurrent callers, and
// applies the result unless the fingerprint matches what was last applied.
func (c *Coordinator) refresh(ctx context.Context, targetID string, source string) error {
	v, err, _ := c.group.Do(targetID, func() (any, error) {
		state, err := c.fetch(ctx, targetID)
		if err != nil {
			return State{}, err
		}
		return state, nil
	})
	if err != nil {
		return err
	}
	state := v.(State)

	c.mu.Lock()
	if prev, ok := c.fingerprints[targetID]; ok && prev == state.Fingerprint {
		c.mu.Unlock()
		metrics.RefreshesSkipped.Inc()
		c.logger.RefreshSkipped(targetID)
		return nil
	}
	silent := c.loaded[targetID]
	c.fingerprints[targetID] = state.Fingerprint
	c.loaded[targetID] = true
	c.mu.Unlock()

	mode := "foreground"
	if silent {
		mode = "silent"
	}
	metrics.RefreshesDispatched.WithLabelValues(source, mode).Inc()
	c.logger.RefreshDispatched(targetID, silent)
	c.apply(targetID, state, silent)
	return nil
}
