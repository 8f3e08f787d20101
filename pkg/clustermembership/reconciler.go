package clustermembership

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Transition is a pure ClusterState update: given the state an action's side
// effect succeeded against, it returns the next state and the delta events
// that change produced. Transitions never perform I/O.
type Transition func(*ClusterState) (*ClusterState, []DeltaEvent)

// Action is a deferred computation that performs one substrate side effect
// and, on success, returns the Transition to commit. Run must not mutate the
// ClusterState it is given; it only reads from it to decide what to do.
// Pure, I/O-free actions (see actions.go) set Run to a function that skips
// straight to returning a Transition with no side effect performed.
type Action struct {
	// Label is used in logs; not semantically significant.
	Label string
	Run   func(ctx context.Context, current *ClusterState) (Transition, error)
}

// Future is returned by Reconciler.Apply. It resolves once the action has
// been drained from the queue and either committed or failed.
type Future struct {
	done      chan struct{}
	result    *ClusterState
	err       error
	mu        sync.Mutex
	started   bool
	cancelled bool
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*ClusterState, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the action from the queue if its side effect has not yet
// begun. Cancellation before the side effect begins removes the action;
// cancellation after has no effect (the action runs to completion, its
// result discarded). Returns true if the cancellation took effect before
// execution started.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return false
	}
	f.cancelled = true
	return true
}

func (f *Future) resolve(s *ClusterState, err error) {
	f.result, f.err = s, err
	close(f.done)
}

// ReconciliationActionsProvider computes the self-actions needed to
// converge, given the current state. Returned actions are applied in order,
// at most once each per long cycle.
type ReconciliationActionsProvider func(now time.Time, s *ClusterState) []Action

type actionRequest struct {
	action Action
	future *Future
}

// Reconciler is the single-writer, single-threaded state holder. All
// mutation of ClusterState happens on one owned goroutine; readers observe
// state through an atomically-published pointer.
type Reconciler struct {
	logger *log.Logger

	current atomic.Pointer[ClusterState]

	quickCycle time.Duration
	longCycle  time.Duration

	reconcileProvider ReconciliationActionsProvider

	queueMu sync.Mutex
	queue   []*actionRequest
	wake    chan struct{}

	subsMu sync.Mutex
	subs   map[chan Update]struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	shuttingDown atomic.Bool
	stopOnce     sync.Once

	// onActionError, if set, is called (off the worker goroutine's critical
	// path is not guaranteed; keep it cheap) whenever a queued action's Run
	// returns an error and there is no Future to carry it to a waiting
	// caller — i.e. housekeeping actions, not Apply() calls made through
	// Connector methods like Register.
	onActionError func(label string, err error)
}

// NewReconciler constructs a Reconciler seeded with initial state and starts
// its worker goroutine. provider may be nil, in which case no housekeeping
// runs (useful in unit tests of pure Apply semantics).
func NewReconciler(initial *ClusterState, quickCycle, longCycle time.Duration, provider ReconciliationActionsProvider, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	r := &Reconciler{
		logger:            logger,
		quickCycle:        quickCycle,
		longCycle:         longCycle,
		reconcileProvider: provider,
		wake:              make(chan struct{}, 1),
		subs:              make(map[chan Update]struct{}),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	r.current.Store(initial)
	go r.run()
	return r
}

// SetOnActionError installs the callback invoked when a housekeeping
// action's side effect fails. Must be called before the first failure can
// occur to avoid a race with the worker goroutine; Connector calls it
// immediately after construction.
func (r *Reconciler) SetOnActionError(fn func(label string, err error)) {
	r.onActionError = fn
}

// Current returns the latest committed state. Safe for concurrent callers;
// never blocks on the worker.
func (r *Reconciler) Current() *ClusterState {
	return r.current.Load()
}

// Apply enqueues an action and returns a Future resolving to the resulting
// state (or the failure). If the reconciler has begun shutdown, the future
// resolves immediately with ErrShuttingDown.
func (r *Reconciler) Apply(action Action) *Future {
	fut := &Future{done: make(chan struct{})}
	if r.shuttingDown.Load() {
		fut.resolve(nil, ErrShuttingDown)
		return fut
	}
	req := &actionRequest{action: action, future: fut}
	r.queueMu.Lock()
	r.queue = append(r.queue, req)
	r.queueMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return fut
}

// Changes returns a stream of Update. The first emission is a synthetic
// snapshot of the current state reconstructed as if it had been built from
// scratch; subsequent emissions carry the delta events of each committed
// transition, in commit order.
func (r *Reconciler) Changes() <-chan Update {
	ch := make(chan Update, 256)
	snap := r.Current()
	ch <- Update{Snapshot: snap, DeltaEvents: snapshotDeltaEvents(snap)}
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()
	return ch
}

// Unsubscribe detaches a channel previously returned by Changes and closes
// it. Safe to call more than once.
func (r *Reconciler) Unsubscribe(ch <-chan Update) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for c := range r.subs {
		if (<-chan Update)(c) == ch {
			delete(r.subs, c)
			close(c)
			return
		}
	}
}

func (r *Reconciler) publish(u Update) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for ch := range r.subs {
		ch <- u
	}
}

// Shutdown stops accepting new actions, drains in-flight work up to
// gracePeriod, cancels the worker, and closes all changes() subscriptions.
// Idempotent.
func (r *Reconciler) Shutdown(gracePeriod time.Duration) {
	r.shuttingDown.Store(true)
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
	case <-time.After(gracePeriod):
		r.logger.Printf("clustermembership: reconciler shutdown grace period elapsed, worker still draining")
	}
	r.subsMu.Lock()
	for ch := range r.subs {
		close(ch)
	}
	r.subs = map[chan Update]struct{}{}
	r.subsMu.Unlock()
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.quickCycle)
	defer ticker.Stop()
	lastLong := time.Time{}
	for {
		select {
		case <-r.stopCh:
			r.drainQueue()
			return
		case <-r.wake:
			r.drainOne()
		case <-ticker.C:
			r.drainOne()
			now := time.Now()
			if now.Sub(lastLong) >= r.longCycle {
				lastLong = now
				r.runHousekeeping(now)
			}
		}
	}
}

// drainQueue fails every still-queued action with ErrShuttingDown; used on
// the shutdown path so callers blocked in Future.Wait are released.
func (r *Reconciler) drainQueue() {
	r.queueMu.Lock()
	pending := r.queue
	r.queue = nil
	r.queueMu.Unlock()
	for _, req := range pending {
		req.future.resolve(nil, ErrShuttingDown)
	}
}

func (r *Reconciler) popOne() *actionRequest {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	for len(r.queue) > 0 {
		req := r.queue[0]
		r.queue = r.queue[1:]
		req.future.mu.Lock()
		if req.future.cancelled {
			req.future.mu.Unlock()
			continue
		}
		req.future.started = true
		req.future.mu.Unlock()
		return req
	}
	return nil
}

func (r *Reconciler) drainOne() {
	req := r.popOne()
	if req == nil {
		return
	}
	r.runOne(req.action, req.future)
}

// runOne executes a single action's side effect and, on success, commits its
// transition. It is the only place ClusterState is ever mutated.
func (r *Reconciler) runOne(action Action, fut *Future) {
	current := r.Current()
	transition, err := action.Run(context.Background(), current)
	if err != nil {
		if fut != nil {
			fut.resolve(nil, err)
		} else {
			r.logger.Printf("clustermembership: reconciliation action %q failed, will retry next long cycle: %v", action.Label, err)
			if r.onActionError != nil {
				r.onActionError(action.Label, err)
			}
		}
		return
	}
	if transition == nil {
		if fut != nil {
			fut.resolve(current, nil)
		}
		return
	}
	next, deltas := transition(current)
	r.current.Store(next)
	if len(deltas) > 0 {
		r.publish(Update{Snapshot: next, DeltaEvents: deltas})
	}
	if fut != nil {
		fut.resolve(next, nil)
	}
}

// runHousekeeping consults the reconciliation actions provider and executes
// each returned action, one at a time, same as externally submitted
// actions, but with failures logged and dropped rather than surfaced.
func (r *Reconciler) runHousekeeping(now time.Time) {
	if r.reconcileProvider == nil {
		return
	}
	current := r.Current()
	actions := r.reconcileProvider(now, current)
	for _, action := range actions {
		r.runOne(action, nil)
	}
}
