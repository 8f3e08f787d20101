package clustermembership

import (
	"context"
	"errors"
	"testing"
	"time"
)

func bumpAction(label string, bump func(*ClusterState) (*ClusterState, []DeltaEvent)) Action {
	return Action{Label: label, Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
		return bump, nil
	}}
}

func TestReconciler_ApplyCommitsTransitionInOrder(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, 5*time.Millisecond, time.Hour, nil, nil)
	defer r.Shutdown(time.Second)

	var seen []int64
	for i := int64(1); i <= 5; i++ {
		rev := i
		fut := r.Apply(bumpAction("bump", func(cur *ClusterState) (*ClusterState, []DeltaEvent) {
			next, deltas, _ := cur.SetLocalMemberRevision(MemberRevision[ClusterMember]{MemberID: "local", RevisionNumber: rev})
			return next, deltas
		}))
		next, err := fut.Wait(context.Background())
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
		seen = append(seen, next.LocalMemberRevision().RevisionNumber)
	}
	for i, v := range seen {
		if v != int64(i+1) {
			t.Fatalf("expected strictly increasing committed revisions, got %v", seen)
		}
	}
}

func TestReconciler_FailedSideEffectDoesNotCommit(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, 5*time.Millisecond, time.Hour, nil, nil)
	defer r.Shutdown(time.Second)

	before := r.Current()
	fut := r.Apply(Action{Label: "boom", Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
		return nil, errors.New("boom")
	}})
	if _, err := fut.Wait(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
	if r.Current() != before {
		t.Fatalf("state must not change on a failed side effect")
	}
}

func TestReconciler_ChangesFirstEmissionIsSnapshot(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, 5*time.Millisecond, time.Hour, nil, nil)
	defer r.Shutdown(time.Second)

	ch := r.Changes()
	select {
	case u := <-ch:
		if u.Snapshot == nil || len(u.DeltaEvents) == 0 {
			t.Fatalf("expected synthetic snapshot with reconstructive deltas, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for initial snapshot")
	}
}

func TestReconciler_ChangesStreamIsMonotonicPerCommit(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, 5*time.Millisecond, time.Hour, nil, nil)
	defer r.Shutdown(time.Second)

	ch := r.Changes()
	<-ch // drain initial snapshot

	for i := int64(1); i <= 3; i++ {
		rev := i
		r.Apply(bumpAction("bump", func(cur *ClusterState) (*ClusterState, []DeltaEvent) {
			next, deltas, _ := cur.SetLocalMemberRevision(MemberRevision[ClusterMember]{MemberID: "local", RevisionNumber: rev})
			return next, deltas
		}))
	}
	var last int64
	for i := 0; i < 3; i++ {
		select {
		case u := <-ch:
			for _, d := range u.DeltaEvents {
				if d.Kind == DeltaLocalUpdated && d.MemberRevision.RevisionNumber <= last {
					t.Fatalf("changes stream not monotonic: got %d after %d", d.MemberRevision.RevisionNumber, last)
				} else if d.Kind == DeltaLocalUpdated {
					last = d.MemberRevision.RevisionNumber
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}
}

func TestReconciler_CancelBeforeStartRemovesAction(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, time.Hour, time.Hour, nil, nil) // no ticks; nothing drains until wake
	defer r.Shutdown(time.Second)

	ran := false
	// Enqueue directly so we can cancel before the worker wakes.
	fut := &Future{done: make(chan struct{})}
	req := &actionRequest{action: Action{Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
		ran = true
		return nil, nil
	}}, future: fut}
	r.queueMu.Lock()
	r.queue = append(r.queue, req)
	r.queueMu.Unlock()

	if !fut.Cancel() {
		t.Fatalf("expected cancel before start to succeed")
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	time.Sleep(50 * time.Millisecond)
	if ran {
		t.Fatalf("cancelled action must not run")
	}
}

func TestReconciler_HousekeepingRunsOnLongCycle(t *testing.T) {
	s, _ := newTestState(t)
	calls := 0
	provider := func(now time.Time, cs *ClusterState) []Action {
		calls++
		return nil
	}
	r := NewReconciler(s, 5*time.Millisecond, 20*time.Millisecond, provider, nil)
	defer r.Shutdown(time.Second)
	time.Sleep(120 * time.Millisecond)
	if calls < 2 {
		t.Fatalf("expected housekeeping to run multiple times on long cycle, got %d", calls)
	}
}

func TestReconciler_ApplyAfterShutdownFailsWithShuttingDown(t *testing.T) {
	s, _ := newTestState(t)
	r := NewReconciler(s, time.Hour, time.Hour, nil, nil)
	r.Shutdown(time.Second)

	fut := r.Apply(bumpAction("noop", func(cur *ClusterState) (*ClusterState, []DeltaEvent) { return cur, nil }))
	_, err := fut.Wait(context.Background())
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ShuttingDown after shutdown, got %v", err)
	}
}
