package clustermembership

import (
	"context"
	"testing"
	"time"
)

func newTestConnector(t *testing.T, cfg Config) (*Connector, *fakeMembership, *fakeLeaderElection) {
	t.Helper()
	mem := newFakeMembership()
	le := newFakeLeaderElection()
	off := false
	c, err := New(context.Background(), ConnectorOptions{
		Local:           ClusterMember{MemberID: "local", Enabled: true},
		Membership:      mem,
		LeaderElection:  le,
		Config:          cfg,
		DebugLogChanges: &off,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c, mem, le
}

// Scenario 1: register, observe echo, no duplicate.
func TestConnector_RegisterEchoIsNotDuplicated(t *testing.T) {
	cfg := DefaultConfig(100_000) // quiet heartbeat/GC for this scenario
	c, mem, _ := newTestConnector(t, cfg)

	rev, err := c.Register(context.Background(), func(m ClusterMember) MemberRevision[ClusterMember] {
		return MemberRevision[ClusterMember]{MemberID: m.MemberID, Payload: m, RevisionNumber: 1, TimestampMs: time.Now().UnixMilli()}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rev.RevisionNumber != 1 {
		t.Fatalf("expected revision 1, got %d", rev.RevisionNumber)
	}

	// Substrate echoes the write back as a SiblingAdded event for our own ID.
	mem.events <- MembershipEvent{Kind: MembershipSiblingAdded, Revision: rev}
	time.Sleep(50 * time.Millisecond)

	if len(c.GetSiblings()) != 0 {
		t.Fatalf("expected no siblings (local echo must be ignored), got %v", c.GetSiblings())
	}
	if c.GetLocalMember().RevisionNumber != 1 {
		t.Fatalf("expected local revision to remain 1, got %d", c.GetLocalMember().RevisionNumber)
	}
}

// Scenario 2: heartbeat bump.
func TestConnector_HeartbeatBumpsRevisionPeriodically(t *testing.T) {
	cfg := DefaultConfig(300)
	cfg.HeartbeatIntervalMs = 100
	cfg.ReconcilerQuickCycleMs = 10
	cfg.ReconcilerLongCycleMs = 50
	c, mem, _ := newTestConnector(t, cfg)

	if _, err := c.Register(context.Background(), func(m ClusterMember) MemberRevision[ClusterMember] {
		return MemberRevision[ClusterMember]{MemberID: m.MemberID, Payload: m, RevisionNumber: 1}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	time.Sleep(350 * time.Millisecond)

	if c.GetLocalMember().RevisionNumber < 4 {
		t.Fatalf("expected revision >= 4 after 350ms of 100ms heartbeats, got %d", c.GetLocalMember().RevisionNumber)
	}
	if mem.writeCount() < 4 { // 1 register + >= 3 heartbeats
		t.Fatalf("expected substrate to receive >= 4 writes, got %d", mem.writeCount())
	}
}

// Scenario 4: reconnect preserves liveness.
func TestConnector_MembershipStreamReconnectsAfterError(t *testing.T) {
	cfg := DefaultConfig(100_000)
	cfg.ReconnectIntervalMs = 30
	c, mem, _ := newTestConnector(t, cfg)

	ch := c.MembershipChangeEvents()
	<-ch // initial snapshot

	close(mem.events) // simulate stream error/completion

	sawDisconnect := false
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case u := <-ch:
			for _, d := range u.DeltaEvents {
				if d.Kind == DeltaDisconnected {
					sawDisconnect = true
					break loop
				}
			}
		case <-deadline:
			break loop
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected a Disconnected delta event after the membership stream errored")
	}

	// After the supervisor resubscribes, a fresh sibling must be observable.
	time.Sleep(100 * time.Millisecond)
	mem.mu.Lock()
	mem.events = make(chan MembershipEvent, 64)
	mem.mu.Unlock()

	// Give the supervisor a moment to pick up the fresh subscription via its
	// own retry loop before we simulate a sibling joining it.
	time.Sleep(100 * time.Millisecond)
	mem.mu.Lock()
	fresh := mem.events
	mem.mu.Unlock()
	fresh <- MembershipEvent{Kind: MembershipSiblingAdded, Revision: MemberRevision[ClusterMember]{MemberID: "B", RevisionNumber: 1, TimestampMs: time.Now().UnixMilli()}}
	siblingDeadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.GetSiblings()["B"]; ok {
			break
		}
		if time.Now().After(siblingDeadline) {
			t.Fatalf("expected sibling B to be observable after the membership stream reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Scenario 5: join then leave (non-leader).
func TestConnector_JoinThenLeaveNonLeader(t *testing.T) {
	cfg := DefaultConfig(100_000)
	c, _, le := newTestConnector(t, cfg)

	if err := c.JoinLeadershipGroup(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	le.events <- LeaderElectionEvent{Kind: LeaderLocalJoined}
	le.events <- LeaderElectionEvent{Kind: LeaderElected, MemberID: "other", Revision: MemberRevision[LeadershipRecord]{MemberID: "other"}}
	time.Sleep(50 * time.Millisecond)

	if !c.reconciler.Current().InLeaderElectionProcess() {
		t.Fatalf("expected inLeaderElectionProcess true after join")
	}
	if leader := c.FindCurrentLeader(); leader == nil || leader.MemberID != "other" {
		t.Fatalf("expected current leader to be other, got %v", leader)
	}

	left, err := c.LeaveLeadershipGroup(context.Background(), true)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !left {
		t.Fatalf("expected leave to succeed when not leader")
	}
	if c.reconciler.Current().InLeaderElectionProcess() {
		t.Fatalf("expected inLeaderElectionProcess false after leaving")
	}
}

// Scenario 6: leave-only-non-leader is a no-op when we are the leader.
func TestConnector_LeaveOnlyNonLeaderNoopWhenLeader(t *testing.T) {
	cfg := DefaultConfig(100_000)
	c, _, le := newTestConnector(t, cfg)

	if err := c.JoinLeadershipGroup(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	le.events <- LeaderElectionEvent{Kind: LeaderLocalJoined}
	le.events <- LeaderElectionEvent{
		Kind:     LeaderElected,
		MemberID: "local",
		Revision: MemberRevision[LeadershipRecord]{MemberID: "local", Payload: LeadershipRecord{MemberID: "local", Role: RoleLeader}},
	}
	time.Sleep(50 * time.Millisecond)

	left, err := c.LeaveLeadershipGroup(context.Background(), true)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if left {
		t.Fatalf("expected leave to be vetoed while we are the leader")
	}
	if !c.reconciler.Current().InLeaderElectionProcess() {
		t.Fatalf("expected inLeaderElectionProcess to remain true")
	}
}
