package clustermembership

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestState(t *testing.T) (*ClusterState, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cfg := DefaultConfig(1000)
	s := NewClusterState(ClusterMember{MemberID: "local", Enabled: true}, clk, cfg)
	return s, clk
}

func TestSetLocalMemberRevision_RejectsNonMonotonic(t *testing.T) {
	s, _ := newTestState(t)
	next, deltas, err := s.SetLocalMemberRevision(MemberRevision[ClusterMember]{MemberID: "local", RevisionNumber: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Kind != DeltaLocalUpdated {
		t.Fatalf("expected one LocalUpdated delta, got %v", deltas)
	}
	if _, _, err := next.SetLocalMemberRevision(MemberRevision[ClusterMember]{MemberID: "local", RevisionNumber: 4}); err == nil {
		t.Fatalf("expected InvalidTransition error for decreasing revision number")
	}
}

func TestProcessMembershipEvent_IgnoresLocalEcho(t *testing.T) {
	s, _ := newTestState(t)
	evt := MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "local", RevisionNumber: 99},
	}
	next, deltas := s.ProcessMembershipEvent(evt)
	if len(deltas) != 0 {
		t.Fatalf("expected no deltas when substrate echoes local member, got %v", deltas)
	}
	if _, ok := next.Siblings()["local"]; ok {
		t.Fatalf("uniqueness violated: local member appeared in siblings")
	}
}

func TestProcessMembershipEvent_MergeKeepsHigherRevision(t *testing.T) {
	s, _ := newTestState(t)
	s, _ = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 3, TimestampMs: 10},
	})
	// Stale (lower) revision must not overwrite.
	s2, deltas := s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingUpdated,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 2, TimestampMs: 20},
	})
	if len(deltas) != 0 {
		t.Fatalf("expected stale update to be dropped, got %v", deltas)
	}
	if s2.AllSiblingsForDebug()["A"].RevisionNumber != 3 {
		t.Fatalf("monotonicity violated: retained revision = %d, want 3", s2.AllSiblingsForDebug()["A"].RevisionNumber)
	}
	// Higher revision must win.
	s3, deltas := s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingUpdated,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 4, TimestampMs: 5},
	})
	if len(deltas) != 1 || deltas[0].Kind != DeltaSiblingUpdated {
		t.Fatalf("expected one SiblingUpdated delta, got %v", deltas)
	}
	if s3.AllSiblingsForDebug()["A"].RevisionNumber != 4 {
		t.Fatalf("retained revision = %d, want 4", s3.AllSiblingsForDebug()["A"].RevisionNumber)
	}
}

func TestProcessMembershipEvent_TieBreakByTimestampThenIdempotent(t *testing.T) {
	s, _ := newTestState(t)
	s, _ = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 3, TimestampMs: 10},
	})
	// Equal revision, higher timestamp wins.
	s, deltas := s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingUpdated,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 3, TimestampMs: 20},
	})
	if len(deltas) != 1 {
		t.Fatalf("expected higher-timestamp tie-break to replace, got %v", deltas)
	}
	// Full tie: existing wins, no delta emitted.
	_, deltas = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingUpdated,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 3, TimestampMs: 20},
	})
	if len(deltas) != 0 {
		t.Fatalf("expected full-tie update to be idempotent (no delta), got %v", deltas)
	}
}

func TestSiblings_FiltersStaleButKeepsInternalMap(t *testing.T) {
	s, clk := newTestState(t)
	s, _ = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 1, TimestampMs: clk.t.UnixMilli()},
	})
	if _, ok := s.Siblings()["A"]; !ok {
		t.Fatalf("expected A to be visible before staleness")
	}
	clk.advance(2 * time.Second) // 2x staleThresholdMs(1000)
	if _, ok := s.Siblings()["A"]; ok {
		t.Fatalf("expected A to be filtered once stale")
	}
	if _, ok := s.AllSiblingsForDebug()["A"]; !ok {
		t.Fatalf("stale sibling should remain in internal map for debugging")
	}
}

func TestPurgeDeadSiblings_RemovesOnlyAncientEntries(t *testing.T) {
	s, clk := newTestState(t)
	s, _ = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "A", RevisionNumber: 1, TimestampMs: clk.t.UnixMilli()},
	})
	clk.advance(3 * time.Second) // 3x staleThresholdMs, multiplier k=2 => stale enough to purge
	s, _ = s.ProcessMembershipEvent(MembershipEvent{
		Kind:     MembershipSiblingAdded,
		Revision: MemberRevision[ClusterMember]{MemberID: "B", RevisionNumber: 1, TimestampMs: clk.t.UnixMilli()},
	})
	next, deltas := s.purgeDeadSiblings(clk.Now(), s.Config().StaleGCMultiplier)
	if len(deltas) != 1 || deltas[0].Kind != DeltaSiblingRemoved || deltas[0].MemberID != "A" {
		t.Fatalf("expected GC to remove A, got %v", deltas)
	}
	if _, ok := next.AllSiblingsForDebug()["A"]; ok {
		t.Fatalf("expected A purged from internal map")
	}
	if _, ok := next.AllSiblingsForDebug()["B"]; !ok {
		t.Fatalf("expected fresh sibling B to survive GC")
	}
}

func TestProcessLeaderElectionEvent_LocalElectionPromotesLeadership(t *testing.T) {
	s, _ := newTestState(t)
	s, _ = s.ProcessLeaderElectionEvent(LeaderElectionEvent{Kind: LeaderLocalJoined})
	if !s.InLeaderElectionProcess() {
		t.Fatalf("expected in-process after LocalJoined")
	}
	s, deltas := s.ProcessLeaderElectionEvent(LeaderElectionEvent{
		Kind:     LeaderElected,
		MemberID: "local",
		Revision: MemberRevision[LeadershipRecord]{MemberID: "local", Payload: LeadershipRecord{MemberID: "local", Role: RoleLeader}},
	})
	if s.LocalLeadershipRevision().Payload.Role != RoleLeader {
		t.Fatalf("expected local promoted to Leader, got %v", s.LocalLeadershipRevision().Payload.Role)
	}
	if s.CurrentLeader() == nil || s.CurrentLeader().MemberID != "local" {
		t.Fatalf("expected currentLeader to be local")
	}
	foundLeaderChanged := false
	for _, d := range deltas {
		if d.Kind == DeltaLeaderChanged {
			foundLeaderChanged = true
		}
	}
	if !foundLeaderChanged {
		t.Fatalf("expected a LeaderChanged delta, got %v", deltas)
	}
}

func TestProcessLeaderElectionEvent_OtherLeaderLeavesLocalNonLeader(t *testing.T) {
	s, _ := newTestState(t)
	s, _ = s.ProcessLeaderElectionEvent(LeaderElectionEvent{Kind: LeaderLocalJoined})
	s, _ = s.ProcessLeaderElectionEvent(LeaderElectionEvent{
		Kind:     LeaderElected,
		MemberID: "other",
		Revision: MemberRevision[LeadershipRecord]{MemberID: "other", Payload: LeadershipRecord{MemberID: "other", Role: RoleLeader}},
	})
	if s.LocalLeadershipRevision().Payload.Role == RoleLeader {
		t.Fatalf("local must not be promoted when another member is elected")
	}
	if s.CurrentLeader() == nil || s.CurrentLeader().MemberID != "other" {
		t.Fatalf("expected currentLeader to be other")
	}
}

func TestProcessLeaderElectionEvent_DisconnectedKnocksDownInProcess(t *testing.T) {
	s, _ := newTestState(t)
	s, _ = s.ProcessLeaderElectionEvent(LeaderElectionEvent{Kind: LeaderLocalJoined})
	s, _ = s.SetDesiredCampaign(true)
	s, deltas := s.ProcessLeaderElectionEvent(LeaderElectionEvent{Kind: LeaderDisconnected})
	if s.InLeaderElectionProcess() {
		t.Fatalf("expected inLeaderElectionProcess reset to false after disconnect")
	}
	if !s.DesiredCampaign() {
		t.Fatalf("expected desiredCampaign to survive a disconnect")
	}
	if len(deltas) != 1 || deltas[0].Kind != DeltaDisconnected {
		t.Fatalf("expected a single Disconnected delta, got %v", deltas)
	}
}
