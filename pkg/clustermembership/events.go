package clustermembership

// MembershipEventKind tags the variant of a MembershipEvent. It is a tagged
// union matched exhaustively in ClusterState.ProcessMembershipEvent.
type MembershipEventKind string

const (
	MembershipSiblingAdded   MembershipEventKind = "SiblingAdded"
	MembershipSiblingUpdated MembershipEventKind = "SiblingUpdated"
	MembershipSiblingRemoved MembershipEventKind = "SiblingRemoved"
	MembershipSnapshotEnd    MembershipEventKind = "SnapshotEnd"
	MembershipDisconnected   MembershipEventKind = "Disconnected"
)

// MembershipEvent is one observation from the substrate's membership event
// stream (see MembershipExecutor.WatchMembershipEvents).
type MembershipEvent struct {
	Kind     MembershipEventKind
	Revision MemberRevision[ClusterMember] // set for SiblingAdded/SiblingUpdated
	MemberID MemberID                      // set for SiblingRemoved
	Cause    error                         // set for Disconnected
}

// LeaderElectionEventKind tags the variant of a LeaderElectionEvent.
type LeaderElectionEventKind string

const (
	LeaderElected    LeaderElectionEventKind = "LeaderElected"
	LeaderLost       LeaderElectionEventKind = "LeaderLost"
	LeaderLocalJoined LeaderElectionEventKind = "LocalJoined"
	LeaderLocalLeft   LeaderElectionEventKind = "LocalLeft"
	LeaderDisconnected LeaderElectionEventKind = "Disconnected"
)

// LeaderElectionEvent is one observation from the substrate's leader
// election event stream (see LeaderElectionExecutor).
type LeaderElectionEvent struct {
	Kind     LeaderElectionEventKind
	MemberID MemberID                               // set for LeaderElected/LeaderLost
	Revision MemberRevision[LeadershipRecord]        // set for LeaderElected
	Cause    error                                   // set for Disconnected
}

// DeltaEventKind tags the variant of a DeltaEvent emitted by a committed
// ClusterState transition.
type DeltaEventKind string

const (
	DeltaLocalUpdated           DeltaEventKind = "LocalUpdated"
	DeltaLocalLeadershipUpdated DeltaEventKind = "LocalLeadershipUpdated"
	DeltaSiblingAdded           DeltaEventKind = "SiblingAdded"
	DeltaSiblingUpdated         DeltaEventKind = "SiblingUpdated"
	DeltaSiblingRemoved         DeltaEventKind = "SiblingRemoved"
	DeltaLeaderChanged          DeltaEventKind = "LeaderChanged"
	DeltaDisconnected           DeltaEventKind = "Disconnected"
)

// DeltaEvent is a single observable change produced by one committed
// ClusterState transition. Consumers of Connector.MembershipChangeEvents see
// a stream of these (after an initial synthetic snapshot).
type DeltaEvent struct {
	Kind             DeltaEventKind
	MemberID         MemberID
	MemberRevision   *MemberRevision[ClusterMember]
	LeadershipRecord *MemberRevision[LeadershipRecord]
	Cause            error
}

// Update is one emission of the Reconciler's changes() stream: the resulting
// snapshot plus the delta events that produced it. The very first emission
// to a new subscriber carries the current snapshot with synthetic deltas that
// reconstruct it, rather than the deltas of one commit; see
// Reconciler.Changes and Connector.MembershipChangeEvents.
type Update struct {
	Snapshot    *ClusterState
	DeltaEvents []DeltaEvent
}

// snapshotDeltaEvents synthesizes the delta events that, if replayed against
// an empty state, reconstruct the given snapshot. Used for the first
// emission of a Changes() subscription, so a new subscriber's stream always
// equals the current state without needing a separate snapshot type.
func snapshotDeltaEvents(s *ClusterState) []DeltaEvent {
	events := make([]DeltaEvent, 0, len(s.siblings)+2)
	local := s.localRevision
	events = append(events, DeltaEvent{Kind: DeltaLocalUpdated, MemberID: local.MemberID, MemberRevision: &local})
	leadership := s.localLeadership
	events = append(events, DeltaEvent{Kind: DeltaLocalLeadershipUpdated, MemberID: leadership.MemberID, LeadershipRecord: &leadership})
	for id, rev := range s.siblings {
		r := rev
		events = append(events, DeltaEvent{Kind: DeltaSiblingAdded, MemberID: id, MemberRevision: &r})
	}
	if s.currentLeader != nil {
		l := *s.currentLeader
		events = append(events, DeltaEvent{Kind: DeltaLeaderChanged, MemberID: l.MemberID, LeadershipRecord: &l})
	}
	return events
}
