package clustermembership

import "context"

// MembershipExecutor is the substrate port for membership records. The
// core never talks to the substrate directly; it is always through this
// interface, injected at connector construction. Concrete implementations
// live under pkg/substrate/*.
type MembershipExecutor interface {
	// WriteMemberRecord upserts this process's record. The substrate may
	// echo back a normalized revision (e.g. with a server-assigned
	// timestamp); the returned revision is what the caller should treat as
	// authoritative going forward.
	WriteMemberRecord(ctx context.Context, rev MemberRevision[ClusterMember]) (MemberRevision[ClusterMember], error)

	// DeleteMemberRecord removes this process's record from the substrate.
	DeleteMemberRecord(ctx context.Context, id MemberID) error

	// WatchMembershipEvents opens a long-lived subscription. The returned
	// channel is closed when the subscription ends (error or clean
	// completion); the caller (EventStreamSupervisor) is responsible for
	// resubscribing. The channel may emit an initial snapshot as a sequence
	// of SiblingAdded events followed by SnapshotEnd.
	WatchMembershipEvents(ctx context.Context) (<-chan MembershipEvent, error)
}

// LeaderElectionExecutor is the substrate port for leader election.
type LeaderElectionExecutor interface {
	// JoinLeaderElection registers intent to campaign; the substrate runs
	// the actual election protocol.
	JoinLeaderElection(ctx context.Context, id MemberID) error

	// LeaveLeaderElection withdraws from the campaign.
	LeaveLeaderElection(ctx context.Context) error

	// WatchLeaderElectionProcessUpdates opens a long-lived subscription,
	// same reconnect contract as WatchMembershipEvents.
	WatchLeaderElectionProcessUpdates(ctx context.Context) (<-chan LeaderElectionEvent, error)
}
