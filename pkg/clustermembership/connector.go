package clustermembership

import (
	"context"
	"log"
	"time"
)

// Connector is the public facade of the package. Every method is a thin
// wrapper that submits an Action to the Reconciler and projects the
// resulting (or current) ClusterState into the shape callers want.
type Connector struct {
	reconciler *Reconciler
	actx       *ActionContext
	config     Config
	logger     *log.Logger

	membershipSupervisor     *EventStreamSupervisor[MembershipEvent]
	leaderElectionSupervisor *EventStreamSupervisor[LeaderElectionEvent]

	debugLogChanges bool
	debugCh         <-chan Update
}

// ConnectorOptions configures New.
type ConnectorOptions struct {
	Local          ClusterMember
	Membership     MembershipExecutor
	LeaderElection LeaderElectionExecutor
	Config         Config
	Clock          Clock
	Logger         *log.Logger
	// DebugLogChanges starts a third, purely diagnostic subscription to the
	// reconciler's own changes() stream that logs every delta. Defaults to
	// true.
	DebugLogChanges *bool
	// OnActionError, if set, is called whenever a housekeeping action's
	// side effect fails. Intended for instrumentation (e.g. incrementing a
	// failure counter); it is not part of the reconciliation algorithm.
	OnActionError func(label string, err error)
}

// New constructs a Connector: builds the initial ClusterState, starts the
// Reconciler worker, and launches both substrate event-stream supervisors.
func New(ctx context.Context, opts ConnectorOptions) (*Connector, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	initial := NewClusterState(opts.Local, clock, opts.Config)
	actx := &ActionContext{
		Membership:     opts.Membership,
		LeaderElection: opts.LeaderElection,
		MemberID:       opts.Local.MemberID,
		Logger:         opts.Logger,
	}

	reconciler := NewReconciler(
		initial,
		time.Duration(opts.Config.ReconcilerQuickCycleMs)*time.Millisecond,
		time.Duration(opts.Config.ReconcilerLongCycleMs)*time.Millisecond,
		DefaultReconciliationActionsProvider(actx),
		opts.Logger,
	)
	if opts.OnActionError != nil {
		reconciler.SetOnActionError(opts.OnActionError)
	}

	c := &Connector{
		reconciler:      reconciler,
		actx:            actx,
		config:          opts.Config,
		logger:          opts.Logger,
		debugLogChanges: opts.DebugLogChanges == nil || *opts.DebugLogChanges,
	}

	reconnect := time.Duration(opts.Config.ReconnectIntervalMs) * time.Millisecond

	c.membershipSupervisor = NewEventStreamSupervisor(
		"membership",
		opts.Membership.WatchMembershipEvents,
		func(evt MembershipEvent) {
			c.reconciler.Apply(Action{
				Label: "membershipEvent:" + string(evt.Kind),
				Run: func(_ context.Context, _ *ClusterState) (Transition, error) {
					return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
						return s.ProcessMembershipEvent(evt)
					}, nil
				},
			})
		},
		func(cause error) MembershipEvent { return MembershipEvent{Kind: MembershipDisconnected, Cause: cause} },
		reconnect,
		opts.Logger,
	)
	c.leaderElectionSupervisor = NewEventStreamSupervisor(
		"leader-election",
		opts.LeaderElection.WatchLeaderElectionProcessUpdates,
		func(evt LeaderElectionEvent) {
			c.reconciler.Apply(Action{
				Label: "leaderElectionEvent:" + string(evt.Kind),
				Run: func(_ context.Context, _ *ClusterState) (Transition, error) {
					return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
						return s.ProcessLeaderElectionEvent(evt)
					}, nil
				},
			})
		},
		func(cause error) LeaderElectionEvent { return LeaderElectionEvent{Kind: LeaderDisconnected, Cause: cause} },
		reconnect,
		opts.Logger,
	)

	c.membershipSupervisor.Start(ctx)
	c.leaderElectionSupervisor.Start(ctx)

	if c.debugLogChanges {
		c.debugCh = c.reconciler.Changes()
		go func() {
			for u := range c.debugCh {
				for _, d := range u.DeltaEvents {
					c.logger.Printf("clustermembership: reconciler update: %s member=%s", d.Kind, d.MemberID)
				}
			}
		}()
	}

	return c, nil
}

// Register submits a registerLocal action and waits for it to commit,
// returning the resulting local revision.
func (c *Connector) Register(ctx context.Context, selfUpdate func(ClusterMember) MemberRevision[ClusterMember]) (MemberRevision[ClusterMember], error) {
	s, err := c.reconciler.Apply(RegisterLocal(c.actx, selfUpdate)).Wait(ctx)
	if err != nil {
		return MemberRevision[ClusterMember]{}, err
	}
	return s.LocalMemberRevision(), nil
}

// Unregister submits an unregisterLocal action and waits for it to commit.
func (c *Connector) Unregister(ctx context.Context, selfUpdate func(ClusterMember) MemberRevision[ClusterMember]) (MemberRevision[ClusterMember], error) {
	s, err := c.reconciler.Apply(UnregisterLocal(c.actx, selfUpdate)).Wait(ctx)
	if err != nil {
		return MemberRevision[ClusterMember]{}, err
	}
	return s.LocalMemberRevision(), nil
}

// JoinLeadershipGroup submits a join action and waits for it to commit.
func (c *Connector) JoinLeadershipGroup(ctx context.Context) error {
	_, err := c.reconciler.Apply(JoinLeadershipGroup(c.actx)).Wait(ctx)
	return err
}

// LeaveLeadershipGroup submits a leave action and reports whether the local
// process actually left the pool (false when onlyNonLeader vetoed it
// because we are currently the leader).
func (c *Connector) LeaveLeadershipGroup(ctx context.Context, onlyNonLeader bool) (bool, error) {
	s, err := c.reconciler.Apply(LeaveLeadershipGroup(c.actx, onlyNonLeader)).Wait(ctx)
	if err != nil {
		return false, err
	}
	return !s.InLeaderElectionProcess(), nil
}

// GetLocalMember reads the current local revision; no I/O.
func (c *Connector) GetLocalMember() MemberRevision[ClusterMember] {
	return c.reconciler.Current().LocalMemberRevision()
}

// GetLocalLeadership reads the current local leadership revision; no I/O.
func (c *Connector) GetLocalLeadership() MemberRevision[LeadershipRecord] {
	return c.reconciler.Current().LocalLeadershipRevision()
}

// GetSiblings reads the non-stale sibling set; no I/O.
func (c *Connector) GetSiblings() map[MemberID]MemberRevision[ClusterMember] {
	return c.reconciler.Current().Siblings()
}

// FindCurrentLeader reads the substrate-reported current leader, if any.
func (c *Connector) FindCurrentLeader() *MemberRevision[LeadershipRecord] {
	return c.reconciler.Current().CurrentLeader()
}

// MembershipChangeEvents returns a stream whose first emission is a full
// snapshot and whose subsequent emissions are per-update deltas. Callers
// must eventually call Reconciler.Unsubscribe (or let Shutdown close it) to
// release the channel.
func (c *Connector) MembershipChangeEvents() <-chan Update {
	return c.reconciler.Changes()
}

// Shutdown cancels both substrate subscriptions, drains the reconciler up
// to its configured grace period, and closes all changes() streams.
// Idempotent.
func (c *Connector) Shutdown() {
	c.membershipSupervisor.Stop()
	c.leaderElectionSupervisor.Stop()
	c.reconciler.Shutdown(time.Duration(c.config.ShutdownGraceMs) * time.Millisecond)
}
