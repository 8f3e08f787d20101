package clustermembership

import (
	"context"
	"errors"
	"sync"
)

// fakeMembership is an in-memory MembershipExecutor used by tests in this
// package.
type fakeMembership struct {
	mu        sync.Mutex
	writes    []MemberRevision[ClusterMember]
	deletes   []MemberID
	events    chan MembershipEvent
	failNext  bool
	subscribeCalls int
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{events: make(chan MembershipEvent, 64)}
}

func (f *fakeMembership) WriteMemberRecord(ctx context.Context, rev MemberRevision[ClusterMember]) (MemberRevision[ClusterMember], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return MemberRevision[ClusterMember]{}, errors.New("fake: substrate unavailable")
	}
	f.writes = append(f.writes, rev)
	return rev, nil
}

func (f *fakeMembership) DeleteMemberRecord(ctx context.Context, id MemberID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeMembership) WatchMembershipEvents(ctx context.Context) (<-chan MembershipEvent, error) {
	f.mu.Lock()
	f.subscribeCalls++
	f.mu.Unlock()
	return f.events, nil
}

func (f *fakeMembership) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeLeaderElection is an in-memory LeaderElectionExecutor.
type fakeLeaderElection struct {
	mu      sync.Mutex
	joined  bool
	events  chan LeaderElectionEvent
}

func newFakeLeaderElection() *fakeLeaderElection {
	return &fakeLeaderElection{events: make(chan LeaderElectionEvent, 64)}
}

func (f *fakeLeaderElection) JoinLeaderElection(ctx context.Context, id MemberID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = true
	return nil
}

func (f *fakeLeaderElection) LeaveLeaderElection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = false
	return nil
}

func (f *fakeLeaderElection) WatchLeaderElectionProcessUpdates(ctx context.Context) (<-chan LeaderElectionEvent, error) {
	return f.events, nil
}
