package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	"github.com/amirimatin/clustermembership/pkg/transport"
	mgmtgrpc "github.com/amirimatin/clustermembership/pkg/transport/grpc"
	httpjson "github.com/amirimatin/clustermembership/pkg/transport/httpjson"
)

// fakeMembership and fakeLeaderElection are minimal in-memory substrate
// stand-ins, exercised the same way the reconciler's own package tests do,
// but from outside the package so the status API transports can be driven
// end to end.
type fakeMembership struct {
	mu     sync.Mutex
	events chan cm.MembershipEvent
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{events: make(chan cm.MembershipEvent, 64)}
}

func (f *fakeMembership) WriteMemberRecord(ctx context.Context, rev cm.MemberRevision[cm.ClusterMember]) (cm.MemberRevision[cm.ClusterMember], error) {
	return rev, nil
}
func (f *fakeMembership) DeleteMemberRecord(ctx context.Context, id cm.MemberID) error { return nil }
func (f *fakeMembership) WatchMembershipEvents(ctx context.Context) (<-chan cm.MembershipEvent, error) {
	return f.events, nil
}

type fakeLeaderElection struct {
	events chan cm.LeaderElectionEvent
}

func newFakeLeaderElection() *fakeLeaderElection {
	return &fakeLeaderElection{events: make(chan cm.LeaderElectionEvent, 64)}
}

func (f *fakeLeaderElection) JoinLeaderElection(ctx context.Context, id cm.MemberID) error { return nil }
func (f *fakeLeaderElection) LeaveLeaderElection(ctx context.Context) error                { return nil }
func (f *fakeLeaderElection) WatchLeaderElectionProcessUpdates(ctx context.Context) (<-chan cm.LeaderElectionEvent, error) {
	return f.events, nil
}

func newTestNode(t *testing.T) (*cm.Connector, *fakeMembership, *fakeLeaderElection) {
	t.Helper()
	mem := newFakeMembership()
	le := newFakeLeaderElection()
	off := false
	cfg := cm.DefaultConfig(2000)
	connector, err := cm.New(context.Background(), cm.ConnectorOptions{
		Local:           cm.ClusterMember{MemberID: "node-a", Active: true, Enabled: true},
		Membership:      mem,
		LeaderElection:  le,
		Config:          cfg,
		DebugLogChanges: &off,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(connector.Shutdown)
	return connector, mem, le
}

func statusFuncFor(c *cm.Connector) transport.StatusFunc {
	return func(ctx context.Context) (transport.StatusPayload, error) {
		local := c.GetLocalMember()
		out := transport.StatusPayload{
			LocalMemberID:   string(local.MemberID),
			LocalRevision:   local.RevisionNumber,
			LocalActive:     local.Payload.Active,
			LocalRegistered: local.Payload.Registered,
		}
		if leader := c.FindCurrentLeader(); leader != nil {
			out.LeaderID = string(leader.MemberID)
		}
		for id, rev := range c.GetSiblings() {
			out.Siblings = append(out.Siblings, transport.SiblingStatus{
				MemberID: string(id), Revision: rev.RevisionNumber, Active: rev.Payload.Active, Registered: rev.Payload.Registered,
			})
		}
		return out, nil
	}
}

func watchFuncFor(c *cm.Connector) transport.WatchFunc {
	return func(ctx context.Context, onDelta func(transport.DeltaPayload)) error {
		ch := c.MembershipChangeEvents()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case u, ok := <-ch:
				if !ok {
					return nil
				}
				for _, d := range u.DeltaEvents {
					onDelta(transport.DeltaPayload{Kind: string(d.Kind), MemberID: string(d.MemberID)})
				}
			}
		}
	}
}

func TestHTTPStatusAPI_GetStatusAndWatch(t *testing.T) {
	connector, mem, _ := newTestNode(t)

	if _, err := connector.Register(context.Background(), func(m cm.ClusterMember) cm.MemberRevision[cm.ClusterMember] {
		return cm.MemberRevision[cm.ClusterMember]{MemberID: m.MemberID, Payload: m, RevisionNumber: 1}
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := httpjson.NewServer("127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, statusFuncFor(connector), watchFuncFor(connector)); err != nil {
		t.Fatalf("start http server: %v", err)
	}
	defer srv.Stop(context.Background())

	client := httpjson.NewClient(time.Second)
	st, err := client.GetStatus(context.Background(), srv.Addr())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.LocalMemberID != "node-a" || st.LocalRevision != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}

	var got []transport.DeltaPayload
	var mu sync.Mutex
	watchCtx, watchCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(watchCtx, srv.Addr(), func(d transport.DeltaPayload) {
			mu.Lock()
			got = append(got, d)
			mu.Unlock()
		})
	}()

	sibling := cm.MemberRevision[cm.ClusterMember]{MemberID: "node-b", Payload: cm.ClusterMember{Active: true, Registered: true}, RevisionNumber: 1}
	mem.events <- cm.MembershipEvent{Kind: cm.MembershipSiblingAdded, Revision: sibling}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for watch delta")
		case <-time.After(10 * time.Millisecond):
		}
	}
	watchCancel()
	<-done
}

func TestGRPCStatusAPI_GetStatus(t *testing.T) {
	connector, _, _ := newTestNode(t)

	srv := mgmtgrpc.NewServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx, statusFuncFor(connector), watchFuncFor(connector)); err != nil {
		t.Fatalf("start grpc server: %v", err)
	}
	defer srv.Stop(context.Background())

	client := mgmtgrpc.NewClient(2 * time.Second)
	st, err := client.GetStatus(context.Background(), srv.Addr())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.LocalMemberID != "node-a" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
