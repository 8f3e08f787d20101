package gossip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/raft"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	"github.com/amirimatin/clustermembership/pkg/consensus"
)

// engine is the capability surface this adapter drives on a consensus
// backend: dynamic voter membership plus leadership notifications. Any
// consensus.Consensus implementation that also satisfies Reconfigurer and
// LeaderNotifier (pkg/consensus/raft.Node does) can back this adapter.
type engine interface {
	consensus.Reconfigurer
	consensus.LeaderNotifier
}

// LeaderElectionAdapter implements cm.LeaderElectionExecutor on top of a
// raft-backed consensus node. Joining the leader-election pool means
// becoming a raft voter; leaving means removing the local server from the
// voter set. Leadership changes are observed via the node's LeaderCh.
type LeaderElectionAdapter struct {
	node        engine
	memberID    cm.MemberID
	localAddr   string
	joinTimeout time.Duration
	logger      *log.Logger
}

// NewLeaderElectionAdapter constructs a LeaderElectionAdapter. localAddr is
// the raft transport address this member advertises for other voters to
// dial.
func NewLeaderElectionAdapter(node engine, memberID cm.MemberID, localAddr string, logger *log.Logger) *LeaderElectionAdapter {
	if logger == nil {
		logger = log.Default()
	}
	return &LeaderElectionAdapter{node: node, memberID: memberID, localAddr: localAddr, joinTimeout: 10 * time.Second, logger: logger}
}

func (a *LeaderElectionAdapter) JoinLeaderElection(ctx context.Context, id cm.MemberID) error {
	if id != a.memberID {
		return fmt.Errorf("gossip: can only join leader election as the local member, got %q", id)
	}
	return classifyRaftConfigError(a.node.AddVoter(string(a.memberID), a.localAddr, a.joinTimeout))
}

func (a *LeaderElectionAdapter) LeaveLeaderElection(ctx context.Context) error {
	return classifyRaftConfigError(a.node.RemoveServer(string(a.memberID), a.joinTimeout))
}

// classifyRaftConfigError maps the errors raft.AddVoter/RemoveServer return
// into the port's error taxonomy: rejection because the local node isn't the
// raft leader right now is a conflict the next membership event will
// resolve once a leader re-establishes; a timed-out or shut-down cluster is
// a substrate-unavailable condition.
func classifyRaftConfigError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrLeadershipLost):
		return cm.NewConflictError("gossip: raft configuration change rejected, not leader", err)
	case errors.Is(err, raft.ErrRaftShutdown), errors.Is(err, raft.ErrEnqueueTimeout):
		return cm.NewSubstrateUnavailableError("gossip: raft configuration change did not complete", err)
	default:
		return err
	}
}

// WatchLeaderElectionProcessUpdates forwards raft leadership observations as
// LeaderElected events. The node's LeaderCh only reports a known leader,
// not an explicit "no leader" transition, so LeaderLost is never emitted by
// this adapter. node.Stop does not close LeaderCh, so the returned stream
// ends only when ctx is cancelled.
func (a *LeaderElectionAdapter) WatchLeaderElectionProcessUpdates(ctx context.Context) (<-chan cm.LeaderElectionEvent, error) {
	src := a.node.LeaderCh()
	out := make(chan cm.LeaderElectionEvent, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case li, ok := <-src:
				if !ok {
					return
				}
				evt := cm.LeaderElectionEvent{
					Kind:     cm.LeaderElected,
					MemberID: cm.MemberID(li.ID),
					Revision: cm.MemberRevision[cm.LeadershipRecord]{
						MemberID: cm.MemberID(li.ID),
						Payload: cm.LeadershipRecord{
							MemberID: cm.MemberID(li.ID),
							Role:     cm.RoleLeader,
						},
						RevisionNumber: int64(li.Term),
					},
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
