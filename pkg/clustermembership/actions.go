package clustermembership

import (
	"context"
	"log"
	"time"

	"github.com/amirimatin/clustermembership/pkg/internal/logutil"
)

// ActionContext carries the injected substrate ports and local identity
// shared by every factory in this file: a small bag of collaborators
// threaded through pure factory functions instead of a method receiver.
type ActionContext struct {
	Membership     MembershipExecutor
	LeaderElection LeaderElectionExecutor
	MemberID       MemberID
	Logger         *log.Logger
}

func (a *ActionContext) logf(format string, args ...any) {
	logutil.Warnf(a.Logger, format, args...)
}

// RegisterLocal returns an Action that writes the locally-authored member
// revision to the substrate. selfUpdate lets the caller bump the revision
// number, flip Active, change Labels, etc; it is given the current local
// payload and must return the full next revision.
func RegisterLocal(actx *ActionContext, selfUpdate func(ClusterMember) MemberRevision[ClusterMember]) Action {
	return Action{
		Label: "registerLocal",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			desired := selfUpdate(current.LocalMemberRevision().Payload)
			desired.Payload.Registered = true
			echoed, err := actx.Membership.WriteMemberRecord(ctx, desired)
			if err != nil {
				return nil, err
			}
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				next, deltas, terr := s.SetLocalMemberRevision(echoed)
				if terr != nil {
					actx.logf("clustermembership: registerLocal produced an invalid transition: %v", terr)
					return s, nil
				}
				return next, deltas
			}, nil
		},
	}
}

// UnregisterLocal returns an Action that deletes the substrate record and
// marks the local member unregistered with leadership cleared.
func UnregisterLocal(actx *ActionContext, selfUpdate func(ClusterMember) MemberRevision[ClusterMember]) Action {
	return Action{
		Label: "unregisterLocal",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			desired := selfUpdate(current.LocalMemberRevision().Payload)
			desired.Payload.Registered = false
			if err := actx.Membership.DeleteMemberRecord(ctx, actx.MemberID); err != nil {
				return nil, err
			}
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				next, deltas, terr := s.SetLocalMemberRevision(desired)
				if terr != nil {
					actx.logf("clustermembership: unregisterLocal produced an invalid transition: %v", terr)
					return s, nil
				}
				disabled := MemberRevision[LeadershipRecord]{
					MemberID:       s.LocalMemberRevision().MemberID,
					Payload:        LeadershipRecord{MemberID: s.LocalMemberRevision().MemberID, Role: RoleDisabled},
					RevisionNumber: next.LocalLeadershipRevision().RevisionNumber + 1,
					TimestampMs:    NowMillis(next.Clock()),
				}
				next2, moreDeltas := next.SetLocalLeadershipRevision(disabled)
				return next2, append(deltas, moreDeltas...)
			}, nil
		},
	}
}

// JoinLeadershipGroup returns an Action that starts a substrate campaign and
// marks the local process as in-pool.
func JoinLeadershipGroup(actx *ActionContext) Action {
	return Action{
		Label: "joinLeadershipGroup",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			if err := actx.LeaderElection.JoinLeaderElection(ctx, actx.MemberID); err != nil {
				return nil, err
			}
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				next, _ := s.SetInLeaderElectionProcess(true)
				next, _ = next.SetDesiredCampaign(true)
				return next, nil
			}, nil
		},
	}
}

// LeaveLeadershipGroup returns an Action that withdraws from the campaign.
// If onlyNonLeader is true and the local process currently holds leadership,
// the side effect is a no-op and the transition is identity.
func LeaveLeadershipGroup(actx *ActionContext, onlyNonLeader bool) Action {
	return Action{
		Label: "leaveLeadershipGroup",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			if onlyNonLeader && current.LocalLeadershipRevision().Payload.Role == RoleLeader {
				return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
					return s, nil
				}, nil
			}
			if err := actx.LeaderElection.LeaveLeaderElection(ctx); err != nil {
				return nil, err
			}
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				next, _ := s.SetInLeaderElectionProcess(false)
				next, _ = next.SetDesiredCampaign(false)
				return next, nil
			}, nil
		},
	}
}

// refreshLocal is the heartbeat action: writes a new revision with the same
// payload and an incremented revision number.
func refreshLocal(actx *ActionContext) Action {
	return Action{
		Label: "refreshLocal",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			local := current.LocalMemberRevision()
			desired := MemberRevision[ClusterMember]{
				MemberID:       local.MemberID,
				Payload:        local.Payload,
				RevisionNumber: local.RevisionNumber + 1,
				TimestampMs:    NowMillis(current.Clock()),
			}
			echoed, err := actx.Membership.WriteMemberRecord(ctx, desired)
			if err != nil {
				return nil, err
			}
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				next, deltas, terr := s.SetLocalMemberRevision(echoed)
				if terr != nil {
					actx.logf("clustermembership: heartbeat produced an invalid transition: %v", terr)
					return s, nil
				}
				return next, deltas
			}, nil
		},
	}
}

// staleSiblingGC is the GC housekeeping action: a pure, I/O-free transition
// purging sibling entries older than staleThresholdMs*multiplier.
func staleSiblingGC(now time.Time) Action {
	return Action{
		Label: "staleSiblingGC",
		Run: func(ctx context.Context, current *ClusterState) (Transition, error) {
			return func(s *ClusterState) (*ClusterState, []DeltaEvent) {
				return s.purgeDeadSiblings(now, s.Config().StaleGCMultiplier)
			}, nil
		},
	}
}

// DefaultReconciliationActionsProvider returns a provider that, given the
// current state, emits the self-actions needed to converge, in order
// heartbeat -> GC -> leadership, at most one of each per batch.
func DefaultReconciliationActionsProvider(actx *ActionContext) ReconciliationActionsProvider {
	return func(now time.Time, s *ClusterState) []Action {
		var actions []Action

		local := s.LocalMemberRevision()
		if now.UnixMilli()-local.TimestampMs > s.Config().HeartbeatIntervalMs {
			actions = append(actions, refreshLocal(actx))
		}

		actions = append(actions, staleSiblingGC(now))

		if s.DesiredCampaign() && !s.InLeaderElectionProcess() {
			actions = append(actions, JoinLeadershipGroup(actx))
		} else if !s.DesiredCampaign() && s.InLeaderElectionProcess() {
			actions = append(actions, LeaveLeadershipGroup(actx, false))
		}

		return actions
	}
}
