package clustermembership

import "time"

// ClusterState is an immutable snapshot of local + sibling membership and
// leadership. Every method that looks like a mutation instead
// returns a new *ClusterState plus the DeltaEvents the change produced; the
// receiver is never modified. The zero value is not usable; construct with
// NewClusterState.
type ClusterState struct {
	localRevision           MemberRevision[ClusterMember]
	siblings                map[MemberID]MemberRevision[ClusterMember]
	localLeadership         MemberRevision[LeadershipRecord]
	currentLeader           *MemberRevision[LeadershipRecord]
	inLeaderElectionProcess bool
	// desiredCampaign tracks the last explicit join/leave call independent
	// of inLeaderElectionProcess, which can be knocked down by a stream
	// Disconnected event. The leadership-reconciliation housekeeping action
	// compares the two to decide whether to re-issue join.
	desiredCampaign bool
	clock           Clock
	config          Config
}

// NewClusterState constructs the initial ClusterState for a connector. The
// local member payload is taken as given at revision 0, with leadership role
// Disabled.
func NewClusterState(local ClusterMember, clock Clock, config Config) *ClusterState {
	if clock == nil {
		clock = SystemClock{}
	}
	now := NowMillis(clock)
	return &ClusterState{
		localRevision: MemberRevision[ClusterMember]{
			MemberID:       local.MemberID,
			Payload:        local,
			RevisionNumber: 0,
			TimestampMs:    now,
		},
		siblings: map[MemberID]MemberRevision[ClusterMember]{},
		localLeadership: MemberRevision[LeadershipRecord]{
			MemberID: local.MemberID,
			Payload: LeadershipRecord{
				MemberID: local.MemberID,
				Role:     RoleDisabled,
			},
			RevisionNumber: 0,
			TimestampMs:    now,
		},
		clock:  clock,
		config: config,
	}
}

// --- read-only accessors -------------------------------------------------

func (s *ClusterState) LocalMemberRevision() MemberRevision[ClusterMember] { return s.localRevision }

func (s *ClusterState) LocalLeadershipRevision() MemberRevision[LeadershipRecord] {
	return s.localLeadership
}

// CurrentLeader returns the substrate-reported current leader, or nil if
// none is known.
func (s *ClusterState) CurrentLeader() *MemberRevision[LeadershipRecord] {
	if s.currentLeader == nil {
		return nil
	}
	cp := *s.currentLeader
	return &cp
}

func (s *ClusterState) InLeaderElectionProcess() bool { return s.inLeaderElectionProcess }

// DesiredCampaign reports whether the connector last asked to be in the
// leader-election pool (via joinLeadershipGroup, not yet countermanded by
// leaveLeadershipGroup). Used only by the reconciliation actions provider.
func (s *ClusterState) DesiredCampaign() bool { return s.desiredCampaign }

func (s *ClusterState) Clock() Clock   { return s.clock }
func (s *ClusterState) Config() Config { return s.config }

// Siblings returns the non-stale sibling set: a sibling whose timestamp is
// older than now-staleThresholdMs is filtered from this public accessor,
// though it remains in the internal map for debugging.
func (s *ClusterState) Siblings() map[MemberID]MemberRevision[ClusterMember] {
	now := NowMillis(s.clock)
	out := make(map[MemberID]MemberRevision[ClusterMember], len(s.siblings))
	for id, rev := range s.siblings {
		if now-rev.TimestampMs <= s.config.StaleThresholdMs {
			out[id] = rev
		}
	}
	return out
}

// AllSiblingsForDebug returns the complete sibling map including stale
// entries, for diagnostics and for the GC reconciliation action.
func (s *ClusterState) AllSiblingsForDebug() map[MemberID]MemberRevision[ClusterMember] {
	out := make(map[MemberID]MemberRevision[ClusterMember], len(s.siblings))
	for id, rev := range s.siblings {
		out[id] = rev
	}
	return out
}

// --- transitions ----------------------------------------------------------

func (s *ClusterState) clone() *ClusterState {
	cp := *s
	cp.siblings = make(map[MemberID]MemberRevision[ClusterMember], len(s.siblings))
	for id, rev := range s.siblings {
		cp.siblings[id] = rev
	}
	return &cp
}

// SetLocalMemberRevision replaces the local member record (e.g. heartbeat, a
// label change). Emits LocalUpdated. RevisionNumber must be >= the current
// one or this is an InvalidTransition (programmer bug upstream).
func (s *ClusterState) SetLocalMemberRevision(newLocal MemberRevision[ClusterMember]) (*ClusterState, []DeltaEvent, error) {
	if newLocal.RevisionNumber < s.localRevision.RevisionNumber {
		return nil, nil, errInvalidTransition("local revision number must be non-decreasing")
	}
	next := s.clone()
	next.localRevision = newLocal
	rev := newLocal
	return next, []DeltaEvent{{Kind: DeltaLocalUpdated, MemberID: newLocal.MemberID, MemberRevision: &rev}}, nil
}

// SetLocalLeadershipRevision replaces the local leadership record. Emits
// LocalLeadershipUpdated only if the role actually changed.
func (s *ClusterState) SetLocalLeadershipRevision(newLeadership MemberRevision[LeadershipRecord]) (*ClusterState, []DeltaEvent) {
	next := s.clone()
	next.localLeadership = newLeadership
	if newLeadership.Payload.Role == s.localLeadership.Payload.Role {
		return next, nil
	}
	rev := newLeadership
	return next, []DeltaEvent{{Kind: DeltaLocalLeadershipUpdated, MemberID: newLeadership.MemberID, LeadershipRecord: &rev}}
}

// SetInLeaderElectionProcess marks whether a campaign task is currently
// running locally. No delta event: this is connector-internal bookkeeping,
// not substrate-observable state.
func (s *ClusterState) SetInLeaderElectionProcess(v bool) (*ClusterState, []DeltaEvent) {
	next := s.clone()
	next.inLeaderElectionProcess = v
	return next, nil
}

// SetDesiredCampaign records the connector's last explicit join/leave
// intent; see the desiredCampaign field comment.
func (s *ClusterState) SetDesiredCampaign(v bool) (*ClusterState, []DeltaEvent) {
	next := s.clone()
	next.desiredCampaign = v
	return next, nil
}

// ProcessMembershipEvent merges one substrate membership observation into
// the sibling set, keeping the higher revision by the tie-break rule on
// MemberRevision.newer. Events about the local member are ignored: the substrate echoing our
// own writes back to us must never overwrite the authoritative local
// revision.
func (s *ClusterState) ProcessMembershipEvent(evt MembershipEvent) (*ClusterState, []DeltaEvent) {
	switch evt.Kind {
	case MembershipSiblingAdded, MembershipSiblingUpdated:
		if evt.Revision.MemberID == s.localRevision.MemberID {
			return s, nil
		}
		existing, had := s.siblings[evt.Revision.MemberID]
		if had && !evt.Revision.newer(existing) {
			return s, nil
		}
		next := s.clone()
		next.siblings[evt.Revision.MemberID] = evt.Revision
		rev := evt.Revision
		kind := DeltaSiblingAdded
		if had {
			kind = DeltaSiblingUpdated
		}
		return next, []DeltaEvent{{Kind: kind, MemberID: evt.Revision.MemberID, MemberRevision: &rev}}

	case MembershipSiblingRemoved:
		if evt.MemberID == s.localRevision.MemberID {
			return s, nil
		}
		if _, had := s.siblings[evt.MemberID]; !had {
			return s, nil
		}
		next := s.clone()
		delete(next.siblings, evt.MemberID)
		return next, []DeltaEvent{{Kind: DeltaSiblingRemoved, MemberID: evt.MemberID}}

	case MembershipSnapshotEnd:
		return s, nil

	case MembershipDisconnected:
		return s, []DeltaEvent{{Kind: DeltaDisconnected, Cause: evt.Cause}}

	default:
		return s, nil
	}
}

// ProcessLeaderElectionEvent merges one substrate leader-election
// observation. If the elected member is the local one, localLeadership is
// also promoted to RoleLeader.
func (s *ClusterState) ProcessLeaderElectionEvent(evt LeaderElectionEvent) (*ClusterState, []DeltaEvent) {
	switch evt.Kind {
	case LeaderElected:
		next := s.clone()
		next.currentLeader = &evt.Revision
		events := []DeltaEvent{}
		rev := evt.Revision
		events = append(events, DeltaEvent{Kind: DeltaLeaderChanged, MemberID: evt.MemberID, LeadershipRecord: &rev})
		if evt.MemberID == s.localRevision.MemberID {
			leaderRev := MemberRevision[LeadershipRecord]{
				MemberID:       s.localRevision.MemberID,
				Payload:        LeadershipRecord{MemberID: s.localRevision.MemberID, Role: RoleLeader, ElectionTimestamp: evt.Revision.Payload.ElectionTimestamp},
				RevisionNumber: s.localLeadership.RevisionNumber + 1,
				TimestampMs:    NowMillis(s.clock),
			}
			next.localLeadership = leaderRev
			lrCopy := leaderRev
			events = append(events, DeltaEvent{Kind: DeltaLocalLeadershipUpdated, MemberID: s.localRevision.MemberID, LeadershipRecord: &lrCopy})
		}
		return next, events

	case LeaderLost:
		if s.currentLeader == nil || s.currentLeader.MemberID != evt.MemberID {
			return s, nil
		}
		next := s.clone()
		next.currentLeader = nil
		events := []DeltaEvent{{Kind: DeltaLeaderChanged, MemberID: "", LeadershipRecord: nil}}
		if evt.MemberID == s.localRevision.MemberID && s.localLeadership.Payload.Role == RoleLeader {
			demoted := MemberRevision[LeadershipRecord]{
				MemberID:       s.localRevision.MemberID,
				Payload:        LeadershipRecord{MemberID: s.localRevision.MemberID, Role: RoleNonLeader},
				RevisionNumber: s.localLeadership.RevisionNumber + 1,
				TimestampMs:    NowMillis(s.clock),
			}
			next.localLeadership = demoted
			d := demoted
			events = append(events, DeltaEvent{Kind: DeltaLocalLeadershipUpdated, MemberID: s.localRevision.MemberID, LeadershipRecord: &d})
		}
		return next, events

	case LeaderLocalJoined:
		next := s.clone()
		next.inLeaderElectionProcess = true
		promoted := MemberRevision[LeadershipRecord]{
			MemberID:       s.localRevision.MemberID,
			Payload:        LeadershipRecord{MemberID: s.localRevision.MemberID, Role: RoleNonLeader},
			RevisionNumber: s.localLeadership.RevisionNumber + 1,
			TimestampMs:    NowMillis(s.clock),
		}
		next.localLeadership = promoted
		p := promoted
		return next, []DeltaEvent{{Kind: DeltaLocalLeadershipUpdated, MemberID: s.localRevision.MemberID, LeadershipRecord: &p}}

	case LeaderLocalLeft:
		next := s.clone()
		next.inLeaderElectionProcess = false
		demoted := MemberRevision[LeadershipRecord]{
			MemberID:       s.localRevision.MemberID,
			Payload:        LeadershipRecord{MemberID: s.localRevision.MemberID, Role: RoleDisabled},
			RevisionNumber: s.localLeadership.RevisionNumber + 1,
			TimestampMs:    NowMillis(s.clock),
		}
		next.localLeadership = demoted
		if next.currentLeader != nil && next.currentLeader.MemberID == s.localRevision.MemberID {
			next.currentLeader = nil
		}
		d := demoted
		return next, []DeltaEvent{{Kind: DeltaLocalLeadershipUpdated, MemberID: s.localRevision.MemberID, LeadershipRecord: &d}}

	case LeaderDisconnected:
		// The substrate-side campaign state is unknown across a
		// disconnect; treat it as dropped so housekeeping re-joins if the
		// connector still wants to be in the pool (desiredCampaign).
		next := s.clone()
		next.inLeaderElectionProcess = false
		return next, []DeltaEvent{{Kind: DeltaDisconnected, Cause: evt.Cause}}

	default:
		return s, nil
	}
}

// purgeDeadSiblings removes sibling entries whose TimestampMs is older than
// now - staleThresholdMs*multiplier. Used by the GC reconciliation action;
// unlike Siblings(), this actually drops entries from the internal map.
func (s *ClusterState) purgeDeadSiblings(now time.Time, multiplier int64) (*ClusterState, []DeltaEvent) {
	cutoff := now.UnixMilli() - s.config.StaleThresholdMs*multiplier
	var toRemove []MemberID
	for id, rev := range s.siblings {
		if rev.TimestampMs < cutoff {
			toRemove = append(toRemove, id)
		}
	}
	if len(toRemove) == 0 {
		return s, nil
	}
	next := s.clone()
	events := make([]DeltaEvent, 0, len(toRemove))
	for _, id := range toRemove {
		delete(next.siblings, id)
		events = append(events, DeltaEvent{Kind: DeltaSiblingRemoved, MemberID: id})
	}
	return next, events
}
