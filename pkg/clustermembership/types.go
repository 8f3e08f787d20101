// Package clustermembership implements the reconciliation engine that backs
// a cluster-membership connector: a single-writer state machine that merges
// locally desired state with events observed on a long-lived substrate event
// stream, and periodically runs housekeeping (heartbeats, stale-sibling GC,
// leadership-campaign restarts).
//
// The substrate itself — the thing that actually stores membership records
// and runs a leader election — is not part of this package. It is injected
// through the MembershipExecutor and LeaderElectionExecutor ports; see
// ports.go. Concrete substrate backends live in sibling packages under
// pkg/substrate.
package clustermembership

// MemberID is an opaque, cluster-unique process identifier.
type MemberID string

// MemberRevision is a versioned, totally-ordered (per MemberID) record.
// RevisionNumber is a monotonically increasing counter produced by the
// authoring process; TimestampMs is wall-clock milliseconds at authoring.
type MemberRevision[T any] struct {
	MemberID       MemberID
	Payload        T
	RevisionNumber int64
	TimestampMs    int64
}

// newer reports whether r is a strictly newer revision than other: higher
// RevisionNumber wins; on a tie, higher TimestampMs wins; on a full tie, the
// existing record wins (idempotence), so newer returns false.
func (r MemberRevision[T]) newer(other MemberRevision[T]) bool {
	if r.RevisionNumber != other.RevisionNumber {
		return r.RevisionNumber > other.RevisionNumber
	}
	if r.TimestampMs != other.TimestampMs {
		return r.TimestampMs > other.TimestampMs
	}
	return false
}

// Address is a reachable endpoint advertised by a member (e.g. a gRPC or
// gossip bind address). Kind disambiguates multiple addresses of different
// transports on the same member (e.g. "grpc", "gossip").
type Address struct {
	Kind  string
	Value string
}

// ClusterMember is the payload carried by a membership MemberRevision.
// Active reflects the member's self-reported health; Enabled is
// operator-controlled; Registered tracks whether this member currently has a
// live registration with the substrate.
type ClusterMember struct {
	MemberID   MemberID
	Active     bool
	Enabled    bool
	Registered bool
	Labels     map[string]string
	Addresses  []Address
}

// Clone returns a deep-enough copy of m so that callers may mutate Labels and
// Addresses on the copy without aliasing the original.
func (m ClusterMember) Clone() ClusterMember {
	out := m
	if m.Labels != nil {
		out.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			out.Labels[k] = v
		}
	}
	if m.Addresses != nil {
		out.Addresses = append([]Address(nil), m.Addresses...)
	}
	return out
}

// LeadershipRole is the local member's relationship to the leader-election
// campaign.
type LeadershipRole string

const (
	RoleDisabled  LeadershipRole = "Disabled"
	RoleNonLeader LeadershipRole = "NonLeader"
	RoleLeader    LeadershipRole = "Leader"
)

// LeadershipRecord is the payload carried by a leadership MemberRevision.
type LeadershipRecord struct {
	MemberID          MemberID
	Role              LeadershipRole
	ElectionTimestamp int64
}

// Config holds the tunables recognized by the reconciler and its
// housekeeping provider. All durations are milliseconds. Construct via
// DefaultConfig and override individual fields.
type Config struct {
	HeartbeatIntervalMs    int64
	StaleThresholdMs       int64
	ReconnectIntervalMs    int64
	ReconcilerQuickCycleMs int64
	ReconcilerLongCycleMs  int64
	ShutdownGraceMs        int64
	// StaleGCMultiplier (k >= 2) is how many multiples of StaleThresholdMs a
	// sibling may go unseen before it is purged outright, rather than
	// merely filtered from Siblings().
	StaleGCMultiplier int64
}

// DefaultConfig returns a Config with sensible defaults: heartbeat is 1/3 of
// the stale threshold.
func DefaultConfig(staleThresholdMs int64) Config {
	return Config{
		HeartbeatIntervalMs:    staleThresholdMs / 3,
		StaleThresholdMs:       staleThresholdMs,
		ReconnectIntervalMs:    1000,
		ReconcilerQuickCycleMs: 50,
		ReconcilerLongCycleMs:  5000,
		ShutdownGraceMs:        2000,
		StaleGCMultiplier:      2,
	}
}

// Validate checks invariants a Config must satisfy before use.
func (c Config) Validate() error {
	if c.StaleThresholdMs <= 0 {
		return errInvalidTransition("StaleThresholdMs must be positive")
	}
	if c.HeartbeatIntervalMs <= 0 {
		return errInvalidTransition("HeartbeatIntervalMs must be positive")
	}
	if c.StaleGCMultiplier < 2 {
		return errInvalidTransition("StaleGCMultiplier must be >= 2")
	}
	if c.ReconcilerQuickCycleMs <= 0 || c.ReconcilerLongCycleMs <= 0 {
		return errInvalidTransition("reconciler cycle durations must be positive")
	}
	return nil
}
