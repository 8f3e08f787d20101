package transport

import "context"

// StatusPayload is the wire shape returned by the status API: a JSON
// snapshot of one connector's local member, siblings and current leader. It
// mirrors clustermembership.ClusterState's public accessors rather than the
// state itself, so this package never needs to import the reconciler.
type StatusPayload struct {
	LocalMemberID   string            `json:"localMemberId"`
	LocalRevision   int64             `json:"localRevision"`
	LocalActive     bool              `json:"localActive"`
	LocalRegistered bool              `json:"localRegistered"`
	Labels          map[string]string `json:"labels,omitempty"`
	InElection      bool              `json:"inLeaderElectionProcess"`
	LeaderID        string            `json:"leaderId,omitempty"`
	Siblings        []SiblingStatus   `json:"siblings"`
}

// SiblingStatus is one entry of StatusPayload.Siblings.
type SiblingStatus struct {
	MemberID   string `json:"memberId"`
	Revision   int64  `json:"revision"`
	Active     bool   `json:"active"`
	Registered bool   `json:"registered"`
}

// DeltaPayload is one JSON-coded delta event relayed over the watch stream,
// mirroring clustermembership.DeltaEvent. Kind is always set; the remaining
// fields are populated according to Kind.
type DeltaPayload struct {
	Kind       string `json:"kind"`
	MemberID   string `json:"memberId,omitempty"`
	Revision   int64  `json:"revision,omitempty"`
	Active     bool   `json:"active,omitempty"`
	Registered bool   `json:"registered,omitempty"`
	Role       string `json:"role,omitempty"`
	Cause      string `json:"cause,omitempty"`
}

// StatusFunc returns the current status payload for the local connector.
type StatusFunc func(ctx context.Context) (StatusPayload, error)

// WatchFunc opens a subscription against the connector's delta-event
// stream and invokes onDelta for each emission — the first of which
// reconstructs a full snapshot, exactly like
// clustermembership.Connector.MembershipChangeEvents — until ctx is done or
// the connector shuts down.
type WatchFunc func(ctx context.Context, onDelta func(DeltaPayload)) error

// StatusServer exposes one connector's status and delta stream over the
// wire for remote observers.
type StatusServer interface {
	Start(ctx context.Context, status StatusFunc, watch WatchFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// StatusClient performs status/watch calls against a remote StatusServer.
type StatusClient interface {
	GetStatus(ctx context.Context, addr string) (StatusPayload, error)
	Watch(ctx context.Context, addr string, onDelta func(DeltaPayload)) error
}
