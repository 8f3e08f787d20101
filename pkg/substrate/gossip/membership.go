// Package gossip adapts the memberlist- and raft-backed implementations in
// pkg/membership and pkg/consensus into the MembershipExecutor and
// LeaderElectionExecutor ports consumed by pkg/clustermembership.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
	base "github.com/amirimatin/clustermembership/pkg/membership"
)

func marshalMeta(meta map[string]string) ([]byte, error) {
	return json.Marshal(meta)
}

// metaUpdater is implemented by the memberlist package's impl type. It is
// kept as a narrow local interface so this package never imports the
// concrete memberlist type, only the base.Membership interface plus this
// capability.
type metaUpdater interface {
	UpdateLocalMeta(meta []byte, timeout time.Duration) error
}

// Gossip node metadata is a flat map[string]string, the same shape
// base.Membership already decodes memberlist's wire format into. memberlist
// enforces a small metadata size ceiling (512 bytes by default), so this
// carries only what the reconciliation engine needs to merge a sibling
// observation. A label set large enough to blow the ceiling is cut to the
// limit by the memberlist package's NodeMeta delegate; the cut JSON no longer
// decodes, so receivers drop that member's metadata as unparsable.
const (
	metaKeyRevision   = "rev"
	metaKeyTimestamp  = "ts"
	metaKeyActive     = "active"
	metaKeyEnabled    = "enabled"
	metaKeyRegistered = "registered"
	labelKeyPrefix    = "label."
)

func encodeMeta(rev cm.MemberRevision[cm.ClusterMember]) map[string]string {
	meta := map[string]string{
		metaKeyRevision:   strconv.FormatInt(rev.RevisionNumber, 10),
		metaKeyTimestamp:  strconv.FormatInt(rev.TimestampMs, 10),
		metaKeyActive:     strconv.FormatBool(rev.Payload.Active),
		metaKeyEnabled:    strconv.FormatBool(rev.Payload.Enabled),
		metaKeyRegistered: strconv.FormatBool(rev.Payload.Registered),
	}
	for k, v := range rev.Payload.Labels {
		meta[labelKeyPrefix+k] = v
	}
	return meta
}

func decodeMeta(id cm.MemberID, meta map[string]string) (cm.MemberRevision[cm.ClusterMember], bool) {
	if meta == nil {
		return cm.MemberRevision[cm.ClusterMember]{}, false
	}
	revNum, err := strconv.ParseInt(meta[metaKeyRevision], 10, 64)
	if err != nil {
		return cm.MemberRevision[cm.ClusterMember]{}, false
	}
	ts, _ := strconv.ParseInt(meta[metaKeyTimestamp], 10, 64)
	var labels map[string]string
	for k, v := range meta {
		if rest, ok := trimPrefix(k, labelKeyPrefix); ok {
			if labels == nil {
				labels = map[string]string{}
			}
			labels[rest] = v
		}
	}
	return cm.MemberRevision[cm.ClusterMember]{
		MemberID:       id,
		RevisionNumber: revNum,
		TimestampMs:    ts,
		Payload: cm.ClusterMember{
			MemberID:   id,
			Active:     meta[metaKeyActive] == "true",
			Enabled:    meta[metaKeyEnabled] == "true",
			Registered: meta[metaKeyRegistered] == "true",
			Labels:     labels,
		},
	}, true
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// MembershipAdapter implements cm.MembershipExecutor on top of a gossip
// membership.Membership instance (normally pkg/membership/memberlist).
type MembershipAdapter struct {
	ml       base.Membership
	memberID cm.MemberID
	logger   *log.Logger

	mu   sync.Mutex
	seen map[cm.MemberID]struct{}
}

// NewMembershipAdapter wraps an already-constructed, not-yet-started
// base.Membership. Callers are responsible for calling ml.Start and ml.Join
// before the connector begins relying on this adapter's event stream.
func NewMembershipAdapter(ml base.Membership, memberID cm.MemberID, logger *log.Logger) *MembershipAdapter {
	if logger == nil {
		logger = log.Default()
	}
	return &MembershipAdapter{ml: ml, memberID: memberID, logger: logger, seen: map[cm.MemberID]struct{}{}}
}

func (a *MembershipAdapter) WriteMemberRecord(ctx context.Context, rev cm.MemberRevision[cm.ClusterMember]) (cm.MemberRevision[cm.ClusterMember], error) {
	if rev.MemberID != a.memberID {
		return cm.MemberRevision[cm.ClusterMember]{}, fmt.Errorf("gossip: can only write the local member's own record, got %q", rev.MemberID)
	}
	mu, ok := a.ml.(metaUpdater)
	if !ok {
		return cm.MemberRevision[cm.ClusterMember]{}, fmt.Errorf("gossip: membership implementation does not support dynamic metadata updates")
	}
	metaBytes, err := marshalMeta(encodeMeta(rev))
	if err != nil {
		return cm.MemberRevision[cm.ClusterMember]{}, err
	}
	if err := mu.UpdateLocalMeta(metaBytes, 5*time.Second); err != nil {
		return cm.MemberRevision[cm.ClusterMember]{}, cm.NewSubstrateUnavailableError("gossip: broadcast local metadata update", err)
	}
	return rev, nil
}

func (a *MembershipAdapter) DeleteMemberRecord(ctx context.Context, id cm.MemberID) error {
	if id != a.memberID {
		return fmt.Errorf("gossip: can only delete the local member's own record, got %q", id)
	}
	return a.ml.Leave()
}

// WatchMembershipEvents translates memberlist join/update/leave notifications
// into MembershipEvent values. Each call opens a fresh forwarding goroutine
// against the shared Membership instance's event channel; callers (normally
// just the EventStreamSupervisor) should not call this concurrently from
// more than one place.
func (a *MembershipAdapter) WatchMembershipEvents(ctx context.Context) (<-chan cm.MembershipEvent, error) {
	src := a.ml.Events()
	out := make(chan cm.MembershipEvent, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-src:
				if !ok {
					return
				}
				a.forward(ctx, out, evt)
			}
		}
	}()
	return out, nil
}

func (a *MembershipAdapter) forward(ctx context.Context, out chan<- cm.MembershipEvent, evt base.Event) {
	id := cm.MemberID(evt.Member.ID)
	if id == a.memberID {
		return
	}
	switch evt.Type {
	case base.EventLeave, base.EventFailed:
		a.mu.Lock()
		delete(a.seen, id)
		a.mu.Unlock()
		select {
		case out <- cm.MembershipEvent{Kind: cm.MembershipSiblingRemoved, MemberID: id}:
		case <-ctx.Done():
		}
	case base.EventJoin:
		rev, ok := decodeMeta(id, evt.Member.Meta)
		if !ok {
			a.logger.Printf("gossip: dropping unparsable metadata from member %q", id)
			return
		}
		a.mu.Lock()
		_, wasSeen := a.seen[id]
		a.seen[id] = struct{}{}
		a.mu.Unlock()
		kind := cm.MembershipSiblingAdded
		if wasSeen {
			kind = cm.MembershipSiblingUpdated
		}
		select {
		case out <- cm.MembershipEvent{Kind: kind, Revision: rev}:
		case <-ctx.Done():
		}
	}
}
