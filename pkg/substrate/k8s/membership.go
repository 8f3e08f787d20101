// Package k8s adapts Kubernetes primitives — Pod annotations for member
// records, the coordination/v1 Lease API for leader election — into the
// MembershipExecutor and LeaderElectionExecutor ports consumed by
// pkg/clustermembership.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
)

const (
	defaultLabelSelector    = "app.kubernetes.io/component=cluster-member"
	defaultAnnotationPrefix = "clustermembership.io/"
)

// MembershipAdapter implements cm.MembershipExecutor by storing each
// member's MemberRevision as annotations on its own Pod (located by matching
// MemberID to Pod name) and discovering siblings by polling Pods matching a
// label selector.
type MembershipAdapter struct {
	client           kubernetes.Interface
	namespace        string
	labelSelector    string
	annotationPrefix string
	memberID         cm.MemberID
	pollInterval     time.Duration
	logger           *log.Logger

	mu       sync.Mutex
	lastSeen map[cm.MemberID]int64 // MemberID -> last observed RevisionNumber
}

// MembershipOption configures MembershipAdapter.
type MembershipOption func(*MembershipAdapter)

func WithLabelSelector(sel string) MembershipOption {
	return func(a *MembershipAdapter) { a.labelSelector = sel }
}

func WithAnnotationPrefix(prefix string) MembershipOption {
	return func(a *MembershipAdapter) { a.annotationPrefix = prefix }
}

func WithPollInterval(d time.Duration) MembershipOption {
	return func(a *MembershipAdapter) { a.pollInterval = d }
}

func NewMembershipAdapter(client kubernetes.Interface, namespace string, memberID cm.MemberID, logger *log.Logger, opts ...MembershipOption) *MembershipAdapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &MembershipAdapter{
		client:           client,
		namespace:        namespace,
		labelSelector:    defaultLabelSelector,
		annotationPrefix: defaultAnnotationPrefix,
		memberID:         memberID,
		pollInterval:     2 * time.Second,
		logger:           logger,
		lastSeen:         map[cm.MemberID]int64{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *MembershipAdapter) WriteMemberRecord(ctx context.Context, rev cm.MemberRevision[cm.ClusterMember]) (cm.MemberRevision[cm.ClusterMember], error) {
	if rev.MemberID != a.memberID {
		return cm.MemberRevision[cm.ClusterMember]{}, fmt.Errorf("k8s: can only write the local member's own record, got %q", rev.MemberID)
	}
	pod, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, string(a.memberID), metav1.GetOptions{})
	if err != nil {
		return cm.MemberRevision[cm.ClusterMember]{}, cm.NewSubstrateUnavailableError(fmt.Sprintf("k8s: get local pod %q", a.memberID), err)
	}
	if pod.Annotations == nil {
		pod.Annotations = make(map[string]string)
	}
	a.setAnnotations(pod.Annotations, rev)
	if _, err := a.client.CoreV1().Pods(a.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return cm.MemberRevision[cm.ClusterMember]{}, cm.NewConflictError("k8s: update local pod annotations", err)
		}
		return cm.MemberRevision[cm.ClusterMember]{}, cm.NewSubstrateUnavailableError("k8s: update local pod annotations", err)
	}
	return rev, nil
}

func (a *MembershipAdapter) DeleteMemberRecord(ctx context.Context, id cm.MemberID) error {
	if id != a.memberID {
		return fmt.Errorf("k8s: can only delete the local member's own record, got %q", id)
	}
	pod, err := a.client.CoreV1().Pods(a.namespace).Get(ctx, string(a.memberID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return cm.NewSubstrateUnavailableError("k8s: get local pod for delete", err)
	}
	a.removeAnnotations(pod.Annotations)
	if _, err := a.client.CoreV1().Pods(a.namespace).Update(ctx, pod, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return cm.NewConflictError("k8s: update local pod annotations for delete", err)
		}
		return cm.NewSubstrateUnavailableError("k8s: update local pod annotations for delete", err)
	}
	return nil
}

// WatchMembershipEvents polls the label selector on an interval and diffs
// against the last observed revision per member, emitting
// Added/Updated/Removed accordingly. It polls rather than using a
// watch/informer, trading latency for a much simpler, resumable
// implementation.
func (a *MembershipAdapter) WatchMembershipEvents(ctx context.Context) (<-chan cm.MembershipEvent, error) {
	out := make(chan cm.MembershipEvent, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.pollInterval)
		defer ticker.Stop()
		for {
			a.poll(ctx, out)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (a *MembershipAdapter) poll(ctx context.Context, out chan<- cm.MembershipEvent) {
	pods, err := a.client.CoreV1().Pods(a.namespace).List(ctx, metav1.ListOptions{LabelSelector: a.labelSelector})
	if err != nil {
		a.logger.Printf("k8s: list pods for membership poll failed: %v", err)
		return
	}
	current := map[cm.MemberID]cm.MemberRevision[cm.ClusterMember]{}
	for i := range pods.Items {
		rev, ok := a.revisionFromAnnotations(pods.Items[i].Annotations)
		if !ok || rev.MemberID == a.memberID {
			continue
		}
		current[rev.MemberID] = rev
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, rev := range current {
		lastRev, had := a.lastSeen[id]
		if had && lastRev >= rev.RevisionNumber {
			continue
		}
		kind := cm.MembershipSiblingAdded
		if had {
			kind = cm.MembershipSiblingUpdated
		}
		a.lastSeen[id] = rev.RevisionNumber
		a.emit(ctx, out, cm.MembershipEvent{Kind: kind, Revision: rev})
	}
	for id := range a.lastSeen {
		if _, stillPresent := current[id]; !stillPresent {
			delete(a.lastSeen, id)
			a.emit(ctx, out, cm.MembershipEvent{Kind: cm.MembershipSiblingRemoved, MemberID: id})
		}
	}
}

func (a *MembershipAdapter) emit(ctx context.Context, out chan<- cm.MembershipEvent, evt cm.MembershipEvent) {
	select {
	case out <- evt:
	case <-ctx.Done():
	}
}

func (a *MembershipAdapter) setAnnotations(annotations map[string]string, rev cm.MemberRevision[cm.ClusterMember]) {
	p := a.annotationPrefix
	annotations[p+"member-id"] = string(rev.MemberID)
	annotations[p+"revision"] = strconv.FormatInt(rev.RevisionNumber, 10)
	annotations[p+"timestamp-ms"] = strconv.FormatInt(rev.TimestampMs, 10)
	annotations[p+"active"] = strconv.FormatBool(rev.Payload.Active)
	annotations[p+"enabled"] = strconv.FormatBool(rev.Payload.Enabled)
	annotations[p+"registered"] = strconv.FormatBool(rev.Payload.Registered)
	if len(rev.Payload.Labels) > 0 {
		if b, err := json.Marshal(rev.Payload.Labels); err == nil {
			annotations[p+"labels"] = string(b)
		}
	}
	if len(rev.Payload.Addresses) > 0 {
		if b, err := json.Marshal(rev.Payload.Addresses); err == nil {
			annotations[p+"addresses"] = string(b)
		}
	}
}

func (a *MembershipAdapter) removeAnnotations(annotations map[string]string) {
	if annotations == nil {
		return
	}
	p := a.annotationPrefix
	for _, k := range []string{"member-id", "revision", "timestamp-ms", "active", "enabled", "registered", "labels", "addresses"} {
		delete(annotations, p+k)
	}
}

func (a *MembershipAdapter) revisionFromAnnotations(annotations map[string]string) (cm.MemberRevision[cm.ClusterMember], bool) {
	p := a.annotationPrefix
	rawID := annotations[p+"member-id"]
	if rawID == "" {
		return cm.MemberRevision[cm.ClusterMember]{}, false
	}
	revNum, err := strconv.ParseInt(annotations[p+"revision"], 10, 64)
	if err != nil {
		return cm.MemberRevision[cm.ClusterMember]{}, false
	}
	ts, _ := strconv.ParseInt(annotations[p+"timestamp-ms"], 10, 64)
	id := cm.MemberID(rawID)
	member := cm.ClusterMember{
		MemberID:   id,
		Active:     annotations[p+"active"] == "true",
		Enabled:    annotations[p+"enabled"] == "true",
		Registered: annotations[p+"registered"] == "true",
	}
	if raw := annotations[p+"labels"]; raw != "" {
		var labels map[string]string
		if json.Unmarshal([]byte(raw), &labels) == nil {
			member.Labels = labels
		}
	}
	if raw := annotations[p+"addresses"]; raw != "" {
		var addrs []cm.Address
		if json.Unmarshal([]byte(raw), &addrs) == nil {
			member.Addresses = addrs
		}
	}
	return cm.MemberRevision[cm.ClusterMember]{
		MemberID:       id,
		Payload:        member,
		RevisionNumber: revNum,
		TimestampMs:    ts,
	}, true
}
