package k8s

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
)

const defaultLeaseName = "clustermembership-leader"

// LeaderElectionAdapter implements cm.LeaderElectionExecutor using the
// coordination/v1 Lease API: joining starts a background acquire/renew loop
// against a single named Lease, leaving stops it. Leaving does not release a
// held Lease; it lapses once its TTL passes without a renewal.
type LeaderElectionAdapter struct {
	client    kubernetes.Interface
	namespace string
	leaseName string
	ttl       time.Duration
	renew     time.Duration
	poll      time.Duration
	logger    *log.Logger

	mu        sync.Mutex
	cancelCmp context.CancelFunc
}

type LeaderOption func(*LeaderElectionAdapter)

func WithLeaseName(name string) LeaderOption {
	return func(a *LeaderElectionAdapter) { a.leaseName = name }
}

func WithLeaseTTL(ttl time.Duration) LeaderOption {
	return func(a *LeaderElectionAdapter) { a.ttl = ttl }
}

func NewLeaderElectionAdapter(client kubernetes.Interface, namespace string, logger *log.Logger, opts ...LeaderOption) *LeaderElectionAdapter {
	if logger == nil {
		logger = log.Default()
	}
	a := &LeaderElectionAdapter{
		client:    client,
		namespace: namespace,
		leaseName: defaultLeaseName,
		ttl:       15 * time.Second,
		renew:     5 * time.Second,
		poll:      2 * time.Second,
		logger:    logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// JoinLeaderElection starts a background campaign loop that repeatedly
// attempts to acquire (and, once held, renew) the Lease. The loop runs until
// LeaveLeaderElection is called; it does not stop when ctx or the context
// passed to WatchLeaderElectionProcessUpdates is cancelled.
func (a *LeaderElectionAdapter) JoinLeaderElection(ctx context.Context, id cm.MemberID) error {
	a.mu.Lock()
	if a.cancelCmp != nil {
		a.mu.Unlock()
		return nil // already campaigning
	}
	campaignCtx, cancel := context.WithCancel(context.Background())
	a.cancelCmp = cancel
	a.mu.Unlock()

	go a.campaign(campaignCtx, id)
	return nil
}

func (a *LeaderElectionAdapter) LeaveLeaderElection(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancelCmp
	a.cancelCmp = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *LeaderElectionAdapter) campaign(ctx context.Context, id cm.MemberID) {
	ticker := time.NewTicker(a.renew)
	defer ticker.Stop()
	for {
		if _, err := a.tryAcquireOrRenew(ctx, id); err != nil {
			a.logger.Printf("k8s: lease acquire/renew failed, will retry: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *LeaderElectionAdapter) tryAcquireOrRenew(ctx context.Context, id cm.MemberID) (bool, error) {
	holder := string(id)
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(a.ttl.Seconds())

	lease, err := a.client.CoordinationV1().Leases(a.namespace).Get(ctx, a.leaseName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		newLease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: a.leaseName, Namespace: a.namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &ttlSec,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		_, createErr := a.client.CoordinationV1().Leases(a.namespace).Create(ctx, newLease, metav1.CreateOptions{})
		if createErr != nil {
			if apierrors.IsAlreadyExists(createErr) {
				return false, nil
			}
			return false, fmt.Errorf("k8s: create lease: %w", createErr)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8s: get lease: %w", err)
	}

	if isLeaseHeldByOther(lease, holder) {
		return false, nil
	}

	lease.Spec.HolderIdentity = &holder
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now
	if lease.Spec.AcquireTime == nil {
		lease.Spec.AcquireTime = &now
	}
	if _, err := a.client.CoordinationV1().Leases(a.namespace).Update(ctx, lease, metav1.UpdateOptions{}); err != nil {
		return false, fmt.Errorf("k8s: update lease: %w", err)
	}
	return true, nil
}

// WatchLeaderElectionProcessUpdates polls the Lease on an interval and
// emits LeaderElected whenever the observed holder changes (including into
// or out of the local member being the holder). It never emits LeaderLost
// directly; a no-longer-valid lease simply surfaces as a new LeaderElected
// for whichever member (if any) next acquires it.
func (a *LeaderElectionAdapter) WatchLeaderElectionProcessUpdates(ctx context.Context) (<-chan cm.LeaderElectionEvent, error) {
	out := make(chan cm.LeaderElectionEvent, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.poll)
		defer ticker.Stop()
		var lastHolder string
		for {
			holder, ok := a.currentHolder(ctx)
			if ok && holder != lastHolder {
				lastHolder = holder
				evt := cm.LeaderElectionEvent{
					Kind:     cm.LeaderElected,
					MemberID: cm.MemberID(holder),
					Revision: cm.MemberRevision[cm.LeadershipRecord]{
						MemberID: cm.MemberID(holder),
						Payload:  cm.LeadershipRecord{MemberID: cm.MemberID(holder), Role: cm.RoleLeader},
					},
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (a *LeaderElectionAdapter) currentHolder(ctx context.Context) (string, bool) {
	lease, err := a.client.CoordinationV1().Leases(a.namespace).Get(ctx, a.leaseName, metav1.GetOptions{})
	if err != nil {
		return "", false
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return "", false
	}
	if isLeaseExpired(lease) {
		return "", false
	}
	return *lease.Spec.HolderIdentity, true
}

func isLeaseHeldByOther(lease *coordinationv1.Lease, myID string) bool {
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity == "" {
		return false
	}
	if *lease.Spec.HolderIdentity == myID {
		return false
	}
	return !isLeaseExpired(lease)
}

func isLeaseExpired(lease *coordinationv1.Lease) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	renewTime := lease.Spec.RenewTime.Time
	dur := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	return time.Now().UTC().After(renewTime.Add(dur))
}
