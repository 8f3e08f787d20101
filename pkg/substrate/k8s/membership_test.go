package k8s

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	cm "github.com/amirimatin/clustermembership/pkg/clustermembership"
)

func newPod(ns, name string, labels map[string]string) *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name, Labels: labels}}
}

func TestMembershipAdapter_WriteThenReadBack(t *testing.T) {
	client := k8sfake.NewSimpleClientset(newPod("ns1", "node-a", map[string]string{"app.kubernetes.io/component": "cluster-member"}))
	a := NewMembershipAdapter(client, "ns1", "node-a", nil)

	rev := cm.MemberRevision[cm.ClusterMember]{
		MemberID:       "node-a",
		Payload:        cm.ClusterMember{Active: true, Enabled: true, Registered: true, Labels: map[string]string{"zone": "a"}},
		RevisionNumber: 3,
		TimestampMs:    1000,
	}
	if _, err := a.WriteMemberRecord(context.Background(), rev); err != nil {
		t.Fatalf("WriteMemberRecord: %v", err)
	}

	pod, err := client.CoreV1().Pods("ns1").Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get pod: %v", err)
	}
	got, ok := a.revisionFromAnnotations(pod.Annotations)
	if !ok {
		t.Fatalf("expected annotations to decode, got %v", pod.Annotations)
	}
	if got.RevisionNumber != 3 || got.Payload.Labels["zone"] != "a" {
		t.Fatalf("unexpected decoded revision: %+v", got)
	}
}

func TestMembershipAdapter_WriteRejectsForeignMemberID(t *testing.T) {
	client := k8sfake.NewSimpleClientset(newPod("ns1", "node-a", nil))
	a := NewMembershipAdapter(client, "ns1", "node-a", nil)

	_, err := a.WriteMemberRecord(context.Background(), cm.MemberRevision[cm.ClusterMember]{MemberID: "node-b"})
	if err == nil {
		t.Fatal("expected error writing another member's record")
	}
}

func TestMembershipAdapter_PollEmitsAddedUpdatedRemoved(t *testing.T) {
	sel := "app.kubernetes.io/component=cluster-member"
	labels := map[string]string{"app.kubernetes.io/component": "cluster-member"}
	client := k8sfake.NewSimpleClientset(newPod("ns1", "node-a", labels), newPod("ns1", "node-b", labels))
	a := NewMembershipAdapter(client, "ns1", "node-a", nil, WithLabelSelector(sel), WithPollInterval(5*time.Millisecond))

	writeSibling := func(rev cm.MemberRevision[cm.ClusterMember]) {
		pod, err := client.CoreV1().Pods("ns1").Get(context.Background(), string(rev.MemberID), metav1.GetOptions{})
		if err != nil {
			t.Fatalf("get sibling pod: %v", err)
		}
		if pod.Annotations == nil {
			pod.Annotations = map[string]string{}
		}
		a.setAnnotations(pod.Annotations, rev)
		if _, err := client.CoreV1().Pods("ns1").Update(context.Background(), pod, metav1.UpdateOptions{}); err != nil {
			t.Fatalf("update sibling pod: %v", err)
		}
	}
	writeSibling(cm.MemberRevision[cm.ClusterMember]{MemberID: "node-b", Payload: cm.ClusterMember{Active: true, Registered: true}, RevisionNumber: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := a.WatchMembershipEvents(ctx)
	if err != nil {
		t.Fatalf("WatchMembershipEvents: %v", err)
	}

	evt := waitForEvent(t, events)
	if evt.Kind != cm.MembershipSiblingAdded || evt.Revision.MemberID != "node-b" {
		t.Fatalf("expected SiblingAdded for node-b, got %+v", evt)
	}

	writeSibling(cm.MemberRevision[cm.ClusterMember]{MemberID: "node-b", Payload: cm.ClusterMember{Active: true, Registered: true}, RevisionNumber: 2})
	evt = waitForEvent(t, events)
	if evt.Kind != cm.MembershipSiblingUpdated {
		t.Fatalf("expected SiblingUpdated, got %+v", evt)
	}

	if err := client.CoreV1().Pods("ns1").Delete(context.Background(), "node-b", metav1.DeleteOptions{}); err != nil {
		t.Fatalf("delete sibling pod: %v", err)
	}
	evt = waitForEvent(t, events)
	if evt.Kind != cm.MembershipSiblingRemoved || evt.MemberID != "node-b" {
		t.Fatalf("expected SiblingRemoved for node-b, got %+v", evt)
	}
}

func waitForEvent(t *testing.T, ch <-chan cm.MembershipEvent) cm.MembershipEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for membership event")
	}
	return cm.MembershipEvent{}
}
