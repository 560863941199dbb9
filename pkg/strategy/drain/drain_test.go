package drain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/strategy"
)

type evictionRecorder struct {
	mu      sync.Mutex
	evicted []string
	fail    map[string]error
}

func (r *evictionRecorder) react(action k8stesting.Action) (bool, runtime.Object, error) {
	if action.GetSubresource() != "eviction" {
		return false, nil, nil
	}
	create, ok := action.(k8stesting.CreateAction)
	if !ok {
		return false, nil, nil
	}
	eviction, ok := create.GetObject().(*policyv1.Eviction)
	if !ok {
		return false, nil, nil
	}
	key := eviction.Namespace + "/" + eviction.Name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, key)
	if err, ok := r.fail[key]; ok {
		return true, nil, err
	}
	return true, nil, nil
}

func (r *evictionRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.evicted...)
}

func node(name string, unschedulable, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec:       corev1.NodeSpec{Unschedulable: unschedulable},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
		},
	}
}

func pod(namespace, name, nodeName, ownerKind string) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       corev1.PodSpec{NodeName: nodeName},
	}
	if ownerKind != "" {
		p.OwnerReferences = []metav1.OwnerReference{{Kind: ownerKind, Name: name + "-owner"}}
	}
	return p
}

func newDrain(t *testing.T, objects ...runtime.Object) (*Drain, *fake.Clientset, *evictionRecorder) {
	t.Helper()
	client := fake.NewSimpleClientset(objects...)
	recorder := &evictionRecorder{fail: map[string]error{}}
	client.PrependReactor("create", "pods", recorder.react)

	d, err := New(client, "node-a", Options{})
	if err != nil {
		t.Fatalf("failed to create drain strategy: %v", err)
	}
	return d, client, recorder
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func TestPreRebootCordonsAndEvictsNonDaemonSetPods(t *testing.T) {
	d, client, recorder := newDrain(t,
		node("node-a", false, true),
		pod("default", "web", "node-a", "ReplicaSet"),
		pod("default", "bare", "node-a", ""),
		pod("kube-system", "fluentd", "node-a", "DaemonSet"),
		pod("default", "elsewhere", "node-b", "ReplicaSet"),
	)

	if err := d.PreReboot(context.Background()); err != nil {
		t.Fatalf("pre-reboot failed: %v", err)
	}

	n, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if !n.Spec.Unschedulable {
		t.Fatal("expected node to be cordoned")
	}

	evicted := recorder.snapshot()
	if len(evicted) != 2 || !contains(evicted, "default/web") || !contains(evicted, "default/bare") {
		t.Fatalf("unexpected evictions: %v", evicted)
	}
	if contains(evicted, "kube-system/fluentd") {
		t.Fatal("daemonset pod must never be evicted")
	}
}

func TestPreRebootAbortsOnFirstEvictionFailure(t *testing.T) {
	d, _, recorder := newDrain(t,
		node("node-a", false, true),
		pod("default", "one", "node-a", "ReplicaSet"),
		pod("default", "two", "node-a", "ReplicaSet"),
		pod("default", "three", "node-a", "ReplicaSet"),
	)
	tooMany := apierrors.NewTooManyRequests("disruption budget", 10)
	recorder.fail["default/one"] = tooMany
	recorder.fail["default/two"] = tooMany
	recorder.fail["default/three"] = tooMany

	err := d.PreReboot(context.Background())
	if err == nil {
		t.Fatal("expected pre-reboot to fail")
	}
	evicted := recorder.snapshot()
	if len(evicted) != 1 {
		t.Fatalf("expected a single eviction attempt before aborting, got %v", evicted)
	}
	if !strings.Contains(err.Error(), evicted[0]) {
		t.Fatalf("expected error to name %s, got %v", evicted[0], err)
	}
	if !apierrors.IsTooManyRequests(errors.Unwrap(err)) {
		t.Fatalf("expected eviction cause to be preserved, got %v", err)
	}
}

func TestPreRebootIgnoresAlreadyEvictedPods(t *testing.T) {
	d, _, recorder := newDrain(t,
		node("node-a", false, true),
		pod("default", "gone", "node-a", "ReplicaSet"),
	)
	recorder.fail["default/gone"] = apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "gone")

	if err := d.PreReboot(context.Background()); err != nil {
		t.Fatalf("expected missing pod to be tolerated, got %v", err)
	}
}

func TestPreRebootOnCordonedNodeSkipsUpdate(t *testing.T) {
	d, client, _ := newDrain(t, node("node-a", true, true))

	if err := d.PreReboot(context.Background()); err != nil {
		t.Fatalf("pre-reboot failed: %v", err)
	}
	for _, action := range client.Actions() {
		if action.GetVerb() == "update" && action.GetResource().Resource == "nodes" {
			t.Fatalf("expected no node update for an already cordoned node")
		}
	}
}

func TestPreRebootMissingNode(t *testing.T) {
	d, _, _ := newDrain(t)
	if err := d.PreReboot(context.Background()); err == nil {
		t.Fatal("expected error when node does not exist")
	}
}

func TestPostRebootUncordonsAndConfirmsReady(t *testing.T) {
	d, client, _ := newDrain(t, node("node-a", true, true))

	if err := d.PostReboot(context.Background()); err != nil {
		t.Fatalf("post-reboot failed: %v", err)
	}
	n, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if n.Spec.Unschedulable {
		t.Fatal("expected node to be uncordoned")
	}
}

func TestPostRebootReportsNotReady(t *testing.T) {
	d, _, _ := newDrain(t, node("node-a", true, false))

	if err := d.PostReboot(context.Background()); !errors.Is(err, ErrNodeNotReady) {
		t.Fatalf("expected ErrNodeNotReady, got %v", err)
	}
}

func TestTimeoutLeavesNodeCordoned(t *testing.T) {
	d, client, _ := newDrain(t, node("node-a", true, false))
	before := len(client.Actions())
	if err := d.Timeout(context.Background()); err != nil {
		t.Fatalf("timeout cleanup failed: %v", err)
	}
	if len(client.Actions()) != before {
		t.Fatal("expected timeout cleanup to leave the node untouched")
	}
}

func TestFactoryUsesRequestID(t *testing.T) {
	client := fake.NewSimpleClientset()
	factory := NewFactory(client, Options{})

	s, err := factory(context.Background(), fleetlock.Request{ClientParams: fleetlock.ClientParams{ID: "node-z"}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	d, ok := s.(*Drain)
	if !ok {
		t.Fatalf("expected *Drain, got %T", s)
	}
	if d.node != "node-z" {
		t.Fatalf("expected node-z, got %s", d.node)
	}
	if p := d.Priority(); p.Pre != DefaultPrePriority || p.Post != DefaultPostPriority {
		t.Fatalf("unexpected default priority %+v", p)
	}

	if _, err := factory(context.Background(), fleetlock.Request{}); err == nil {
		t.Fatal("expected factory to reject an empty node id")
	}
}

func TestExplicitZeroPriority(t *testing.T) {
	d, err := New(fake.NewSimpleClientset(), "node-a", Options{Priority: &strategy.Priority{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p := d.Priority(); p != (strategy.Priority{}) {
		t.Fatalf("expected zero priority to be kept, got %+v", p)
	}
}
