// Package drain implements the Kubernetes node drain strategy: cordon and
// evict before the reboot, uncordon and wait for readiness after it.
package drain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"github.com/ocf/strand/pkg/fleetlock"
	"github.com/ocf/strand/pkg/strategy"
)

const (
	DefaultPrePriority     = 100
	DefaultPostPriority    = 300
	DefaultPollInterval    = 10 * time.Second
	DefaultTimeoutInterval = 10 * time.Minute
)

// ErrNodeNotReady is returned by PostReboot until the node reports Ready.
var ErrNodeNotReady = errors.New("node is not ready")

// Options tunes the drain strategy.
type Options struct {
	// Priority overrides the default ordering when non-nil.
	Priority        *strategy.Priority
	PollInterval    time.Duration
	TimeoutInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Priority == nil {
		o.Priority = &strategy.Priority{Pre: DefaultPrePriority, Post: DefaultPostPriority}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.TimeoutInterval <= 0 {
		o.TimeoutInterval = DefaultTimeoutInterval
	}
	return o
}

// Drain cordons and evicts a single node.
type Drain struct {
	node   string
	client kubernetes.Interface
	opts   Options
}

// New constructs a drain strategy for node.
func New(client kubernetes.Interface, node string, opts Options) (*Drain, error) {
	if client == nil {
		return nil, errors.New("drain strategy requires a kubernetes client")
	}
	node = strings.TrimSpace(node)
	if node == "" {
		return nil, errors.New("drain strategy requires a node name")
	}
	return &Drain{node: node, client: client, opts: opts.withDefaults()}, nil
}

// NewFactory returns a registry factory that drains the requesting node.
func NewFactory(client kubernetes.Interface, opts Options) strategy.Factory {
	return func(_ context.Context, req fleetlock.Request) (strategy.Strategy, error) {
		return New(client, req.ClientParams.ID, opts)
	}
}

func (d *Drain) Name() string { return "drain" }

// PreReboot implements strategy.Strategy.
func (d *Drain) PreReboot(ctx context.Context) error {
	if err := d.setUnschedulable(ctx, true); err != nil {
		return fmt.Errorf("cordon node %s: %w", d.node, err)
	}

	pods, err := d.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", d.node).String(),
	})
	if err != nil {
		return fmt.Errorf("list pods on node %s: %w", d.node, err)
	}

	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Spec.NodeName != d.node || isDaemonSetPod(pod) {
			continue
		}
		if err := d.evict(ctx, pod); err != nil {
			return fmt.Errorf("failed to evict %s/%s: %w", pod.Namespace, pod.Name, err)
		}
	}
	return nil
}

// PostReboot implements strategy.Strategy.
func (d *Drain) PostReboot(ctx context.Context) error {
	if err := d.setUnschedulable(ctx, false); err != nil {
		return fmt.Errorf("uncordon node %s: %w", d.node, err)
	}
	node, err := d.client.CoreV1().Nodes().Get(ctx, d.node, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get node %s: %w", d.node, err)
	}
	if !isReady(node) {
		return fmt.Errorf("%w: %s", ErrNodeNotReady, d.node)
	}
	return nil
}

// Timeout leaves the node cordoned for an operator to inspect.
func (d *Drain) Timeout(context.Context) error {
	return nil
}

func (d *Drain) PollInterval() time.Duration { return d.opts.PollInterval }

func (d *Drain) TimeoutInterval() time.Duration { return d.opts.TimeoutInterval }

func (d *Drain) Priority() strategy.Priority { return *d.opts.Priority }

func (d *Drain) setUnschedulable(ctx context.Context, unschedulable bool) error {
	nodes := d.client.CoreV1().Nodes()
	node, err := nodes.Get(ctx, d.node, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if node.Spec.Unschedulable == unschedulable {
		return nil
	}
	updated := node.DeepCopy()
	updated.Spec.Unschedulable = unschedulable
	_, err = nodes.Update(ctx, updated, metav1.UpdateOptions{})
	return err
}

func (d *Drain) evict(ctx context.Context, pod *corev1.Pod) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pod.Name,
			Namespace: pod.Namespace,
		},
	}
	err := d.client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)
	if err != nil && apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func isDaemonSetPod(pod *corev1.Pod) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "DaemonSet" {
			return true
		}
	}
	return false
}

func isReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

var _ strategy.Strategy = (*Drain)(nil)
