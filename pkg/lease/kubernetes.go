package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
)

// KubernetesStore maps leases onto coordination.k8s.io/v1 Lease objects.
type KubernetesStore struct {
	leases    coordinationclient.LeaseInterface
	namespace string
}

// NewKubernetesStore builds a store operating on Lease objects in namespace.
func NewKubernetesStore(client kubernetes.Interface, namespace string) (*KubernetesStore, error) {
	if client == nil {
		return nil, errors.New("kubernetes lease store requires a client")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("kubernetes lease store requires a namespace")
	}
	return &KubernetesStore{
		leases:    client.CoordinationV1().Leases(namespace),
		namespace: namespace,
	}, nil
}

// Get implements Store.
func (s *KubernetesStore) Get(ctx context.Context, name string) (Lease, error) {
	obj, err := s.leases.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, upstream("get", err)
	}
	return fromObject(obj), nil
}

// Create implements Store.
func (s *KubernetesStore) Create(ctx context.Context, l Lease) (Lease, error) {
	desired := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:        l.Name,
			Namespace:   s.namespace,
			Annotations: l.Clone().Annotations,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity: l.Clone().HolderIdentity,
		},
	}
	obj, err := s.leases.Create(ctx, desired, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return Lease{}, ErrAlreadyExists
		}
		return Lease{}, upstream("create", err)
	}
	return fromObject(obj), nil
}

// Patch implements Store using a JSON merge patch on metadata.annotations.
func (s *KubernetesStore) Patch(ctx context.Context, name string, annotations map[string]string) (Lease, error) {
	body, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": annotations,
		},
	})
	if err != nil {
		return Lease{}, fmt.Errorf("encode lease patch: %w", err)
	}
	obj, err := s.leases.Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Lease{}, ErrNotFound
		}
		return Lease{}, upstream("patch", err)
	}
	return fromObject(obj), nil
}

// Delete implements Store.
func (s *KubernetesStore) Delete(ctx context.Context, name string) error {
	if err := s.leases.Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return ErrNotFound
		}
		return upstream("delete", err)
	}
	return nil
}

func fromObject(obj *coordinationv1.Lease) Lease {
	l := Lease{
		Name:        obj.Name,
		Namespace:   obj.Namespace,
		Annotations: obj.Annotations,
	}
	if obj.Spec.HolderIdentity != nil {
		l.HolderIdentity = StringPtr(*obj.Spec.HolderIdentity)
	}
	return l.Clone()
}

var _ Store = (*KubernetesStore)(nil)
