package lease

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const maxPatchAttempts = 5

var errPatchConflict = errors.New("concurrent modification, patch attempts exhausted")

// EtcdStoreOptions configures the etcd-backed lease store.
type EtcdStoreOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	// Namespace is the etcd key prefix shared with the other strand records.
	Namespace string
	// LeaseNamespace scopes lease names the same way a Kubernetes namespace does.
	LeaseNamespace string
}

// EtcdStore persists leases as JSON documents under a namespaced etcd prefix.
type EtcdStore struct {
	client    *clientv3.Client
	prefix    string
	namespace string
}

type leaseRecord struct {
	Name           string            `json:"name"`
	Namespace      string            `json:"namespace"`
	HolderIdentity *string           `json:"holder_identity,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty"`
}

// NewEtcdStore builds a lease store backed by etcd.
func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lease store requires at least one endpoint")
	}
	leaseNamespace := strings.Trim(strings.TrimSpace(opts.LeaseNamespace), "/")
	if leaseNamespace == "" {
		return nil, errors.New("etcd lease store requires a lease namespace")
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	return &EtcdStore{
		client:    client,
		prefix:    applyNamespace(opts.Namespace, path.Join("leases", leaseNamespace)),
		namespace: leaseNamespace,
	}, nil
}

// Close releases underlying client resources.
func (s *EtcdStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

func (s *EtcdStore) key(name string) string {
	return s.prefix + "/" + strings.Trim(name, "/")
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, name string) (Lease, error) {
	resp, err := s.client.Get(clientv3.WithRequireLeader(ctx), s.key(name))
	if err != nil {
		return Lease{}, upstream("get", err)
	}
	if len(resp.Kvs) == 0 {
		return Lease{}, ErrNotFound
	}
	return decodeRecord(resp.Kvs[0].Value)
}

// Create implements Store.
func (s *EtcdStore) Create(ctx context.Context, l Lease) (Lease, error) {
	l = l.Clone()
	l.Namespace = s.namespace
	payload, err := encodeRecord(l)
	if err != nil {
		return Lease{}, err
	}

	key := s.key(l.Name)
	resp, err := s.client.Txn(clientv3.WithRequireLeader(ctx)).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, payload)).
		Commit()
	if err != nil {
		return Lease{}, upstream("create", err)
	}
	if !resp.Succeeded {
		return Lease{}, ErrAlreadyExists
	}
	return l, nil
}

// Patch implements Store. The read-merge-write cycle is guarded by a
// ModRevision comparison so each patch applies atomically.
func (s *EtcdStore) Patch(ctx context.Context, name string, annotations map[string]string) (Lease, error) {
	key := s.key(name)
	ctx = clientv3.WithRequireLeader(ctx)

	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return Lease{}, upstream("patch", err)
		}
		if len(resp.Kvs) == 0 {
			return Lease{}, ErrNotFound
		}
		kv := resp.Kvs[0]
		current, err := decodeRecord(kv.Value)
		if err != nil {
			return Lease{}, err
		}
		if current.Annotations == nil {
			current.Annotations = make(map[string]string, len(annotations))
		}
		for k, v := range annotations {
			current.Annotations[k] = v
		}
		payload, err := encodeRecord(current)
		if err != nil {
			return Lease{}, err
		}

		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpPut(key, payload)).
			Commit()
		if err != nil {
			return Lease{}, upstream("patch", err)
		}
		if txn.Succeeded {
			return current, nil
		}
	}
	return Lease{}, upstream("patch", errPatchConflict)
}

// Delete implements Store.
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	resp, err := s.client.Delete(clientv3.WithRequireLeader(ctx), s.key(name))
	if err != nil {
		return upstream("delete", err)
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeRecord(l Lease) (string, error) {
	payload, err := json.Marshal(leaseRecord{
		Name:           l.Name,
		Namespace:      l.Namespace,
		HolderIdentity: l.HolderIdentity,
		Annotations:    l.Annotations,
	})
	if err != nil {
		return "", fmt.Errorf("encode lease: %w", err)
	}
	return string(payload), nil
}

func decodeRecord(raw []byte) (Lease, error) {
	var record leaseRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return Lease{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Lease{
		Name:           record.Name,
		Namespace:      record.Namespace,
		HolderIdentity: record.HolderIdentity,
		Annotations:    record.Annotations,
	}, nil
}

func applyNamespace(namespace, key string) string {
	normalizedKey := "/" + strings.TrimLeft(key, "/")
	trimmedNamespace := strings.Trim(namespace, "/")
	if trimmedNamespace == "" {
		return normalizedKey
	}
	return "/" + trimmedNamespace + normalizedKey
}

var _ Store = (*EtcdStore)(nil)
