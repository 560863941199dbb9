package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes/fake"

	"github.com/ocf/strand/internal/testutil"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, "reboot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing lease, got %v", err)
	}

	created, err := store.Create(ctx, Lease{
		Name:           "reboot",
		HolderIdentity: StringPtr("node-a"),
		Annotations:    map[string]string{"example/progress": "0"},
	})
	if err != nil {
		t.Fatalf("create lease: %v", err)
	}
	if holder, ok := created.Holder(); !ok || holder != "node-a" {
		t.Fatalf("expected holder node-a, got %q (set=%v)", holder, ok)
	}

	if _, err := store.Create(ctx, Lease{Name: "reboot", HolderIdentity: StringPtr("node-b")}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate create, got %v", err)
	}

	patched, err := store.Patch(ctx, "reboot", map[string]string{"example/progress": "100", "example/other": "x"})
	if err != nil {
		t.Fatalf("patch lease: %v", err)
	}
	if patched.Annotations["example/progress"] != "100" || patched.Annotations["example/other"] != "x" {
		t.Fatalf("unexpected annotations after patch: %v", patched.Annotations)
	}

	got, err := store.Get(ctx, "reboot")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if holder, _ := got.Holder(); holder != "node-a" {
		t.Fatalf("patch must not change holder, got %q", holder)
	}
	if got.Annotations["example/progress"] != "100" {
		t.Fatalf("expected persisted progress 100, got %v", got.Annotations)
	}

	if err := store.Delete(ctx, "reboot"); err != nil {
		t.Fatalf("delete lease: %v", err)
	}
	if err := store.Delete(ctx, "reboot"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.Patch(ctx, "reboot", map[string]string{"a": "b"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when patching missing lease, got %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore("strand"))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore("strand")
	ctx := context.Background()
	if _, err := store.Create(ctx, Lease{Name: "l", HolderIdentity: StringPtr("a"), Annotations: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "l")
	got.Annotations["k"] = "mutated"
	*got.HolderIdentity = "b"

	again, _ := store.Get(ctx, "l")
	if again.Annotations["k"] != "v" {
		t.Fatalf("stored annotations were mutated through a returned copy")
	}
	if holder, _ := again.Holder(); holder != "a" {
		t.Fatalf("stored holder was mutated through a returned copy")
	}
}

func TestKubernetesStoreContract(t *testing.T) {
	store, err := NewKubernetesStore(fake.NewSimpleClientset(), "strand")
	if err != nil {
		t.Fatalf("create kubernetes store: %v", err)
	}
	exerciseStore(t, store)
}

func TestKubernetesStoreRequiresNamespace(t *testing.T) {
	if _, err := NewKubernetesStore(fake.NewSimpleClientset(), " "); err == nil {
		t.Fatal("expected error for empty namespace")
	}
}

func TestEtcdStoreContract(t *testing.T) {
	cluster := testutil.StartEtcd(t)

	store, err := NewEtcdStore(EtcdStoreOptions{
		Endpoints:      cluster.Endpoints,
		DialTimeout:    5 * time.Second,
		Namespace:      "strand",
		LeaseNamespace: "default",
	})
	if err != nil {
		t.Fatalf("create etcd store: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestEtcdStoreKeyLayout(t *testing.T) {
	cluster := testutil.StartEtcd(t)

	store, err := NewEtcdStore(EtcdStoreOptions{
		Endpoints:      cluster.Endpoints,
		Namespace:      "env/prod",
		LeaseNamespace: "strand",
	})
	if err != nil {
		t.Fatalf("create etcd store: %v", err)
	}
	defer store.Close()

	if got := store.key("zincati-lock"); got != "/env/prod/leases/strand/zincati-lock" {
		t.Fatalf("unexpected key layout: %s", got)
	}

	if _, err := store.Create(context.Background(), Lease{Name: "zincati-lock", HolderIdentity: StringPtr("node-a")}); err != nil {
		t.Fatalf("create lease: %v", err)
	}
	keys := cluster.Keys(t, "/env/prod/")
	if len(keys) != 1 || keys[0] != "/env/prod/leases/strand/zincati-lock" {
		t.Fatalf("unexpected keys written: %v", keys)
	}
}

func TestEtcdStoreRejectsMissingOptions(t *testing.T) {
	if _, err := NewEtcdStore(EtcdStoreOptions{LeaseNamespace: "strand"}); err == nil {
		t.Fatal("expected error without endpoints")
	}
	if _, err := NewEtcdStore(EtcdStoreOptions{Endpoints: []string{"127.0.0.1:2379"}}); err == nil {
		t.Fatal("expected error without lease namespace")
	}
}

func TestUpstreamErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := upstream("get", cause)
	var up *UpstreamError
	if !errors.As(err, &up) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected upstream error to unwrap to its cause")
	}
	if got := upstream("get", context.Canceled); !errors.Is(got, context.Canceled) || errors.As(got, &up) {
		t.Fatalf("context errors must pass through unwrapped, got %v", got)
	}
}
