// Package testutil starts throwaway backends for package tests.
package testutil

import (
	"context"
	"net/url"
	"sort"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	etcdStartTimeout = 15 * time.Second
	etcdStopTimeout  = 5 * time.Second
)

// Etcd is a single-member embedded etcd bound to loopback ports.
type Etcd struct {
	Server    *embed.Etcd
	Endpoints []string
}

// StartEtcd launches an embedded etcd in a temporary directory and stops it
// when the test finishes.
func StartEtcd(t testing.TB) *Etcd {
	t.Helper()

	peer := loopbackURL(t)
	client := loopbackURL(t)

	cfg := embed.NewConfig()
	cfg.Name = "strand-test"
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.EnableGRPCGateway = false
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("start embedded etcd: %v", err)
	}

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(etcdStartTimeout):
		server.Server.Stop()
		<-server.Server.StopNotify()
		t.Fatalf("embedded etcd not ready after %s", etcdStartTimeout)
	}

	t.Cleanup(func() {
		server.Close()
		select {
		case <-server.Server.StopNotify():
		case <-time.After(etcdStopTimeout):
		}
	})

	endpoints := make([]string, 0, len(server.Clients))
	for _, listener := range server.Clients {
		endpoints = append(endpoints, listener.Addr().String())
	}
	return &Etcd{Server: server, Endpoints: endpoints}
}

// Client opens a client to the embedded member, closed with the test.
func (e *Etcd) Client(t testing.TB) *clientv3.Client {
	t.Helper()
	client, err := clientv3.New(clientv3.Config{Endpoints: e.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("connect to embedded etcd: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// Keys lists every key under prefix in sorted order.
func (e *Etcd) Keys(t testing.TB, prefix string) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := e.Client(t).Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		t.Fatalf("list keys under %s: %v", prefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	sort.Strings(keys)
	return keys
}

// Port 0 lets the kernel pick a free port for each listener.
func loopbackURL(t testing.TB) url.URL {
	t.Helper()
	parsed, err := url.Parse("http://127.0.0.1:0")
	if err != nil {
		t.Fatalf("parse loopback url: %v", err)
	}
	return *parsed
}
