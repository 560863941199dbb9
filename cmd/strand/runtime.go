package main

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ocf/strand/pkg/clusterhealth"
	"github.com/ocf/strand/pkg/config"
	"github.com/ocf/strand/pkg/cooldown"
	"github.com/ocf/strand/pkg/lease"
	"github.com/ocf/strand/pkg/lock"
	"github.com/ocf/strand/pkg/strategy"
	"github.com/ocf/strand/pkg/strategy/ceph"
	"github.com/ocf/strand/pkg/strategy/command"
	"github.com/ocf/strand/pkg/strategy/drain"
	"github.com/ocf/strand/pkg/version"
	"github.com/ocf/strand/pkg/windows"
)

// newKubeClient builds a clientset from kubeconfig, falling back to the
// in-cluster configuration when kubeconfig is empty. Tests replace it.
var newKubeClient = func(kubeconfig string) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	restConfig.UserAgent = version.UserAgent()
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return client, nil
}

// runtimeDeps holds the backends shared by every command.
type runtimeDeps struct {
	kube     kubernetes.Interface
	store    lease.Store
	lock     *lock.Lock
	cooldown cooldown.Manager
	health   clusterhealth.Manager
	closers  []func() error
}

func (d *runtimeDeps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildRuntime(cfg *config.Config) (*runtimeDeps, error) {
	deps := &runtimeDeps{}
	fail := func(err error) (*runtimeDeps, error) {
		_ = deps.Close()
		return nil, err
	}

	tlsCfg, err := cfg.Backend.EtcdTLS.TLSConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Backend.Type == config.BackendKubernetes || cfg.Strategies.Drain.Enabled {
		deps.kube, err = newKubeClient(cfg.Backend.Kubeconfig)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Backend.Type {
	case config.BackendKubernetes:
		store, err := lease.NewKubernetesStore(deps.kube, cfg.Lock.Namespace)
		if err != nil {
			return fail(err)
		}
		deps.store = store
	case config.BackendEtcd:
		store, err := lease.NewEtcdStore(lease.EtcdStoreOptions{
			Endpoints:      cfg.Backend.EtcdEndpoints,
			DialTimeout:    cfg.DialTimeout(),
			TLS:            tlsCfg,
			Namespace:      cfg.Backend.EtcdNamespace,
			LeaseNamespace: cfg.Lock.Namespace,
		})
		if err != nil {
			return fail(err)
		}
		deps.store = store
		deps.closers = append(deps.closers, store.Close)
	default:
		return fail(fmt.Errorf("unsupported backend %q", cfg.Backend.Type))
	}

	deps.lock, err = lock.New(cfg.Lock.Name, cfg.Lock.Namespace, deps.store)
	if err != nil {
		return fail(err)
	}

	if cfg.RebootCooldownInterval() > 0 {
		var manager cooldown.Manager
		if cfg.Backend.Type == config.BackendEtcd {
			manager, err = cooldown.NewEtcdManager(cooldown.EtcdManagerOptions{
				Endpoints:   cfg.Backend.EtcdEndpoints,
				DialTimeout: cfg.DialTimeout(),
				Namespace:   cfg.Backend.EtcdNamespace,
				Key:         path.Join("cooldown", cfg.Lock.Namespace, cfg.Lock.Name),
				TLS:         tlsCfg,
			})
		} else {
			manager, err = cooldown.NewStoreManager(deps.store, cfg.Lock.Name+"-cooldown", nil)
		}
		if err != nil {
			return fail(fmt.Errorf("create cooldown manager: %w", err))
		}
		deps.cooldown = manager
		deps.closers = append(deps.closers, manager.Close)
	}

	if cfg.HealthRecords.Enabled {
		manager, err := clusterhealth.NewEtcdManager(clusterhealth.EtcdManagerOptions{
			Endpoints:   cfg.Backend.EtcdEndpoints,
			DialTimeout: cfg.DialTimeout(),
			Namespace:   cfg.Backend.EtcdNamespace,
			Prefix:      cfg.HealthRecords.Prefix,
			TLS:         tlsCfg,
		})
		if err != nil {
			return fail(fmt.Errorf("create health recorder: %w", err))
		}
		deps.health = manager
		deps.closers = append(deps.closers, manager.Close)
	}

	return deps, nil
}

func buildRegistry(cfg *config.Config, kube kubernetes.Interface) (*strategy.Registry, error) {
	registry := strategy.NewRegistry()
	runner := command.NewRunner(cfg.CommandTimeout(), nil)

	if cfg.Strategies.Drain.Enabled {
		if kube == nil {
			return nil, errors.New("drain strategy requires a kubernetes client")
		}
		factory := drain.NewFactory(kube, drain.Options{
			Priority:        priorityOverride(cfg.Strategies.Drain.Priority),
			PollInterval:    cfg.Strategies.Drain.PollInterval(),
			TimeoutInterval: cfg.Strategies.Drain.Timeout(),
		})
		if err := registry.Register("drain", factory); err != nil {
			return nil, err
		}
	}

	if cfg.Strategies.Ceph.Enabled {
		factory := ceph.NewFactory(runner, ceph.Options{
			Binary:          cfg.Strategies.Ceph.Binary,
			Args:            cfg.Strategies.Ceph.Args,
			Priority:        priorityOverride(cfg.Strategies.Ceph.Priority),
			PollInterval:    cfg.Strategies.Ceph.PollInterval(),
			TimeoutInterval: cfg.Strategies.Ceph.Timeout(),
		})
		if err := registry.Register("ceph", factory); err != nil {
			return nil, err
		}
	}

	for _, hook := range cfg.Strategies.Hooks {
		name := strings.TrimSpace(hook.Name)
		factory := command.NewHookFactory(command.HookConfig{
			Name:            name,
			PreReboot:       hook.PreReboot,
			PostReboot:      hook.PostReboot,
			OnTimeout:       hook.OnTimeout,
			Priority:        priority(hook.Priority),
			PollInterval:    hook.PollInterval(),
			TimeoutInterval: hook.Timeout(),
		}, runner)
		if err := registry.Register(name, factory); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func buildWindows(cfg *config.Config) (windows.Evaluator, error) {
	convert := func(in []config.WindowConfig) []windows.Window {
		out := make([]windows.Window, 0, len(in))
		for _, w := range in {
			out = append(out, windows.Window{Schedule: w.Schedule, Duration: w.Duration()})
		}
		return out
	}
	return windows.NewEvaluator(convert(cfg.Windows.Allow), convert(cfg.Windows.Deny))
}

func priority(p config.PriorityConfig) strategy.Priority {
	return strategy.Priority{Pre: p.Pre, Post: p.Post}
}

// priorityOverride keeps nil as nil so the strategy applies its defaults.
func priorityOverride(p *config.PriorityConfig) *strategy.Priority {
	if p == nil {
		return nil
	}
	out := priority(*p)
	return &out
}
