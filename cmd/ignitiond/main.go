/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// ignitiond is the single-host microVM orchestrator daemon: it opens
// the store, wires the per-kind repositories, allocators, and
// controllers into one scheduler, and serves the HTTP API plus
// health/metrics endpoints until signaled.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ignitiond/ignitiond/internal/api"
	"github.com/ignitiond/ignitiond/internal/config"
	"github.com/ignitiond/ignitiond/internal/controllers"
	"github.com/ignitiond/ignitiond/internal/jobagent"
	"github.com/ignitiond/ignitiond/internal/machine"
	"github.com/ignitiond/ignitiond/internal/net/ipam"
	"github.com/ignitiond/ignitiond/internal/net/portalloc"
	"github.com/ignitiond/ignitiond/internal/net/tap"
	"github.com/ignitiond/ignitiond/internal/obs/health"
	"github.com/ignitiond/ignitiond/internal/obs/logging"
	"github.com/ignitiond/ignitiond/internal/obs/metrics"
	"github.com/ignitiond/ignitiond/internal/obs/tracing"
	"github.com/ignitiond/ignitiond/internal/repository"
	"github.com/ignitiond/ignitiond/internal/resources"
	"github.com/ignitiond/ignitiond/internal/scheduler"
	"github.com/ignitiond/ignitiond/internal/store"
	"github.com/ignitiond/ignitiond/internal/version"
	"github.com/ignitiond/ignitiond/internal/vmm/kvm"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "ignitiond",
		Short:        "Single-host microVM orchestrator daemon",
		Version:      version.String(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to YAML config file (optional)")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// unavailableHypervisor stands in when /dev/kvm cannot be opened: the
// daemon stays up, Machine reconciles fail with the open error, and the
// affected resources land in Error per the fatal-error policy.
type unavailableHypervisor struct{ err error }

func (h unavailableHypervisor) CheckExtension(int) (int, error) { return 0, h.err }
func (h unavailableHypervisor) CreateVM() (machine.VM, error)   { return nil, h.err }

func run(ctx context.Context, configFile string) error {
	mgr, err := config.NewManager(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = mgr.Close() }()
	cfg := mgr.Get()

	if err := logging.Setup(cfg.Log); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	log := logging.Global()
	log.Info("starting ignitiond", "version", version.String())

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version.Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing()
	metrics.SetupBuildInfo(version.Version, version.GitSHA)

	st, err := store.Open(cfg.Store.DataDir, cfg.Store.Timeout)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	tenant := cfg.Defaults.Tenant

	repos := api.Repos{
		Machines:     repository.New(resources.MachineKind, st, nil, nil),
		Volumes:      repository.New(resources.VolumeKind, st, nil, nil),
		Services:     repository.New(resources.ServiceKind, st, nil, nil),
		Certificates: repository.New(resources.CertificateKind, st, nil, nil),
		Apps:         repository.New(resources.AppKind, st, nil, nil),
	}
	repos.Volumes.SetAdmission(resources.VolumeAdmission(repos.Volumes, tenant))

	ipPool, err := ipam.New(st, tenant, cfg.Net.CIDR)
	if err != nil {
		return fmt.Errorf("ip pool: %w", err)
	}
	tapPool := tap.New(cfg.Net.TapPrefix, cfg.Net.Bridge)
	ports, err := portalloc.New(st, tenant, cfg.Net.PortRangeLo, cfg.Net.PortRangeHi)
	if err != nil {
		return fmt.Errorf("port allocator: %w", err)
	}

	var hv machine.Hypervisor
	var kvmErr error
	if dev, err := kvm.OpenDevice(); err != nil {
		kvmErr = err
		hv = unavailableHypervisor{err: err}
		log.Error(err, "KVM unavailable, machines will fail to provision")
	} else {
		defer func() { _ = dev.Close() }()
		hv = machine.NewHypervisor(dev)
	}

	// Five controllers share one queue; the configured per-controller
	// worker count scales the shared pool.
	sched := scheduler.New(log.WithName("scheduler"), cfg.Workers.PerController*5)
	jobs := jobagent.New(sched)

	volumeCtl := controllers.NewVolumeController(log, tenant, cfg, repos.Volumes)
	machineCtl := controllers.NewMachineController(log, tenant, cfg, hv, repos.Machines, repos.Volumes, ipPool, tapPool)
	serviceCtl := controllers.NewServiceController(log, cfg, repos.Services, repos.Machines, ports)
	certCtl := controllers.NewCertificateController(log, cfg, repos.Certificates, jobs, nil)
	appCtl := controllers.NewAppController(log, tenant, cfg, repos.Apps, repos.Machines, repos.Volumes, repos.Services)

	sched.Register(volumeCtl)
	sched.Register(machineCtl)
	sched.Register(serviceCtl)
	sched.Register(certCtl)
	sched.Register(appCtl)

	repos.Volumes.SetBeforeDelete(volumeCtl.BeforeDelete)
	repos.Services.SetBeforeDelete(serviceCtl.BeforeDelete)
	repos.Apps.SetBeforeDelete(appCtl.BeforeDelete)

	g, ctx := errgroup.WithContext(ctx)

	for kind, repo := range map[string]*repository.Repository{
		"Machine":     repos.Machines,
		"Volume":      repos.Volumes,
		"Service":     repos.Services,
		"Certificate": repos.Certificates,
		"App":         repos.Apps,
	} {
		g.Go(func() error {
			controllers.BridgeRepositoryChanges(ctx, sched, repo, kind)
			return nil
		})
	}

	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		reportQueueDepth(ctx, sched)
		return nil
	})

	bringUp(ctx, sched, repos, tenant)

	checker := health.NewChecker()
	checker.RegisterCheck("store", health.FunctionCheck(func() error {
		_, _, err := st.Get(tenant, "health", "default", "probe")
		return err
	}))
	checker.RegisterCheck("kvm", health.FunctionCheck(func() error { return kvmErr }))

	apiSrv := api.NewServer(log, tenant, api.DefaultBindings(repos))

	httpMux := http.NewServeMux()
	httpMux.Handle("/healthz", checker.LivenessHandler())
	httpMux.Handle("/readyz", checker.ReadinessHandler())
	httpMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	httpMux.Handle("/", apiSrv.Handler())

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("serving HTTP API", "addr", cfg.API.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// bringUp dispatches a synthetic event for every resource already in
// the store so controllers re-adopt state across a daemon restart.
func bringUp(ctx context.Context, sched *scheduler.Scheduler, repos api.Repos, tenant string) {
	for kind, repo := range map[string]*repository.Repository{
		"Machine":     repos.Machines,
		"Volume":      repos.Volumes,
		"Service":     repos.Services,
		"Certificate": repos.Certificates,
		"App":         repos.Apps,
	} {
		values, err := repo.List(tenant, "")
		if err != nil {
			continue
		}
		for _, v := range values {
			sched.Dispatch(ctx, scheduler.Event{
				Kind:      kind,
				Tenant:    tenant,
				Namespace: v.GetNamespace(),
				Name:      v.GetName(),
				Reason:    "bring-up",
			})
		}
	}
}

func reportQueueDepth(ctx context.Context, sched *scheduler.Scheduler) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.SetQueueDepth("reconcile", float64(sched.QueueDepth()))
		}
	}
}
