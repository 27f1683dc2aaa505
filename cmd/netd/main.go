// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command netd is the per-host virtual network data plane daemon: it
// loads its HCL configuration, brings up the buffer pool, reactor
// registry, route table, conntrack table, and SQLite state store, then
// recovers any networks and NICs persisted from a previous run before
// serving control-plane requests.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mvirt.io/netd/internal/bufpool"
	"mvirt.io/netd/internal/clock"
	"mvirt.io/netd/internal/config"
	"mvirt.io/netd/internal/ctladapter"
	"mvirt.io/netd/internal/eventbus"
	"mvirt.io/netd/internal/fastpath"
	"mvirt.io/netd/internal/kernelops"
	"mvirt.io/netd/internal/logging"
	"mvirt.io/netd/internal/manager"
	"mvirt.io/netd/internal/metrics"
	"mvirt.io/netd/internal/registry"
	"mvirt.io/netd/internal/routetable"
	"mvirt.io/netd/internal/state"
	"mvirt.io/netd/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/netd/netd.hcl", "Path to HCL config file")
	flag.Parse()

	sup := supervisor.New(filepath.Dir(*configPath), supervisor.DefaultConfig())
	skipDetection := supervisor.ShouldSkipDetection()
	safeMode := !skipDetection && sup.ShouldEnterSafeMode()

	if !skipDetection {
		// A run that stays up for the tracking window clears the crash history.
		sup.StartStabilityTimer()
	}

	exitCode := 0
	wasPanic := false
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				wasPanic = true
				exitCode = 1
				fmt.Fprintln(os.Stderr, "netd: panic:", rec)
			}
		}()
		if err := run(*configPath, safeMode); err != nil {
			fmt.Fprintln(os.Stderr, "netd:", err)
			exitCode = 1
		}
	}()

	if !skipDetection {
		sup.RecordExit(exitCode, 0, wasPanic)
	}
	os.Exit(exitCode)
}

func run(configPath string, safeMode bool) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.SetLevel(cfg.LogLevel)
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		w, err := logging.NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			return fmt.Errorf("connect syslog: %w", err)
		}
		logging.SetOutput(io.MultiWriter(os.Stderr, w))
	}
	log := logging.WithComponent("netd")

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	pool, err := bufpool.New(cfg.BufferPool.BufferSize, cfg.BufferPool.Count)
	if err != nil {
		return fmt.Errorf("create buffer pool: %w", err)
	}

	sweepInterval, _, _ := cfg.Conntrack.Parsed()

	events := eventbus.New(1024)
	var kernel kernelops.KernelOps
	if cfg.Guest.Namespace != "" {
		kernel = kernelops.NewLinuxKernelOpsInNamespace(cfg.Guest.Namespace)
	} else {
		kernel = kernelops.NewLinuxKernelOps()
	}

	var fp *fastpath.Path
	if cfg.EBPF.Enabled {
		fp, err = fastpath.Open(cfg.EBPF.MapPinPath, kernel, cfg.EBPF.TableName)
		if err != nil {
			return fmt.Errorf("open fast-path map: %w", err)
		}
		defer fp.Close()
	}

	mgr := manager.New(manager.Config{
		SocketDir:        cfg.SocketDir,
		GuestMTU:         cfg.Guest.MTU,
		TapNamePrefix:    cfg.Guest.TapNamePrefix,
		TunnelNamePrefix: cfg.Guest.TunnelNamePrefix,
		Store:            store,
		Registry:         registry.New(),
		Routes:           routetable.New(),
		Pool:             pool,
		Kernel:           kernel,
		Log:              log,
		Events:           events,
		Fastpath:         fp,
		Clock:            clock.Real{},
	})
	defer mgr.Close()

	var metricsReg *prometheus.Registry
	if cfg.Metrics.Enabled {
		metricsReg = metrics.NewRegistry(pool, mgr.ConntrackLen)
		mgr.SetMetrics(metricsReg)
	}

	if safeMode {
		log.Warn("entering safe mode after repeated crashes, skipping automatic recovery of persisted networks and NICs", "path", cfg.State.Path)
	} else {
		log.Info("recovering persisted state", "path", cfg.State.Path)
		if err := mgr.Recover(); err != nil {
			return fmt.Errorf("recover persisted state: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctlListener, err := ctladapter.Serve(cfg.ControlSocket, ctladapter.NewServer(mgr))
	if err != nil {
		return fmt.Errorf("serve control plane socket: %w", err)
	}
	defer ctlListener.Close()
	log.Info("control plane listening", "socket", cfg.ControlSocket)

	go eventbus.Forward(ctx, events, log)
	go runConntrackSweeper(ctx, mgr, sweepInterval, log)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	log.Info("netd started", "node_id", cfg.NodeID)
	<-ctx.Done()
	log.Info("netd shutting down")
	return nil
}

// runConntrackSweeper periodically evicts expired entries from every
// vNIC reactor's own conntrack table until ctx is canceled.
func runConntrackSweeper(ctx context.Context, mgr *manager.Manager, interval time.Duration, log logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := mgr.SweepConntrack(); evicted > 0 {
				log.Debug("conntrack sweep evicted entries", "count", evicted)
			}
		}
	}
}
