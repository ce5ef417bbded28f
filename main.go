package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/taskorch/internal/agents"
	"github.com/swarmguard/taskorch/internal/clockid"
	"github.com/swarmguard/taskorch/internal/config"
	"github.com/swarmguard/taskorch/internal/jobs"
	"github.com/swarmguard/taskorch/internal/lifecycle"
	"github.com/swarmguard/taskorch/internal/logging"
	"github.com/swarmguard/taskorch/internal/otelinit"
	"github.com/swarmguard/taskorch/internal/store"
	"github.com/swarmguard/taskorch/internal/transport"
)

const serviceName = "taskorch"

func main() {
	configPath := flag.String("config", os.Getenv("TASKORCH_CONFIG"), "path to a YAML/JSON/TOML configuration file")
	flag.Parse()

	logging.Init(serviceName)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		slog.Error("store dir create failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.IDCounterDir, 0o755); err != nil {
		slog.Error("id counter dir create failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.StoreDir, meter)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ids, err := clockid.NewIDGenerator(cfg.IDCounterDir, cfg.IDMaxRetries)
	if err != nil {
		slog.Error("id generator init failed", "error", err)
		os.Exit(1)
	}
	ids.SetExistenceCheckers(
		func(string) bool { return false }, // projects are not independently durable in this deployment
		func(string) bool { return false }, // nor epics
		st.ExistsTaskID,
		func(string) bool { return false }, // dependency IDs are scoped by (from,to), collisions are self-contained
		st.ExistsJobID,
		st.ExistsWorkflowID,
	)

	clock := clockid.NewSystemClock()
	hub := transport.NewHub()

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			slog.Warn("nats connect failed, falling back to single-node fan-out", "error", err)
		} else {
			defer nc.Close()
			if err := hub.WithNATS(ctx, nc, "jobs."+cfg.NATSSubject+".events"); err != nil {
				slog.Warn("nats subscribe failed", "error", err)
			} else {
				slog.Info("multi-process push fan-out enabled", "nats_url", cfg.NATSURL)
			}
		}
	}

	jobsCtrl := jobs.New(cfg.JobsConfig(), clock, st, ids, hub)
	agentRegistry := agents.New(cfg.AgentsConfig(), clock, st, hub)
	dispatcher := transport.NewHTTPDispatcher()
	coordinator := lifecycle.New(cfg.LifecycleConfig(), clock, st, ids, agentRegistry, dispatcher, hub)

	if err := coordinator.Recover(ctx); err != nil {
		slog.Error("crash recovery failed", "error", err)
		os.Exit(1)
	}

	go coordinator.RunWorker(ctx)
	go coordinator.RunBackupSweep(ctx)
	coordinator.StartScheduler()
	defer coordinator.StopScheduler()

	go sweepLoop(ctx, agentRegistry)

	srv := transport.NewServer(jobsCtrl, agentRegistry, coordinator, ids, st, hub, dispatcher, meter)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// sweepLoop periodically sweeps expired claims and silent agents, the
// background half of the agent orchestrator's liveness model (§4.E).
func sweepLoop(ctx context.Context, reg *agents.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reg.ExpireClaims(ctx); err != nil {
				slog.Warn("claim expiry sweep failed", "error", err)
			}
			if err := reg.SweepOffline(ctx); err != nil {
				slog.Warn("offline sweep failed", "error", err)
			}
		}
	}
}
