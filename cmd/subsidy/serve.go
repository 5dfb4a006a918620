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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/subsidy/internal/api"
	"github.com/opensource-finance/subsidy/internal/audit"
	"github.com/opensource-finance/subsidy/internal/bus"
	"github.com/opensource-finance/subsidy/internal/cache"
	"github.com/opensource-finance/subsidy/internal/config"
	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/engine"
	"github.com/opensource-finance/subsidy/internal/tracing"
	"github.com/opensource-finance/subsidy/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its ops server and consumption worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "consume submitted events from the bus (always on in the pro tier)")
}

func runServe(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	log.Info("starting subsidy engine",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"node_id", a.cfg.NodeID,
	)
	config.LogConfig(log, a.cfg)

	tp, err := tracing.Setup(a.cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Error("failed to flush traces", "error", err)
		}
	}()

	cacheImpl, err := cache.New(a.cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	log.Info("cache initialized", "type", a.cfg.Cache.Type)

	busImpl, err := bus.New(a.cfg.EventBus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	log.Info("event bus initialized", "type", a.cfg.EventBus.Type)

	eng, err := engine.New(a.cfg.Engine, engine.Deps{
		Rules:  a.repo,
		Sink:   audit.NewRecorder(a.repo, busImpl, log),
		Cache:  cacheImpl,
		Bus:    busImpl,
		NodeID: a.cfg.NodeID,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	defer eng.Stop()
	snap := eng.Snapshot()
	log.Info("rule snapshot loaded", "version", snap.Version, "rules_count", snap.Len())

	var consumer *worker.Worker
	if a.cfg.Tier == domain.TierPro || serveWorker {
		consumer = worker.NewWorker(busImpl, eng, log)
		if err := consumer.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		log.Info("consumption worker started", "topic", domain.TopicConsumptionSubmitted)
	}

	handler := api.NewHandler(eng, a.repo, map[string]api.Pinger{
		"cache": cacheImpl,
		"bus":   busImpl,
	}, Version)
	srv := api.NewServer(a.cfg.Server, handler, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ops server listening", "addr", srv.Addr())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				log.Error("failed to stop worker", "error", err)
			}
		}

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	printBanner(a.cfg, srv.Addr())

	err = g.Wait()
	log.Info("subsidy engine shutdown complete")
	return err
}

func printBanner(cfg *domain.Config, addr string) {
	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  SUBSIDY ENGINE")
	fmt.Fprintf(w, "  Version:  %s\n", Version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Node:     %s\n", cfg.NodeID)
	fmt.Fprintf(w, "  Ops:      http://%s\n", addr)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    GET  /health            - Component health")
	fmt.Fprintln(w, "    GET  /ready             - Snapshot loaded and repository reachable")
	fmt.Fprintln(w, "    GET  /snapshot          - Current rule snapshot")
	fmt.Fprintln(w, "    POST /snapshot/refresh  - Rebuild the snapshot now")
	fmt.Fprintln(w, "    GET  /metrics           - Prometheus metrics")
	fmt.Fprintln(w)
}
