package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vesselproject/relay/internal/apex"
	"github.com/vesselproject/relay/internal/audit"
	"github.com/vesselproject/relay/internal/capital"
	"github.com/vesselproject/relay/internal/config"
	"github.com/vesselproject/relay/internal/dispatch"
	"github.com/vesselproject/relay/internal/gate"
	"github.com/vesselproject/relay/internal/metrics"
	"github.com/vesselproject/relay/internal/notify"
	"github.com/vesselproject/relay/internal/ratelimit"
	"github.com/vesselproject/relay/internal/registry"
	"github.com/vesselproject/relay/internal/server"
	"github.com/vesselproject/relay/internal/session"
	"github.com/vesselproject/relay/internal/task"
	"github.com/vesselproject/relay/internal/vessel"
	"github.com/vesselproject/relay/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "relay.yaml", "path to the relay config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	auditLog, err := audit.Open(filepath.Join(cfg.Paths.DataDir, "relay_audit.log"))
	if err != nil {
		log.Fatalf("audit log: %v", err)
	}
	defer auditLog.Close()

	store, err := task.Open(filepath.Join(cfg.Paths.DataDir, "relay_tasks.db"))
	if err != nil {
		log.Fatalf("task store: %v", err)
	}
	defer store.Close()

	apexClient := apex.New(cfg.Apex.BaseURL, cfg.ApexToken)
	pricer := apex.NewPricer(cfg.Apex.PricerURL)
	operator := notify.NewOperator(apexClient, cfg.OperatorID)
	m := metrics.New()

	verifier := gate.NewVerifier(cfg.SpawnSecret, cfg.Paths.WorkspaceRoot, auditLog)
	limiter := ratelimit.New(cfg.Limits.TradeMax, cfg.Limits.TradeWindow,
		cfg.Limits.ReadMax, cfg.Limits.ReadWindow, auditLog)
	reg := registry.New(filepath.Join(cfg.Paths.DataDir, "agent_availability.json"), auditLog)
	sessions := session.NewRegistry()
	hub := vessel.NewHub(cfg.RelayToken, cfg.Limits.MaxConnections, store, auditLog)
	dispatcher := dispatch.New(cfg, verifier, reg, sessions, store, hub, operator, auditLog, m)
	engine := capital.NewEngine(apexClient, pricer, operator, reg, auditLog, cfg.Capital)

	relay := server.New(server.Deps{
		Config: cfg, Apex: apexClient, Gate: verifier, Limiter: limiter,
		Registry: reg, Sessions: sessions, Store: store, Hub: hub,
		Dispatcher: dispatcher, Capital: engine, Notify: operator,
		Audit: auditLog, Metrics: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchdog.New(cfg, sessions, reg, store, hub, operator, auditLog, m).Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      relay.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("[relay] shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[relay] shutdown: %v", err)
		}
	}()

	auditLog.Event("RELAY_STARTED", audit.Details{"addr": srv.Addr})
	log.Printf("[relay] listening on %s", srv.Addr)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[relay] server: %v", err)
	}
	log.Println("[relay] stopped")
}
