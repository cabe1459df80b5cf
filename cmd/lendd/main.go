package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"microlend/audit"
	"microlend/config"
	"microlend/escrow"
	"microlend/ledger"
	"microlend/loan"
	"microlend/market"
	"microlend/marketplace"
	"microlend/observability/logging"
	"microlend/reputation"
	"microlend/server"
	"microlend/storage"
)

func main() {
	configPath := flag.String("config", "lendd.toml", "path to the daemon configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lendd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("lendd", cfg.Env, cfg.LogFile)

	var db storage.Database
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		leveldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "entities"))
		if err != nil {
			return fmt.Errorf("open leveldb: %w", err)
		}
		db = leveldb
		logger.Info("entity store opened", "backend", "leveldb", "dir", cfg.DataDir)
	} else {
		db = storage.NewMemDB()
		logger.Info("entity store opened", "backend", "memory")
	}
	defer db.Close()

	store := storage.NewEntityStore(db)

	var auditLog *audit.Log
	if cfg.AuditDBPath != "" {
		auditLog, err = audit.Open(cfg.AuditDBPath, logger)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		logger.Info("audit log opened", "path", cfg.AuditDBPath)
	}

	client := ledger.NewSimulator()
	escrows := escrow.NewEngine(store, client)
	escrows.SetLogger(logger)
	reputations := reputation.NewEngine(store)
	loans := loan.NewEngine(store, escrows, reputations)
	loans.SetLogger(logger)
	queries := marketplace.New(store)
	if auditLog != nil {
		escrows.SetSink(auditLog)
		loans.SetSink(auditLog)
	}

	if cfg.SeedDemo {
		if err := seedDemo(store, logger); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}

	srv := server.New(loans, queries, escrows, reputations, auditLog, logger)
	httpServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: srv.Router(server.RateLimit{
			PerSecond: cfg.RateLimitPerSecond,
			Burst:     cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Default the overdue sweep to once an hour; terminal failures only log.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				expired, err := loans.ExpireOverdue(now.UTC())
				if err != nil {
					logger.Error("overdue sweep failed", "error", err)
					continue
				}
				if expired > 0 {
					logger.Info("overdue loans defaulted", "count", expired)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// seedDemo provisions a small cast of participants so the marketplace is
// browsable immediately after first start. Existing records are left alone.
func seedDemo(store *storage.EntityStore, logger *slog.Logger) error {
	users := []*market.User{
		{
			Address:     "rBorrowerAlice001",
			DisplayName: "Alice",
			Role:        market.RoleBorrower,
			Balance:     120,
			DID:         "did:micro:alice-7f3a",
			Pseudonym:   "quiet-heron",
		},
		{
			Address:     "rBorrowerBazil002",
			DisplayName: "Bazil",
			Role:        market.RoleBorrower,
			Balance:     45,
			DID:         "did:micro:bazil-91cc",
			Pseudonym:   "amber-fox",
		},
		{
			Address:       "rLenderCarol003",
			DisplayName:   "Carol",
			Role:          market.RoleLender,
			Balance:       50_000,
			RiskTolerance: "medium",
		},
		{
			Address:       "rLenderDinesh004",
			DisplayName:   "Dinesh",
			Role:          market.RoleLender,
			Balance:       18_000,
			RiskTolerance: "low",
		},
	}
	for _, user := range users {
		existing := &market.User{}
		err := store.Get(market.KindUser, user.Address, existing)
		if err == nil {
			continue
		}
		if !errors.Is(err, market.ErrNotFound) {
			return err
		}
		sanitized, err := market.SanitizeUser(user)
		if err != nil {
			return err
		}
		if err := store.Put(sanitized); err != nil {
			return err
		}
		attrs := []any{"address", user.Address, "role", string(user.Role)}
		if user.DID != "" {
			attrs = append(attrs, logging.MaskedField("did", user.DID))
		}
		logger.Info("demo participant seeded", attrs...)
	}
	return nil
}
