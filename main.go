package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesim-core/internal/api"
	"tradesim-core/internal/events"
	"tradesim-core/internal/ledger"
	"tradesim-core/internal/market"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/policy"
	"tradesim-core/internal/position"
	"tradesim-core/internal/risk"
	"tradesim-core/internal/settle"
	"tradesim-core/pkg/config"
	"tradesim-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("🚀 Starting simulator core on port %s (db=%s)", cfg.Port, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}

	// Tier registry, seeded from YAML when present.
	registry := policy.NewRegistry(database.DB)
	if cfg.RegistryPath != "" {
		seed, err := policy.LoadSeed(cfg.RegistryPath)
		if err != nil {
			log.Printf("⚠️ Registry seed skipped: %v", err)
		} else if err := registry.SeedFromConfig(ctx, seed); err != nil {
			log.Fatalf("registry seed failed: %v", err)
		}
	}

	ledg := ledger.NewManager(database, bus, ledger.Settings{
		DemoStartingBalance:   cfg.DemoStartingBalance,
		RealStartingBalance:   cfg.RealStartingBalance,
		MinDeposit:            cfg.MinDeposit,
		MaxDeposit:            cfg.MaxDeposit,
		MinWithdrawal:         cfg.MinWithdrawal,
		AmlProfitFraction:     cfg.AmlProfitFraction,
		DefaultInitialDeposit: cfg.DefaultInitialDeposit,
	})

	guard := risk.NewGuard(database.Queries(), cfg.MaxConsecutiveLosses)
	engine := settle.NewEngine(database.Queries(), registry, guard, ledg, bus, nil)

	quotes := market.NewBoard(nil)
	positions := position.NewStore(database, quotes, bus, position.Limits{
		MinHoldTime: cfg.MinHoldTime,
		MaxHoldTime: cfg.MaxHoldTime,
		MaxVolume:   cfg.MaxVolume,
	})

	scheduler := position.NewScheduler(database.Queries(), engine, 30*time.Second)
	if err := scheduler.Recover(ctx); err != nil {
		log.Fatalf("settlement recovery failed: %v", err)
	}
	defer scheduler.Stop()

	sysMetrics := monitor.NewSystemMetrics()

	// API
	server := api.NewServer(
		bus,
		database,
		ledg,
		registry,
		engine,
		positions,
		scheduler,
		quotes,
		sysMetrics,
		api.SystemMeta{
			Version:               buildVersion,
			TransactionHistoryCap: cfg.TransactionHistoryCap,
			TradeHistoryCap:       cfg.TradeHistoryCap,
			WebhookSecret:         cfg.WebhookSecret,
		},
		cfg.JWTSecret,
		cfg.AdminUsers,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("API server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("🛑 Shutting down")
}
