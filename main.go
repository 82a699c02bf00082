package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"exitguard/api"
	"exitguard/approval"
	"exitguard/breaker"
	"exitguard/config"
	"exitguard/engine"
	"exitguard/gateway"
	"exitguard/guard"
	"exitguard/logger"
	"exitguard/notify"
	"exitguard/store"
)

// deps is everything a CLI verb needs; built once per invocation.
type deps struct {
	cfg      *config.Config
	st       *store.Store
	gw       gateway.Gateway
	notifier notify.Notifier
	async    *notify.Async
	brk      *breaker.Breaker
	grd      *guard.Guard
	eng      *engine.Engine
}

func buildDeps(cfg *config.Config) (*deps, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var notifier notify.Notifier = notify.Nop{}
	var async *notify.Async
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, terr := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if terr != nil {
			logger.Warnf("⚠️  Telegram disabled: %v", terr)
		} else {
			async = notify.NewAsync(tg, 64)
			notifier = async
			logger.Info("✓ Telegram notifications enabled")
		}
	}

	var approver *approval.Client
	if cfg.ApprovalURL != "" {
		approver = approval.New(cfg.ApprovalURL, cfg.ApprovalSecret, cfg.ApprovalTimeout)
		logger.Infof("✓ Approval service at %s (breaker clears are gated)", cfg.ApprovalURL)
	}

	brk := breaker.New(st.Breaker(), notifier, approver, cfg.AccountScope, cfg.BreakerNotifyCooldown)
	gw := gateway.NewBybitGateway(cfg.BybitAPIKey, cfg.BybitAPISecret)
	grd := guard.New(gw, st.Session(), brk, guard.Config{
		AccountScope:     cfg.AccountScope,
		RiskPct:          cfg.RiskPct,
		DailyLossCapPct:  cfg.DailyLossCapPct,
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxSymbolTrades:  cfg.MaxSymbolTrades,
		EquityCacheTTL:   cfg.EquityCacheTTL,
		SessionResetHour: cfg.SessionResetHour,
	})
	eng := engine.New(cfg, gw, grd, brk, st.Action(), notifier)

	return &deps{
		cfg:      cfg,
		st:       st,
		gw:       gw,
		notifier: notifier,
		async:    async,
		brk:      brk,
		grd:      grd,
		eng:      eng,
	}, nil
}

func (d *deps) close() {
	if d.async != nil {
		d.async.Close()
	}
	if err := d.st.Close(); err != nil {
		logger.Errorf("❌ Closing store: %v", err)
	}
}

func main() {
	// .env is for local runs; under Docker the runtime injects the
	// environment and a missing file is harmless.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("❌ Invalid configuration: %v", err)
	}

	verb := "run"
	if len(os.Args) > 1 {
		verb = os.Args[1]
	}

	switch verb {
	case "run":
		runController(cfg)
	case "status":
		withDeps(cfg, cmdStatus)
	case "plan":
		if len(os.Args) < 3 {
			logger.Fatal("usage: exitguard plan <symbol>")
		}
		symbol := os.Args[2]
		withDeps(cfg, func(d *deps) error { return cmdPlan(d, symbol) })
	case "breaker-on":
		reason := "manual"
		if len(os.Args) > 2 {
			reason = os.Args[2]
		}
		withDeps(cfg, func(d *deps) error { return cmdBreakerOn(d, reason) })
	case "breaker-off":
		withDeps(cfg, cmdBreakerOff)
	default:
		logger.Fatalf("unknown command %q (expected run, status, plan, breaker-on, breaker-off)", verb)
	}
}

// withDeps runs a one-shot CLI verb against the same wiring the
// controller uses, then tears it down.
func withDeps(cfg *config.Config, fn func(*deps) error) {
	d, err := buildDeps(cfg)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}
	defer d.close()
	if err := fn(d); err != nil {
		logger.Fatalf("❌ %v", err)
	}
}

func runController(cfg *config.Config) {
	logger.Info("╔══════════════════════════════════════════════╗")
	logger.Info("║   exitguard - exit ladder reconciliation     ║")
	logger.Info("╚══════════════════════════════════════════════╝")

	d, err := buildDeps(cfg)
	if err != nil {
		logger.Fatalf("❌ %v", err)
	}

	if cfg.DryRun {
		logger.Warn("⚠️  DRY RUN: no orders will be placed or cancelled")
	}

	if cfg.Enabled {
		d.eng.Start()
	} else {
		logger.Warn("⚠️  RECON_ENABLED=false: controller loop is disabled, API only")
	}

	apiServer := api.NewServer(d.eng, d.grd, d.brk, d.st.Action(), cfg.APIPort)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Errorf("❌ API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("📛 Shutdown signal received")

	if cfg.Enabled {
		d.eng.Stop()
	}
	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("⚠️  API server shutdown: %v", err)
	}
	d.close()
	logger.Info("👋 exitguard stopped")
}

func cmdStatus(d *deps) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := d.brk.Status()
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"guard":   d.grd.Snapshot(ctx),
		"breaker": state,
	})
}

func cmdPlan(d *deps, symbol string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	plan, err := d.eng.PlanFor(ctx, symbol)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func cmdBreakerOn(d *deps, reason string) error {
	if err := d.brk.SetOn(reason, breaker.SourceManual, 0); err != nil {
		return err
	}
	state, err := d.brk.Status()
	if err != nil {
		return err
	}
	return printJSON(state)
}

func cmdBreakerOff(d *deps) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ApprovalTimeout+10*time.Second)
	defer cancel()

	if err := d.brk.SetOff(ctx, breaker.SourceManual); err != nil {
		return err
	}
	state, err := d.brk.Status()
	if err != nil {
		return err
	}
	return printJSON(state)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
