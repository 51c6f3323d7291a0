package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/rebalance-executor/internal/broker"
	"github.com/Rajchodisetti/rebalance-executor/internal/config"
	"github.com/Rajchodisetti/rebalance-executor/internal/executor"
	"github.com/Rajchodisetti/rebalance-executor/internal/journal"
	"github.com/Rajchodisetti/rebalance-executor/internal/observ"
	"github.com/Rajchodisetti/rebalance-executor/internal/pipeline"
	"github.com/Rajchodisetti/rebalance-executor/internal/portfolio"
	"github.com/Rajchodisetti/rebalance-executor/internal/risk"
	"github.com/Rajchodisetti/rebalance-executor/internal/schedule"
	"github.com/Rajchodisetti/rebalance-executor/internal/session"
	"github.com/Rajchodisetti/rebalance-executor/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	targetsPath := flag.String("targets", "targets.yaml", "path to target allocation file")
	modeFlag := flag.String("mode", "", "override trading mode (paper|live)")
	once := flag.Bool("once", false, "run a single rebalance and exit, ignoring the schedule")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	mode := cfg.TradingMode
	if *modeFlag != "" {
		mode = *modeFlag
	}

	logger := observ.NewLogger(observ.LogConfig{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	observ.SetGlobalLogger(logger)
	logger.Info().Str("mode", mode).Str("config", *configPath).Msg("rebalance executor starting")

	target, err := loadTargets(*targetsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load target allocation")
	}

	jl, err := journal.Open(cfg.JournalDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open journal")
	}
	defer jl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateways, sessions, err := buildGateways(ctx, cfg, mode, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	var confirmer executor.Confirmer = executor.AutoApprove{}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	if cfg.Executor.ManualConfirm {
		hc := executor.NewHTTPConfirmer(logger)
		mux.Handle("/orders", hc)
		mux.Handle("/orders/", hc)
		confirmer = hc
	}
	srv := &http.Server{Addr: cfg.ConfirmAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("control server failed")
		}
	}()

	runner := pipeline.NewRunner(gateways, pipeline.Options{
		Account:       cfg.Gateway.Account,
		ADVDays:       cfg.ADVDays,
		DriftBand:     cfg.Risk.DriftBand,
		HeldNotTraded: cfg.Risk.HeldNotTraded,
		Limits:        riskLimits(cfg.Risk),
		Exec: executor.Config{
			PollIntervalMs:   cfg.Executor.PollIntervalMs,
			FillTimeoutMs:    cfg.Executor.FillTimeoutMs,
			ManualConfirm:    cfg.Executor.ManualConfirm,
			ConfirmTimeoutMs: cfg.Executor.ConfirmTimeoutMs,
		},
		Confirmer: confirmer,
	}, jl, logger)

	runOnce := func() {
		report, err := runner.RunOnce(ctx, mode, target)
		switch {
		case errors.Is(err, pipeline.ErrRunActive):
			logger.Warn().Msg("run skipped, previous run still active")
		case err != nil:
			logger.Error().Err(err).Msg("run failed")
		}
		if report != nil {
			printReport(report, logger)
		}
	}

	if cfg.Schedule == "" || *once {
		runOnce()
	} else {
		sched := schedule.New(logger)
		if err := sched.Add(cfg.Schedule, runOnce); err != nil {
			logger.Fatal().Err(err).Msg("invalid schedule")
		}
		sched.Start()
		<-ctx.Done()
		logger.Info().Msg("shutting down, waiting for in-flight run")
		<-sched.Stop().Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if sessions != nil {
		if err := sessions.Logout(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("logout failed")
		}
	}
	logger.Info().Msg("rebalance executor stopped")
}

// buildGateways wires the venue for the active mode. Live mode gets the
// authenticated HTTP client against the local gateway; paper mode gets
// the simulated venue seeded from the paper state file.
func buildGateways(ctx context.Context, cfg config.Root, mode string, logger zerolog.Logger) (map[string]broker.Gateway, *session.Manager, error) {
	gateways := map[string]broker.Gateway{}

	if mode == "live" {
		httpc := broker.NewHTTPClient(
			time.Duration(cfg.Gateway.TimeoutMs)*time.Millisecond,
			cfg.Gateway.InsecureSkipVerify,
		)
		auth := broker.NewAuthClient(cfg.Gateway.BaseURL, httpc, logger)
		sessions := session.NewManager(auth, session.Config{
			KeepAliveInterval: time.Duration(cfg.Session.KeepAliveSeconds) * time.Second,
			MaxAuthRetries:    cfg.Session.MaxAuthRetries,
			BackoffBase:       time.Duration(cfg.Session.BackoffBaseMs) * time.Millisecond,
			BackoffMax:        time.Duration(cfg.Session.BackoffMaxMs) * time.Millisecond,
		}, logger)
		tr := transport.New(httpc, transport.Config{
			MaxAttempts:     cfg.Gateway.MaxRetries,
			BackoffBaseMs:   cfg.Gateway.BackoffBaseMs,
			BackoffMaxMs:    cfg.Gateway.BackoffMaxMs,
			JitterMs:        cfg.Gateway.JitterMs,
			RateLimitPerSec: cfg.Gateway.RateLimitPerSec,
			RateBurst:       cfg.Gateway.RateBurst,
		}, sessions, logger)
		gateways["live"] = broker.NewClient(cfg.Gateway.BaseURL, tr, sessions, logger)
		sessions.StartKeepAlive(ctx)
		return gateways, sessions, nil
	}

	gw, err := newPaperGateway(cfg.Paper, cfg.Gateway.Account)
	if err != nil {
		return nil, nil, err
	}
	gateways["paper"] = gw
	return gateways, nil, nil
}

func riskLimits(r config.Risk) risk.Limits {
	return risk.Limits{
		MaxPositionPct:      r.MaxPositionPct,
		SleeveCaps:          r.SleeveCaps,
		Sleeves:             r.Sleeves,
		MaxADVParticipation: r.MaxADVParticipation,
		StopLossPct:         r.StopLossPct,
		MinOrderNotional:    r.MinOrderNotional,
		LotSize:             r.LotSize,
		MaxGrossExposurePct: r.MaxGrossExposurePct,
	}
}

func loadTargets(path string) (portfolio.TargetAllocation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets: %w", err)
	}
	var file struct {
		Targets map[string]float64 `yaml:"targets"`
	}
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("failed to parse targets: %w", err)
	}
	target := portfolio.TargetAllocation(file.Targets)
	if err := target.Validate(); err != nil {
		return nil, err
	}
	return target, nil
}

func printReport(report *pipeline.ExecutionReport, logger zerolog.Logger) {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode report")
		return
	}
	fmt.Println(string(b))
}
