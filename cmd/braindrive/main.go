// Command braindrive runs the BrainDrive core node: the tool-calling
// orchestrator and the background job manager, with a small HTTP surface for
// chat turns, job control, and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"braindrive/pkg/approval"
	"braindrive/pkg/clock"
	"braindrive/pkg/config"
	"braindrive/pkg/jobs"
	"braindrive/pkg/jobs/install"
	"braindrive/pkg/llm/factory"
	"braindrive/pkg/logx"
	"braindrive/pkg/metrics"
	"braindrive/pkg/outbox"
	"braindrive/pkg/persistence"
	"braindrive/pkg/registry"
	"braindrive/pkg/toolloop"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "braindrive.yaml", "Path to configuration file")
		dataDir     = flag.String("datadir", ".", "Data directory holding the encrypted secrets file")
		showVersion = flag.Bool("version", false, "Show version information")
		metricsAddr = flag.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("braindrive %s (%s)\n", version, commit)
		os.Exit(0)
	}

	fmt.Println("⏳ Starting up...")
	logger := logx.NewLogger("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	if config.SecretsFileExists(*dataDir) {
		if err := unlockSecrets(*dataDir); err != nil {
			logger.Error("Failed to unlock secrets: %v", err)
			os.Exit(1)
		}
	}

	clk := clock.System{}
	store, err := persistence.Open(cfg.Database, clk)
	if err != nil {
		logger.Error("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	recorder := metrics.NewRecorder()
	serviceToken, _ := config.GetSecret(config.SecretServiceToken)

	var usage *metrics.QueryService
	if cfg.PrometheusURL != "" {
		usage, err = metrics.NewQueryService(cfg.PrometheusURL)
		if err != nil {
			logger.Error("Failed to create usage query service: %v", err)
			os.Exit(1)
		}
	}

	reg := registry.New(store, clk, cfg.ToolLoop, serviceToken)
	ledger := approval.New(store, clk, cfg.ToolLoop.ApprovalTTL)
	box := outbox.New(cfg.RecordsDir, clk)
	providers := factory.New(cfg)
	loop := toolloop.New(reg, ledger, store, box, recorder, providers, clk, cfg.ToolLoop)

	manager := jobs.New(store, clk, recorder, cfg.Jobs)
	manager.RegisterHandler(install.NewHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start job manager: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	srv := newServer(loop, manager, store, reg, usage, logger)
	if err := srv.run(ctx); err != nil {
		logger.Error("Server error: %v", err)
	}

	manager.Stop()
	logger.Info("Shutdown complete")
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := newMetricsMux(promhttp.Handler())
	logger.Info("📊 Metrics listening on %s", addr)
	if err := listenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics server stopped: %v", err)
	}
}

// unlockSecrets prompts for the secrets password and decrypts the secrets
// file into process memory.
func unlockSecrets(dataDir string) error {
	fmt.Print("Secrets password: ")
	password, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	return config.DecryptSecretsFile(dataDir, string(password))
}
