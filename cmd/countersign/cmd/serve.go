package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	auditstore "github.com/countersign-labs/countersign/internal/adapter/outbound/audit"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/memory"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/policies"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/sqlite"
	"github.com/countersign-labs/countersign/internal/adapter/outbound/verifiers"

	"github.com/countersign-labs/countersign/internal/adapter/inbound/http"
	"github.com/countersign-labs/countersign/internal/config"
	"github.com/countersign-labs/countersign/internal/domain/audit"
	"github.com/countersign-labs/countersign/internal/domain/policy"
	"github.com/countersign-labs/countersign/internal/domain/rule"
	"github.com/countersign-labs/countersign/internal/domain/verifier"
	"github.com/countersign-labs/countersign/internal/observability"
	"github.com/countersign-labs/countersign/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authorization server",
	Long: `Start the countersign authorization server.

The server exposes:
  POST /v1/check-auth                 the authorization decision endpoint
  /v1/accounts/{account}/rules...     the self-authorized rule admin API
  /health, /metrics                   probes and Prometheus scraping

Examples:
  # Start with config file settings
  countersign serve

  # Start with a specific config file
  countersign --config /path/to/countersign.yaml serve

  # Start in development mode (debug logging, built-in dev admin key)
  countersign serve --dev`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, built-in dev admin key)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration without validation, so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Logger to stderr. DevMode always forces debug.
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C is a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("countersign stopped")
	return nil
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled; the built-in dev admin key is active")
	}

	telemetry, err := observability.Setup(ctx, observability.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "countersign",
		Version:     Version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Rule persistence.
	var rules rule.Store
	var closeRules func() error
	switch cfg.Store.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("failed to open rule store: %w", err)
		}
		rules = store
		closeRules = store.Close
		logger.Info("rule store: sqlite", "dsn", cfg.Store.DSN)
	default:
		rules = memory.NewRuleStore()
		closeRules = func() error { return nil }
		logger.Info("rule store: memory (volatile)")
	}
	defer func() { _ = closeRules() }()

	states := memory.NewStateStore()

	// Policy implementations available to rules.
	policyReg := policy.NewRegistry()
	celPolicy, err := policies.NewCELCondition()
	if err != nil {
		return fmt.Errorf("failed to build CEL policy: %w", err)
	}
	for _, p := range []policy.Policy{
		policies.NewSimpleThreshold(),
		policies.NewSpendingLimit(),
		policies.NewWeightedThreshold(),
		celPolicy,
	} {
		if err := policyReg.Register(p); err != nil {
			return fmt.Errorf("failed to register policy: %w", err)
		}
	}

	verifierReg := verifier.NewRegistry()
	if err := verifierReg.Register(verifiers.NewEd25519()); err != nil {
		return fmt.Errorf("failed to register verifier: %w", err)
	}

	// Async audit pipeline.
	auditSink, err := createAuditStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditSink.Close() }()

	flushInterval, err := time.ParseDuration(cfg.Audit.FlushInterval)
	if err != nil {
		flushInterval = time.Second
		logger.Warn("invalid flush_interval, using default", "value", cfg.Audit.FlushInterval, "default", "1s")
	}
	sendTimeout, err := time.ParseDuration(cfg.Audit.SendTimeout)
	if err != nil {
		sendTimeout = 100 * time.Millisecond
		logger.Warn("invalid send_timeout, using default", "value", cfg.Audit.SendTimeout, "default", "100ms")
	}

	auditService := service.NewAuditService(auditSink, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(flushInterval),
		service.WithSendTimeout(sendTimeout),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	// Engine services. The metrics set is shared with the transport so the
	// engine's observations land on the scraped registry.
	metrics := http.NewServerMetrics()
	registryService := service.NewRegistryService(rules, policyReg, states, auditService, logger)
	authService := service.NewAuthService(
		rules, policyReg, verifierReg,
		verifiers.NewTrustingAuthorizer(),
		states, auditService, metrics, logger,
	)

	// The state store is volatile; reinstall policy state for persisted
	// rules so they stay enforceable across restarts.
	if err := registryService.RestorePolicyState(ctx); err != nil {
		return fmt.Errorf("failed to restore policy state: %w", err)
	}

	// Seed rules for accounts that have none yet.
	if cfg.SeedFile != "" {
		if err := seedRules(ctx, cfg.SeedFile, registryService, rules, logger); err != nil {
			return fmt.Errorf("failed to seed rules: %w", err)
		}
	}

	healthChecker := http.NewHealthChecker(auditService, Version)
	healthChecker.AddCheck("rule_store", func() error {
		_, err := rules.Count(context.Background(), "health")
		return err
	})

	adminKeys := make([]http.AdminKey, 0, len(cfg.Auth.AdminKeys))
	for _, k := range cfg.Auth.AdminKeys {
		adminKeys = append(adminKeys, http.AdminKey{Account: k.Account, Hash: k.KeyHash})
	}

	shutdownTimeout, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 10 * time.Second
		logger.Warn("invalid shutdown_timeout, using default", "value", cfg.Server.ShutdownTimeout, "default", "10s")
	}

	handler := http.NewHandler(registryService, authService, logger)
	transport := http.NewTransport(handler,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAdminKeys(adminKeys),
		http.WithShutdownTimeout(shutdownTimeout),
		http.WithLogger(logger),
		http.WithHealthChecker(healthChecker),
		http.WithMetrics(metrics),
	)

	logger.Info("countersign starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"store_driver", cfg.Store.Driver,
		"audit_output", cfg.Audit.Output,
		"tracing", cfg.Tracing.Enabled,
		"admin_keys", len(adminKeys),
	)

	return transport.Start(ctx)
}

// seedRules installs rules from the seed file for every listed account
// that holds no rules yet. Accounts with existing rules are skipped, so
// seeding is idempotent across restarts.
func seedRules(ctx context.Context, path string, registry *service.RegistryService, rules rule.Store, logger *slog.Logger) error {
	seed, err := config.LoadSeedFile(path)
	if err != nil {
		return err
	}

	for _, acct := range seed.Accounts {
		count, err := rules.Count(ctx, acct.Account)
		if err != nil {
			return fmt.Errorf("count rules for %q: %w", acct.Account, err)
		}
		if count > 0 {
			logger.Debug("seed skipped, account already has rules",
				"account", acct.Account, "rules", count)
			continue
		}

		for _, sr := range acct.Rules {
			r, err := sr.ToRule()
			if err != nil {
				return fmt.Errorf("seed rule %q for %q: %w", sr.Name, acct.Account, err)
			}
			_, err = registry.AddRule(ctx, acct.Account, acct.Account, 0, service.AddRuleInput{
				Name:       r.Name,
				Type:       r.Type,
				ValidUntil: r.ValidUntil,
				Signers:    r.Signers,
				Policies:   r.Policies,
			})
			if err != nil {
				return fmt.Errorf("install seed rule %q for %q: %w", sr.Name, acct.Account, err)
			}
		}
		logger.Info("seeded rules", "account", acct.Account, "rules", len(acct.Rules))
	}

	return nil
}

// createAuditStore creates an audit sink based on configuration.
func createAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		logger.Debug("audit output: stdout")
		return auditstore.NewWriterStore(os.Stdout), nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		dir := strings.TrimPrefix(cfg.Audit.Output, "file://")
		store, err := auditstore.NewFileStore(auditstore.FileStoreConfig{
			Dir:           dir,
			RetentionDays: cfg.Audit.RetentionDays,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("audit output: file", "dir", dir, "retention_days", cfg.Audit.RetentionDays)
		return store, nil

	default:
		return nil, fmt.Errorf("invalid audit output: %s (must be 'stdout' or 'file://<dir>')", cfg.Audit.Output)
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
