package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aprio-one/converge/pkg/api"
	"github.com/aprio-one/converge/pkg/archive"
	"github.com/aprio-one/converge/pkg/budget"
	"github.com/aprio-one/converge/pkg/config"
	"github.com/aprio-one/converge/pkg/engine"
	"github.com/aprio-one/converge/pkg/ledger"
	"github.com/aprio-one/converge/pkg/observability"
	"github.com/aprio-one/converge/pkg/pack"
	"github.com/aprio-one/converge/pkg/run"
	"github.com/aprio-one/converge/pkg/source"
	"github.com/aprio-one/converge/pkg/stream"
	"github.com/aprio-one/converge/pkg/truth"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	configPath := cmd.String("config", "", "YAML profile path (optional)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitError
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, stdout); err != nil {
		logger.Error("server failed", "error", err)
		return exitError
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load(), nil
}

//nolint:gocognit
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	fmt.Fprintf(stdout, "%sConverge %s starting...%s\n", ColorBold+ColorBlue, version, ColorReset)

	obs, err := observability.New(ctx, telemetryConfig(), logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	lgr, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer closeLedger()

	hub := stream.NewHub(lgr, logger).WithMaxResumeGap(uint64(cfg.MaxResumeGap))
	observable, ok := lgr.(ledger.Observable)
	if !ok {
		return fmt.Errorf("ledger backend does not support append fan-out")
	}
	observable.Observe(hub)
	observable.Observe(obs)

	truths, err := truth.NewEngine(serverAuthorizer(cfg))
	if err != nil {
		return fmt.Errorf("truth engine: %w", err)
	}

	limiter := buildLimiter(cfg)
	provider := buildProvider(cfg, limiter)

	sources := source.NewRegistry()
	packs := pack.NewRegistry()
	if err := packs.Register(pack.GrowthPack(provider)); err != nil {
		return fmt.Errorf("register pack: %w", err)
	}
	if _, err := packs.Install(ctx, "growth-strategy", "", truths, sources); err != nil {
		return fmt.Errorf("install pack: %w", err)
	}

	eng := engine.New(lgr, truths, sources, logger)
	manager := run.NewManager(lgr, eng, truths, logger)

	store, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	server, err := api.NewServer(manager, hub, packs, truths, logger)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	server.WithArchiver(archive.NewArchiver(lgr, store))

	handler := server.RequestLogger(server.Routes())
	if cfg.AuthSecret != "" {
		handler = api.BearerAuth([]byte(cfg.AuthSecret))(handler)
	}
	handler = api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst).Middleware(handler)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "ledger", ledgerKind(cfg), "archive", cfg.Archive.Backend)
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(stdout, "%sready%s http://localhost%s\n", ColorBold+ColorGreen, ColorReset, cfg.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	manager.Wait()
	return nil
}

func telemetryConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	}
	return cfg
}

func ledgerKind(cfg *config.Config) string {
	switch {
	case cfg.DatabaseURL == "":
		return "memory"
	case strings.HasPrefix(cfg.DatabaseURL, "postgres"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// openLedger selects the ledger backend from the database URL: empty means
// in-memory, postgres:// means lib/pq, anything else is treated as a SQLite
// path or DSN.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, func(), error) {
	if cfg.DatabaseURL == "" {
		return ledger.NewInMemoryLedger(), func() {}, nil
	}

	driver := "sqlite"
	if strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	l, err := ledger.NewSQLLedger(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return l, func() { _ = db.Close() }, nil
}

func buildLimiter(cfg *config.Config) budget.Limiter {
	policy := budget.LimitPolicy{RPM: 300, Burst: 30}
	if cfg.RedisAddr != "" {
		return budget.NewRedisLimiter(cfg.RedisAddr, "", 0, policy)
	}
	return budget.NewLocalLimiter(policy)
}

// buildProvider picks the completion backend. Deterministic mode and missing
// credentials both fall back to the scripted provider, so a bare `converge
// serve` works with no keys and always converges the same way.
func buildProvider(cfg *config.Config, limiter budget.Limiter) source.Provider {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if cfg.Deterministic || apiKey == "" {
		return pack.DeterministicProvider()
	}

	model := os.Getenv("CONVERGE_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	live := source.NewOpenAIProvider(apiKey, model)
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		live.WithBaseURL(base)
	}

	var provider source.Provider = source.NewRateLimitedProvider(live, 5, 10)
	return source.NewQuotaProvider(provider, limiter, "provider:openai")
}

// serverAuthorizer prefers JWT-scoped overrides when an auth secret is
// configured; otherwise break-glass falls back to the static allow-list.
func serverAuthorizer(cfg *config.Config) truth.OverrideAuthorizer {
	if cfg.AuthSecret != "" {
		return truth.NewJWTAuthorizer([]byte(cfg.AuthSecret))
	}
	return overrideAuthorizer()
}

// overrideAuthorizer reads the break-glass allow-list. Unset means every
// override request is denied.
func overrideAuthorizer() truth.OverrideAuthorizer {
	raw := os.Getenv("CONVERGE_APPROVERS")
	if raw == "" {
		return truth.DenyAllAuthorizer()
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return truth.DenyAllAuthorizer()
	}
	return truth.NewStaticAuthorizer(ids...)
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "http://localhost:8080", "Server base URL")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	resp, err := http.Get(*addr + "/v1/health")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return exitHalted
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return exitHalted
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
