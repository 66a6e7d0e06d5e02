package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/buildmode/internal/config"
	"github.com/p-blackswan/buildmode/internal/engine"
	"github.com/p-blackswan/buildmode/internal/health"
	"github.com/p-blackswan/buildmode/internal/host"
	"github.com/p-blackswan/buildmode/internal/iteration"
	"github.com/p-blackswan/buildmode/internal/llm"
	"github.com/p-blackswan/buildmode/internal/metrics"
	"github.com/p-blackswan/buildmode/internal/mgmt"
	"github.com/p-blackswan/buildmode/internal/protocol"
	"github.com/p-blackswan/buildmode/internal/retry"
	"github.com/p-blackswan/buildmode/internal/secrets"
	"github.com/p-blackswan/buildmode/internal/stage"
	"github.com/p-blackswan/buildmode/internal/store"
	"github.com/p-blackswan/buildmode/internal/transport"
	"github.com/p-blackswan/buildmode/internal/usage"
)

func main() {
	// stdout carries the protocol in stdio mode, so logs go to stderr there.
	out := os.Stdout
	if os.Getenv("HOST_MODE") == config.HostStdio {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(out).With().Timestamp().Caller().Logger()
	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("host_mode", cfg.HostMode).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Int64("token_limit", cfg.TokenLimit).
		Msg("starting build-mode engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.New(cfg.DBPath, logger, store.WithCacheSize(cfg.StoreCacheSize))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	roster, err := iteration.LoadRoster(cfg.TeamRosterPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.TeamRosterPath).Msg("failed to load team roster")
	}

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("store", health.FromError(db.Ping))

	var (
		eng     *engine.Engine
		sender  engine.Sender
		index   stage.ProjectIndex
		wg      sync.WaitGroup
		starts  []func()
		closers []func()
	)
	post := func(msg protocol.Message) bool { return eng.Post(msg) }

	switch cfg.HostMode {
	case config.HostEmbedded:
		provider := newProvider(ctx, cfg, logger)
		h := host.New(post, host.Options{
			Provider: provider,
			Store:    db,
			Retry:    retry.DefaultConfig().WithAttempts(cfg.GenerationRetries),
			Metrics:  m,
		}, logger)
		closers = append(closers, h.Close)
		sender = h
		index = host.StoreIndex{Store: db}
		checker.Register("provider", health.Optional(func() bool { return provider != nil }))

	case config.HostStdio:
		t := transport.NewStdio(os.Stdin, os.Stdout, logger)
		sender = t
		index = stage.NewMemoryIndex()
		starts = append(starts, func() {
			if err := t.Run(ctx, post); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("stdio transport stopped")
			}
		})

	case config.HostWebSocket:
		t := transport.NewWebSocket(post, logger)
		sender = t
		index = stage.NewMemoryIndex()
		checker.Register("host", health.Optional(t.Connected))
		srv := &http.Server{
			Addr:              cfg.WSListenAddr,
			Handler:           t.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		starts = append(starts, func() {
			logger.Info().Str("addr", cfg.WSListenAddr).Msg("websocket transport listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("websocket server error")
			}
		})
		closers = append(closers, func() {
			t.Close()
			shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutdownCtx)
		})
	}

	guard := usage.NewGuard(cfg.TokenLimit, logger)
	eng = engine.New(sender, guard, engine.Options{
		AutoAdvanceDelay: cfg.AutoAdvanceDelay,
		LoadingTimeout:   cfg.LoadingTimeout,
		AutosaveInterval: cfg.AutosaveInterval,
		Framework:        cfg.TargetFramework,
		PreviewURL:       cfg.PreviewURL,
		Index:            index,
		Roster:           roster,
		Metrics:          m,
	}, logger)
	checker.Register("engine", func(context.Context) health.Status {
		if eng.Stopped() {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// The budget spans restarts.
	if row, err := db.LoadUsage(store.GlobalUsageScope); err == nil && row.TotalTokens > 0 {
		eng.Post(protocol.UsageUpdate{Cumulative: true, Usage: protocol.Usage{
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			TotalTokens:  row.TotalTokens,
		}})
	}

	// Transports post into the engine, so they start once it exists.
	for _, start := range starts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("engine stopped")
		}
	}()

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimitRPS: cfg.MgmtRateLimitRPS,
		CORSOrigins:  cfg.MgmtCORSOrigins,
	}, eng, db, checker, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}
	for _, c := range closers {
		c()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}
	logger.Info().Msg("build-mode engine stopped")
}

// newProvider resolves the API key and builds the configured provider. A
// missing key is not fatal: generation then reports the provider as
// unavailable.
func newProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) llm.LLMProvider {
	name := strings.ToLower(cfg.LLMProvider)
	explicit := cfg.AnthropicAPIKey
	if name == "gemini" {
		explicit = cfg.GeminiAPIKey
	}
	key, err := secrets.NewResolver(cfg.KeyringService, logger).Resolve(name, explicit)
	if err != nil {
		logger.Warn().Err(err).Str("provider", name).Msg("no API key, generation disabled")
		return nil
	}
	p, err := llm.NewProvider(ctx, llm.Settings{
		Provider:  name,
		APIKey:    key,
		Model:     cfg.LLMModel,
		MaxTokens: cfg.LLMMaxTokens,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Str("provider", name).Msg("failed to create model provider")
		return nil
	}
	logger.Info().Str("provider", name).Str("model", p.ModelID()).Msg("model provider ready")
	return p
}
