package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "github.com/johnialexdch-dot/zamunda-api/internal/api/http"
	"github.com/johnialexdch-dot/zamunda-api/internal/app"
	"github.com/johnialexdch-dot/zamunda-api/internal/cache"
	"github.com/johnialexdch-dot/zamunda-api/internal/metrics"
	"github.com/johnialexdch-dot/zamunda-api/internal/search"
	"github.com/johnialexdch-dot/zamunda-api/internal/telemetry"
	"github.com/johnialexdch-dot/zamunda-api/internal/zamunda"
)

const serviceName = "zamunda-api"

// Set via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Search the Zamunda tracker over a small HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional config file (yaml, toml or json)")

	rootCmd.AddCommand(runServeCommand(&configPath))
	rootCmd.AddCommand(runSearchCommand(&configPath))
	rootCmd.AddCommand(runVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runServeCommand(configPath *string) *cobra.Command {
	var addr string

	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cfg)
		},
	}
	command.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return command
}

func serve(cfg app.Config) error {
	logger, closeLog, err := app.NewLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	metrics.Register(prometheus.DefaultRegisterer)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Setup(rootCtx, telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("otel init failed")
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info().
		Str("service", serviceName).
		Str("httpAddr", cfg.HTTPAddr).
		Str("logLevel", cfg.LogLevel).
		Str("baseURL", cfg.BaseURL).
		Dur("requestTimeout", cfg.RequestTimeout).
		Bool("hasProxy", cfg.ProxyURL != "").
		Bool("hasRedis", cfg.RedisURL != "").
		Bool("cacheDisabled", cfg.CacheDisabled).
		Dur("cacheTTL", cfg.CacheTTL).
		Msg("configuration loaded")

	client, err := newZamundaClient(cfg, logger)
	if err != nil {
		return err
	}
	responseCache := newResponseCache(rootCtx, cfg, logger)
	searchService := search.NewService(client, responseCache, logger)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if responseCache != nil {
		responseCache.Start(rootCtx)
		serverOpts = append(serverOpts, apihttp.WithCacheStats(responseCache.Len))
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apihttp.NewServer(searchService, serverOpts...).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info().Str("addr", cfg.HTTPAddr).Msg("zamunda api started")

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("zamunda api stopped")
	return nil
}

func newZamundaClient(cfg app.Config, logger zerolog.Logger) (*zamunda.Client, error) {
	httpClient, err := newUpstreamHTTPClient(cfg.RequestTimeout, cfg.ProxyURL)
	if err != nil {
		return nil, err
	}
	return zamunda.NewClient(zamunda.Config{
		BaseURL:            cfg.BaseURL,
		UserAgent:          cfg.UserAgent,
		LoginMarker:        cfg.LoginMarker,
		HTTPClient:         httpClient,
		RequestsPerSecond:  cfg.UpstreamRPS,
		ResolveConcurrency: cfg.ResolveConcurrency,
		Logger:             logger,
	})
}

func newUpstreamHTTPClient(timeout time.Duration, proxyRaw string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = true
	// Ignore ambient proxy variables unless one is configured explicitly.
	transport.Proxy = nil
	if proxyRaw != "" {
		parsed, err := url.Parse(proxyRaw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}, nil
}

// newResponseCache returns nil when caching is disabled. A configured but
// unreachable Redis falls back to the in-memory cache.
func newResponseCache(ctx context.Context, cfg app.Config, logger zerolog.Logger) *cache.Cache {
	if cfg.CacheDisabled {
		logger.Info().Msg("response cache disabled")
		return nil
	}
	opts := []cache.Option{
		cache.WithTTL(cfg.CacheTTL),
		cache.WithReapInterval(cfg.CacheReapInterval),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	}
	if cfg.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		backend, err := cache.OpenRedis(pingCtx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis not reachable, using in-memory cache only")
		} else {
			logger.Info().Msg("redis connected")
			opts = append(opts, cache.WithBackend(backend))
		}
	}
	return cache.New(opts...)
}
