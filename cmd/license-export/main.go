// Command license-export writes the active managed accounts of an
// organization that have access to one product to a CSV file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/admin-export/pkg/account"
	"github.com/Sternrassler/admin-export/pkg/client"
	"github.com/Sternrassler/admin-export/pkg/config"
	"github.com/Sternrassler/admin-export/pkg/dedup"
	"github.com/Sternrassler/admin-export/pkg/export"
	"github.com/Sternrassler/admin-export/pkg/logging"
	"github.com/Sternrassler/admin-export/pkg/metrics"
	"github.com/Sternrassler/admin-export/pkg/pagination"
	"github.com/Sternrassler/admin-export/pkg/ratelimit"
	"github.com/Sternrassler/admin-export/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "license-export",
		Short:         "Export managed accounts with product access to CSV",
		Long:          "Walks the organization users endpoint, keeps active accounts with access to JIRA_URL_WITHOUT_HTTPS and writes one row per account and product.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd.Context(), envFile, cmd.OutOrStdout())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "license-export: %v\n", err)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "Path to a .env file with configuration defaults")
	return cmd
}

func run(ctx context.Context, envFile string, stdout io.Writer) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	logger.Info().
		Str("org_id", cfg.OrgID).
		Str("target_url", cfg.TargetURL).
		Str("output", cfg.OutputFile).
		Int("workers", cfg.MaxWorkers).
		Int("rate_limit_calls", cfg.RateLimitCalls).
		Dur("rate_limit_period", cfg.RateLimitPeriod).
		Bool("redis", cfg.Redis != nil).
		Msg("Configuration loaded")

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logging.Component(logger, "ratelimit"))
	if err != nil {
		return err
	}
	defer closeLimiter()

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, logging.Component(logger, "metrics"))
		defer shutdown()
	}

	clientCfg := client.DefaultConfig(cfg.OrgID, cfg.AccessToken)
	clientCfg.BaseURL = cfg.APIBaseURL
	clientCfg.Timeout = cfg.RequestTimeout

	c, err := client.New(clientCfg, limiter, logging.Component(logger, "client"))
	if err != nil {
		return &config.Error{Key: config.KeyAPIBaseURL, Reason: err.Error()}
	}

	out, err := sink.NewCSVWriter(cfg.OutputFile, sink.DefaultConfig(), logging.Component(logger, "sink"))
	if err != nil {
		return err
	}

	// The HTTP timeout bounds a single call; the page timeout also covers
	// the rate limiter wait, which can be a full window.
	pages := pagination.New(c, pagination.Config{Timeout: cfg.RateLimitPeriod + cfg.RequestTimeout}, logging.Component(logger, "pagination"))

	exp, err := export.New(
		pages,
		account.NewProcessor(cfg.TargetURL),
		dedup.New(),
		out,
		export.Config{Workers: cfg.MaxWorkers},
		logging.Component(logger, "export"),
	)
	if err != nil {
		out.Abort()
		return err
	}

	result, err := exp.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Exported %d rows to %s\n", result.Rows, result.OutputPath)
	return nil
}

// newLimiter returns the Redis-backed limiter when Redis is configured and
// the in-process one otherwise.
func newLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.Redis == nil {
		w, err := ratelimit.NewWindow(cfg.RateLimitCalls, cfg.RateLimitPeriod, logger)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	}

	rdb := redis.NewClient(cfg.Redis)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Str("key", cfg.RateLimitKey).Msg("Connected to Redis")

	w, err := ratelimit.NewRedisWindow(rdb, cfg.RateLimitKey, cfg.RateLimitCalls, cfg.RateLimitPeriod, logger)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return w, func() { rdb.Close() }, nil
}

// serveMetrics exposes /metrics and /health on addr until the returned
// function is called.
func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
