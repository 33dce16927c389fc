package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-retry-go"
	"github.com/glimte/mmate-retry-go/config"
	"github.com/glimte/mmate-retry-go/monitor"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs
type app struct {
	envFiles []string
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *monitor.Metrics
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "mmate-retry",
		Short: "Publish and consume RabbitMQ messages with delayed retries",
		Long: `mmate-retry publishes messages to a topic exchange and consumes them with
automatic retries. Failed messages wait in a retry queue for the configured TTL
and are moved to a failed queue once the retry budget is spent, from where they
can be inspected and replayed.

Connection and retry settings are read from the environment (RABBITMQ_*, MQ_*)
and an optional .env file.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	rootCmd.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "Load environment from these files (default .env)")

	rootCmd.AddCommand(
		newPublishCmd(a),
		newConsumeCmd(a),
		newReplayCmd(a),
		newPeekCmd(a),
		newDeclareCmd(a),
		newStatsCmd(a),
	)

	return rootCmd
}

func (a *app) setup() error {
	cfg, err := config.Load(a.envFiles...)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cfg)
	slog.SetDefault(a.logger)
	a.metrics = monitor.NewMetrics(prometheus.DefaultRegisterer)
	return nil
}

// client connects using the loaded configuration
func (a *app) client(ctx context.Context, options ...mmate.ClientOption) (*mmate.Client, error) {
	options = append([]mmate.ClientOption{
		mmate.WithLogger(a.logger),
		mmate.WithMetrics(a.metrics),
	}, options...)
	return mmate.NewClient(ctx, a.cfg, options...)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveHTTP exposes /metrics and the health endpoints until ctx is done.
// It is a no-op when METRICS_ADDR is empty.
func (a *app) serveHTTP(ctx context.Context, health *monitor.Registry) {
	if a.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", monitor.NewHandler(health, 10*time.Second))
	mux.Handle("/readyz", monitor.ReadinessHandler(health))
	mux.Handle("/livez", monitor.LivenessHandler())
	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("serving metrics and health", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// newLogger creates a slog.Logger based on the configured log level and format
func newLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
