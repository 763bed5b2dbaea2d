package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	hushotel "github.com/petal-labs/hushnote/otel"
	"github.com/petal-labs/hushnote/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hushnote HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("dsn", "", "Database DSN: postgres:// URL or SQLite path (default: ~/.hushnote/hushnote.db)")
	cmd.Flags().String("config", "", "Path to hushnote.yaml")
	cmd.Flags().Duration("session-ttl", server.SessionDuration, "Session lifetime")
	cmd.Flags().String("sweep-schedule", "", "UTC cron expression for expired-session cleanup")
	cmd.Flags().String("google-client-id", "", "Google OAuth client ID")
	cmd.Flags().String("google-redirect-url", "", "Google OAuth callback URL")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace collector endpoint (host:port)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	sessionTTL, _ := cmd.Flags().GetDuration("session-ttl")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	explicitConfigPath, _ := cmd.Flags().GetString("config")

	configPath, _, err := DiscoverConfigPath(explicitConfigPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	applyServeFlags(cmd, &cfg)

	if cfg.Listen.Host == "" {
		cfg.Listen.Host = host
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = port
	}
	if cfg.Listen.CORSOrigin == "" {
		cfg.Listen.CORSOrigin = corsOrigin
	}
	if cfg.Listen.MaxBody == 0 {
		cfg.Listen.MaxBody = maxBody
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = Duration(sessionTTL)
	}

	logger := slog.Default()

	if cfg.Otel.Endpoint != "" {
		shutdown, err := hushotel.SetupTracing(cmd.Context(), cfg.Otel.Endpoint, "hushnote")
		if err != nil {
			return exitError(exitRuntime, "initializing tracing: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	metrics, err := hushotel.NewAuthMetrics(otelapi.GetMeterProvider().Meter("hushnote/server"))
	if err != nil {
		return exitError(exitRuntime, "initializing auth metrics: %v", err)
	}

	store, err := openStore(cmd.Context(), cfg.Database.DSN)
	if err != nil {
		return exitError(exitStore, "opening auth store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	sweeper, err := server.NewSessionSweeper(server.SessionSweeperConfig{
		Store:    store,
		Schedule: cfg.Session.SweepSchedule,
		Logger:   logger,
	})
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if err := sweeper.Start(cmd.Context()); err != nil {
		return exitError(exitRuntime, "starting session sweeper: %v", err)
	}
	defer func() {
		_ = sweeper.Stop(context.Background())
	}()

	var google *server.GoogleConfig
	if cfg.Google.ClientID != "" {
		if cfg.Google.ClientSecret == "" {
			return exitError(exitConfig, "google client secret is required when client id is set (HUSHNOTE_GOOGLE_CLIENT_SECRET)")
		}
		if cfg.Google.RedirectURL == "" {
			return exitError(exitConfig, "google redirect url is required when client id is set")
		}
		google = &server.GoogleConfig{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURL,
		}
	}

	srv := server.NewServer(server.ServerConfig{
		Store:      store,
		Google:     google,
		SessionTTL: time.Duration(cfg.Session.TTL),
		CORSOrigin: cfg.Listen.CORSOrigin,
		MaxBody:    cfg.Listen.MaxBody,
		Metrics:    metrics,
		Logger:     logger,
	})

	addr := net.JoinHostPort(cfg.Listen.Host, fmt.Sprintf("%d", cfg.Listen.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "hushnote listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// applyServeFlags copies explicitly set flags over the loaded config so the
// precedence is flags > environment > file.
func applyServeFlags(cmd *cobra.Command, cfg *Config) {
	if cmd.Flags().Changed("host") {
		cfg.Listen.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Listen.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("cors-origin") {
		cfg.Listen.CORSOrigin, _ = cmd.Flags().GetString("cors-origin")
	}
	if cmd.Flags().Changed("max-body") {
		cfg.Listen.MaxBody, _ = cmd.Flags().GetInt64("max-body")
	}
	if cmd.Flags().Changed("dsn") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("dsn")
	}
	if cmd.Flags().Changed("session-ttl") {
		ttl, _ := cmd.Flags().GetDuration("session-ttl")
		cfg.Session.TTL = Duration(ttl)
	}
	if cmd.Flags().Changed("sweep-schedule") {
		cfg.Session.SweepSchedule, _ = cmd.Flags().GetString("sweep-schedule")
	}
	if cmd.Flags().Changed("google-client-id") {
		cfg.Google.ClientID, _ = cmd.Flags().GetString("google-client-id")
	}
	if cmd.Flags().Changed("google-redirect-url") {
		cfg.Google.RedirectURL, _ = cmd.Flags().GetString("google-redirect-url")
	}
	if cmd.Flags().Changed("otlp-endpoint") {
		cfg.Otel.Endpoint, _ = cmd.Flags().GetString("otlp-endpoint")
	}
}

// openStore selects the auth store backend by DSN scheme.
func openStore(ctx context.Context, dsn string) (server.AuthStore, error) {
	clean := strings.TrimSpace(dsn)
	if clean == "" {
		defaultPath, err := DefaultSQLitePath()
		if err != nil {
			return nil, err
		}
		clean = defaultPath
	}

	if strings.HasPrefix(clean, "postgres://") || strings.HasPrefix(clean, "postgresql://") {
		return server.NewPostgresStore(ctx, server.PostgresStoreConfig{DSN: clean})
	}
	return server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: clean})
}
