package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrules/config"
	petalotel "github.com/petal-labs/petalrules/otel"
	"github.com/petal-labs/petalrules/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rule engine HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (default from config: 8080)")
	cmd.Flags().String("host", "", "Listen host (default from config: 127.0.0.1)")
	cmd.Flags().String("cors-origin", "", "Allowed CORS origin (default *)")
	cmd.Flags().Int64("max-body", 0, "Max request body size in bytes")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	if (tlsCert == "") != (tlsKey == "") {
		return exitError(exitInputParse, "--tls-cert and --tls-key must be set together")
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg.Server)

	telemetry, err := petalotel.Setup(cmd.Context(), petalotel.SetupConfig{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Global:      true,
	})
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	observer, err := petalotel.NewRuleObserver(telemetry.Meter(), telemetry.Tracer())
	if err != nil {
		return exitError(exitRuntime, "initializing rule observability: %v", err)
	}

	a, err := openAppWith(cmd, cfg, appOptions{observer: observer})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	logger := a.logger

	metrics, err := petalotel.NewMetricsHandler(telemetry.Meter())
	if err != nil {
		return exitError(exitRuntime, "initializing event metrics: %v", err)
	}
	detach := petalotel.Attach(a.bus, metrics, petalotel.NewTracingHandler(telemetry.Tracer()))
	defer detach()

	srv := server.NewServer(server.ServerConfig{
		Service:    a.service,
		Bus:        a.bus,
		EventStore: a.events,
		CORSOrigin: cfg.Server.CORSOrigin,
		MaxBody:    cfg.Server.MaxBody,
		Logger:     logger,
	})

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "PetalRules listening on %s\n", addr)
		logger.Info("server starting", "addr", addr, "store", a.cfg.Store.Driver, "events", a.cfg.Events.Driver)
		if tlsCert != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		// Closing the bus ends open event streams so Shutdown is not held up.
		_ = a.bus.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

// applyServeFlags overrides server config with flags that were set.
func applyServeFlags(cmd *cobra.Command, cfg *config.ServerConfig) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("cors-origin") {
		cfg.CORSOrigin, _ = flags.GetString("cors-origin")
	}
	if flags.Changed("max-body") {
		cfg.MaxBody, _ = flags.GetInt64("max-body")
	}
}
