/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the usage-credit server, and hosts the operator
  commands that work directly against the database.

COMMANDS:
  serve                     HTTP API, webhook receiver, budget scheduler
  balance <principal>       print a balance
  open <principal>          provision a zero balance
  settle <file>             apply a webhook payload without a signature
  rejected                  list dead-lettered webhook payloads
  budget evaluate <p>       evaluate one principal's spend
  budget run                run the scheduled budget check once

STARTUP SEQUENCE (serve):
  1. Load YAML config (--config, ${ENV} expanded)
  2. Initialize SQLite store
  3. Wire ledger, session tracker, settlement processor, budget scheduler
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown.timeout)
  3. Stop the budget scheduler
  4. Close database connection

EXAMPLES:
  ./server serve --config ./config.yaml
  ./server balance u-123 --config ./config.yaml
  ./server budget run

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

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

	"github.com/warp/usage-credits/api"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Usage-credit metering and settlement engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CREDITS_CONFIG"), "path to YAML config (defaults when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newBalanceCmd(&configPath),
		newOpenCmd(&configPath),
		newSettleCmd(&configPath),
		newRejectedCmd(&configPath),
		newBudgetCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(a)
		},
	}
}

func serve(a *app) error {
	handler := api.NewHandler(a.ledger, a.sessions, a.payments, a.log)
	handler.Budget = a.scheduler
	handler.Budgets = a.store
	handler.DeadLetters = a.store
	handler.Metrics = a.metrics
	handler.WindowDays = a.cfg.Budget.WindowDays
	handler.EvaluateOnDebit = a.cfg.Budget.EvaluateOnDebit
	handler.Ping = func(r *http.Request) error { return a.store.Ping(r.Context()) }

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           api.HeaderAuthenticator{Header: a.cfg.Auth.Header},
		AdminToken:     a.cfg.Admin.Token,
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		Log:            a.log,
	})

	server := &http.Server{
		Addr:         a.cfg.Listen,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if a.cfg.Webhook.Secret == "" {
		a.log.Warn().Msg("webhook.secret is empty; payment webhooks will be refused")
	}
	if a.cfg.Admin.Token == "" {
		a.log.Warn().Msg("admin.token is empty; admin routes are disabled")
	}

	a.scheduler.Start()
	defer a.scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("listen", a.cfg.Listen).Str("db", a.cfg.DBPath).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		a.log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info().Msg("server stopped")
	return nil
}
