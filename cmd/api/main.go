// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AllWorkNoPlay/CalendarAgents/internal/calendar"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/config"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/handler"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/interpreter"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/llm"
	natsclient "github.com/AllWorkNoPlay/CalendarAgents/internal/nats"
	"github.com/AllWorkNoPlay/CalendarAgents/internal/service"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/logger"
	"github.com/AllWorkNoPlay/CalendarAgents/pkg/tracing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server",
		zap.String("calendar_provider", cfg.CalendarProvider),
		zap.String("timezone", cfg.Policy.Timezone),
	)

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "calendar-agents", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the calendar
	provider, closeProvider, err := calendar.Open(ctx, calendar.OpenConfig{
		Kind: cfg.CalendarProvider,
		DSN:  cfg.DatabaseDSN,
		Google: calendar.GoogleConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			APIKey:          cfg.GoogleAPIKey,
			CalendarID:      cfg.GoogleCalendarID,
			Timezone:        cfg.Policy.Timezone,
		},
	})
	if err != nil {
		log.Fatal("failed to open calendar", zap.Error(err))
	}
	defer closeProvider()

	// Connect to NATS if enabled
	var (
		natsClient *natsclient.Client
		publisher  service.Publisher
	)
	if cfg.NATSEnabled {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		notifier := natsclient.NewNotifier(natsClient, log)
		if err := notifier.EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher = notifier
	}

	// Assemble the components
	svc, err := service.New(service.Options{
		Provider:             provider,
		Backend:              newBackend(cfg, log),
		Policy:               cfg.Policy,
		InterpreterTimeout:   cfg.InterpreterTimeout,
		InterpreterRetryWait: cfg.InterpreterRetryWait,
		SessionTTL:           cfg.SessionTTL,
		Publisher:            publisher,
	}, log)
	if err != nil {
		log.Fatal("failed to create service", zap.Error(err))
	}
	if err := svc.StartSweeper(cfg.SweepSchedule); err != nil {
		log.Fatal("failed to start session sweeper", zap.Error(err))
	}
	defer svc.Stop()

	// Create HTTP server
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Service:           svc,
			Provider:          provider,
			NATSClient:        natsClient,
			Logger:            log,
			CORSOrigins:       cfg.CORSOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newBackend picks the LLM backend when a key is configured and falls back
// to keyword matching otherwise.
func newBackend(cfg *config.Config, log *logger.Logger) interpreter.Backend {
	if !cfg.UseLLM() {
		log.Info("using keyword interpreter")
		return interpreter.NewKeywordBackend()
	}
	client, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), cfg.LLMAPIKey())
	if err != nil {
		log.Warn("failed to create LLM client, using keyword interpreter", zap.Error(err))
		return interpreter.NewKeywordBackend()
	}
	log.Info("using LLM interpreter", zap.String("provider", client.Name()))
	return interpreter.NewLLMBackend(client, cfg.LLMModel)
}
