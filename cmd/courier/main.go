// Command courier launches the outbound federation dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshwire/courier/config"
	"github.com/meshwire/courier/core/sender"
	"github.com/meshwire/courier/internal/observability"
	"github.com/meshwire/courier/internal/queue"
	"github.com/meshwire/courier/internal/replication"
	"github.com/meshwire/courier/internal/storage"
	"github.com/meshwire/courier/internal/transport"
	"github.com/meshwire/courier/lib/async"
	"github.com/meshwire/courier/lib/telemetry"
)

const (
	defaultConfigPath        = "config/courier.yaml"
	courierLoggerPrefix      = "courier "
	backgroundQueueDepth     = 256
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newCourierLogger()
	observability.SetLogger(observability.NewStdLogger(logger))

	settings, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found at %s, using defaults", cfgPath)
	}
	if err := settings.Validate(); err != nil {
		logger.Fatalf("validate config: %v", err)
	}
	logger.Printf("configuration initialised: server=%s", settings.ServerName)

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	if settings.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialised: endpoint=%s", settings.Telemetry.OTLPEndpoint)
	} else {
		logger.Printf("telemetry disabled")
	}

	if settings.Database.DSN == "" {
		logger.Fatalf("database.dsn is required")
	}
	if err := storage.Migrate(ctx, settings.Database.DSN); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}
	pool, err := pgxpool.New(ctx, settings.Database.DSN)
	if err != nil {
		logger.Fatalf("open database pool: %v", err)
	}
	defer pool.Close()
	storage.ObservePoolMetrics(pool, "courier")
	store := storage.New(pool)

	tasks, err := async.NewPool(settings.Federation.BackgroundWorkers.Count(), backgroundQueueDepth)
	if err != nil {
		logger.Fatalf("initialise background pool: %v", err)
	}

	sink := transport.NewHTTPSink(settings.Transport.Scheme, settings.Transport.Timeout.Std())
	queues, err := queue.NewManager(ctx, queue.Config{
		Origin:                settings.ServerName,
		Sink:                  sink,
		Metrics:               observability.NewRuntimeMetrics(),
		TransactionsPerSecond: settings.Transport.TransactionsPerSecond,
		MaxRetryElapsed:       settings.Transport.MaxRetryElapsed.Std(),
	})
	if err != nil {
		logger.Fatalf("initialise destination queues: %v", err)
	}

	dispatcher, err := sender.New(sender.Config{
		ServerName:                   settings.ServerName,
		Store:                        store,
		State:                        store,
		NewQueue:                     func(destination string) sender.DestinationQueue { return queues.NewQueue(destination) },
		Tasks:                        tasks,
		PresenceEnabled:              settings.Presence.Enabled,
		RRTransactionIntervalPerRoom: settings.RRTransactionIntervalPerRoom(),
		FanoutWorkers:                settings.Federation.FanoutWorkers.Count(),
	})
	if err != nil {
		logger.Fatalf("initialise dispatcher: %v", err)
	}

	var repl *replication.Client
	if settings.Replication.URL != "" {
		repl, err = replication.NewClient(ctx, settings.Replication.URL, dispatcher)
		if err != nil {
			logger.Fatalf("initialise replication client: %v", err)
		}
		dispatcher.SetAckSender(repl)
	} else {
		logger.Printf("replication.url not configured; running without an upstream feed")
	}

	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatalf("start dispatcher: %v", err)
	}
	if repl != nil {
		if err := repl.Start(); err != nil {
			logger.Fatalf("start replication client: %v", err)
		}
		logger.Printf("replication connected: %s", settings.Replication.URL)
	}

	logger.Print("courier started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	shutdownStart := time.Now()

	if repl != nil {
		repl.Stop()
	}
	var shutdownErrs []error
	shutdownErrs = append(shutdownErrs, dispatcher.Close(shutdownCtx))
	shutdownErrs = append(shutdownErrs, tasks.Shutdown(shutdownCtx))
	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	shutdownErrs = append(shutdownErrs, telemetryShutdown(telemetryCtx))
	telemetryCancel()

	if err := observability.AggregateErrors("graceful shutdown", shutdownErrs); err != nil {
		logger.Printf("shutdown finished with errors after %v", time.Since(shutdownStart))
		return
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath,
		fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCourierLogger() *log.Logger {
	return log.New(os.Stdout, courierLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}
