// Command recordsvc serves the records API and announces every change on the
// configured queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/drblury/recordflow/internal/httpserver"
	"github.com/drblury/recordflow/internal/records"
	"github.com/drblury/recordflow/internal/records/httpapi"
	recordspg "github.com/drblury/recordflow/internal/records/postgres"
	"github.com/drblury/recordflow/internal/runtime"
	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/health"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	_ "github.com/drblury/recordflow/transport/transports"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	conf, err := configpkg.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}

	slogger, syncLogs, err := loggingpkg.NewZapSlogLogger(conf.LogLevel, conf.ServiceName)
	if err != nil {
		return err
	}
	defer syncLogs()
	logger := loggingpkg.NewSlogServiceLogger(slogger)

	if err := conf.Validate(); err != nil {
		logger.Error("Configuration is invalid", err, nil)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := buildRepository(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	// a missing or unreachable queue leaves the API running without events
	sender, queueSvc := runtime.NewEventSender(ctx, conf, logger, runtime.ServiceDependencies{})
	if queueSvc != nil {
		defer func() { _ = queueSvc.Close() }()
	}

	svc, err := records.NewService(repo, sender, logger)
	if err != nil {
		return err
	}

	router := httpserver.NewRouter(logger)
	if queueSvc != nil {
		queueSvc.Mount(router)
	} else {
		health.Mount(router, conf.ServiceName)
	}
	httpapi.NewHandlers(svc, logger).Mount(router)

	err = httpserver.Run(ctx, ":"+strconv.Itoa(conf.HTTPPort), router, conf.ShutdownTimeout, logger)
	logger.Info("Record service stopped", nil)
	return err
}

func buildRepository(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (records.Repository, func(), error) {
	if conf.DatabaseURL == "" {
		logger.Warn("DATABASE_URL is not set; records are kept in memory", nil)
		return records.NewMemoryRepository(), func() {}, nil
	}

	pool, err := recordspg.Connect(ctx, conf.DatabaseURL)
	if err != nil {
		return nil, func() {}, err
	}
	repo := recordspg.NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, func() {}, err
	}
	return repo, pool.Close, nil
}
