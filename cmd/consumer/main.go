// Command consumer receives record events from the configured queue, runs the
// business handler for each one and finalizes every delivery.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/recordflow/internal/httpserver"
	"github.com/drblury/recordflow/internal/idempotency"
	"github.com/drblury/recordflow/internal/projection"
	"github.com/drblury/recordflow/internal/runtime"
	configpkg "github.com/drblury/recordflow/internal/runtime/config"
	"github.com/drblury/recordflow/internal/runtime/consumer"
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

	if err := conf.ValidateConsumer(); err != nil {
		logger.Error("Consumer configuration is invalid", err, nil)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler, closeHandler, err := buildHandler(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer closeHandler()

	svc, err := runtime.NewService(ctx, conf, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	host, err := svc.Consumer(handler)
	if err != nil {
		return err
	}

	router := httpserver.NewRouter(logger)
	svc.Mount(router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return host.Start(gctx)
	})
	g.Go(func() error {
		return httpserver.Run(gctx, ":"+strconv.Itoa(conf.HTTPPort), router, conf.ShutdownTimeout, logger)
	})

	err = g.Wait()
	logger.Info("Consumer stopped", nil)
	return err
}

// buildHandler picks the Mongo projection when MONGO_URI is set and wraps the
// handler with Redis dedupe when REDIS_URL is set.
func buildHandler(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (consumer.Handler, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	handler := consumer.LoggingHandler(logger)
	if conf.MongoURI != "" {
		client, err := projection.Connect(ctx, conf.MongoURI)
		if err != nil {
			return nil, func() {}, err
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		handler = projection.NewHandler(projection.NewMongoStore(client, conf.MongoDatabase), logger)
		logger.Info("Projecting records into MongoDB", loggingpkg.LogFields{"database": conf.MongoDatabase})
	}

	if conf.RedisURL != "" {
		client, err := idempotency.Connect(ctx, conf.RedisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("connect to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		deduped, err := idempotency.NewHandler(handler, idempotency.NewRedisCache(client), conf.IdempotencyTTL, logger)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		handler = deduped
		logger.Info("Deduplicating deliveries with Redis", loggingpkg.LogFields{"ttl": conf.IdempotencyTTL.String()})
	}

	return handler, closeAll, nil
}
