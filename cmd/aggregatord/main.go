// Command aggregatord is the long-running process: it starts the
// scrape/match/instagram asynq workers, the periodic Dispatcher and the
// Job API's HTTP server under one supervised context, tearing the whole
// process down on the first failure or SIGTERM — the same shape as
// scrape_app.GoogleMapScrapApp.Start's errgroup.WithContext wiring,
// generalized from "writers + scrapemate + seed pusher" to "asynq
// server + dispatcher + HTTP server".
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

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openvenue/aggregator/internal/browserpool"
	"github.com/openvenue/aggregator/internal/config"
	"github.com/openvenue/aggregator/internal/dispatcher"
	"github.com/openvenue/aggregator/internal/jobapi"
	"github.com/openvenue/aggregator/internal/logbus"
	"github.com/openvenue/aggregator/internal/logging"
	"github.com/openvenue/aggregator/internal/matcher"
	"github.com/openvenue/aggregator/internal/model"
	"github.com/openvenue/aggregator/internal/modules"
	_ "github.com/openvenue/aggregator/internal/modules/fakefixed"
	_ "github.com/openvenue/aggregator/internal/modules/instagramstub"
	"github.com/openvenue/aggregator/internal/queue"
	"github.com/openvenue/aggregator/internal/ratelimiter"
	"github.com/openvenue/aggregator/internal/runtime"
	"github.com/openvenue/aggregator/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	st, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	pool, err := browserpool.New(cfg.BrowserPoolSize, cfg.Headless)
	if err != nil {
		return fmt.Errorf("starting browser pool: %w", err)
	}
	defer pool.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client, ok := redisOpt.(asynq.RedisClientOpt)
	if !ok {
		return fmt.Errorf("unsupported redis connection scheme in REDIS_URL")
	}

	broker := queue.NewBroker(queue.Config{
		RedisAddr:     client.Addr,
		RedisPassword: client.Password,
		RedisDB:       client.DB,
		Concurrency:   cfg.ScrapeConcurrency + cfg.MatchConcurrency + cfg.InstagramConcurrency,
	})
	defer broker.Close()

	bus := logbus.New(0, 0)
	rateLimiters := ratelimiter.NewRegistry()
	matcherSvc := matcher.New(st, 0)

	rt := &runtime.Runtime{
		Store:       st,
		Pool:        pool,
		Modules:     modules.DefaultRegistry,
		RateLimiter: rateLimiters,
		LogBus:      bus,
		Queue:       broker,
		Logger:      logger,
	}

	registerHandlers(broker, rt, matcherSvc, logger)

	disp := &dispatcher.Dispatcher{
		Store:            st,
		Queue:            broker,
		Logger:           logger,
		Interval:         cfg.DispatcherInterval,
		HeartbeatTimeout: cfg.RunHeartbeatTimeout,
	}

	api := &jobapi.API{Store: st, Queue: broker, LogBus: bus, Logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           jobapi.NewRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE streams hold the connection open indefinitely
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return broker.Start(ctx)
	})

	g.Go(func() error {
		if err := disp.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		disp.Stop()
		return nil
	})

	g.Go(func() error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		logger.Info("job api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// registerHandlers wires the three asynq task types to their
// processing functions: scrape and instagram go through the Scraper
// Runtime, match goes straight to the Matcher.
func registerHandlers(broker *queue.Broker, rt *runtime.Runtime, m *matcher.Matcher, logger *zap.Logger) {
	broker.HandleFunc(queue.TypeScrape, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.ScrapePayload
		if err := decodeTaskPayload(task, &payload); err != nil {
			return queue.Terminal(err)
		}
		return rt.RunScrape(ctx, payload)
	})

	broker.HandleFunc(queue.TypeInstagram, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.InstagramPayload
		if err := decodeTaskPayload(task, &payload); err != nil {
			return queue.Terminal(err)
		}
		return rt.RunInstagram(ctx, payload)
	})

	broker.HandleFunc(queue.TypeMatch, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.MatchPayload
		if err := decodeTaskPayload(task, &payload); err != nil {
			return queue.Terminal(err)
		}

		filter := model.MatchFilter{SourceIDs: payload.SourceIDs}
		if payload.StartDate != nil {
			filter.From = *payload.StartDate
		}
		if payload.EndDate != nil {
			filter.To = *payload.EndDate
		}

		n, err := m.Run(ctx, filter)
		if err != nil {
			return err
		}
		logger.Info("match run complete", zap.Int("matches", n))
		return nil
	})
}

func decodeTaskPayload(task *asynq.Task, v interface{}) error {
	return queue.UnmarshalPayload(task.Payload(), v)
}
