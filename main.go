package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"bookflow/config"
	"bookflow/internal/channel"
	"bookflow/internal/dashboard"
	"bookflow/internal/metrics"
	"bookflow/internal/pipeline"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/processor"
	"bookflow/reader/ripio"
	"bookflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Bookflow.Name,
		"version":     cfg.Bookflow.Version,
		"environment": env,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}

	filter, err := symbols.NewFilter(cfg.Exchange.QuoteFilter, cfg.Exchange.Pairs)
	if err != nil {
		log.WithError(err).Error("invalid pair selection")
		os.Exit(1)
	}

	var limiter *rate.Limiter
	if cfg.Snapshot.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Snapshot.RequestsPerSecond), cfg.Snapshot.Burst)
	}
	client := ripio.NewClient(ripio.ClientConfig{
		RestURL:         cfg.Exchange.RestURL,
		Timeout:         cfg.Exchange.RequestTimeout,
		MaxIdleConns:    cfg.Exchange.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost: cfg.Exchange.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout: cfg.Exchange.ConnectionPool.IdleConnTimeout,
		UserAgent:       cfg.Bookflow.Name + "/" + cfg.Bookflow.Version,
		Limiter:         limiter,
	})
	catalog := symbols.NewCatalog(client, filter, cfg.Exchange.MarketsTTL)

	var (
		sinks       channel.Fanout
		allChannels []*channel.Channels
		reports     []metrics.ReportSource
		stoppers    []func()
		wg          sync.WaitGroup
	)
	newChannels := func(name string) *channel.Channels {
		return channel.NewChannels(name, cfg.Channels.DiffBuffer, cfg.Channels.SnapshotBuffer, cfg.Channels.TradeBuffer)
	}
	// attach adds a writer's queues to the fanout once the writer is running.
	attach := func(ch *channel.Channels) {
		ch.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)
		allChannels = append(allChannels, ch)
		sinks = append(sinks, ch)
	}

	if cfg.Storage.Kafka.Enabled {
		ch := newChannels("kafka")
		kw, err := writer.NewKafkaWriter(cfg.Storage.Kafka, ch)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		if err := kw.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start kafka writer")
			os.Exit(1)
		}
		attach(ch)
		stoppers = append(stoppers, kw.Stop)
		reports = append(reports, writerReport("kafka_writer", kw.Stats))
	} else {
		log.WithComponent("main").Info("Kafka output disabled; skipping writer")
	}

	if cfg.Storage.S3.Enabled {
		ch := newChannels("archive")
		aw, err := writer.NewArchiveWriter(ctx, cfg.Storage.S3, cfg.Bookflow.Version, ch)
		if err != nil {
			log.WithEnv("AWS_REGION", "AWS_PROFILE").WithError(err).Error("failed to create archive writer")
			if config.IsProductionLike(env) {
				os.Exit(1)
			}
		} else if err := aw.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		} else {
			attach(ch)
			stoppers = append(stoppers, aw.Stop)
			reports = append(reports, writerReport("archive_writer", aw.Stats))
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping archive writer")
	}

	pool := pipeline.NewPool(pipeline.PairConfig{
		Stream: ripio.StreamConfig{
			URL:              cfg.Exchange.StreamURL,
			ConsumerID:       cfg.Exchange.ConsumerID,
			ReadTimeout:      cfg.Stream.ReadTimeout,
			WriteTimeout:     cfg.Stream.WriteTimeout,
			HandshakeTimeout: cfg.Stream.HandshakeTimeout,
			ReadBufferBytes:  cfg.Stream.ReadBufferBytes,
		},
		Trades:           cfg.Stream.Trades,
		Depth:            cfg.Snapshot.Depth,
		ReconnectBackoff: cfg.Stream.ReconnectBackoff,
		FailurePause:     cfg.Snapshot.FailurePause,
		Reconciler: processor.ReconcilerConfig{
			PendingBuffer: cfg.Reconciler.PendingBuffer,
			IntakeBuffer:  cfg.Reconciler.IntakeBuffer,
		},
	}, client, sinks)

	if cfg.Storage.Redis.Enabled {
		rp, err := writer.NewRedisPublisher(ctx, cfg.Storage.Redis, pool)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			if config.IsProductionLike(env) {
				os.Exit(1)
			}
		} else {
			reports = append(reports, writerReport("redis_publisher", rp.Stats))
			runComponent(ctx, &wg, log, "redis_publisher", rp.Run)
		}
	}

	reports = append(reports, func() logger.Fields {
		return logger.Fields{
			"pairs":      len(pool.Pairs()),
			"live_books": pool.LiveCount(),
		}
	})
	metrics.StartReport(ctx, log, cfg.Metrics.ReportInterval, reports...)

	runComponent(ctx, &wg, log, "pool", func(ctx context.Context) error {
		return pool.Watch(ctx, catalog, cfg.Exchange.RefreshInterval)
	})

	if cfg.Snapshot.Publish {
		publisher := pipeline.NewSnapshotPublisher(pipeline.PublisherConfig{
			Depth:         cfg.Snapshot.Depth,
			Interval:      cfg.Snapshot.Interval,
			InitialPacing: cfg.Snapshot.InitialPacing,
			Pacing:        cfg.Snapshot.Pacing,
			FailurePause:  cfg.Snapshot.FailurePause,
		}, catalog, client, sinks)
		runComponent(ctx, &wg, log, "snapshot_publisher", publisher.Run)
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log, pool)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		runComponent(ctx, &wg, log, "dashboard", func(ctx context.Context) error {
			return dash.Run(ctx, cfg.Bookflow.Name)
		})
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		pool.Stop()
		for _, stop := range stoppers {
			stop()
		}
		for _, ch := range allChannels {
			ch.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}

// runComponent runs fn until ctx is done. An unexpected exit is logged and
// does not stop the process.
func runComponent(ctx context.Context, wg *sync.WaitGroup, log *logger.Log, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.WithComponent(name).WithError(err).Error(strings.ReplaceAll(name, "_", " ") + " stopped")
	}()
}

func writerReport(component string, stats func() metrics.WriterStats) metrics.ReportSource {
	log := logger.GetLogger()
	return func() logger.Fields {
		s := stats()
		metrics.ReportWriter(log, component, s)
		return logger.Fields{
			component: logger.Fields{
				"messages": s.MessagesWritten,
				"bytes":    s.BytesWritten,
				"errors":   s.ErrorsCount,
			},
		}
	}
}
