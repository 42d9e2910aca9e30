package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// BookSource lists the reconciled books. pipeline.Pool implements it.
type BookSource interface {
	Books(depth int) []models.BookView
}

type redisSetter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisPublisher stores the top of every live book under {prefix}{PAIR} with
// a TTL, so readers never see a book that stopped updating.
type RedisPublisher struct {
	cfg    appconfig.RedisConfig
	client redisSetter
	closer func() error
	books  BookSource
	log    *logger.Log

	written, errorsCount atomic.Int64
}

type redisBook struct {
	Pair       models.TradingPair  `json:"pair"`
	State      models.BookState    `json:"state"`
	SequenceID int64               `json:"sequence_id"`
	UpdatedAt  int64               `json:"updated_at"`
	Bids       []models.PriceLevel `json:"bids"`
	Asks       []models.PriceLevel `json:"asks"`
}

func NewRedisPublisher(ctx context.Context, cfg appconfig.RedisConfig, books BookSource) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	p := newRedisPublisher(cfg, client, books)
	p.closer = client.Close
	p.log.WithComponent("redis_publisher").WithFields(logger.Fields{
		"addr":     cfg.Addr,
		"prefix":   cfg.KeyPrefix,
		"depth":    cfg.Depth,
		"interval": cfg.Interval.String(),
	}).Info("redis publisher initialized")
	return p, nil
}

func newRedisPublisher(cfg appconfig.RedisConfig, client redisSetter, books BookSource) *RedisPublisher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return &RedisPublisher{
		cfg:    cfg,
		client: client,
		books:  books,
		log:    logger.GetLogger(),
	}
}

// Run publishes every Interval until ctx is done, then closes the client.
func (p *RedisPublisher) Run(ctx context.Context) error {
	defer func() {
		if p.closer != nil {
			p.closer()
		}
	}()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.publish(ctx)
		}
	}
}

// publish writes live books only; stale books are left to expire.
func (p *RedisPublisher) publish(ctx context.Context) int {
	written := 0
	for _, view := range p.books.Books(p.cfg.Depth) {
		if view.State != models.BookLive {
			continue
		}
		body, err := json.Marshal(redisBook{
			Pair:       view.Pair,
			State:      view.State,
			SequenceID: view.SequenceID,
			UpdatedAt:  view.UpdatedAt.UnixMilli(),
			Bids:       view.Bids,
			Asks:       view.Asks,
		})
		if err != nil {
			p.errorsCount.Add(1)
			continue
		}
		if err := p.client.Set(ctx, p.key(view.Pair), body, p.cfg.TTL).Err(); err != nil {
			if ctx.Err() != nil {
				return written
			}
			p.errorsCount.Add(1)
			p.log.WithComponent("redis_publisher").WithError(err).WithField("pair", view.Pair).Warn("failed to store book")
			continue
		}
		written++
	}
	p.written.Add(int64(written))
	return written
}

func (p *RedisPublisher) key(pair models.TradingPair) string {
	return p.cfg.KeyPrefix + pair.String()
}

func (p *RedisPublisher) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: p.written.Load(),
		ErrorsCount:     p.errorsCount.Load(),
	}
}
