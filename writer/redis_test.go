package writer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bookflow/config"
	"bookflow/models"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	calls []setCall
	err   error
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.calls = append(f.calls, setCall{key: key, value: value.([]byte), ttl: ttl})
	cmd.SetVal("OK")
	return cmd
}

type staticBooks []models.BookView

func (s staticBooks) Books(int) []models.BookView { return s }

func TestRedisPublisherWritesLiveBooks(t *testing.T) {
	fake := &fakeRedis{}
	books := staticBooks{
		{Pair: "BTC_USDC", State: models.BookLive, SequenceID: 11, Asks: []models.PriceLevel{testLevel("101", "1.5")}},
		{Pair: "ETH_USDC", State: models.BookStale, SequenceID: 4},
	}
	p := newRedisPublisher(appconfig.RedisConfig{KeyPrefix: "bookflow:book:", TTL: 30 * time.Second}, fake, books)

	assert.Equal(t, 1, p.publish(context.Background()))
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "bookflow:book:BTC_USDC", fake.calls[0].key)
	assert.Equal(t, 30*time.Second, fake.calls[0].ttl)

	var got redisBook
	require.NoError(t, json.Unmarshal(fake.calls[0].value, &got))
	assert.Equal(t, int64(11), got.SequenceID)
	assert.Equal(t, models.BookLive, got.State)
	require.Len(t, got.Asks, 1)
}

func TestRedisPublisherCountsErrors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("READONLY")}
	p := newRedisPublisher(appconfig.RedisConfig{}, fake, staticBooks{{Pair: "BTC_USDC", State: models.BookLive}})

	assert.Equal(t, 0, p.publish(context.Background()))
	assert.Equal(t, int64(1), p.Stats().ErrorsCount)
}

func TestRedisPublisherRunStopsOnCancel(t *testing.T) {
	fake := &fakeRedis{}
	p := newRedisPublisher(appconfig.RedisConfig{Interval: 5 * time.Millisecond}, fake, staticBooks{{Pair: "BTC_USDC", State: models.BookLive}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotZero(t, p.Stats().MessagesWritten)
}
