// Package writer drains the engine's output queues into external stores.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const (
	kafkaBatchSize    = 100
	kafkaDrainTimeout = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes diffs, snapshots and trades as JSON, keyed by pair so
// each pair stays ordered within its partition.
type KafkaWriter struct {
	cfg     appconfig.KafkaConfig
	ch      *channel.Channels
	writer  messageWriter
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	written, bytesWritten, errorsCount atomic.Int64
}

func NewKafkaWriter(cfg appconfig.KafkaConfig, ch *channel.Channels) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kw := &KafkaWriter{
		cfg: cfg,
		ch:  ch,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchSize:    kafkaBatchSize,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		log: logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers":        cfg.Brokers,
		"diff_topic":     cfg.DiffTopic,
		"snapshot_topic": cfg.SnapshotTopic,
		"trade_topic":    cfg.TradeTopic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.running {
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true

	kw.wg.Add(1)
	go kw.run(ctx)
	return nil
}

func (kw *KafkaWriter) run(ctx context.Context) {
	defer kw.wg.Done()
	log := kw.log.WithComponent("kafka_writer")
	log.Info("kafka writer started")

	for {
		var (
			msg kafka.Message
			err error
		)
		select {
		case <-ctx.Done():
			kw.drain(ctx)
			log.Info("kafka writer stopped due to context cancellation")
			return
		case d, ok := <-kw.ch.Diffs:
			if !ok {
				return
			}
			msg, err = diffMessage(kw.cfg.DiffTopic, d)
		case snap, ok := <-kw.ch.Snapshots:
			if !ok {
				return
			}
			msg, err = snapshotMessage(kw.cfg.SnapshotTopic, snap)
		case ev, ok := <-kw.ch.Trades:
			if !ok {
				return
			}
			msg, err = tradeMessage(kw.cfg.TradeTopic, ev)
		}
		batch := kw.appendEncoded(nil, msg, err)
		kw.write(ctx, kw.fill(batch))
	}
}

// fill adds whatever is already queued to batch, up to kafkaBatchSize,
// without blocking.
func (kw *KafkaWriter) fill(batch []kafka.Message) []kafka.Message {
	for len(batch) < kafkaBatchSize {
		var (
			msg kafka.Message
			err error
		)
		select {
		case d, ok := <-kw.ch.Diffs:
			if !ok {
				return batch
			}
			msg, err = diffMessage(kw.cfg.DiffTopic, d)
		case snap, ok := <-kw.ch.Snapshots:
			if !ok {
				return batch
			}
			msg, err = snapshotMessage(kw.cfg.SnapshotTopic, snap)
		case ev, ok := <-kw.ch.Trades:
			if !ok {
				return batch
			}
			msg, err = tradeMessage(kw.cfg.TradeTopic, ev)
		default:
			return batch
		}
		batch = kw.appendEncoded(batch, msg, err)
	}
	return batch
}

// drain writes the messages still queued at shutdown.
func (kw *KafkaWriter) drain(ctx context.Context) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), kafkaDrainTimeout)
	defer cancel()
	for wctx.Err() == nil {
		batch := kw.fill(nil)
		if len(batch) == 0 {
			return
		}
		kw.write(wctx, batch)
	}
}

func (kw *KafkaWriter) appendEncoded(batch []kafka.Message, msg kafka.Message, err error) []kafka.Message {
	if err != nil {
		kw.errorsCount.Add(1)
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to encode message")
		return batch
	}
	return append(batch, msg)
}

func (kw *KafkaWriter) write(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	err := kw.writer.WriteMessages(ctx, batch...)
	if err == nil {
		kw.record(batch...)
		return
	}
	if ctx.Err() != nil {
		return
	}

	var partial kafka.WriteErrors
	if errors.As(err, &partial) && len(partial) == len(batch) {
		for i, msgErr := range partial {
			if msgErr == nil {
				kw.record(batch[i])
				continue
			}
			kw.fail(batch[i], msgErr)
		}
		return
	}
	for _, msg := range batch {
		kw.fail(msg, err)
	}
}

func (kw *KafkaWriter) record(msgs ...kafka.Message) {
	for _, msg := range msgs {
		kw.written.Add(1)
		kw.bytesWritten.Add(int64(len(msg.Value)))
	}
}

func (kw *KafkaWriter) fail(msg kafka.Message, err error) {
	kw.errorsCount.Add(1)
	kw.log.WithComponent("kafka_writer").WithError(err).WithFields(logger.Fields{
		"topic": msg.Topic,
		"key":   string(msg.Key),
	}).Warn("failed to write message")
}

// Stop waits for the run loop to end; cancel its context first.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()

	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}

// Stats is read by the runtime report.
func (kw *KafkaWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: kw.written.Load(),
		BytesWritten:    kw.bytesWritten.Load(),
		ErrorsCount:     kw.errorsCount.Load(),
		QueueLen:        len(kw.ch.Diffs) + len(kw.ch.Snapshots) + len(kw.ch.Trades),
		QueueCap:        cap(kw.ch.Diffs) + cap(kw.ch.Snapshots) + cap(kw.ch.Trades),
	}
}

type bookMessage struct {
	Type       string              `json:"type"`
	Pair       models.TradingPair  `json:"pair"`
	SequenceID int64               `json:"sequence_id"`
	Timestamp  int64               `json:"timestamp"`
	Bids       []models.PriceLevel `json:"bids"`
	Asks       []models.PriceLevel `json:"asks"`
}

func diffMessage(topic string, d models.Diff) (kafka.Message, error) {
	return encodeMessage(topic, d.Pair, d.Timestamp, bookMessage{
		Type:       "diff",
		Pair:       d.Pair,
		SequenceID: d.SequenceID,
		Timestamp:  d.Timestamp.UnixMilli(),
		Bids:       d.Bids,
		Asks:       d.Asks,
	})
}

func snapshotMessage(topic string, s models.Snapshot) (kafka.Message, error) {
	return encodeMessage(topic, s.Pair, s.Timestamp, bookMessage{
		Type:       "snapshot",
		Pair:       s.Pair,
		SequenceID: s.SequenceID,
		Timestamp:  s.Timestamp.UnixMilli(),
		Bids:       s.Bids,
		Asks:       s.Asks,
	})
}

func tradeMessage(topic string, ev models.TradeEvent) (kafka.Message, error) {
	return encodeMessage(topic, ev.Pair, ev.Timestamp, ev)
}

func encodeMessage(topic string, pair models.TradingPair, at time.Time, v interface{}) (kafka.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s message: %w", topic, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(pair),
		Value: data,
		Time:  at,
	}, nil
}
