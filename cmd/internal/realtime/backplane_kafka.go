package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// DefaultKafkaTopic carries mirrored frames.
const DefaultKafkaTopic = "parla-realtime-v1"

// KafkaConfig configures KafkaBackplane.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaBackplane mirrors frames over a Kafka topic. Frames are keyed by room,
// so one room always maps to one partition and keeps its publish order.
//
// Consumption uses one group-less reader per partition starting at the log
// end. Nothing is committed and no consumer group is created on the brokers,
// so instances come and go without leaving state behind.
type KafkaBackplane struct {
	log     *slog.Logger
	brokers []string
	topic   string
	writer  *kafka.Writer
	closed  atomic.Bool
}

// NewKafkaBackplane constructs the writer. Readers are opened per Subscribe.
func NewKafkaBackplane(log *slog.Logger, cfg KafkaConfig) (*KafkaBackplane, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("realtime: kafka brokers required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if log == nil {
		log = slog.Default()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaBackplane{log: log, brokers: cfg.Brokers, topic: cfg.Topic, writer: w}, nil
}

// Publish implements Backplane.
func (b *KafkaBackplane) Publish(ctx context.Context, f Frame) error {
	if b.closed.Load() {
		return errBackplaneClosed
	}
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(f.Room),
		Value: payload,
		Time:  time.Now(),
	})
}

// Subscribe implements Backplane. fn may be called concurrently for frames of
// different partitions; frames of one room arrive in order.
func (b *KafkaBackplane) Subscribe(ctx context.Context, fn func(Frame)) error {
	parts, err := b.partitions(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parts {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.brokers,
			Topic:     b.topic,
			Partition: p,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   250 * time.Millisecond,
		})
		if err := r.SetOffset(kafka.LastOffset); err != nil {
			_ = r.Close()
			return fmt.Errorf("kafka partition %d: %w", p, err)
		}
		g.Go(func() error {
			defer func() { _ = r.Close() }()
			return b.consume(gctx, r, fn)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil || b.closed.Load() {
		return nil
	}
	return err
}

func (b *KafkaBackplane) consume(ctx context.Context, r *kafka.Reader, fn func(Frame)) error {
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || b.closed.Load() {
				return nil
			}
			return err
		}
		f, err := decodeFrame(m.Value)
		if err != nil {
			b.log.Warn("backplane.kafka.decode.fail", "err", err, "partition", m.Partition, "offset", m.Offset)
			continue
		}
		fn(f)
	}
}

// partitions asks the first reachable broker for the topic's partition ids.
func (b *KafkaBackplane) partitions(ctx context.Context) ([]int, error) {
	var errs []error
	for _, addr := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parts, err := conn.ReadPartitions(b.topic)
		_ = conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids := make([]int, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.ID)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("realtime: kafka topic %q has no partitions", b.topic)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("realtime: kafka partitions: %w", errors.Join(errs...))
}

// Close implements Backplane.
func (b *KafkaBackplane) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.writer.Close()
}

var _ Backplane = (*KafkaBackplane)(nil)
