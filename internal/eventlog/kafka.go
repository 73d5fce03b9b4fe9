package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"coupon/internal/config"
	"coupon/pkg/log"
)

// KafkaLog publishes through a single writer; the topic is set per message.
type KafkaLog struct {
	brokers     []string
	concurrency int
	writer      *kafka.Writer
}

// NewKafkaLog creates a Kafka-backed log
func NewKafkaLog(cfg config.KafkaConfig) (*KafkaLog, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            maxAttempts,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            5 * time.Second,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &KafkaLog{
		brokers:     cfg.Brokers,
		concurrency: concurrency,
		writer:      writer,
	}, nil
}

// Publish writes msgs synchronously. Messages with the same key go to the
// same partition.
func (k *KafkaLog) Publish(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		msg = inject(ctx, msg)
		km := kafka.Message{
			Topic: msg.Topic,
			Key:   msg.Key,
			Value: msg.Value,
		}
		for hk, hv := range msg.Headers {
			km.Headers = append(km.Headers, kafka.Header{Key: hk, Value: []byte(hv)})
		}
		out = append(out, km)
	}

	if err := k.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Consumer returns a group consumer running one reader per configured
// concurrency slot. Kafka assigns each partition to one reader.
func (k *KafkaLog) Consumer(topic, groupID string) Consumer {
	return &KafkaConsumer{
		brokers:     k.brokers,
		topic:       topic,
		groupID:     groupID,
		concurrency: k.concurrency,
	}
}

// Close flushes and closes the writer
func (k *KafkaLog) Close() error {
	return k.writer.Close()
}

// KafkaConsumer reads a topic as a member of a consumer group
type KafkaConsumer struct {
	brokers     []string
	topic       string
	groupID     string
	concurrency int
}

// Run creates fresh readers on every call so a restart after a handler error
// resumes from the last committed offset.
func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        c.brokers,
			Topic:          c.topic,
			GroupID:        c.groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
		g.Go(func() error {
			defer reader.Close()
			return c.consume(ctx, reader, h)
		})
	}
	return g.Wait()
}

func (c *KafkaConsumer) consume(ctx context.Context, reader *kafka.Reader, h Handler) error {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.WithFields(map[string]interface{}{
				"topic": c.topic,
				"group": c.groupID,
				"error": err.Error(),
			}).Warn("Failed to fetch message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		msg := fromKafka(m)
		if err := h(extract(ctx, msg), msg); err != nil {
			return fmt.Errorf("handle %s[%d]@%d: %w", m.Topic, m.Partition, m.Offset, err)
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithFields(map[string]interface{}{
				"topic":     m.Topic,
				"partition": m.Partition,
				"offset":    m.Offset,
				"error":     err.Error(),
			}).Error("Failed to commit offset")
		}
	}
}

// Close is a no-op; readers are closed when Run returns
func (c *KafkaConsumer) Close() error {
	return nil
}

func fromKafka(m kafka.Message) Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     m.Topic,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
}
