// Package eventlog is a partitioned, keyed message log with consumer groups.
// Messages sharing a key land on the same partition and each partition is
// handled by one goroutine per group, so per-key order is preserved.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon/internal/config"
)

// Header names written on dead-lettered messages
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderAttempts          = "x-attempts"
)

// ErrClosed is returned when publishing to a closed log
var ErrClosed = errors.New("eventlog: closed")

// Message is one record. Partition and Offset are set on delivery.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Time      time.Time
}

// Handler processes a delivered message. Returning an error leaves the
// message uncommitted and stops the consumer, so it is redelivered on the
// next Run.
type Handler func(ctx context.Context, msg Message) error

// Producer publishes messages
type Producer interface {
	Publish(ctx context.Context, msgs ...Message) error
	Close() error
}

// Consumer delivers messages of one topic to a handler on behalf of a group
type Consumer interface {
	// Run blocks until ctx is done, the log closes or the handler fails
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Log is a producer that can also hand out consumers
type Log interface {
	Producer
	Consumer(topic, groupID string) Consumer
}

// Open builds the log selected by cfg.Driver
func Open(cfg config.KafkaConfig) (Log, error) {
	switch cfg.Driver {
	case "", "kafka":
		return NewKafkaLog(cfg)
	case "memory":
		return NewMemoryLog(MemoryConfig{Partitions: cfg.Partitions}), nil
	default:
		return nil, fmt.Errorf("unsupported event log driver: %s", cfg.Driver)
	}
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}
