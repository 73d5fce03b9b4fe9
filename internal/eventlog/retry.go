package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"coupon/pkg/log"
)

// RetryPolicy bounds in-process redelivery before a message is dead-lettered
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	DLTTopic    string
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes straight to the
// dead-letter topic.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WithRetry retries h up to MaxAttempts times, then publishes the message to
// DLTTopic and reports success so the offset moves on. The handler error is
// only returned when the dead-letter publish itself fails.
func WithRetry(h Handler, policy RetryPolicy, dlt Producer) Handler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	return func(ctx context.Context, msg Message) error {
		var (
			err      error
			attempts int
		)
		for attempts = 1; ; attempts++ {
			err = h(ctx, msg)
			if err == nil {
				return nil
			}
			if IsPermanent(err) || attempts >= policy.MaxAttempts {
				break
			}

			log.WithFields(map[string]interface{}{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
				"attempt":   attempts,
				"error":     err.Error(),
			}).Warn("Message handling failed, retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Backoff):
			}
		}

		dead := Message{
			Topic:   policy.DLTTopic,
			Key:     msg.Key,
			Value:   msg.Value,
			Headers: cloneHeaders(msg.Headers),
		}
		dead.Headers[HeaderOriginalTopic] = msg.Topic
		dead.Headers[HeaderOriginalPartition] = strconv.Itoa(msg.Partition)
		dead.Headers[HeaderOriginalOffset] = strconv.FormatInt(msg.Offset, 10)
		dead.Headers[HeaderExceptionMessage] = err.Error()
		dead.Headers[HeaderAttempts] = strconv.Itoa(attempts)

		if perr := dlt.Publish(ctx, dead); perr != nil {
			return fmt.Errorf("dead-letter to %s: %w (handler error: %v)", policy.DLTTopic, perr, err)
		}

		log.WithFields(map[string]interface{}{
			"topic":     msg.Topic,
			"dlt_topic": policy.DLTTopic,
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"attempts":  attempts,
			"error":     err.Error(),
		}).Error("Message dead-lettered")
		return nil
	}
}
