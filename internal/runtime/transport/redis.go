package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-redis/redis/v8"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
)

// Stream entry fields written by RedisStreamPublisher.
const (
	FieldUUID     = "uuid"
	FieldPayload  = "payload"
	MetadataField = "meta:"
)

// RedisStreamPublisher publishes watermill messages as Redis stream entries,
// one XADD per message, with the topic used as the stream key.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	maxLen int64
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

// NewRedisStreamPublisher creates a publisher. A positive maxLen caps each
// stream approximately.
func NewRedisStreamPublisher(client redis.UniversalClient, maxLen int64, logger watermill.LoggerAdapter) *RedisStreamPublisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &RedisStreamPublisher{client: client, maxLen: maxLen, logger: logger}
}

func (p *RedisStreamPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return sserrors.ErrPublisherClosed
	}

	for _, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		args := &redis.XAddArgs{
			Stream: topic,
			Values: entryValues(msg),
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		id, err := p.client.XAdd(ctx, args).Result()
		if err != nil {
			return err
		}
		p.logger.Trace("Published dead letter", watermill.LogFields{
			"topic":    topic,
			"uuid":     msg.UUID,
			"entry_id": id,
		})
	}
	return nil
}

func (p *RedisStreamPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func entryValues(msg *message.Message) []any {
	values := make([]any, 0, 4+2*len(msg.Metadata))
	values = append(values, FieldUUID, msg.UUID, FieldPayload, string(msg.Payload))
	for k, v := range msg.Metadata {
		values = append(values, MetadataField+k, v)
	}
	return values
}
