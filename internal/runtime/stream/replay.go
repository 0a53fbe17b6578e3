package stream

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/drblury/streamsink/internal/runtime/logging"
	"github.com/drblury/streamsink/internal/runtime/resilience"
)

// ReplayDeadLetters re-publishes up to count dead-letter records from
// deadLetterStream onto the streams they came from and deletes the replayed
// records. Records that cannot be decoded are left in place. The result
// counts replayed records per source stream.
func ReplayDeadLetters(ctx context.Context, client redis.UniversalClient, deadLetterStream string, count int64, log logging.ServiceLogger) (map[string]int, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if count <= 0 {
		count = 100
	}

	msgs, err := client.XRangeN(ctx, deadLetterStream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters from %s: %w", deadLetterStream, err)
	}

	replayed := make(map[string]int)
	for _, msg := range msgs {
		fields := logging.LogFields{"dead_letter_stream": deadLetterStream, "entry_id": msg.ID}

		entry := Entry{Stream: deadLetterStream, ID: msg.ID, Values: msg.Values}
		raw, err := entry.Payload()
		if err != nil {
			log.Error("Skipping dead letter without payload", err, fields)
			continue
		}
		record, err := resilience.DecodeDeadLetter(raw)
		if err != nil {
			log.Error("Skipping undecodable dead letter", err, fields)
			continue
		}
		if record.Stream == "" {
			log.Error("Skipping dead letter", fmt.Errorf("record %s has no source stream", record.ID), fields)
			continue
		}

		values := []any{FieldPayload, string(record.OriginalPayload)}
		if record.ContentType != "" {
			values = append(values, FieldContentType, record.ContentType)
		}
		newID, err := client.XAdd(ctx, &redis.XAddArgs{Stream: record.Stream, Values: values}).Result()
		if err != nil {
			return replayed, fmt.Errorf("replay %s to %s: %w", msg.ID, record.Stream, err)
		}
		if err := client.XDel(ctx, deadLetterStream, msg.ID).Err(); err != nil {
			return replayed, fmt.Errorf("delete replayed dead letter %s: %w", msg.ID, err)
		}
		replayed[record.Stream]++
		log.Info("Replayed dead letter", logging.LogFields{
			"dead_letter_stream": deadLetterStream,
			"entry_id":           msg.ID,
			"stream":             record.Stream,
			"new_entry_id":       newID,
		})
	}
	return replayed, nil
}

// ReplayDeadLetters replays through the consumer's own client.
func (c *Consumer) ReplayDeadLetters(ctx context.Context, deadLetterStream string, count int64) (map[string]int, error) {
	return ReplayDeadLetters(ctx, c.client, deadLetterStream, count, c.log)
}
