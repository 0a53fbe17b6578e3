package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streamsink/internal/runtime/codec"
	"github.com/drblury/streamsink/internal/runtime/model"
	"github.com/drblury/streamsink/internal/runtime/resilience"
	"github.com/drblury/streamsink/internal/runtime/stream"
)

const operationTransformWrite = "transform_write"

func entryContext(entry stream.Entry, consumer string, started time.Time) EntryContext {
	return EntryContext{
		Stream:        entry.Stream,
		EntryID:       entry.ID,
		Consumer:      consumer,
		Reclaimed:     entry.Reclaimed,
		DeliveryCount: entry.DeliveryCount,
		StartedAt:     started,
	}
}

// processEntry decodes, transforms and writes one entry inside the error
// handler. Decoding happens once; only the write is retried. Input that cannot
// be decoded or transformed is dead-lettered directly.
func (s *Service) processEntry(ctx context.Context, entry stream.Entry) stream.Disposition {
	started := time.Now()
	consumer := s.consumerName()

	ctx, span := s.tracer.Start(ctx, "ProcessEntry", trace.WithAttributes(
		attribute.String("stream", entry.Stream),
		attribute.String("entry_id", entry.ID),
		attribute.String("consumer", consumer),
		attribute.Bool("reclaimed", entry.Reclaimed),
		attribute.Int64("delivery_count", entry.DeliveryCount),
	))
	defer span.End()

	opCtx := resilience.OperationContext{
		Operation:   operationTransformWrite,
		Stream:      entry.Stream,
		EntryID:     entry.ID,
		Consumer:    consumer,
		ContentType: entry.ContentType(),
	}

	var (
		outcome resilience.Outcome
		err     error
		lastErr error
	)
	payload, points, prepErr := s.prepare(entry)
	if prepErr != nil {
		// Bad input never reaches the sink, so it stays out of the breaker.
		lastErr = prepErr
		outcome, err = s.handler.DeadLetter(ctx, opCtx, payload, prepErr)
	} else {
		sinkClient := s.sinkClient()
		buffered := false
		op := func(ctx context.Context) error {
			var err error
			if buffered {
				// The points already sit in the sink buffer; only the flush failed.
				err = sinkClient.Flush(ctx)
			} else {
				err = sinkClient.WriteBatch(ctx, points)
				buffered = err == nil || sinkClient.Connected()
			}
			lastErr = err
			return err
		}
		outcome, err = s.handler.ExecuteWithRetry(ctx, op, opCtx, payload)
	}

	if !stream.Settle(ctx) {
		// The watchdog gave up on this entry; it stays pending and was
		// already counted as a timeout.
		span.SetAttributes(attribute.Bool("abandoned", true))
		span.SetStatus(codes.Error, "abandoned after processing timeout")
		return stream.Retain
	}

	cause := err
	if cause == nil {
		cause = lastErr
	}
	finished := time.Now()
	duration := finished.Sub(started)
	s.stats.record(outcome, duration, cause, finished)

	ectx := entryContext(entry, consumer, started)
	ectx.Duration = duration
	ectx.Outcome = outcome
	ectx.DataPoints = len(points)

	span.SetAttributes(
		attribute.String("outcome", outcome.String()),
		attribute.Int("data_points", len(points)),
	)
	if outcome == resilience.OutcomeSucceeded {
		span.SetStatus(codes.Ok, "")
		if s.hooks.OnEntryDone != nil {
			s.hooks.OnEntryDone(ectx)
		}
	} else {
		if cause != nil {
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
		}
		if s.hooks.OnEntryError != nil {
			s.hooks.OnEntryError(ectx, cause)
		}
	}

	if outcome.Acknowledge() {
		return stream.Ack
	}
	return stream.Retain
}

// prepare returns the raw payload for dead-lettering plus the transformed
// points. Its error is permanent.
func (s *Service) prepare(entry stream.Entry) ([]byte, []model.DataPoint, error) {
	payload, err := entry.Payload()
	if err != nil {
		return nil, nil, resilience.Permanent(err)
	}
	ev, err := codec.DecodeEvent(entry.ContentType(), payload)
	if err != nil {
		return payload, nil, err
	}
	points, err := s.transformer.Transform(ev)
	if err != nil {
		return payload, nil, err
	}
	return payload, points, nil
}
