package resilience

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamsink/internal/runtime/codec"
	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
)

// DeadLetterRecord is the durable form of a permanently failed entry. It
// carries everything needed to replay the entry onto its source stream.
type DeadLetterRecord struct {
	ID              string    `json:"id"`
	Stream          string    `json:"stream"`
	EntryID         string    `json:"entry_id"`
	Consumer        string    `json:"consumer,omitempty"`
	Operation       string    `json:"operation,omitempty"`
	ContentType     string    `json:"content_type,omitempty"`
	OriginalPayload []byte    `json:"original_payload"`
	Error           string    `json:"error"`
	ErrorKind       ErrorKind `json:"error_kind"`
	Attempts        int       `json:"attempts"`
	Timestamp       time.Time `json:"timestamp"`
}

// DeadLetterSink receives records for manual inspection and replay.
type DeadLetterSink interface {
	Route(ctx context.Context, record DeadLetterRecord) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(ctx context.Context, record DeadLetterRecord) error

func (f DeadLetterSinkFunc) Route(ctx context.Context, record DeadLetterRecord) error {
	return f(ctx, record)
}

// Metadata keys set on published dead-letter messages.
const (
	MetadataStream    = "dlq_stream"
	MetadataEntryID   = "dlq_entry_id"
	MetadataErrorKind = "dlq_error_kind"
	MetadataAttempts  = "dlq_attempts"
)

// PublisherSink publishes records as JSON Watermill messages on one topic.
type PublisherSink struct {
	publisher message.Publisher
	topic     string
}

func NewPublisherSink(publisher message.Publisher, topic string) (*PublisherSink, error) {
	if publisher == nil {
		return nil, sserrors.ErrPublisherRequired
	}
	if topic == "" {
		return nil, sserrors.ErrTopicRequired
	}
	return &PublisherSink{publisher: publisher, topic: topic}, nil
}

func (s *PublisherSink) Route(ctx context.Context, record DeadLetterRecord) error {
	payload, err := EncodeDeadLetter(record)
	if err != nil {
		return err
	}
	msg := message.NewMessage(record.ID, payload)
	msg.Metadata.Set(MetadataStream, record.Stream)
	msg.Metadata.Set(MetadataEntryID, record.EntryID)
	msg.Metadata.Set(MetadataErrorKind, string(record.ErrorKind))
	msg.Metadata.Set(MetadataAttempts, strconv.Itoa(record.Attempts))
	msg.SetContext(ctx)
	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("publish dead letter %s to %s: %w", record.ID, s.topic, err)
	}
	return nil
}

func (s *PublisherSink) Topic() string {
	return s.topic
}

func EncodeDeadLetter(record DeadLetterRecord) ([]byte, error) {
	data, err := codec.MarshalJSON(record)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter %s: %w", record.ID, err)
	}
	return data, nil
}

func DecodeDeadLetter(data []byte) (DeadLetterRecord, error) {
	var record DeadLetterRecord
	if err := codec.UnmarshalJSON(data, &record); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("decode dead letter: %w", err)
	}
	return record, nil
}
