package stream

import (
	"context"
	"fmt"

	sserrors "github.com/drblury/streamsink/internal/runtime/errors"
)

// Entry fields producers write.
const (
	FieldPayload     = "payload"
	FieldContentType = "content_type"
)

// Entry is one stream entry handed to the processing callback.
type Entry struct {
	Stream string
	ID     string
	Values map[string]any
	// Reclaimed is set when the entry was claimed from another consumer's
	// (or our own abandoned) pending list.
	Reclaimed bool
	// DeliveryCount is only known for reclaimed entries.
	DeliveryCount int64
}

// Payload returns the raw encoded event.
func (e Entry) Payload() ([]byte, error) {
	raw, ok := e.Values[FieldPayload]
	if !ok || raw == nil {
		return nil, fmt.Errorf("entry %s/%s: %w", e.Stream, e.ID, sserrors.ErrPayloadMissing)
	}
	switch v := raw.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

// ContentType returns the declared payload encoding, empty when absent.
func (e Entry) ContentType() string {
	if s, ok := e.Values[FieldContentType].(string); ok {
		return s
	}
	return ""
}

func (e Entry) key() string {
	return e.Stream + "/" + e.ID
}

// Disposition tells the consumer what to do with a processed entry.
type Disposition int

const (
	// Ack removes the entry from the pending list.
	Ack Disposition = iota
	// Retain leaves the entry pending so reclaim redelivers it.
	Retain
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "retain"
}

type settleKey struct{}

// Settle is called by a Handler once its result is final and before it
// records anything about the entry. After a true return the watchdog can no
// longer abandon the entry. False means the watchdog already fired: the entry
// stays pending, the result will be discarded and it must not be counted.
// Outside a consumer callback Settle always reports true.
func Settle(ctx context.Context) bool {
	fn, ok := ctx.Value(settleKey{}).(func() bool)
	if !ok {
		return true
	}
	return fn()
}
