// Package codec decodes stream entry payloads into events. The payload
// format is chosen by the entry's content_type field; JSON is the default.
package codec

import (
	"fmt"
	"strings"

	"github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/model"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeMsgpack  = "application/msgpack"
	ContentTypeCBOR     = "application/cbor"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Format converts between payload bytes and the generic document form
// events are built from.
type Format interface {
	ContentType() string
	Decode(data []byte) (map[string]any, error)
	Encode(doc map[string]any) ([]byte, error)
}

var formats = map[string]Format{
	ContentTypeJSON:     jsonFormat{},
	ContentTypeMsgpack:  msgpackFormat{},
	ContentTypeCBOR:     cborFormat{},
	ContentTypeProtobuf: protobufFormat{},
}

var aliases = map[string]string{
	"":                      ContentTypeJSON,
	"json":                  ContentTypeJSON,
	"text/json":             ContentTypeJSON,
	"msgpack":               ContentTypeMsgpack,
	"application/x-msgpack": ContentTypeMsgpack,
	"cbor":                  ContentTypeCBOR,
	"protobuf":              ContentTypeProtobuf,
	"application/protobuf":  ContentTypeProtobuf,
}

// Lookup resolves a content type (or a short alias such as "msgpack").
// Parameters like "; charset=utf-8" are ignored.
func Lookup(contentType string) (Format, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if canonical, ok := aliases[ct]; ok {
		ct = canonical
	}
	f, ok := formats[ct]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnsupportedContent, contentType)
	}
	return f, nil
}

// DecodeEvent decodes and validates a payload. Every failure is an
// *model.InvalidEventError since no retry can fix the bytes.
func DecodeEvent(contentType string, payload []byte) (model.Event, error) {
	f, err := Lookup(contentType)
	if err != nil {
		return model.Event{}, &model.InvalidEventError{Field: "content_type", Reason: "is not supported", Err: err}
	}
	doc, err := f.Decode(payload)
	if err != nil {
		return model.Event{}, &model.InvalidEventError{Field: "payload", Reason: "cannot be decoded as " + f.ContentType(), Err: err}
	}
	ev, err := EventFromDocument(doc)
	if err != nil {
		return model.Event{}, err
	}
	if err := ev.Validate(); err != nil {
		return model.Event{}, err
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(contentType string, ev model.Event) ([]byte, error) {
	f, err := Lookup(contentType)
	if err != nil {
		return nil, err
	}
	return f.Encode(EventToDocument(ev))
}
