package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/drblury/streamsink/internal/runtime/errors"
	"github.com/drblury/streamsink/internal/runtime/model"
)

func sampleEvent() model.Event {
	return model.Event{
		ID:          "e1",
		Timestamp:   time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC),
		EquipmentID: "oven1",
		Site:        "plant-a",
		ProductType: "bread",
		LineNumber:  3,
		Tags: []model.TagReading{
			{TagID: "temperature", Value: model.NumberValue(350.5), Quality: model.QualityGood},
			{TagID: "door_open", Value: model.BoolValue(false), Quality: model.QualityUncertain},
			{TagID: "network", Value: model.ObjectValue(map[string]model.Value{
				"rx_bytes": model.NumberValue(1024),
				"iface":    model.StringValue("eth0"),
			}), Quality: model.QualityBad},
		},
	}
}

func TestEncodeDecodeRoundTripAllFormats(t *testing.T) {
	for _, ct := range []string{ContentTypeJSON, ContentTypeMsgpack, ContentTypeCBOR, ContentTypeProtobuf} {
		t.Run(ct, func(t *testing.T) {
			payload, err := EncodeEvent(ct, sampleEvent())
			require.NoError(t, err)

			ev, err := DecodeEvent(ct, payload)
			require.NoError(t, err)
			assert.Equal(t, sampleEvent(), ev)
		})
	}
}

func TestDecodeJSONAcceptsSnakeCaseAndEpochMillis(t *testing.T) {
	payload := []byte(`{
		"id": "e2",
		"timestamp": 1714979289000,
		"equipment_id": "press7",
		"line_number": "4",
		"tags": [{"tag_id": "pressure", "value": 12, "quality": "good"}]
	}`)

	ev, err := DecodeEvent("", payload)
	require.NoError(t, err)
	assert.Equal(t, "press7", ev.EquipmentID)
	assert.Equal(t, 4, ev.LineNumber)
	assert.Equal(t, time.UnixMilli(1714979289000).UTC(), ev.Timestamp)
	assert.Equal(t, model.QualityGood, ev.Tags[0].Quality)
}

func TestDecodeMsgpackNativeIntegers(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]any{
		"id":          "e3",
		"timestamp":   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"equipmentId": "oven2",
		"lineNumber":  int8(2),
		"tags": []any{
			map[string]any{"tagId": "count", "value": uint16(42), "quality": "GOOD"},
		},
	})
	require.NoError(t, err)

	ev, err := DecodeEvent("msgpack", payload)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.LineNumber)
	n, ok := ev.Tags[0].Value.Number()
	assert.True(t, ok)
	assert.Equal(t, 42.0, n)
}

func TestDecodeFailuresAreInvalidEvents(t *testing.T) {
	tests := map[string]struct {
		contentType string
		payload     string
		field       string
	}{
		"garbage json":      {ContentTypeJSON, `{not json`, "payload"},
		"unknown type":      {"application/xml", `<e/>`, "content_type"},
		"tags not list":     {ContentTypeJSON, `{"id":"e","timestamp":"2024-01-01T00:00:00Z","equipmentId":"x","tags":{}}`, "tags"},
		"bad timestamp":     {ContentTypeJSON, `{"id":"e","timestamp":"yesterday","equipmentId":"x","tags":[]}`, "timestamp"},
		"array value":       {ContentTypeJSON, `{"id":"e","timestamp":"2024-01-01T00:00:00Z","equipmentId":"x","tags":[{"tagId":"a","value":[1],"quality":"GOOD"}]}`, "tags[0]"},
		"missing equipment": {ContentTypeJSON, `{"id":"e","timestamp":"2024-01-01T00:00:00Z","tags":[{"tagId":"a","value":1,"quality":"GOOD"}]}`, "equipmentId"},
		"missing quality":   {ContentTypeJSON, `{"id":"e","timestamp":"2024-01-01T00:00:00Z","equipmentId":"x","tags":[{"tagId":"a","value":1}]}`, "tags[0].quality"},
		"fractional line":   {ContentTypeJSON, `{"id":"e","timestamp":"2024-01-01T00:00:00Z","equipmentId":"x","lineNumber":1.5,"tags":[]}`, "lineNumber"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent(tc.contentType, []byte(tc.payload))
			var invalid *model.InvalidEventError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.field, invalid.Field)
		})
	}
}

func TestLookupAliasesAndParameters(t *testing.T) {
	f, err := Lookup("Application/JSON; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, f.ContentType())

	f, err = Lookup("cbor")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, f.ContentType())

	for alias, want := range map[string]string{
		"":                      ContentTypeJSON,
		"text/json":             ContentTypeJSON,
		"msgpack":               ContentTypeMsgpack,
		"application/x-msgpack": ContentTypeMsgpack,
		"protobuf":              ContentTypeProtobuf,
		"application/protobuf":  ContentTypeProtobuf,
	} {
		f, err := Lookup(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, want, f.ContentType(), alias)
	}

	_, err = Lookup("text/plain")
	assert.ErrorIs(t, err, errors.ErrUnsupportedContent)
}

func TestJSONHelpers(t *testing.T) {
	data, err := MarshalJSON(map[string]any{"attempts": 3})
	require.NoError(t, err)

	var out map[string]int
	require.NoError(t, UnmarshalJSON(data, &out))
	assert.Equal(t, 3, out["attempts"])
}
