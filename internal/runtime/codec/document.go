package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/streamsink/internal/runtime/model"
)

// EventFromDocument builds an Event from a decoded document. Both camelCase
// and snake_case keys are accepted. Required-field checks are left to
// Event.Validate.
func EventFromDocument(doc map[string]any) (model.Event, error) {
	ev := model.Event{
		ID:          stringField(doc, "id"),
		EquipmentID: stringField(doc, "equipmentId", "equipment_id"),
		Site:        stringField(doc, "site"),
		ProductType: stringField(doc, "productType", "product_type", "type"),
	}

	invalid := func(field string, err error) error {
		return &model.InvalidEventError{EventID: ev.ID, Field: field, Reason: "is malformed", Err: err}
	}

	if raw, ok := lookup(doc, "timestamp", "ts"); ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return model.Event{}, invalid("timestamp", err)
		}
		ev.Timestamp = ts
	}

	if raw, ok := lookup(doc, "lineNumber", "line_number", "line"); ok {
		line, err := parseInt(raw)
		if err != nil {
			return model.Event{}, invalid("lineNumber", err)
		}
		ev.LineNumber = line
	}

	rawTags, _ := lookup(doc, "tags")
	if rawTags != nil {
		list, ok := rawTags.([]any)
		if !ok {
			return model.Event{}, invalid("tags", fmt.Errorf("expected a list, got %T", rawTags))
		}
		ev.Tags = make([]model.TagReading, 0, len(list))
		for i, item := range list {
			tag, err := tagFromDocument(item)
			if err != nil {
				return model.Event{}, invalid(fmt.Sprintf("tags[%d]", i), err)
			}
			ev.Tags = append(ev.Tags, tag)
		}
	}
	return ev, nil
}

func tagFromDocument(item any) (model.TagReading, error) {
	doc, ok := asDocument(item)
	if !ok {
		return model.TagReading{}, fmt.Errorf("expected an object, got %T", item)
	}
	tag := model.TagReading{TagID: stringField(doc, "tagId", "tag_id", "id")}
	if raw, ok := lookup(doc, "value"); ok && raw != nil {
		v, err := model.ValueOf(normalise(raw))
		if err != nil {
			return model.TagReading{}, fmt.Errorf("value: %w", err)
		}
		tag.Value = v
	}
	if q := stringField(doc, "quality"); q != "" {
		if parsed, ok := model.ParseQuality(q); ok {
			tag.Quality = parsed
		} else {
			tag.Quality = model.Quality(q)
		}
	}
	return tag, nil
}

// EventToDocument renders an Event in the camelCase document shape. Lists
// are []any and objects map[string]any so every Format can encode it.
func EventToDocument(ev model.Event) map[string]any {
	tags := make([]any, 0, len(ev.Tags))
	for _, tag := range ev.Tags {
		tags = append(tags, map[string]any{
			"tagId":   tag.TagID,
			"value":   tag.Value.Interface(),
			"quality": string(tag.Quality),
		})
	}
	return map[string]any{
		"id":          ev.ID,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"equipmentId": ev.EquipmentID,
		"site":        ev.Site,
		"productType": ev.ProductType,
		"lineNumber":  float64(ev.LineNumber),
		"tags":        tags,
	}
}

func lookup(doc map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(doc map[string]any, keys ...string) string {
	raw, ok := lookup(doc, keys...)
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func asDocument(item any) (map[string]any, bool) {
	switch m := item.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			key, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[key] = v
		}
		return out, true
	}
	return nil, false
}

// normalise turns byte strings into text, which msgpack and cbor produce for
// some encoders.
func normalise(raw any) any {
	switch v := raw.(type) {
	case []byte:
		return string(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = normalise(child)
		}
		return out
	default:
		return raw
	}
}

func parseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognised timestamp %q", v)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		f, err := toFloat(raw)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
}

func parseInt(raw any) (int, error) {
	if s, ok := raw.(string); ok {
		return strconv.Atoi(strings.TrimSpace(s))
	}
	f, err := toFloat(raw)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	return int(f), nil
}

func toFloat(raw any) (float64, error) {
	v, err := model.ValueOf(raw)
	if err != nil {
		return 0, err
	}
	f, ok := v.Number()
	if !ok {
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
	return f, nil
}
