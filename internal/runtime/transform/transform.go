// Package transform maps telemetry events onto time-series data points.
// Transformation is pure: no I/O, and the same event always yields the same
// points in the same order.
package transform

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/drblury/streamsink/internal/runtime/model"
)

const (
	DefaultField              = "value"
	DefaultQualityMeasurement = "message_quality"
)

// Options configures a Transformer.
type Options struct {
	// Rules are matched in declaration order, exact matchers before patterns.
	Rules []model.TransformationRule
	// DisableQualityMetrics suppresses the per-event quality summary point.
	DisableQualityMetrics bool
	// QualityMeasurement overrides the summary measurement name.
	QualityMeasurement string
}

// Stats are cumulative counters; reading them never resets anything.
type Stats struct {
	EventsProcessed      uint64 `json:"events_processed"`
	DataPointsProduced   uint64 `json:"data_points_produced"`
	TransformationErrors uint64 `json:"transformation_errors"`
	ValidationDrops      uint64 `json:"validation_drops"`
}

// Transformer is safe for concurrent use.
type Transformer struct {
	exact    []model.TransformationRule
	patterns []model.TransformationRule
	quality  string
	noQual   bool

	events  atomic.Uint64
	points  atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
}

func New(opts Options) *Transformer {
	t := &Transformer{
		quality: opts.QualityMeasurement,
		noQual:  opts.DisableQualityMetrics,
	}
	if t.quality == "" {
		t.quality = DefaultQualityMeasurement
	}
	for _, rule := range opts.Rules {
		switch rule.Matcher.(type) {
		case model.Exact:
			t.exact = append(t.exact, rule)
		case model.Pattern:
			t.patterns = append(t.patterns, rule)
		}
	}
	return t
}

// Transform validates ev and returns its data points.
func (t *Transformer) Transform(ev model.Event) ([]model.DataPoint, error) {
	if err := ev.Validate(); err != nil {
		t.errors.Add(1)
		return nil, err
	}

	base := baseTags(ev)
	points := make([]model.DataPoint, 0, len(ev.Tags)+1)
	for _, reading := range ev.Tags {
		points = t.appendReading(points, ev, base, reading)
	}
	if !t.noQual {
		points = append(points, t.qualityPoint(ev, base))
	}

	t.events.Add(1)
	t.points.Add(uint64(len(points)))
	return points, nil
}

func (t *Transformer) appendReading(points []model.DataPoint, ev model.Event, base map[string]string, reading model.TagReading) []model.DataPoint {
	measurement := Sanitize(reading.TagID)
	field := DefaultField
	named := false
	var extra map[string]string
	value := reading.Value

	if rule, ok := t.match(reading.TagID); ok {
		if rule.Validate != nil && !rule.Validate(value) {
			t.dropped.Add(1)
			return points
		}
		if rule.Transform != nil {
			value = rule.Transform(value)
			if !value.IsValid() {
				t.errors.Add(1)
				return points
			}
		}
		if rule.Measurement != "" {
			measurement = rule.Measurement
		}
		if rule.Field != "" {
			field = rule.Field
			named = true
		}
		extra = rule.Tags
	}
	// Object leaves are named by their path from the tag unless a rule
	// names the field: network.rx_bytes becomes network_rx_bytes.
	if !named && value.Kind() == model.KindObject {
		field = Sanitize(reading.TagID)
	}

	tags := make(map[string]string, len(base)+1+len(extra))
	for k, v := range extra {
		tags[k] = v
	}
	for k, v := range base {
		tags[k] = v
	}
	tags["tag"] = reading.TagID

	return flatten(points, measurement, field, tags, value, ev)
}

func (t *Transformer) match(tagID string) (model.TransformationRule, bool) {
	for _, rule := range t.exact {
		if rule.Matcher.Matches(tagID) {
			return rule, true
		}
	}
	for _, rule := range t.patterns {
		if rule.Matcher.Matches(tagID) {
			return rule, true
		}
	}
	return model.TransformationRule{}, false
}

// flatten emits one point per scalar leaf; object keys are joined with "_".
// Sibling points share the tag map, which is never mutated afterwards.
func flatten(points []model.DataPoint, measurement, field string, tags map[string]string, v model.Value, ev model.Event) []model.DataPoint {
	switch v.Kind() {
	case model.KindNumber, model.KindBool, model.KindString:
		return append(points, model.DataPoint{
			Measurement: measurement,
			Tags:        tags,
			Fields:      map[string]model.Value{field: v},
			Timestamp:   ev.Timestamp,
		})
	case model.KindObject:
		obj, _ := v.Object()
		for _, key := range v.Keys() {
			points = flatten(points, measurement, field+"_"+key, tags, obj[key], ev)
		}
		return points
	default:
		return points
	}
}

func (t *Transformer) qualityPoint(ev model.Event, base map[string]string) model.DataPoint {
	var good, bad, uncertain int
	for _, reading := range ev.Tags {
		switch reading.Quality {
		case model.QualityGood:
			good++
		case model.QualityBad:
			bad++
		case model.QualityUncertain:
			uncertain++
		}
	}
	total := len(ev.Tags)
	tags := make(map[string]string, len(base))
	for k, v := range base {
		tags[k] = v
	}
	return model.DataPoint{
		Measurement: t.quality,
		Tags:        tags,
		Fields: map[string]model.Value{
			"total_tags":             model.NumberValue(float64(total)),
			"good_quality_tags":      model.NumberValue(float64(good)),
			"bad_quality_tags":       model.NumberValue(float64(bad)),
			"uncertain_quality_tags": model.NumberValue(float64(uncertain)),
			"quality_ratio":          model.NumberValue(float64(good) / float64(total)),
		},
		Timestamp: ev.Timestamp,
	}
}

// Stats returns a snapshot of the running counters.
func (t *Transformer) Stats() Stats {
	return Stats{
		EventsProcessed:      t.events.Load(),
		DataPointsProduced:   t.points.Load(),
		TransformationErrors: t.errors.Load(),
		ValidationDrops:      t.dropped.Load(),
	}
}

func baseTags(ev model.Event) map[string]string {
	return map[string]string{
		"site":         ev.Site,
		"type":         ev.ProductType,
		"line":         strconv.Itoa(ev.LineNumber),
		"equipment_id": ev.EquipmentID,
	}
}

// Sanitize lowercases s and replaces anything outside [a-z0-9_] with '_'.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
