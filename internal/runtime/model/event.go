package model

import (
	"fmt"
	"strings"
	"time"
)

// Quality is the sensor-reported quality of a tag reading.
type Quality string

const (
	QualityGood      Quality = "GOOD"
	QualityBad       Quality = "BAD"
	QualityUncertain Quality = "UNCERTAIN"
)

// ParseQuality accepts the three quality names case-insensitively.
func ParseQuality(s string) (Quality, bool) {
	switch Quality(strings.ToUpper(strings.TrimSpace(s))) {
	case QualityGood:
		return QualityGood, true
	case QualityBad:
		return QualityBad, true
	case QualityUncertain:
		return QualityUncertain, true
	}
	return "", false
}

func (q Quality) Valid() bool {
	return q == QualityGood || q == QualityBad || q == QualityUncertain
}

// TagReading is one sensor value within an Event.
type TagReading struct {
	TagID   string
	Value   Value
	Quality Quality
}

// Event is the input unit read from a stream. It is never mutated after
// decoding.
type Event struct {
	ID          string
	Timestamp   time.Time
	EquipmentID string
	Site        string
	ProductType string
	LineNumber  int
	Tags        []TagReading
}

// Validate reports the first missing or malformed required field.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.ID) == "":
		return &InvalidEventError{Field: "id", Reason: "is required"}
	case e.Timestamp.IsZero():
		return &InvalidEventError{EventID: e.ID, Field: "timestamp", Reason: "is required"}
	case strings.TrimSpace(e.EquipmentID) == "":
		return &InvalidEventError{EventID: e.ID, Field: "equipmentId", Reason: "is required"}
	case len(e.Tags) == 0:
		return &InvalidEventError{EventID: e.ID, Field: "tags", Reason: "must contain at least one reading"}
	}
	for i, tag := range e.Tags {
		field := fmt.Sprintf("tags[%d]", i)
		switch {
		case strings.TrimSpace(tag.TagID) == "":
			return &InvalidEventError{EventID: e.ID, Field: field + ".tagId", Reason: "is required"}
		case !tag.Value.IsValid():
			return &InvalidEventError{EventID: e.ID, Field: field + ".value", Reason: "is required"}
		case !tag.Quality.Valid():
			return &InvalidEventError{EventID: e.ID, Field: field + ".quality", Reason: fmt.Sprintf("unknown quality %q", tag.Quality)}
		}
	}
	return nil
}

// InvalidEventError reports an event that can never be processed. Retrying
// it is pointless, so it is dead-lettered on first failure.
type InvalidEventError struct {
	EventID string
	Field   string
	Reason  string
	Err     error
}

func (e *InvalidEventError) Error() string {
	var b strings.Builder
	b.WriteString("invalid event")
	if e.EventID != "" {
		b.WriteString(" " + e.EventID)
	}
	if e.Field != "" {
		b.WriteString(": " + e.Field)
	}
	if e.Reason != "" {
		b.WriteString(" " + e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *InvalidEventError) Unwrap() error {
	return e.Err
}

// Permanent marks the error as non-retryable.
func (e *InvalidEventError) Permanent() bool {
	return true
}
