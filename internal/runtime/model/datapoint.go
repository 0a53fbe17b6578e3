package model

import (
	"regexp"
	"time"
)

// DataPoint is one (measurement, tags, fields, timestamp) tuple destined for
// the time-series store. Field values are always scalar.
type DataPoint struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]Value
	Timestamp   time.Time
}

// RuleMatcher selects the tag ids a TransformationRule applies to. The only
// implementations are Exact and Pattern.
type RuleMatcher interface {
	Matches(tagID string) bool
	matcher()
}

// Exact matches one tag id verbatim.
type Exact string

func (e Exact) Matches(tagID string) bool { return string(e) == tagID }
func (Exact) matcher()                    {}

// Pattern matches tag ids against a regular expression.
type Pattern struct {
	Re *regexp.Regexp
}

// MustPattern compiles expr into a Pattern, panicking on a bad expression.
func MustPattern(expr string) Pattern {
	return Pattern{Re: regexp.MustCompile(expr)}
}

func (p Pattern) Matches(tagID string) bool { return p.Re != nil && p.Re.MatchString(tagID) }
func (Pattern) matcher()                    {}

// TransformationRule maps matching tag readings onto a measurement and field.
// Validate rejections drop the reading; Transform runs before emission.
type TransformationRule struct {
	Matcher     RuleMatcher
	Measurement string
	Field       string
	Tags        map[string]string
	Validate    func(Value) bool
	Transform   func(Value) Value
}

// CircuitState is the externally reported breaker state.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED"
	CircuitOpen   CircuitState = "OPEN"
)

// PendingEntry describes a delivered but unacknowledged stream entry.
type PendingEntry struct {
	Stream        string
	EntryID       string
	Consumer      string
	DeliveryCount int64
	Idle          time.Duration
}
