package transform

import (
	"fmt"
	"regexp"

	"github.com/drblury/streamsink/internal/runtime/model"
)

// RuleConfig is the declarative form of a TransformationRule as it appears
// in configuration files. Exactly one of Exact or Pattern must be set.
// Min/Max become a range check and Scale/Offset a linear calibration
// (v*Scale + Offset), both applied to numeric values only.
type RuleConfig struct {
	Exact       string            `mapstructure:"exact" json:"exact,omitempty"`
	Pattern     string            `mapstructure:"pattern" json:"pattern,omitempty"`
	Measurement string            `mapstructure:"measurement" json:"measurement,omitempty"`
	Field       string            `mapstructure:"field" json:"field,omitempty"`
	Tags        map[string]string `mapstructure:"tags" json:"tags,omitempty"`
	Min         *float64          `mapstructure:"min" json:"min,omitempty"`
	Max         *float64          `mapstructure:"max" json:"max,omitempty"`
	Scale       *float64          `mapstructure:"scale" json:"scale,omitempty"`
	Offset      float64           `mapstructure:"offset" json:"offset,omitempty"`
}

// Compile turns the configuration into a rule.
func (c RuleConfig) Compile() (model.TransformationRule, error) {
	rule := model.TransformationRule{
		Measurement: c.Measurement,
		Field:       c.Field,
		Tags:        c.Tags,
	}

	switch {
	case c.Exact != "" && c.Pattern != "":
		return rule, fmt.Errorf("rule %q: exact and pattern are mutually exclusive", c.Exact)
	case c.Exact != "":
		rule.Matcher = model.Exact(c.Exact)
	case c.Pattern != "":
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return rule, fmt.Errorf("rule pattern %q: %w", c.Pattern, err)
		}
		rule.Matcher = model.Pattern{Re: re}
	default:
		return rule, fmt.Errorf("rule for measurement %q needs exact or pattern", c.Measurement)
	}

	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return rule, fmt.Errorf("rule %s: min %v exceeds max %v", c.name(), *c.Min, *c.Max)
	}
	if c.Min != nil || c.Max != nil {
		lo, hi := c.Min, c.Max
		rule.Validate = func(v model.Value) bool {
			n, ok := v.Number()
			if !ok {
				return true
			}
			return (lo == nil || n >= *lo) && (hi == nil || n <= *hi)
		}
	}
	if c.Scale != nil || c.Offset != 0 {
		scale := 1.0
		if c.Scale != nil {
			scale = *c.Scale
		}
		offset := c.Offset
		rule.Transform = func(v model.Value) model.Value {
			n, ok := v.Number()
			if !ok {
				return v
			}
			return model.NumberValue(n*scale + offset)
		}
	}
	return rule, nil
}

func (c RuleConfig) name() string {
	if c.Exact != "" {
		return c.Exact
	}
	return c.Pattern
}

// CompileRules compiles every config, preserving declaration order.
func CompileRules(configs []RuleConfig) ([]model.TransformationRule, error) {
	rules := make([]model.TransformationRule, 0, len(configs))
	for i, c := range configs {
		rule, err := c.Compile()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
