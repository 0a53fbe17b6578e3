package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindNumber
	KindBool
	KindString
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is a tag reading value: a number, a bool, a string, or an object of
// nested values. The zero Value is invalid.
type Value struct {
	kind ValueKind
	num  float64
	b    bool
	str  string
	obj  map[string]Value
}

func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func StringValue(s string) Value  { return Value{kind: KindString, str: s} }

// ObjectValue copies fields into a new object Value.
func ObjectValue(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsValid() bool   { return v.kind != KindInvalid }
func (v Value) IsScalar() bool  { return v.kind == KindNumber || v.kind == KindBool || v.kind == KindString }

func (v Value) Number() (float64, bool) { return v.num, v.kind == KindNumber }
func (v Value) Bool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) Text() (string, bool)    { return v.str, v.kind == KindString }

// Object returns the nested fields. The map must not be modified.
func (v Value) Object() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Keys returns the object's keys in sorted order, or nil for scalars.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Interface converts the value back into plain Go values: float64, bool,
// string or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindString:
		return v.str
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, child := range v.obj {
			out[k] = child.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindString:
		return v.str
	case KindObject:
		return fmt.Sprint(v.Interface())
	default:
		return "<invalid>"
	}
}

// ValueOf converts a decoded payload value into a Value. Every numeric width
// is accepted; nil, arrays and non-string map keys are rejected.
func ValueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		if !x.IsValid() {
			return Value{}, fmt.Errorf("invalid value")
		}
		return x, nil
	case float64:
		return numberValue(x)
	case float32:
		return numberValue(float64(x))
	case int:
		return NumberValue(float64(x)), nil
	case int8:
		return NumberValue(float64(x)), nil
	case int16:
		return NumberValue(float64(x)), nil
	case int32:
		return NumberValue(float64(x)), nil
	case int64:
		return NumberValue(float64(x)), nil
	case uint:
		return NumberValue(float64(x)), nil
	case uint8:
		return NumberValue(float64(x)), nil
	case uint16:
		return NumberValue(float64(x)), nil
	case uint32:
		return NumberValue(float64(x)), nil
	case uint64:
		return NumberValue(float64(x)), nil
	case bool:
		return BoolValue(x), nil
	case string:
		return StringValue(x), nil
	case map[string]any:
		obj := make(map[string]Value, len(x))
		for k, child := range x {
			cv, err := ValueOf(child)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			obj[k] = cv
		}
		return Value{kind: KindObject, obj: obj}, nil
	case map[any]any:
		obj := make(map[string]Value, len(x))
		for k, child := range x {
			key, ok := k.(string)
			if !ok {
				return Value{}, fmt.Errorf("object key %v is not a string", k)
			}
			cv, err := ValueOf(child)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", key, err)
			}
			obj[key] = cv
		}
		return Value{kind: KindObject, obj: obj}, nil
	case nil:
		return Value{}, fmt.Errorf("value is null")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

func numberValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("value %v is not a finite number", f)
	}
	return NumberValue(f), nil
}
