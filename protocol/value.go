package protocol

import (
	"fmt"
	"sort"
)

// Value is the structural data model exchanged over the wire.
//
// The concrete variants are Null, Bool, Int, Float, Text, Sequence, Tuple and
// Mapping. Int and Float together make up the Number variant. Tuple and
// Sequence are distinct under the legacy codec but the text codec has no tuple
// literal, so a Tuple encoded with the text codec decodes as a Sequence.
type Value interface {
	isValue()
}

type Null struct{}

type Bool bool

type Int int64

type Float float64

type Text string

// Sequence is a variable length ordered list of values.
type Sequence []Value

// Tuple is a fixed arity ordered list of values.
type Tuple []Value

// Mapping keys are always text, their order is irrelevant.
type Mapping map[string]Value

func (Null) isValue()     {}
func (Bool) isValue()     {}
func (Int) isValue()      {}
func (Float) isValue()    {}
func (Text) isValue()     {}
func (Sequence) isValue() {}
func (Tuple) isValue()    {}
func (Mapping) isValue()  {}

// SortedKeys returns the mapping keys in lexical order. Encoders use it so the
// same mapping always produces the same bytes.
func (m Mapping) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}

func (m Mapping) Text(key string) (string, bool) {
	t, ok := m[key].(Text)
	return string(t), ok
}

func (m Mapping) Int(key string) (int64, bool) {
	switch n := m[key].(type) {
	case Int:
		return int64(n), true
	case Float:
		// Integral floats are accepted so peers that only know one number
		// type still interoperate.
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	}

	return 0, false
}

func (m Mapping) Bool(key string) (bool, bool) {
	b, ok := m[key].(Bool)
	return bool(b), ok
}

// Items returns the elements of a Sequence or a Tuple stored under key.
func (m Mapping) Items(key string) ([]Value, bool) {
	return Items(m[key])
}

// Items returns the elements of a Sequence or a Tuple.
func Items(v Value) ([]Value, bool) {
	switch s := v.(type) {
	case Sequence:
		return s, true
	case Tuple:
		return s, true
	default:
		return nil, false
	}
}

// ValueOf converts plain Go values into a Value.
//
// It fails with ErrType for unsupported types and with ErrNonTextKey when a
// map has keys that are not strings.
func ValueOf(in interface{}) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint16:
		return Int(v), nil
	case uint32:
		return Int(v), nil
	case float32:
		return Float(v), nil
	case float64:
		return Float(v), nil
	case string:
		return Text(v), nil
	case []string:
		seq := make(Sequence, 0, len(v))
		for _, s := range v {
			seq = append(seq, Text(s))
		}
		return seq, nil
	case []interface{}:
		seq := make(Sequence, 0, len(v))
		for _, item := range v {
			iv, err := ValueOf(item)
			if err != nil {
				return nil, err
			}
			seq = append(seq, iv)
		}
		return seq, nil
	case map[string]interface{}:
		m := make(Mapping, len(v))
		for k, item := range v {
			iv, err := ValueOf(item)
			if err != nil {
				return nil, err
			}
			m[k] = iv
		}
		return m, nil
	case map[interface{}]interface{}:
		m := make(Mapping, len(v))
		for k, item := range v {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %w (%T)", ErrType, ErrNonTextKey, k)
			}
			iv, err := ValueOf(item)
			if err != nil {
				return nil, err
			}
			m[key] = iv
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrType, in)
	}
}
