package protocol

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

func encodeText(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeText(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeText(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case nil, Null:
		buf.WriteString("null")
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(t)))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case Float:
		s, err := formatFloat(float64(t))
		if err != nil {
			return err
		}
		buf.WriteString(s)
	case Text:
		if err := checkText(string(t)); err != nil {
			return err
		}
		writeJSONString(buf, string(t))
	case Sequence:
		return writeTextList(buf, t)
	case Tuple:
		// No tuple literal in JSON.
		return writeTextList(buf, t)
	case Mapping:
		buf.WriteByte('{')
		for i, k := range t.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := checkText(k); err != nil {
				return err
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := writeText(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrType, v)
	}

	return nil
}

func writeTextList(buf *bytes.Buffer, items []Value) error {
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeText(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')

	return nil
}

// formatFloat always keeps a fraction or exponent so the value decodes back
// as a Float rather than an Int.
func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v is not representable", ErrType, f)
	}

	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}

	return s, nil
}

const hexDigits = "0123456789abcdef"

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xf])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

func decodeText(data []byte) (Value, error) {
	// ValidBytes rejects trailing data as well as malformed input.
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid text payload", ErrDecode)
	}

	return fromResult(gjson.ParseBytes(data))
}

func fromResult(r gjson.Result) (Value, error) {
	switch r.Type {
	case gjson.Null:
		return Null{}, nil
	case gjson.False:
		return Bool(false), nil
	case gjson.True:
		return Bool(true), nil
	case gjson.Number:
		return parseNumber(r.Raw)
	case gjson.String:
		return Text(r.Str), nil
	}

	var err error

	switch {
	case r.IsArray():
		seq := Sequence{}
		r.ForEach(func(_, item gjson.Result) bool {
			var v Value
			if v, err = fromResult(item); err != nil {
				return false
			}
			seq = append(seq, v)
			return true
		})
		return seq, err

	case r.IsObject():
		m := Mapping{}
		r.ForEach(func(key, item gjson.Result) bool {
			if key.Type != gjson.String {
				err = fmt.Errorf("%w: %w", ErrDecode, ErrNonTextKey)
				return false
			}
			var v Value
			if v, err = fromResult(item); err != nil {
				return false
			}
			m[key.Str] = v
			return true
		})
		return m, err
	}

	return nil, fmt.Errorf("%w: unexpected token %q", ErrDecode, r.Raw)
}

// parseNumber keeps integers as Int unless they overflow int64.
func parseNumber(raw string) (Value, error) {
	if !strings.ContainsAny(raw, ".eE") {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Int(n), nil
		}
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q", ErrDecode, raw)
	}

	return Float(f), nil
}
