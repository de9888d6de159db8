package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// The legacy grammar:
//
//	value   = "null" | "true" | "false" | number | string | array | tuple | object
//	array   = "[" [ value { "," value } ] "]"
//	tuple   = "(" [ value { "," value } ] ")"
//	object  = "{" [ string ":" value { "," string ":" value } ] "}"
//	string  = '"' { char | "\\" ( "\\" | '"' | "n" | "t" | "/" ) } '"'
//	number  = [ "-" ] int [ "." digits ] [ ( "e" | "E" ) [ "+" | "-" ] digits ]
//
// Whitespace may appear between any two tokens.

func encodeLegacy(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeLegacy(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func writeLegacy(buf *bytes.Buffer, v Value) error {
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
		writeLegacyString(buf, string(t))
	case Sequence:
		return writeLegacyList(buf, '[', ']', t)
	case Tuple:
		return writeLegacyList(buf, '(', ')', t)
	case Mapping:
		buf.WriteByte('{')
		for i, k := range t.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := checkText(k); err != nil {
				return err
			}
			writeLegacyString(buf, k)
			buf.WriteByte(':')
			if err := writeLegacy(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: %T", ErrType, v)
	}

	return nil
}

func writeLegacyList(buf *bytes.Buffer, open, close byte, items []Value) error {
	buf.WriteByte(open)
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeLegacy(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(close)

	return nil
}

func writeLegacyString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			buf.WriteString(`\\`)
		case '"':
			buf.WriteString(`\"`)
		case '\n':
			buf.WriteString(`\n`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
}

type legacyParser struct {
	data  []byte
	pos   int
	depth int
}

func decodeLegacy(data []byte) (Value, error) {
	p := &legacyParser{data: data}

	v, err := p.value()
	if err != nil {
		return nil, err
	}

	// Stop at the first complete value, anything other than whitespace after
	// it is rejected.
	p.skipSpace()
	if p.pos < len(p.data) {
		return nil, fmt.Errorf("%w: %w at offset %d", ErrDecode, ErrExtraData, p.pos)
	}

	return v, nil
}

func (p *legacyParser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s at offset %d", ErrDecode, fmt.Sprintf(format, args...), p.pos)
}

func (p *legacyParser) skipSpace() {
	for p.pos < len(p.data) {
		switch p.data[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *legacyParser) peek() (byte, bool) {
	p.skipSpace()
	if p.pos >= len(p.data) {
		return 0, false
	}

	return p.data[p.pos], true
}

func (p *legacyParser) value() (Value, error) {
	c, ok := p.peek()
	if !ok {
		return nil, p.errorf("unexpected end of input")
	}

	switch {
	case c == '{':
		return p.object()
	case c == '[':
		items, err := p.list('[', ']')
		if err != nil {
			return nil, err
		}
		return Sequence(items), nil
	case c == '(':
		items, err := p.list('(', ')')
		if err != nil {
			return nil, err
		}
		return Tuple(items), nil
	case c == '"':
		s, err := p.str()
		if err != nil {
			return nil, err
		}
		return Text(s), nil
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	case p.literal("null"):
		return Null{}, nil
	case p.literal("true"):
		return Bool(true), nil
	case p.literal("false"):
		return Bool(false), nil
	default:
		return nil, p.errorf("unexpected character %q", c)
	}
}

func (p *legacyParser) literal(word string) bool {
	if bytes.HasPrefix(p.data[p.pos:], []byte(word)) {
		p.pos += len(word)
		return true
	}

	return false
}

func (p *legacyParser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("%w: %w at offset %d", ErrDecode, ErrTooDeep, p.pos)
	}

	return nil
}

func (p *legacyParser) list(open, close byte) ([]Value, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	// consume the opening bracket
	p.pos++

	items := []Value{}

	if c, ok := p.peek(); ok && c == close {
		p.pos++
		return items, nil
	}

	for {
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)

		c, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated %q", open)
		}

		p.pos++
		switch c {
		case ',':
			continue
		case close:
			return items, nil
		default:
			p.pos--
			return nil, p.errorf("expected ',' or %q, got %q", close, c)
		}
	}
}

func (p *legacyParser) object() (Value, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer func() { p.depth-- }()

	p.pos++

	m := Mapping{}

	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return m, nil
	}

	for {
		c, ok := p.peek()
		if !ok {
			return nil, p.errorf("unterminated object")
		}
		if c != '"' {
			return nil, fmt.Errorf("%w: %w at offset %d", ErrDecode, ErrNonTextKey, p.pos)
		}

		key, err := p.str()
		if err != nil {
			return nil, err
		}

		if c, ok = p.peek(); !ok || c != ':' {
			return nil, p.errorf("expected ':' after key %q", key)
		}
		p.pos++

		v, err := p.value()
		if err != nil {
			return nil, err
		}
		m[key] = v

		c, ok = p.peek()
		if !ok {
			return nil, p.errorf("unterminated object")
		}

		p.pos++
		switch c {
		case ',':
			continue
		case '}':
			return m, nil
		default:
			p.pos--
			return nil, p.errorf("expected ',' or '}', got %q", c)
		}
	}
}

func (p *legacyParser) str() (string, error) {
	// opening quote
	p.pos++

	var out []byte
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		p.pos++

		switch c {
		case '"':
			if !utf8.Valid(out) {
				return "", p.errorf("invalid utf-8 in string")
			}
			return string(out), nil

		case '\\':
			if p.pos >= len(p.data) {
				return "", p.errorf("unterminated escape")
			}
			e := p.data[p.pos]
			p.pos++

			switch e {
			case '\\', '"', '/':
				out = append(out, e)
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			default:
				p.pos -= 2
				return "", p.errorf("invalid escape %q", e)
			}

		default:
			out = append(out, c)
		}
	}

	return "", p.errorf("unterminated string")
}

func (p *legacyParser) number() (Value, error) {
	start := p.pos
	isFloat := false

	if p.data[p.pos] == '-' {
		p.pos++
	}

	switch {
	case p.pos < len(p.data) && p.data[p.pos] == '0':
		p.pos++
	case p.digits() == 0:
		return nil, p.errorf("invalid number")
	}

	if p.pos < len(p.data) && p.data[p.pos] == '.' {
		p.pos++
		isFloat = true
		if p.digits() == 0 {
			return nil, p.errorf("expected digits after '.'")
		}
	}

	if p.pos < len(p.data) && (p.data[p.pos] == 'e' || p.data[p.pos] == 'E') {
		p.pos++
		isFloat = true
		if p.pos < len(p.data) && (p.data[p.pos] == '+' || p.data[p.pos] == '-') {
			p.pos++
		}
		if p.digits() == 0 {
			return nil, p.errorf("expected exponent digits")
		}
	}

	raw := string(p.data[start:p.pos])

	if !isFloat {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Int(n), nil
		}
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, p.errorf("bad number %q", raw)
	}

	return Float(f), nil
}

func (p *legacyParser) digits() int {
	n := 0
	for p.pos < len(p.data) && p.data[p.pos] >= '0' && p.data[p.pos] <= '9' {
		p.pos++
		n++
	}

	return n
}
