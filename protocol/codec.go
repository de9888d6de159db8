package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

var (
	ErrDecode          = errors.New("malformed payload")
	ErrExtraData       = errors.New("extra data")
	ErrType            = errors.New("unsupported value type")
	ErrNonTextKey      = errors.New("mapping key is not text")
	ErrUnknownCodec    = errors.New("unknown codec kind")
	ErrUnknownEncoding = errors.New("unknown content encoding")
	ErrTooDeep         = errors.New("nesting too deep")
)

// MaxDepth is the deepest container nesting either codec accepts.
const MaxDepth = 512

// CodecKind selects the grammar used to serialise a Value.
type CodecKind string

const (
	// CodecText is standard JSON.
	CodecText CodecKind = "text"

	// CodecLegacy is JSON plus a `( v , v )` tuple literal.
	CodecLegacy CodecKind = "legacy"
)

// DefaultEncoding is the content encoding used for every header and, unless
// configured otherwise, for payloads.
const DefaultEncoding = "utf-8"

func ParseCodecKind(s string) (CodecKind, error) {
	switch k := CodecKind(strings.ToLower(strings.TrimSpace(s))); k {
	case CodecText, CodecLegacy:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

func (k CodecKind) String() string {
	return string(k)
}

// Encode serialises v with the given codec and text encoding.
func Encode(v Value, kind CodecKind, textEncoding string) ([]byte, error) {
	var (
		raw []byte
		err error
	)

	switch kind {
	case CodecText:
		raw, err = encodeText(v)
	case CodecLegacy:
		raw, err = encodeLegacy(v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, kind)
	}

	if err != nil {
		return nil, err
	}

	return transcodeOut(raw, textEncoding)
}

// Decode parses exactly one Value from data. Any trailing non-whitespace
// content is an error.
func Decode(data []byte, kind CodecKind, textEncoding string) (Value, error) {
	raw, err := transcodeIn(data, textEncoding)
	if err != nil {
		return nil, err
	}

	if err := checkDepth(raw); err != nil {
		return nil, err
	}

	switch kind {
	case CodecText:
		return decodeText(raw)
	case CodecLegacy:
		return decodeLegacy(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, kind)
	}
}

func isUTF8(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return true
	default:
		return false
	}
}

// CheckEncoding fails with ErrUnknownEncoding for a name that cannot be used
// as a content-encoding.
func CheckEncoding(name string) error {
	if isUTF8(name) {
		return nil
	}

	_, err := lookupEncoding(name)
	return err
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}

	return enc, nil
}

// transcodeOut converts UTF-8 codec output into the requested encoding.
func transcodeOut(raw []byte, name string) ([]byte, error) {
	if isUTF8(name) {
		return raw, nil
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}

	out, err := enc.NewEncoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot represent payload as %s: %v", ErrType, name, err)
	}

	return out, nil
}

// transcodeIn converts payload bytes in the named encoding into UTF-8.
func transcodeIn(data []byte, name string) ([]byte, error) {
	if isUTF8(name) {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: invalid utf-8", ErrDecode)
		}
		return data, nil
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return out, nil
}

// checkDepth rejects payloads whose containers nest deeper than MaxDepth.
// It only tracks brackets outside of string literals, the grammar itself is
// left to the codec.
func checkDepth(data []byte) error {
	var (
		depth    int
		inString bool
	)

	for i := 0; i < len(data); i++ {
		c := data[i]

		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '[', '{', '(':
			depth++
			if depth > MaxDepth {
				return fmt.Errorf("%w: %w at offset %d", ErrDecode, ErrTooDeep, i)
			}
		case ']', '}', ')':
			if depth > 0 {
				depth--
			}
		}
	}

	return nil
}

// checkText fails with ErrType when s cannot be written as text.
func checkText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: text is not valid utf-8", ErrType)
	}

	return nil
}
