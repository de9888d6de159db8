package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrProtocol        = errors.New("protocol violation")
	ErrMissingHeader   = errors.New("missing required header field")
	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrHeaderTooLarge  = errors.New("header exceeds 65535 bytes")
	ErrContentTooLarge = errors.New("content-length exceeds limit")
)

const (
	// HeaderLengthSize is the size of the big-endian outer length prefix.
	HeaderLengthSize = 2

	// LegacyVersion is the only version the legacy codec speaks.
	LegacyVersion = 1

	TextContentType = "text/json"

	// DefaultMaxContentLength bounds the payload a peer may announce.
	DefaultMaxContentLength = 16 * 1024 * 1024
)

const (
	hdrByteOrder       = "byteorder"
	hdrContentLength   = "content-length"
	hdrContentEncoding = "content-encoding"
	hdrContentType     = "content-type"
	hdrVersion         = "version"
)

// Header describes the payload that follows it in a frame.
type Header struct {
	ByteOrder       string
	ContentLength   int
	ContentEncoding string

	// ContentType is only carried by the text codec.
	ContentType string

	// Version is only carried by the legacy codec and must be LegacyVersion.
	Version int
}

func (h *Header) value(kind CodecKind) Mapping {
	m := Mapping{
		hdrByteOrder:       Text(h.ByteOrder),
		hdrContentLength:   Int(h.ContentLength),
		hdrContentEncoding: Text(h.ContentEncoding),
	}

	switch kind {
	case CodecText:
		m[hdrContentType] = Text(h.ContentType)
	case CodecLegacy:
		m[hdrVersion] = Int(h.Version)
	}

	return m
}

// HostByteOrder reports the native byte order as "little" or "big".
func HostByteOrder() string {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return "little"
	}

	return "big"
}

// BuildFrame encodes v and wraps it with its header:
//
//	[2-byte big-endian header length][header bytes][payload bytes]
//
// The header is always encoded as utf-8 with the same codec as the payload.
func BuildFrame(v Value, kind CodecKind, textEncoding string) ([]byte, error) {
	if textEncoding == "" {
		textEncoding = DefaultEncoding
	}

	payload, err := Encode(v, kind, textEncoding)
	if err != nil {
		return nil, err
	}

	h := &Header{
		ByteOrder:       HostByteOrder(),
		ContentLength:   len(payload),
		ContentEncoding: textEncoding,
		ContentType:     TextContentType,
		Version:         LegacyVersion,
	}

	header, err := Encode(h.value(kind), kind, DefaultEncoding)
	if err != nil {
		return nil, err
	}

	if len(header) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d", ErrHeaderTooLarge, len(header))
	}

	frame := make([]byte, HeaderLengthSize, HeaderLengthSize+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	return frame, nil
}

// ParseHeaderLength reads the 2-byte length prefix. ok is false when fewer
// than two bytes are buffered.
func ParseHeaderLength(buf []byte) (n uint16, rest []byte, ok bool, err error) {
	if len(buf) < HeaderLengthSize {
		return 0, buf, false, nil
	}

	n = binary.BigEndian.Uint16(buf)
	if n == 0 {
		return 0, buf, false, fmt.Errorf("%w: zero header length", ErrProtocol)
	}

	return n, buf[HeaderLengthSize:], true, nil
}

// ParseHeader decodes a header of headerLength bytes from the front of buf.
// ok is false when the header is not fully buffered yet.
func ParseHeader(buf []byte, headerLength uint16, kind CodecKind) (h *Header, rest []byte, ok bool, err error) {
	if len(buf) < int(headerLength) {
		return nil, buf, false, nil
	}

	v, err := Decode(buf[:headerLength], kind, DefaultEncoding)
	if err != nil {
		return nil, buf, false, fmt.Errorf("%w: header: %w", ErrProtocol, err)
	}

	m, isMapping := v.(Mapping)
	if !isMapping {
		return nil, buf, false, fmt.Errorf("%w: header is a %T, not a mapping", ErrProtocol, v)
	}

	h = &Header{}

	length, hasLength := m.Int(hdrContentLength)
	if !hasLength {
		return nil, buf, false, fmt.Errorf("%w: %w %q", ErrProtocol, ErrMissingHeader, hdrContentLength)
	}
	if length < 0 || length > math.MaxInt32 {
		return nil, buf, false, fmt.Errorf("%w: bad content-length %d", ErrProtocol, length)
	}
	h.ContentLength = int(length)

	if h.ContentEncoding, ok = m.Text(hdrContentEncoding); !ok {
		return nil, buf, false, fmt.Errorf("%w: %w %q", ErrProtocol, ErrMissingHeader, hdrContentEncoding)
	}

	h.ByteOrder, _ = m.Text(hdrByteOrder)
	h.ContentType, _ = m.Text(hdrContentType)

	if kind == CodecLegacy {
		version, hasVersion := m.Int(hdrVersion)
		if !hasVersion {
			return nil, buf, false, fmt.Errorf("%w: %w %q", ErrProtocol, ErrMissingHeader, hdrVersion)
		}
		if version != LegacyVersion {
			return nil, buf, false, fmt.Errorf("%w: %w %d", ErrProtocol, ErrBadVersion, version)
		}
		h.Version = int(version)
	}

	return h, buf[headerLength:], true, nil
}

// ParseBody decodes the payload described by h. ok is false, with no error,
// while fewer than ContentLength bytes are buffered.
func ParseBody(buf []byte, h *Header, kind CodecKind) (v Value, rest []byte, ok bool, err error) {
	if len(buf) < h.ContentLength {
		return nil, buf, false, nil
	}

	v, err = Decode(buf[:h.ContentLength], kind, h.ContentEncoding)
	if err != nil {
		return nil, buf, false, err
	}

	return v, buf[h.ContentLength:], true, nil
}
