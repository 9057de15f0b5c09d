package payload

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Kind identifies the payload variant.
type Kind int

// Payload variants.
const (
	KindText Kind = iota
	KindHex
	KindBytes
)

// String returns the variant name. Each name is accepted by Parse; a
// "bytes" payload is given as base64 text there.
func (k Kind) String() string {
	switch k {
	case KindHex:
		return "hex"
	case KindBytes:
		return "bytes"
	default:
		return "text"
	}
}

// Payload is a tagged message payload. The zero value is an empty text payload.
type Payload struct {
	kind Kind
	text string
	raw  []byte
}

// Bytes wraps raw bytes. Encode returns them unchanged.
func Bytes(b []byte) Payload {
	return Payload{kind: KindBytes, raw: b}
}

// Hex wraps a string of hexadecimal digit pairs.
func Hex(s string) Payload {
	return Payload{kind: KindHex, text: s}
}

// Text wraps a string to be sent as UTF-8.
func Text(s string) Payload {
	return Payload{kind: KindText, text: s}
}

// Infer classifies s by content: hex when IsHex(s), text otherwise.
func Infer(s string) Payload {
	if IsHex(s) {
		return Hex(s)
	}
	return Text(s)
}

// Kind returns the payload variant.
func (p Payload) Kind() Kind {
	return p.kind
}

// IsHex reports whether s is non-empty and made only of [0-9a-fA-F].
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// Encode returns the wire bytes for p.
//
// Hex payloads are decoded pair by pair from the left. When the digit count
// is odd the trailing digit is dropped.
func Encode(p Payload) ([]byte, error) {
	switch p.kind {
	case KindBytes:
		return p.raw, nil
	case KindHex:
		s := p.text
		if len(s)%2 == 1 {
			s = s[:len(s)-1]
		}
		out := make([]byte, hex.DecodedLen(len(s)))
		if _, err := hex.Decode(out, []byte(s)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidHex, err)
		}
		return out, nil
	default:
		return []byte(p.text), nil
	}
}

// Parse builds a Payload from a string and an encoding name.
//
// Supported encodings: "text", "hex", "base64" (alias "bytes") and "auto"
// (Infer). An empty encoding is treated as "text".
func Parse(s, encoding string) (Payload, error) {
	switch strings.ToLower(encoding) {
	case "", "text":
		return Text(s), nil
	case "hex":
		return Hex(s), nil
	case "auto":
		return Infer(s), nil
	case "base64", "bytes":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
		}
		return Bytes(b), nil
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
	}
}
