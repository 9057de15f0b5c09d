// Package payload converts caller-supplied message payloads into the bytes
// handed to the transport.
//
// A payload is one of three variants:
//   - Bytes: raw bytes, passed through unchanged
//   - Hex: a string of hexadecimal digit pairs, decoded to bytes
//   - Text: a string sent as its UTF-8 encoding
//
// Callers that cannot say which variant they hold can use Infer, which
// classifies a string as hex when it is non-empty and made only of hex
// digits. Note that decimal-looking text such as "123" is classified as
// hex by Infer; use Text to send it literally.
//
// # Usage
//
//	b, err := payload.Encode(payload.Hex("68656c6c6f")) // "hello"
//	b, err := payload.Encode(payload.Infer(arg))
package payload
