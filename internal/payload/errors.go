package payload

import "errors"

var (
	// ErrInvalidHex is returned when a Hex payload contains a non-hex character.
	ErrInvalidHex = errors.New("payload: invalid hex digit")

	// ErrInvalidBase64 is returned when a Base64 payload cannot be decoded.
	ErrInvalidBase64 = errors.New("payload: invalid base64")

	// ErrUnknownEncoding is returned by Parse for an unrecognised encoding name.
	ErrUnknownEncoding = errors.New("payload: unknown encoding")
)
