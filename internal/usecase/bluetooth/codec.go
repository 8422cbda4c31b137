package bluetooth

import (
	"encoding/base64"
	"encoding/hex"
	"unicode/utf8"

	"ble-bridge/internal/domain"
)

// Characteristic payloads cross the RPC boundary as base64 text in both
// directions. The codec is symmetric: DecodeValue(EncodeValue(b)) == b for
// every byte sequence, including the empty one.

// EncodeValue encodes raw characteristic bytes for the wire.
func EncodeValue(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeValue decodes a wire value back to raw bytes.
func DecodeValue(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, domain.NewDomainError("DecodeValue", domain.ErrInvalidEncoding, "not valid base64")
	}
	return b, nil
}

// EncodeText encodes a text-mode write: UTF-8 bytes, then base64.
func EncodeText(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", domain.NewDomainError("EncodeText", domain.ErrInvalidEncoding, "not valid UTF-8")
	}
	return EncodeValue([]byte(s)), nil
}

// EncodeHex encodes a hex-mode write. The hex string must have even length
// and contain only hex digits.
func EncodeHex(s string) (string, error) {
	if len(s)%2 != 0 {
		return "", domain.NewDomainError("EncodeHex", domain.ErrInvalidEncoding, "odd-length hex string")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", domain.NewDomainError("EncodeHex", domain.ErrInvalidEncoding, "non-hex digit")
	}
	return EncodeValue(b), nil
}
