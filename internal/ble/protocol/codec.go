// Package protocol implements the line-oriented text protocol spoken by the
// sous-vide cooker over its single read/write/notify characteristic.
package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Terminator ends every command and reply line.
const Terminator = "\r"

// ErrDecode is returned when a notification payload cannot be turned back
// into a reply string. Callers drop the notification.
var ErrDecode = errors.New("protocol: decode")

// Encoding selects the binary-safe text transform applied on the wire.
type Encoding string

const (
	// EncodingRaw writes the command bytes unchanged. Native radio stacks
	// hand raw bytes to the characteristic.
	EncodingRaw Encoding = "raw"
	// EncodingBase64 wraps the bytes in standard base64, as bridges that
	// move characteristic values around as strings expect.
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding maps a config value to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case EncodingRaw, "":
		return EncodingRaw, nil
	case EncodingBase64:
		return EncodingBase64, nil
	default:
		return "", fmt.Errorf("protocol: unknown encoding %q", s)
	}
}

// Codec frames command strings for the wire and unframes notifications.
// The zero value uses EncodingRaw.
type Codec struct {
	Encoding Encoding
}

// NewCodec returns a codec for the given encoding.
func NewCodec(enc Encoding) Codec {
	return Codec{Encoding: enc}
}

// Encode appends the terminator and applies the text encoding.
func (c Codec) Encode(command string) []byte {
	line := command + Terminator
	if c.Encoding == EncodingBase64 {
		out := make([]byte, base64.StdEncoding.EncodedLen(len(line)))
		base64.StdEncoding.Encode(out, []byte(line))
		return out
	}
	return []byte(line)
}

// Decode reverses Encode and strips a single trailing terminator.
// It never panics; malformed or empty payloads return ErrDecode.
func (c Codec) Decode(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrDecode)
	}

	raw := data
	if c.Encoding == EncodingBase64 {
		buf := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(buf, data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		raw = buf[:n]
	}

	s := strings.TrimSuffix(string(raw), Terminator)
	if s == "" {
		return "", fmt.Errorf("%w: blank reply", ErrDecode)
	}
	return s, nil
}
