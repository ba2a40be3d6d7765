package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrMissingTerminator = errors.New("string is missing its NUL terminator")
	ErrStringTooLong     = errors.New("string exceeds maximum length")
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a 16-bit unsigned integer in big-endian
func WriteUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint16 reads a 16-bit unsigned integer in big-endian
func ReadUint16(r io.Reader) (uint16, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteBool writes a boolean as a single byte (0x00 or 0x01)
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 0x01)
	}
	return WriteUint8(w, 0x00)
}

// WriteCString writes an ASCII string followed by a NUL terminator
func WriteCString(w io.Writer, s string) error {
	buf := make([]byte, 0, len(s)+1)
	buf = append(buf, s...)
	buf = append(buf, 0x00)
	_, err := w.Write(buf)
	return err
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
// The reader is left positioned after the terminator.
func ReadCString(r *bytes.Reader, maxLen int) (string, error) {
	buf := make([]byte, 0, 32)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", ErrMissingTerminator
		}
		if b == 0x00 {
			return string(buf), nil
		}
		if len(buf) == maxLen {
			return "", fmt.Errorf("%w (%d bytes)", ErrStringTooLong, maxLen)
		}
		buf = append(buf, b)
	}
}

// checkField validates a protocol field against its length bound and character class
func checkField(name, value string, maxLen int, allowed func(byte) bool) error {
	if value == "" {
		return fmt.Errorf("%s: %w", name, ErrFieldEmpty)
	}
	if len(value) > maxLen {
		return fmt.Errorf("%s: %w (%d > %d)", name, ErrFieldTooLong, len(value), maxLen)
	}
	for i := 0; i < len(value); i++ {
		if !allowed(value[i]) {
			return fmt.Errorf("%s: %w (byte 0x%02X at %d)", name, ErrInvalidField, value[i], i)
		}
	}
	return nil
}

// isTokenChar reports whether b may appear in a username, channel ID, secret
// or display name: printable ASCII other than space, which separates text tokens
func isTokenChar(b byte) bool {
	return b >= 0x21 && b <= 0x7E
}

// isContentChar reports whether b may appear in message content: any ASCII
// byte except NUL, which ends a UDP string, and CR or LF, which end a TCP line
func isContentChar(b byte) bool {
	return b != 0x00 && b != '\r' && b != '\n' && b < 0x80
}
