package protocol

import (
	"bytes"
	"fmt"
)

// MaxLineLength is the length of the longest legal text line, without CRLF
const MaxLineLength = len("ERR FROM ") + MaxDisplayNameLength + len(" IS ") + MaxContentLength

var lineTerminator = []byte("\r\n")

// Transport selects the wire encoding
type Transport uint8

const (
	TransportTCP Transport = iota // CRLF-delimited text
	TransportUDP                  // binary datagrams with message IDs
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// Encode renders a message for the given transport. id is only used by UDP.
func Encode(m Message, t Transport, id uint16) ([]byte, error) {
	switch t {
	case TransportTCP:
		return EncodeTCP(m)
	case TransportUDP:
		return EncodeUDP(m, id)
	default:
		return nil, fmt.Errorf("%s: %w", t, ErrNotEncodable)
	}
}

// Decode parses one TCP line or one UDP datagram. It never fails; bad input
// yields UnknownMessage. Callers that need the UDP message ID use DecodeUDP.
func Decode(t Transport, data []byte) Message {
	switch t {
	case TransportTCP:
		return DecodeTCP(data)
	case TransportUDP:
		return DecodeUDP(data).Message
	default:
		return UnknownMessage{Reason: "unsupported transport"}
	}
}

// LineSplitter reassembles CRLF-delimited lines from a byte stream.
// A partial line is kept until the rest of it arrives. A line that grows past
// MaxLineLength is cut short and returned once (it will not decode), and the
// remainder up to the next CRLF is dropped.
type LineSplitter struct {
	buf        []byte
	discarding bool
}

// Feed appends a chunk read from the stream and returns every complete line,
// without its terminator.
func (s *LineSplitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var lines [][]byte
	for {
		idx := bytes.Index(s.buf, lineTerminator)
		if idx < 0 {
			break
		}
		if s.discarding {
			s.discarding = false
		} else {
			line := make([]byte, idx)
			copy(line, s.buf[:idx])
			lines = append(lines, line)
		}
		s.buf = s.buf[idx+len(lineTerminator):]
	}

	// Keep a lone trailing CR: its LF may be in the next chunk
	limit := MaxLineLength
	if n := len(s.buf); n > 0 && s.buf[n-1] == '\r' {
		limit++
	}

	if len(s.buf) > limit {
		if !s.discarding {
			line := make([]byte, MaxLineLength+1)
			copy(line, s.buf)
			lines = append(lines, line)
			s.discarding = true
		}
		s.buf = s.buf[len(s.buf)-trailingCR(s.buf):]
	}

	// Compact so the backing array does not grow without bound
	if cap(s.buf) > 4*MaxLineLength && len(s.buf) < MaxLineLength {
		s.buf = append([]byte(nil), s.buf...)
	}
	return lines
}

// Pending returns the number of buffered bytes waiting for a terminator
func (s *LineSplitter) Pending() int {
	return len(s.buf)
}

func trailingCR(b []byte) int {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return 1
	}
	return 0
}
