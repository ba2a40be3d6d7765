package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

const (
	idAlphabet      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_.-"
	displayAlphabet = "!\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"
)

func drawFrom(t *rapid.T, label, alphabet string, maxLen int) string {
	n := rapid.IntRange(1, maxLen).Draw(t, label+"Len")
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rapid.IntRange(0, len(alphabet)-1).Draw(t, label)]
	}
	return string(b)
}

func drawContent(t *rapid.T, label string) string {
	n := rapid.IntRange(1, MaxContentLength).Draw(t, label+"Len")
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rapid.IntRange(0x20, 0x7E).Draw(t, label))
	}
	return string(b)
}

// drawMessage generates any valid message except CONFIRM
func drawMessage(t *rapid.T) Message {
	switch rapid.IntRange(0, 5).Draw(t, "kind") {
	case 0:
		return AuthMessage{
			Username:    drawFrom(t, "username", idAlphabet, MaxUsernameLength),
			DisplayName: drawFrom(t, "displayName", displayAlphabet, MaxDisplayNameLength),
			Secret:      drawFrom(t, "secret", idAlphabet, MaxSecretLength),
		}
	case 1:
		return JoinMessage{
			ChannelID:   drawFrom(t, "channel", idAlphabet, MaxChannelIDLength),
			DisplayName: drawFrom(t, "displayName", displayAlphabet, MaxDisplayNameLength),
		}
	case 2:
		return MsgMessage{
			DisplayName: drawFrom(t, "displayName", displayAlphabet, MaxDisplayNameLength),
			Content:     drawContent(t, "content"),
		}
	case 3:
		return ErrMessage{
			DisplayName: drawFrom(t, "displayName", displayAlphabet, MaxDisplayNameLength),
			Content:     drawContent(t, "content"),
		}
	case 4:
		return ByeMessage{}
	default:
		return ReplyMessage{
			Success: rapid.Bool().Draw(t, "success"),
			Content: drawContent(t, "content"),
			RefID:   rapid.Uint16().Draw(t, "refID"),
		}
	}
}

// TestTCPRoundTrip checks that every valid message survives the text encoding.
// The text form of REPLY has no reference ID.
func TestTCPRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := drawMessage(t)

		data, err := EncodeTCP(original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if !bytes.HasSuffix(data, []byte("\r\n")) {
			t.Fatalf("missing terminator: %q", data)
		}

		want := original
		if reply, ok := original.(ReplyMessage); ok {
			reply.RefID = 0
			want = reply
		}

		decoded := DecodeTCP(data)
		if decoded != want {
			t.Fatalf("round trip mismatch: got %#v, want %#v", decoded, want)
		}
	})
}

func TestUDPRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := drawMessage(t)
		id := rapid.Uint16().Draw(t, "id")

		data, err := EncodeUDP(original, id)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		pkt := DecodeUDP(data)
		if !pkt.HasID || pkt.ID != id {
			t.Fatalf("id mismatch: got %d (has=%v), want %d", pkt.ID, pkt.HasID, id)
		}
		if pkt.Message != original {
			t.Fatalf("round trip mismatch: got %#v, want %#v", pkt.Message, original)
		}
	})
}

func TestConfirmRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		refID := rapid.Uint16().Draw(t, "refID")

		data, err := EncodeUDP(ConfirmMessage{RefID: refID}, 0)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(data) != HeaderSize {
			t.Fatalf("confirm must be %d bytes, got %d", HeaderSize, len(data))
		}
		if got := DecodeUDP(data).Message; got != (ConfirmMessage{RefID: refID}) {
			t.Fatalf("got %#v", got)
		}
	})
}

// TestLineSplitterChunking checks that chunk boundaries never change the lines produced
func TestLineSplitterChunking(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 5).Draw(t, "count")
		var stream []byte
		var want []string
		for i := 0; i < count; i++ {
			data, err := EncodeTCP(drawMessage(t))
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			stream = append(stream, data...)
			want = append(want, string(data[:len(data)-2]))
		}

		var s LineSplitter
		var got []string
		for len(stream) > 0 {
			n := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			for _, line := range s.Feed(stream[:n]) {
				got = append(got, string(line))
			}
			stream = stream[n:]
		}

		if len(got) != len(want) {
			t.Fatalf("got %d lines, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
			}
		}
		if s.Pending() != 0 {
			t.Fatalf("%d bytes left over", s.Pending())
		}
	})
}

// TestDecodeNeverPanics feeds arbitrary bytes to both decoders
func TestDecodeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "data")
		_ = DecodeTCP(data)
		pkt := DecodeUDP(data)
		if len(data) < HeaderSize && pkt.HasID {
			t.Fatalf("short datagram reported an id")
		}
	})
}
