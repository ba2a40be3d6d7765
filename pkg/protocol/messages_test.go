package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTCP(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"auth", AuthMessage{Username: "alice", DisplayName: "Alice", Secret: "pw"}, "AUTH alice AS Alice USING pw\r\n"},
		{"join", JoinMessage{ChannelID: "test", DisplayName: "Bob"}, "JOIN test AS Bob\r\n"},
		{"msg", MsgMessage{DisplayName: "Server", Content: "Alice has joined default"}, "MSG FROM Server IS Alice has joined default\r\n"},
		{"err", ErrMessage{DisplayName: "Server", Content: "Invalid message"}, "ERR FROM Server IS Invalid message\r\n"},
		{"bye", ByeMessage{}, "BYE\r\n"},
		{"reply ok", ReplyMessage{Success: true, Content: "Successfully authenticated"}, "REPLY OK IS Successfully authenticated\r\n"},
		{"reply nok ignores ref id", ReplyMessage{Success: false, Content: "nope", RefID: 7}, "REPLY NOK IS nope\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeTCP(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestEncodeTCPRejects(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"confirm has no text form", ConfirmMessage{RefID: 1}, ErrNotEncodable},
		{"unknown", UnknownMessage{}, ErrNotEncodable},
		{"display name too long", MsgMessage{DisplayName: strings.Repeat("a", 21), Content: "x"}, ErrFieldTooLong},
		{"content too long", MsgMessage{DisplayName: "a", Content: strings.Repeat("x", 1401)}, ErrFieldTooLong},
		{"empty content", ErrMessage{DisplayName: "a"}, ErrFieldEmpty},
		{"secret too long", AuthMessage{Username: "u", DisplayName: "d", Secret: strings.Repeat("s", 129)}, ErrFieldTooLong},
		{"space in channel", JoinMessage{ChannelID: "a b", DisplayName: "d"}, ErrInvalidField},
		{"newline in content", ReplyMessage{Success: true, Content: "a\r\nBYE"}, ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeTCP(tt.msg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeTCP(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Message
	}{
		{"auth", "AUTH alice AS Alice USING pw", AuthMessage{Username: "alice", DisplayName: "Alice", Secret: "pw"}},
		{"auth with terminator", "AUTH alice AS Alice USING pw\r\n", AuthMessage{Username: "alice", DisplayName: "Alice", Secret: "pw"}},
		{"join", "JOIN test AS Bob", JoinMessage{ChannelID: "test", DisplayName: "Bob"}},
		{"auth punctuation in secret", "AUTH al.ice+1 AS Alice USING p@ss!word", AuthMessage{Username: "al.ice+1", DisplayName: "Alice", Secret: "p@ss!word"}},
		{"join channel with hash", "JOIN #general AS Bob", JoinMessage{ChannelID: "#general", DisplayName: "Bob"}},
		{"msg content with tab", "MSG FROM Bob IS a\tb", MsgMessage{DisplayName: "Bob", Content: "a\tb"}},
		{"msg", "MSG FROM Bob IS hello there", MsgMessage{DisplayName: "Bob", Content: "hello there"}},
		{"msg content containing IS", "MSG FROM Bob IS this IS fine", MsgMessage{DisplayName: "Bob", Content: "this IS fine"}},
		{"err", "ERR FROM Bob IS broken", ErrMessage{DisplayName: "Bob", Content: "broken"}},
		{"bye", "BYE", ByeMessage{}},
		{"reply ok", "REPLY OK IS done", ReplyMessage{Success: true, Content: "done"}},
		{"reply nok", "REPLY NOK IS failed", ReplyMessage{Success: false, Content: "failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeTCP([]byte(tt.line)))
		})
	}
}

func TestDecodeTCPUnknown(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"lowercase keyword", "auth alice AS Alice USING pw"},
		{"bye with suffix", "BYE now"},
		{"auth missing secret", "AUTH alice AS Alice USING"},
		{"auth wrong keyword", "AUTH alice WITH Alice USING pw"},
		{"auth extra token", "AUTH alice AS Alice USING pw extra"},
		{"auth double space", "AUTH alice  AS Alice USING pw"},
		{"username too long", "AUTH " + strings.Repeat("u", 21) + " AS Alice USING pw"},
		{"secret too long", "AUTH alice AS Alice USING " + strings.Repeat("s", 129)},
		{"join missing display", "JOIN test AS"},
		{"channel too long", "JOIN " + strings.Repeat("c", 21) + " AS Bob"},
		{"msg missing IS", "MSG FROM Bob hello"},
		{"msg empty content", "MSG FROM Bob IS "},
		{"msg content too long", "MSG FROM Bob IS " + strings.Repeat("x", 1401)},
		{"msg display too long", "MSG FROM " + strings.Repeat("d", 21) + " IS hi"},
		{"msg non-ascii", "MSG FROM Bob IS caf\xc3\xa9"},
		{"reply bad result", "REPLY MAYBE IS hmm"},
		{"confirm", "CONFIRM 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeTCP([]byte(tt.line))
			assert.IsType(t, UnknownMessage{}, msg)
			assert.Equal(t, uint8(TypeUnknown), msg.Type())
		})
	}
}

func TestEncodeUDP(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		id   uint16
		want []byte
	}{
		{
			name: "confirm carries ref id and ignores id",
			msg:  ConfirmMessage{RefID: 0x0102},
			id:   0xFFFF,
			want: []byte{0x00, 0x01, 0x02},
		},
		{
			name: "reply",
			msg:  ReplyMessage{Success: true, Content: "ok", RefID: 0x0005},
			id:   0x0001,
			want: []byte{0x01, 0x00, 0x01, 0x01, 0x00, 0x05, 'o', 'k', 0x00},
		},
		{
			name: "negative reply",
			msg:  ReplyMessage{Success: false, Content: "no", RefID: 0},
			id:   2,
			want: []byte{0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 'n', 'o', 0x00},
		},
		{
			name: "auth",
			msg:  AuthMessage{Username: "a", DisplayName: "A", Secret: "s"},
			id:   0,
			want: []byte{0x02, 0x00, 0x00, 'a', 0x00, 'A', 0x00, 's', 0x00},
		},
		{
			name: "join",
			msg:  JoinMessage{ChannelID: "c", DisplayName: "D"},
			id:   0x0100,
			want: []byte{0x03, 0x01, 0x00, 'c', 0x00, 'D', 0x00},
		},
		{
			name: "msg",
			msg:  MsgMessage{DisplayName: "D", Content: "hi"},
			id:   3,
			want: []byte{0x04, 0x00, 0x03, 'D', 0x00, 'h', 'i', 0x00},
		},
		{
			name: "err",
			msg:  ErrMessage{DisplayName: "D", Content: "x"},
			id:   4,
			want: []byte{0xFE, 0x00, 0x04, 'D', 0x00, 'x', 0x00},
		},
		{
			name: "bye",
			msg:  ByeMessage{},
			id:   9,
			want: []byte{0xFF, 0x00, 0x09},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeUDP(tt.msg, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, data)
		})
	}
}

func TestDecodeUDP(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		wantID uint16
		want   Message
	}{
		{"confirm", []byte{0x00, 0x00, 0x07}, 7, ConfirmMessage{RefID: 7}},
		{"auth", []byte{0x02, 0x00, 0x00, 'a', 0x00, 'A', 0x00, 's', 0x00}, 0, AuthMessage{Username: "a", DisplayName: "A", Secret: "s"}},
		{"join", []byte{0x03, 0x00, 0x01, 'c', 0x00, 'D', 0x00}, 1, JoinMessage{ChannelID: "c", DisplayName: "D"}},
		{"join channel with hash", []byte{0x03, 0x00, 0x04, '#', 'g', 0x00, 'D', 0x00}, 4, JoinMessage{ChannelID: "#g", DisplayName: "D"}},
		{"auth punctuation in secret", []byte{0x02, 0x00, 0x05, 'a', 0x00, 'A', 0x00, 'p', '@', '!', 0x00}, 5, AuthMessage{Username: "a", DisplayName: "A", Secret: "p@!"}},
		{"msg", []byte{0x04, 0x12, 0x34, 'D', 0x00, 'h', 'i', 0x00}, 0x1234, MsgMessage{DisplayName: "D", Content: "hi"}},
		{"err", []byte{0xFE, 0x00, 0x02, 'D', 0x00, 'x', 0x00}, 2, ErrMessage{DisplayName: "D", Content: "x"}},
		{"bye", []byte{0xFF, 0x00, 0x03}, 3, ByeMessage{}},
		{"reply", []byte{0x01, 0x00, 0x01, 0x01, 0x00, 0x05, 'o', 'k', 0x00}, 1, ReplyMessage{Success: true, Content: "ok", RefID: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := DecodeUDP(tt.data)
			assert.True(t, pkt.HasID)
			assert.Equal(t, tt.wantID, pkt.ID)
			assert.Equal(t, tt.want, pkt.Message)
		})
	}
}

func TestDecodeUDPUnknown(t *testing.T) {
	longName := []byte(strings.Repeat("u", 21))

	tests := []struct {
		name      string
		data      []byte
		wantHasID bool
	}{
		{"empty", []byte{}, false},
		{"type only", []byte{0x02}, false},
		{"half an id", []byte{0x02, 0x00}, false},
		{"unknown type", []byte{0x42, 0x00, 0x01}, true},
		{"auth without fields", []byte{0x02, 0x00, 0x01}, true},
		{"auth missing terminator", []byte{0x02, 0x00, 0x01, 'a', 'b'}, true},
		{"auth empty username", []byte{0x02, 0x00, 0x01, 0x00, 'A', 0x00, 's', 0x00}, true},
		{"auth username too long", append(append([]byte{0x02, 0x00, 0x01}, longName...), 0x00, 'A', 0x00, 's', 0x00), true},
		{"join truncated display", []byte{0x03, 0x00, 0x01, 'c', 0x00, 'D'}, true},
		{"msg content with non-ascii byte", []byte{0x04, 0x00, 0x01, 'D', 0x00, 0x80, 0x00}, true},
		{"reply bad result code", []byte{0x01, 0x00, 0x01, 0x02, 0x00, 0x00, 'x', 0x00}, true},
		{"reply truncated ref id", []byte{0x01, 0x00, 0x01, 0x01, 0x00}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := DecodeUDP(tt.data)
			assert.IsType(t, UnknownMessage{}, pkt.Message)
			assert.Equal(t, tt.wantHasID, pkt.HasID)
		})
	}
}

func TestDecodeUDPKeepsIDOfUnknown(t *testing.T) {
	pkt := DecodeUDP([]byte{0x04, 0xAB, 0xCD, 'D'})
	assert.True(t, pkt.HasID)
	assert.Equal(t, uint16(0xABCD), pkt.ID)
	assert.IsType(t, UnknownMessage{}, pkt.Message)
}

func TestDecodeUDPMaxLengthFields(t *testing.T) {
	msg := MsgMessage{
		DisplayName: strings.Repeat("d", MaxDisplayNameLength),
		Content:     strings.Repeat("c", MaxContentLength),
	}
	data, err := EncodeUDP(msg, 10)
	require.NoError(t, err)

	pkt := DecodeUDP(data)
	assert.Equal(t, msg, pkt.Message)
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "CONFIRM", TypeName(TypeConfirm))
	assert.Equal(t, "REPLY", TypeName(TypeReply))
	assert.Equal(t, "AUTH", TypeName(TypeAuth))
	assert.Equal(t, "JOIN", TypeName(TypeJoin))
	assert.Equal(t, "MSG", TypeName(TypeMsg))
	assert.Equal(t, "ERR", TypeName(TypeErr))
	assert.Equal(t, "BYE", TypeName(TypeBye))
	assert.Equal(t, "UNKNOWN", TypeName(TypeUnknown))
}

func TestWireTypeTags(t *testing.T) {
	assert.Equal(t, 0x00, TypeConfirm)
	assert.Equal(t, 0x01, TypeReply)
	assert.Equal(t, 0x02, TypeAuth)
	assert.Equal(t, 0x03, TypeJoin)
	assert.Equal(t, 0x04, TypeMsg)
	assert.Equal(t, 0xFE, TypeErr)
	assert.Equal(t, 0xFF, TypeBye)
}
