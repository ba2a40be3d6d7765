package protocol

import (
	"bytes"
	"strings"
)

// EncodeTCP renders a message as one CRLF-terminated text line
func EncodeTCP(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.encodeText(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTCP parses one text line. A trailing CRLF is tolerated.
// Anything that does not match the grammar yields UnknownMessage.
func DecodeTCP(line []byte) Message {
	s := string(bytes.TrimSuffix(line, []byte("\r\n")))

	switch {
	case s == "BYE":
		return ByeMessage{}
	case strings.HasPrefix(s, "AUTH "):
		return decodeAuthText(s[len("AUTH "):])
	case strings.HasPrefix(s, "JOIN "):
		return decodeJoinText(s[len("JOIN "):])
	case strings.HasPrefix(s, "MSG FROM "):
		name, content, ok := splitFromIs(s[len("MSG FROM "):])
		if !ok {
			return UnknownMessage{Reason: "malformed MSG"}
		}
		if reason := validateFromIs(name, content); reason != "" {
			return UnknownMessage{Reason: reason}
		}
		return MsgMessage{DisplayName: name, Content: content}
	case strings.HasPrefix(s, "ERR FROM "):
		name, content, ok := splitFromIs(s[len("ERR FROM "):])
		if !ok {
			return UnknownMessage{Reason: "malformed ERR"}
		}
		if reason := validateFromIs(name, content); reason != "" {
			return UnknownMessage{Reason: reason}
		}
		return ErrMessage{DisplayName: name, Content: content}
	case strings.HasPrefix(s, "REPLY "):
		return decodeReplyText(s[len("REPLY "):])
	}

	return UnknownMessage{Reason: "unrecognized command"}
}

// decodeAuthText parses "{user} AS {display} USING {secret}"
func decodeAuthText(rest string) Message {
	parts := strings.Split(rest, " ")
	if len(parts) != 5 || parts[1] != "AS" || parts[3] != "USING" {
		return UnknownMessage{Reason: "malformed AUTH"}
	}
	msg := AuthMessage{Username: parts[0], DisplayName: parts[2], Secret: parts[4]}
	if err := msg.validate(); err != nil {
		return UnknownMessage{Reason: err.Error()}
	}
	return msg
}

// decodeJoinText parses "{channel} AS {display}"
func decodeJoinText(rest string) Message {
	parts := strings.Split(rest, " ")
	if len(parts) != 3 || parts[1] != "AS" {
		return UnknownMessage{Reason: "malformed JOIN"}
	}
	msg := JoinMessage{ChannelID: parts[0], DisplayName: parts[2]}
	if err := msg.validate(); err != nil {
		return UnknownMessage{Reason: err.Error()}
	}
	return msg
}

// decodeReplyText parses "{OK|NOK} IS {content}"
func decodeReplyText(rest string) Message {
	var msg ReplyMessage
	switch {
	case strings.HasPrefix(rest, "OK IS "):
		msg = ReplyMessage{Success: true, Content: rest[len("OK IS "):]}
	case strings.HasPrefix(rest, "NOK IS "):
		msg = ReplyMessage{Success: false, Content: rest[len("NOK IS "):]}
	default:
		return UnknownMessage{Reason: "malformed REPLY"}
	}
	if err := checkField("content", msg.Content, MaxContentLength, isContentChar); err != nil {
		return UnknownMessage{Reason: err.Error()}
	}
	return msg
}

// splitFromIs splits "{display} IS {content}". The display name cannot
// contain a space, so the first space ends it.
func splitFromIs(rest string) (string, string, bool) {
	idx := strings.IndexByte(rest, ' ')
	if idx <= 0 || !strings.HasPrefix(rest[idx:], " IS ") {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(" IS "):], true
}

func validateFromIs(name, content string) string {
	if err := checkField("display name", name, MaxDisplayNameLength, isTokenChar); err != nil {
		return err.Error()
	}
	if err := checkField("content", content, MaxContentLength, isContentChar); err != nil {
		return err.Error()
	}
	return ""
}
