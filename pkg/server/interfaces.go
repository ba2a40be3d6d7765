package server

import (
	"context"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// Link is the outbound half of one client connection. TCP, WebSocket and
// SSH sessions share the text implementation; UDP sessions get a link that
// adds message IDs, confirmation and retransmission.
type Link interface {
	// Send delivers one message. For UDP it returns once the peer confirmed it.
	Send(ctx context.Context, msg protocol.Message) error
	Close() error
	Transport() string
}

// AuditLog receives session lifecycle and chat events.
// *database.WriteBuffer implements it; tests use an in-memory fake.
type AuditLog interface {
	SessionOpened(sessionID, transport, remoteAddr string, at int64)
	SessionAuthenticated(sessionID, username, displayName string, at int64)
	MessagePosted(sessionID, channelID, displayName, content string, at int64)
	SessionClosed(sessionID, reason string, at int64)
}
