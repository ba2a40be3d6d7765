package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// streamWriteTimeout bounds a single write to a stream peer that stopped reading
const streamWriteTimeout = 5 * time.Second

// Transport kinds
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportWebSocket = "ws"
	TransportSSH       = "ssh"
)

// streamLink sends text protocol lines over any byte stream:
// a TCP socket, a WebSocket or an SSH channel
type streamLink struct {
	conn      net.Conn
	endpoint  Endpoint
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStreamLink(ep Endpoint, conn net.Conn) *streamLink {
	return &streamLink{conn: conn, endpoint: ep}
}

func (l *streamLink) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := protocol.EncodeTCP(msg)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	deadline := time.Now().Add(streamWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.conn.SetWriteDeadline(deadline)
	defer l.conn.SetWriteDeadline(time.Time{})

	// Unblock the write as soon as the session is cancelled
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := l.conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", l.endpoint, err)
	}
	traceSent(l.endpoint, msg)
	return nil
}

func (l *streamLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

func (l *streamLink) Transport() string {
	return l.endpoint.Transport
}
