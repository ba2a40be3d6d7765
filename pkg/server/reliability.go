package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// ErrUnreachable is returned when a UDP message was never confirmed
var ErrUnreachable = errors.New("peer did not confirm message")

// udpLink implements the UDP reliability layer for one session: message IDs,
// confirmation with retransmission, and inbound de-duplication.
type udpLink struct {
	conn     net.PacketConn
	addr     net.Addr
	endpoint Endpoint
	timeout  time.Duration
	retries  int
	metrics  *Metrics
	ownsConn bool

	sendMu sync.Mutex // One send-and-await cycle at a time
	nextID uint16     // Guarded by sendMu

	mu        sync.Mutex
	awaiting  uint16
	waiting   bool
	confirmed chan struct{} // Single slot, filled by a matching CONFIRM
	seen      map[uint16]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newUDPLink(conn net.PacketConn, addr net.Addr, ep Endpoint, timeout time.Duration, retries int, metrics *Metrics) *udpLink {
	return &udpLink{
		conn:      conn,
		addr:      addr,
		endpoint:  ep,
		timeout:   timeout,
		retries:   retries,
		metrics:   metrics,
		confirmed: make(chan struct{}, 1),
		seen:      make(map[uint16]struct{}),
		closed:    make(chan struct{}),
	}
}

// Send transmits msg under the next message ID and waits for its CONFIRM,
// retransmitting the same bytes up to retries times. CONFIRM messages are
// written once and not awaited.
func (l *udpLink) Send(ctx context.Context, msg protocol.Message) error {
	if c, ok := msg.(protocol.ConfirmMessage); ok {
		return l.confirm(c.RefID)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	select {
	case <-l.closed:
		return ErrSessionClosed
	default:
	}

	id := l.nextID
	data, err := protocol.EncodeUDP(msg, id)
	if err != nil {
		return err
	}
	l.nextID++

	l.mu.Lock()
	l.awaiting = id
	l.waiting = true
	select {
	case <-l.confirmed:
	default:
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting = false
		l.mu.Unlock()
	}()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			timer.Reset(l.timeout)
			if l.metrics != nil {
				l.metrics.RecordRetransmission()
			}
			debugLog.Printf("UDP %s: retransmitting %s id=%d (attempt %d)", l.endpoint, protocol.TypeName(msg.Type()), id, attempt+1)
		}

		if _, err := l.conn.WriteTo(data, l.addr); err != nil {
			return fmt.Errorf("write to %s: %w", l.endpoint, err)
		}
		traceSent(l.endpoint, msg)

		select {
		case <-l.confirmed:
			return nil
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return ErrSessionClosed
		}
	}

	if l.metrics != nil {
		l.metrics.RecordUnreachable()
	}
	return fmt.Errorf("%s id=%d after %d attempts: %w", protocol.TypeName(msg.Type()), id, l.retries+1, ErrUnreachable)
}

// deliverConfirm hands an inbound CONFIRM to the waiting sender.
// Confirms for any other ID are dropped.
func (l *udpLink) deliverConfirm(refID uint16) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.waiting || refID != l.awaiting {
		return false
	}
	select {
	case l.confirmed <- struct{}{}:
	default:
	}
	return true
}

// markSeen records an inbound message ID and reports whether it is new
func (l *udpLink) markSeen(id uint16) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[id]; dup {
		return false
	}
	l.seen[id] = struct{}{}
	return true
}

func (l *udpLink) confirm(refID uint16) error {
	msg := protocol.ConfirmMessage{RefID: refID}
	data, err := protocol.EncodeUDP(msg, 0)
	if err != nil {
		return err
	}
	if _, err := l.conn.WriteTo(data, l.addr); err != nil {
		return fmt.Errorf("write to %s: %w", l.endpoint, err)
	}
	traceSent(l.endpoint, msg)
	return nil
}

func (l *udpLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.ownsConn {
			err = l.conn.Close()
		}
	})
	return err
}

func (l *udpLink) Transport() string {
	return TransportUDP
}
