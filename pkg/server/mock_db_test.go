package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// fakeAudit records audit events in memory
type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeAudit) add(format string, args ...interface{}) {
	f.mu.Lock()
	f.events = append(f.events, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeAudit) SessionOpened(sessionID, transport, remoteAddr string, at int64) {
	f.add("open %s %s", transport, remoteAddr)
}

func (f *fakeAudit) SessionAuthenticated(sessionID, username, displayName string, at int64) {
	f.add("auth %s %s", username, displayName)
}

func (f *fakeAudit) MessagePosted(sessionID, channelID, displayName, content string, at int64) {
	f.add("msg %s %s %s", channelID, displayName, content)
}

func (f *fakeAudit) SessionClosed(sessionID, reason string, at int64) {
	f.add("close %s", reason)
}

func (f *fakeAudit) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

var errBrokenPipe = errors.New("broken pipe")

// fakeLink captures everything the server sends to one session
type fakeLink struct {
	transport string
	sent      chan protocol.Message
	failSends atomic.Bool
	closed    atomic.Bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{transport: TransportTCP, sent: make(chan protocol.Message, 256)}
}

func (l *fakeLink) Send(ctx context.Context, msg protocol.Message) error {
	if l.closed.Load() {
		return ErrSessionClosed
	}
	if l.failSends.Load() {
		return errBrokenPipe
	}
	l.sent <- msg
	return nil
}

func (l *fakeLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *fakeLink) Transport() string {
	return l.transport
}

// expect waits for the next message sent on the link
func (l *fakeLink) expect(t *testing.T, want protocol.Message) {
	t.Helper()
	select {
	case got := <-l.sent:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %#v", want)
	}
}

// expectNothing asserts that nothing is sent for a while
func (l *fakeLink) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-l.sent:
		t.Fatalf("unexpected message %#v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func notice(content string) protocol.MsgMessage {
	return protocol.MsgMessage{DisplayName: ServerDisplayName, Content: content}
}

// newUnitServer returns a server with its broadcast loop running but no listeners
func newUnitServer(t *testing.T) (*Server, *fakeAudit) {
	t.Helper()

	s, err := NewServer(DefaultConfig())
	require.NoError(t, err)

	audit := &fakeAudit{}
	s.SetAuditLog(audit)
	s.startWorkers()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, audit
}

// connect registers a session backed by a fake link
func connect(t *testing.T, s *Server, addr string) (*Session, *fakeLink) {
	t.Helper()

	link := newFakeLink()
	sess := s.AcceptConnection(Endpoint{Transport: TransportTCP, Addr: addr}, link)
	require.NotNil(t, sess)
	return sess, link
}

// login authenticates a fresh session and consumes the reply
func login(t *testing.T, s *Server, addr, username, displayName string) (*Session, *fakeLink) {
	t.Helper()

	sess, link := connect(t, s, addr)
	s.Handle(sess.Endpoint, protocol.AuthMessage{Username: username, DisplayName: displayName, Secret: "secret"})
	link.expect(t, protocol.ReplyMessage{Success: true, Content: "Successfully authenticated"})
	drainBroadcasts(t, s)
	return sess, link
}

var barrierCount atomic.Int64

// drainBroadcasts waits until every broadcast queued so far was fanned out.
// It registers a listener alone in a private channel, broadcasts to it and
// waits for the message: jobs are fanned out in queue order.
func drainBroadcasts(t *testing.T, s *Server) {
	t.Helper()

	n := barrierCount.Add(1)
	link := newFakeLink()
	ep := Endpoint{Transport: "barrier", Addr: fmt.Sprintf("barrier-%d", n)}

	sess := newSession(s.ctx, ep, link)
	defer sess.cancel()
	sess.state = StateOpen
	sess.channel = ep.Addr
	sess.outbox = newMailbox(func(out outgoing) { link.Send(context.Background(), out.msg) })

	require.True(t, s.registry.Add(ep, sess))
	defer s.registry.Remove(ep)

	require.NoError(t, s.Broadcast(context.Background(), sess.channel, notice("barrier"), nil))
	link.expect(t, notice("barrier"))
}
