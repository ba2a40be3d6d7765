package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aeolun/ipk24chat/pkg/database"
	"github.com/aeolun/ipk24chat/pkg/protocol"
)

var (
	// ErrSessionClosed is returned by sends on a session that was torn down
	ErrSessionClosed = errors.New("session closed")
	// ErrServerClosed is returned once Shutdown has started
	ErrServerClosed = errors.New("server closed")
)

// Server represents the IPK24-CHAT server
type Server struct {
	config       ServerConfig
	registry     *Registry
	metrics      *Metrics
	promRegistry *prometheus.Registry
	db           *database.DB
	audit        AuditLog
	transitions  map[transitionKey]action

	listener     net.Listener
	udpConn      net.PacketConn
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	inflight   chan struct{} // Bounds inbound messages accepted but not yet processed
	broadcasts chan broadcastJob

	ctx       context.Context // Parent of every session context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	closing   atomic.Bool
	stopOnce  sync.Once
	startTime time.Time
	wg        sync.WaitGroup
}

// NewServer creates a new server instance. The audit database is opened
// here when configured; listeners are opened by Start.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       config,
		registry:     NewRegistry(),
		metrics:      NewMetrics(promRegistry),
		promRegistry: promRegistry,
		transitions:  transitionTable(),
		inflight:     make(chan struct{}, config.QueueSize),
		broadcasts:   make(chan broadcastJob, config.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
		startTime:    time.Now(),
	}

	if config.AuditDBPath != "" {
		path, err := expandHome(config.AuditDBPath)
		if err != nil {
			cancel()
			return nil, err
		}
		db, err := database.Open(path)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		s.db = db
		s.audit = db.WriteBuffer
	}

	return s, nil
}

// SetAuditLog replaces the audit sink. Must be called before Start.
func (s *Server) SetAuditLog(audit AuditLog) {
	s.audit = audit
}

// Start opens the TCP listener, the UDP welcome socket and the optional
// SSH and HTTP listeners, then starts serving
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.ListenIP, strconv.Itoa(s.config.Port))

	lc := listenConfig()
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	s.udpConn = udpConn
	log.Printf("UDP server listening on %s", udpConn.LocalAddr())

	if err := s.startSSHServer(); err != nil {
		s.closeListeners(context.Background())
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.closeListeners(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.startWorkers()

	s.wg.Add(3)
	go s.acceptLoop()
	go s.udpWelcomeLoop()
	go s.monitorUDPDrops()

	return nil
}

// startWorkers starts the goroutines that do not depend on a listener
func (s *Server) startWorkers() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// TCPAddr returns the address of the TCP listener
func (s *Server) TCPAddr() net.Addr {
	return s.listener.Addr()
}

// UDPAddr returns the address of the UDP welcome socket
func (s *Server) UDPAddr() net.Addr {
	return s.udpConn.LocalAddr()
}

// Sessions returns the session registry
func (s *Server) Sessions() *Registry {
	return s.registry
}

// Shutdown stops accepting connections, says BYE to every session, closes
// everything and waits for the server goroutines to exit. The BYE phase is
// bounded by ctx and by one full send cycle.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		close(s.shutdown)

		s.closeListeners(ctx)
		s.sayGoodbye(ctx)

		for _, sess := range s.registry.Snapshot() {
			s.teardown(sess, "server shutdown")
		}
		s.cancel()

		s.wg.Wait()

		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func (s *Server) closeListeners(ctx context.Context) {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			debugLog.Printf("HTTP shutdown: %v", err)
		}
	}
}

// sayGoodbye sends BYE to every live session in parallel and waits until
// all of them finished or the deadline passed
func (s *Server) sayGoodbye(ctx context.Context) {
	sessions := s.registry.Snapshot()
	if len(sessions) == 0 {
		return
	}

	wait := s.config.ConfirmationTimeout * time.Duration(s.config.MaxRetransmissions+1)
	byeCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	results := make(chan struct{}, len(sessions))
	pending := 0
	for _, sess := range sessions {
		if sess.State().terminal() {
			continue
		}
		sess := sess
		posted := sess.outbox.post(outgoing{
			msg: protocol.ByeMessage{},
			ctx: byeCtx,
			done: func(err error) {
				if err != nil {
					debugLog.Printf("Session %s: shutdown BYE failed: %v", sess.ID, err)
				}
				results <- struct{}{}
			},
		})
		if posted {
			pending++
		}
	}

	for pending > 0 {
		select {
		case <-results:
			pending--
		case <-byeCtx.Done():
			return
		}
	}
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		ep := Endpoint{Transport: TransportTCP, Addr: conn.RemoteAddr().String()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(ep, conn)
		}()
	}
}

// AcceptConnection registers a new session for the endpoint. It returns nil
// if the endpoint already has a session or the server is shutting down.
func (s *Server) AcceptConnection(ep Endpoint, link Link) *Session {
	if s.closing.Load() {
		return nil
	}

	sess := newSession(s.ctx, ep, link)
	sess.inbox = newMailbox(func(in inbound) { s.dispatch(sess, in) })
	sess.outbox = newMailbox(func(out outgoing) { s.deliver(sess, out) })

	if !s.registry.Add(ep, sess) {
		sess.cancel()
		return nil
	}

	s.metrics.RecordSessionCreated(link.Transport())
	if s.audit != nil {
		s.audit.SessionOpened(sess.ID, link.Transport(), ep.Addr, sess.ConnectedAt.UnixMilli())
	}
	debugLog.Printf("Session %s: new %s connection from %s", sess.ID, link.Transport(), ep)

	// Shutdown may have taken its snapshot before the Add
	if s.closing.Load() {
		s.teardown(sess, "server shutdown")
		return nil
	}
	return sess
}

// Ingest decodes raw bytes received from the endpoint (one text line or one
// datagram) and queues the result for its session. Bytes for an unknown
// endpoint are dropped.
func (s *Server) Ingest(ep Endpoint, raw []byte) {
	sess, ok := s.registry.Get(ep)
	if !ok {
		debugLog.Printf("Dropping %d bytes from %s: no session", len(raw), ep)
		return
	}
	s.ingest(sess, raw)
}

func (s *Server) ingest(sess *Session, raw []byte) {
	link, isUDP := sess.link.(*udpLink)
	if !isUDP {
		msg := protocol.DecodeTCP(raw)
		traceRecv(sess.Endpoint, msg)
		s.enqueue(sess, inbound{msg: msg})
		return
	}

	pkt := protocol.DecodeUDP(raw)
	traceRecv(sess.Endpoint, pkt.Message)
	if !pkt.HasID {
		s.enqueue(sess, inbound{msg: pkt.Message})
		return
	}

	if c, ok := pkt.Message.(protocol.ConfirmMessage); ok {
		s.metrics.RecordMessageReceived(protocol.TypeName(protocol.TypeConfirm))
		if !link.deliverConfirm(c.RefID) {
			debugLog.Printf("Session %s: ignoring CONFIRM for id=%d", sess.ID, c.RefID)
		}
		return
	}

	if err := link.Send(sess.ctx, protocol.ConfirmMessage{RefID: pkt.ID}); err != nil {
		debugLog.Printf("Session %s: CONFIRM id=%d failed: %v", sess.ID, pkt.ID, err)
	}
	if !link.markSeen(pkt.ID) {
		debugLog.Printf("Session %s: duplicate id=%d", sess.ID, pkt.ID)
		return
	}
	s.enqueue(sess, inbound{msg: pkt.Message, id: pkt.ID})
}

// Handle queues an already decoded message for the endpoint's session.
// Messages for an unknown endpoint are dropped.
func (s *Server) Handle(ep Endpoint, msg protocol.Message) {
	sess, ok := s.registry.Get(ep)
	if !ok {
		return
	}
	s.enqueue(sess, inbound{msg: msg})
}

// enqueue blocks while QueueSize messages are already waiting
func (s *Server) enqueue(sess *Session, in inbound) {
	select {
	case s.inflight <- struct{}{}:
	case <-s.shutdown:
		return
	case <-sess.ctx.Done():
		return
	}
	s.metrics.RecordInflight(1)

	in.release = s.releaseInflight
	if !sess.inbox.post(in) {
		in.release()
	}
}

func (s *Server) releaseInflight() {
	<-s.inflight
	s.metrics.RecordInflight(-1)
}

// connectionLost queues the end of the session behind any messages still
// waiting to be processed
func (s *Server) connectionLost(sess *Session) {
	s.enqueue(sess, inbound{})
}

// send queues msg on the session's outbox. A failed send tears the session down.
func (s *Server) send(sess *Session, msg protocol.Message) {
	sess.outbox.post(outgoing{msg: msg})
}

// sendThen queues msg and calls done with the result once it was sent
func (s *Server) sendThen(sess *Session, msg protocol.Message, done func(error)) {
	if !sess.outbox.post(outgoing{msg: msg, done: done}) {
		done(ErrSessionClosed)
	}
}

// deliver runs on the session's outbox goroutine
func (s *Server) deliver(sess *Session, out outgoing) {
	ctx := out.ctx
	if ctx == nil {
		ctx = sess.ctx
	}

	err := sess.link.Send(ctx, out.msg)
	if err == nil {
		s.metrics.RecordMessageSent(protocol.TypeName(out.msg.Type()))
	}

	if out.done != nil {
		out.done(err)
		return
	}
	if err != nil {
		s.sendFailed(sess, out.msg, err)
	}
}

func (s *Server) sendFailed(sess *Session, msg protocol.Message, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrSessionClosed) {
		return
	}

	reason := "send failed"
	if errors.Is(err, ErrUnreachable) {
		reason = "unreachable"
	}
	debugLog.Printf("Session %s: %s to %s failed: %v", sess.ID, protocol.TypeName(msg.Type()), sess.Endpoint, err)
	s.teardown(sess, reason)
}

// teardown removes the session and closes its link. Only the first call
// has any effect. An authenticated session leaves a notice in its channel
// unless the server is shutting down.
func (s *Server) teardown(sess *Session, reason string) {
	authenticated, ok := sess.end()
	if !ok {
		return
	}

	s.registry.Remove(sess.Endpoint)
	sess.cancel()
	for _, in := range sess.inbox.close() {
		in.release()
	}
	sess.outbox.close()
	if err := sess.link.Close(); err != nil {
		debugLog.Printf("Session %s: close: %v", sess.ID, err)
	}

	s.metrics.RecordSessionDisconnected(sess.Transport(), reason)
	if s.audit != nil {
		s.audit.SessionClosed(sess.ID, reason, time.Now().UnixMilli())
	}
	debugLog.Printf("Session %s (%s) disconnected: %s", sess.ID, sess.Endpoint, reason)

	if authenticated && !s.closing.Load() {
		channel := sess.Channel()
		s.notify(sess, channel, fmt.Sprintf("%s has left %s", sess.DisplayName(), channel))
	}
}
