package server

import (
	"errors"
	"fmt"
	"net"
)

// maxDatagramSize fits any UDP payload
const maxDatagramSize = 65535

// udpWelcomeLoop reads the shared UDP socket. The first datagram from an
// unseen address opens a session with its own socket; every later datagram
// from that client goes to the session socket instead.
func (s *Server) udpWelcomeLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("UDP read error: %v", err)
			continue
		}

		data := append([]byte(nil), buf[:n]...)
		ep := Endpoint{Transport: TransportUDP, Addr: addr.String()}

		sess, ok := s.registry.Get(ep)
		if !ok {
			sess, err = s.openUDPSession(ep, addr)
			if err != nil {
				errorLog.Printf("%v", err)
				continue
			}
			if sess == nil {
				continue
			}
		}
		s.ingest(sess, data)
	}
}

// openUDPSession binds a fresh socket on an ephemeral port for the client
// and starts reading from it
func (s *Server) openUDPSession(ep Endpoint, addr net.Addr) (*Session, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(s.config.ListenIP, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to open session socket for %s: %w", ep, err)
	}

	link := newUDPLink(conn, addr, ep, s.config.ConfirmationTimeout, s.config.MaxRetransmissions, s.metrics)
	link.ownsConn = true

	sess := s.AcceptConnection(ep, link)
	if sess == nil {
		conn.Close()
		return nil, nil
	}
	debugLog.Printf("Session %s: UDP socket %s for %s", sess.ID, conn.LocalAddr(), ep)

	s.wg.Add(1)
	go s.udpSessionLoop(sess, link)
	return sess, nil
}

// udpSessionLoop reads the session socket until it is closed. Datagrams
// from any address other than the client's are ignored.
func (s *Server) udpSessionLoop(sess *Session, link *udpLink) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := link.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Session %s UDP read error: %v", sess.ID, err)
				s.connectionLost(sess)
			}
			return
		}
		if addr.String() != link.addr.String() {
			debugLog.Printf("Session %s: ignoring datagram from %s", sess.ID, addr)
			continue
		}
		s.ingest(sess, append([]byte(nil), buf[:n]...))
	}
}
