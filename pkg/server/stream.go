package server

import (
	"errors"
	"io"
	"net"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// readChunkSize is how much one Read asks for; lines may span chunks
const readChunkSize = 4096

// serveStream runs a text protocol session over conn until the peer goes
// away or the session is torn down. TCP, WebSocket and SSH share it.
func (s *Server) serveStream(ep Endpoint, conn net.Conn) {
	link := newStreamLink(ep, conn)
	sess := s.AcceptConnection(ep, link)
	if sess == nil {
		conn.Close()
		return
	}

	var splitter protocol.LineSplitter
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				s.ingest(sess, line)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && sess.State() != StateEnd {
				debugLog.Printf("Session %s read error: %v", sess.ID, err)
			}
			s.connectionLost(sess)
			return
		}
	}
}
