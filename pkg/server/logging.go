package server

import (
	"io"
	"log"
	"os"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)

	// ioLog prints one line per protocol message crossing the wire
	ioLog = log.New(os.Stdout, "", 0)
)

// EnableDebugLogging turns on verbose connection and session logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// DisableIOTrace silences the RECV/SENT trace lines
func (s *Server) DisableIOTrace() {
	ioLog.SetOutput(io.Discard)
}

func traceRecv(ep Endpoint, msg protocol.Message) {
	ioLog.Printf("RECV %s | %s", ep, protocol.TypeName(msg.Type()))
}

func traceSent(ep Endpoint, msg protocol.Message) {
	ioLog.Printf("SENT %s | %s", ep, protocol.TypeName(msg.Type()))
}
