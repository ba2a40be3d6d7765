package server

import (
	"fmt"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// action processes one inbound message for a session in a given state
type action func(s *Server, sess *Session, in inbound)

type transitionKey struct {
	state   SessionState
	msgType uint8
}

// transitionTable lists every (state, message) pair the server accepts.
// Anything else is answered with ERR and BYE.
func transitionTable() map[transitionKey]action {
	return map[transitionKey]action{
		{StateStart, protocol.TypeAuth}: (*Server).handleAuth,
		{StateStart, protocol.TypeErr}:  (*Server).handleErr,
		{StateStart, protocol.TypeBye}:  (*Server).handleBye,

		{StateOpen, protocol.TypeMsg}:  (*Server).handleMsg,
		{StateOpen, protocol.TypeJoin}: (*Server).handleJoin,
		{StateOpen, protocol.TypeErr}:  (*Server).handleErr,
		{StateOpen, protocol.TypeBye}:  (*Server).handleBye,
	}
}

// dispatch runs on the session's inbox goroutine, so messages of one
// session are processed one at a time and in arrival order
func (s *Server) dispatch(sess *Session, in inbound) {
	if in.release != nil {
		defer in.release()
	}

	if in.msg == nil {
		s.teardown(sess, "connection closed")
		return
	}

	state := sess.State()
	if state.terminal() {
		debugLog.Printf("Session %s: ignoring %s in %s state", sess.ID, protocol.TypeName(in.msg.Type()), state)
		return
	}
	s.metrics.RecordMessageReceived(protocol.TypeName(in.msg.Type()))

	act, ok := s.transitions[transitionKey{state: state, msgType: in.msg.Type()}]
	if !ok {
		s.rejectMessage(sess, state, in.msg)
		return
	}
	act(s, sess, in)
}

// rejectMessage answers a malformed or out-of-state message
func (s *Server) rejectMessage(sess *Session, state SessionState, msg protocol.Message) {
	if unknown, ok := msg.(protocol.UnknownMessage); ok {
		debugLog.Printf("Session %s: malformed message: %s", sess.ID, unknown.Reason)
		s.abort(sess, "Malformed message", "malformed message")
		return
	}

	name := protocol.TypeName(msg.Type())
	debugLog.Printf("Session %s: unexpected %s in %s state", sess.ID, name, state)
	s.abort(sess, fmt.Sprintf("Unexpected %s in %s state", name, state), "protocol violation")
}

// abort sends ERR followed by BYE and ends the session once the BYE went out
func (s *Server) abort(sess *Session, content, reason string) {
	if !sess.fail() {
		return
	}
	s.send(sess, protocol.ErrMessage{DisplayName: ServerDisplayName, Content: content})
	s.sendThen(sess, protocol.ByeMessage{}, func(error) {
		s.teardown(sess, reason)
	})
}
