package server

import (
	"fmt"
	"time"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// handleAuth handles AUTH: the session joins the default channel
func (s *Server) handleAuth(sess *Session, in inbound) {
	msg := in.msg.(protocol.AuthMessage)

	if !sess.authenticate(msg.Username, msg.DisplayName, msg.Secret) {
		s.abort(sess, "Authentication failed", "auth failed")
		return
	}
	debugLog.Printf("Session %s: authenticated as %s (%s)", sess.ID, msg.Username, msg.DisplayName)

	if s.audit != nil {
		s.audit.SessionAuthenticated(sess.ID, msg.Username, msg.DisplayName, time.Now().UnixMilli())
	}

	channel := sess.Channel()
	s.notify(sess, channel, fmt.Sprintf("%s has joined %s", msg.DisplayName, channel))

	s.send(sess, protocol.ReplyMessage{
		Success: true,
		Content: "Successfully authenticated",
		RefID:   in.id,
	})
}

// handleMsg handles MSG: relayed to everyone else in the sender's channel
func (s *Server) handleMsg(sess *Session, in inbound) {
	msg := in.msg.(protocol.MsgMessage)

	sess.setDisplayName(msg.DisplayName)
	channel := sess.Channel()

	if s.audit != nil {
		s.audit.MessagePosted(sess.ID, channel, msg.DisplayName, msg.Content, time.Now().UnixMilli())
	}

	s.broadcast(sess, channel, msg)
}

// handleJoin handles JOIN: leave notice in the old channel, join notice in the new one
func (s *Server) handleJoin(sess *Session, in inbound) {
	msg := in.msg.(protocol.JoinMessage)

	oldChannel, oldName := sess.switchChannel(msg.ChannelID, msg.DisplayName)
	debugLog.Printf("Session %s: %s -> %s", sess.ID, oldChannel, msg.ChannelID)

	s.notify(sess, oldChannel, fmt.Sprintf("%s has left %s", oldName, oldChannel))
	s.notify(sess, msg.ChannelID, fmt.Sprintf("%s has joined %s", msg.DisplayName, msg.ChannelID))

	s.send(sess, protocol.ReplyMessage{
		Success: true,
		Content: fmt.Sprintf("Successfully joined %s.", msg.ChannelID),
		RefID:   in.id,
	})
}

// handleErr handles ERR from the client: answer with BYE and end the session
func (s *Server) handleErr(sess *Session, in inbound) {
	msg := in.msg.(protocol.ErrMessage)
	debugLog.Printf("Session %s: client error from %s: %s", sess.ID, msg.DisplayName, msg.Content)

	if !sess.fail() {
		return
	}
	s.sendThen(sess, protocol.ByeMessage{}, func(error) {
		s.teardown(sess, "client error")
	})
}

// handleBye handles BYE: the session ends immediately
func (s *Server) handleBye(sess *Session, in inbound) {
	s.teardown(sess, "client bye")
}
