package server

import (
	"context"
	"time"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

type broadcastJob struct {
	channelID string
	msg       protocol.Message
	exclude   *Session
}

// Broadcast queues msg for every open session in channelID except exclude.
// It blocks while the broadcast queue is full.
func (s *Server) Broadcast(ctx context.Context, channelID string, msg protocol.Message, exclude *Session) error {
	select {
	case s.broadcasts <- broadcastJob{channelID: channelID, msg: msg, exclude: exclude}:
		return nil
	case <-s.shutdown:
		return ErrServerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcastLoop fans jobs out in the order they were queued
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.broadcasts:
			s.fanOut(job)
		case <-s.shutdown:
			return
		}
	}
}

// fanOut hands the message to each recipient's outbox. Delivery itself
// happens on the recipients' outbox goroutines, so a slow peer only delays
// its own messages.
func (s *Server) fanOut(job broadcastJob) {
	start := time.Now()

	recipients := 0
	for _, sess := range s.registry.Snapshot() {
		if sess == job.exclude || !sess.receives(job.channelID) {
			continue
		}
		if sess.outbox.post(outgoing{msg: job.msg}) {
			recipients++
		}
	}

	s.metrics.RecordBroadcast(protocol.TypeName(job.msg.Type()), recipients, time.Since(start).Seconds())
}

func (s *Server) broadcast(from *Session, channelID string, msg protocol.Message) {
	if err := s.Broadcast(s.ctx, channelID, msg, from); err != nil {
		debugLog.Printf("Broadcast to %s dropped: %v", channelID, err)
	}
}

// notify broadcasts a server notice
func (s *Server) notify(from *Session, channelID, content string) {
	s.broadcast(from, channelID, protocol.MsgMessage{DisplayName: ServerDisplayName, Content: content})
}
