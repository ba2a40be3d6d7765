package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// DefaultChannel is the channel every session starts in
const DefaultChannel = "default"

// ServerDisplayName is the sender of join/leave notices and server errors
const ServerDisplayName = "Server"

// SessionState is the protocol state of one session
type SessionState int32

const (
	StateStart SessionState = iota
	StateOpen
	StateError
	StateEnd
)

func (st SessionState) String() string {
	switch st {
	case StateStart:
		return "start"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateEnd:
		return "end"
	default:
		return "invalid"
	}
}

func (st SessionState) terminal() bool {
	return st == StateError || st == StateEnd
}

// Endpoint identifies a client connection. Addr is the client's ip:port
// (plus a channel suffix for SSH); Transport keeps a TCP and a UDP client
// on the same ip:port apart.
type Endpoint struct {
	Transport string
	Addr      string
}

func (e Endpoint) String() string {
	return e.Addr
}

// inbound is one decoded client message waiting in a session's inbox.
// A nil msg means the underlying connection is gone.
type inbound struct {
	msg     protocol.Message
	id      uint16
	release func()
}

// outgoing is one message waiting in a session's outbox.
// done, when set, receives the send result instead of the default failure handling.
type outgoing struct {
	msg  protocol.Message
	ctx  context.Context
	done func(error)
}

// Session represents one connected client
type Session struct {
	ID          string
	Endpoint    Endpoint
	ConnectedAt time.Time
	link        Link

	mu          sync.Mutex // Protects everything below
	state       SessionState
	username    string
	displayName string
	secretHash  []byte
	secretSalt  []byte
	channel     string

	ctx    context.Context
	cancel context.CancelFunc

	inbox  *mailbox[inbound]
	outbox *mailbox[outgoing]
}

func newSession(parent context.Context, ep Endpoint, link Link) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:          uuid.NewString(),
		Endpoint:    ep,
		ConnectedAt: time.Now(),
		link:        link,
		state:       StateStart,
		channel:     DefaultChannel,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// State returns the current protocol state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the username given at authentication
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// DisplayName returns the most recent display name
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Channel returns the channel the session is in
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Transport returns the transport kind of the session's link
func (s *Session) Transport() string {
	return s.link.Transport()
}

// receives reports whether a broadcast to channelID should reach this session
func (s *Session) receives(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen && s.channel == channelID
}

// authenticate stores the identity and opens the session.
// It is a no-op unless the session is still in StateStart.
func (s *Session) authenticate(username, displayName, secret string) bool {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return false
	}
	hash := hashSecret(secret, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStart {
		return false
	}
	s.username = username
	s.displayName = displayName
	s.secretSalt = salt
	s.secretHash = hash
	s.state = StateOpen
	return true
}

// VerifySecret reports whether secret matches the one given at authentication
func (s *Session) VerifySecret(secret string) bool {
	s.mu.Lock()
	salt, hash := s.secretSalt, s.secretHash
	s.mu.Unlock()

	if hash == nil {
		return false
	}
	return subtle.ConstantTimeCompare(hashSecret(secret, salt), hash) == 1
}

func (s *Session) setDisplayName(name string) {
	s.mu.Lock()
	s.displayName = name
	s.mu.Unlock()
}

// switchChannel moves the session to channelID under a new display name and
// returns where it was and what it was called
func (s *Session) switchChannel(channelID, displayName string) (oldChannel, oldDisplayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldChannel, oldDisplayName = s.channel, s.displayName
	s.channel = channelID
	s.displayName = displayName
	return oldChannel, oldDisplayName
}

// fail moves a live session to StateError. Messages still queued for it are ignored.
func (s *Session) fail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return false
	}
	s.state = StateError
	return true
}

// end moves the session to StateEnd exactly once and reports whether it had authenticated
func (s *Session) end() (authenticated bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnd {
		return false, false
	}
	s.state = StateEnd
	return s.username != "", true
}

// Argon2id parameters for the session secret
const (
	argonTime    = 1
	argonMemory  = 8 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

func hashSecret(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
