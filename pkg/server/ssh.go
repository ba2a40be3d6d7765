package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := net.JoinHostPort(s.config.ListenIP, strconv.Itoa(s.config.SSHPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	log.Printf("SSH server listening on %s", listener.Addr())
	s.serveSSH(listener, hostKey)
	return nil
}

// serveSSH accepts SSH connections on listener until shutdown
func (s *Server) serveSSH(listener net.Listener, hostKey ssh.Signer) {
	config := &ssh.ServerConfig{
		// Identity comes from AUTH inside the channel
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-IPK24Chat"
	config.AddHostKey(hostKey)

	s.sshListener = listener

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection. Every session
// channel opened on it is a separate chat session.
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	// Channels end with their sessions but the connection needs closing on shutdown
	stop := context.AfterFunc(s.ctx, func() { sshConn.Close() })
	defer stop()

	go ssh.DiscardRequests(reqs)

	var channels atomic.Int64
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			debugLog.Printf("Could not accept channel: %v", err)
			continue
		}

		conn := &sshChannelConn{
			channel: channel,
			local:   sshConn.LocalAddr(),
			remote:  sshConn.RemoteAddr(),
		}
		ep := Endpoint{
			Transport: TransportSSH,
			Addr:      fmt.Sprintf("%s#%d", sshConn.RemoteAddr(), channels.Add(1)),
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go s.handleSSHChannelRequests(requests)
			s.serveStream(ep, conn)
		}()
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn interface.
// ssh.Channel has no deadlines, so an expired write deadline closes the
// channel instead: the blocked Write returns and the session is torn down.
// Read deadlines are not supported.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr

	mu            sync.Mutex
	writeTimer    *time.Timer
	writeDeadline time.Time
	writeExpired  bool
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	expired := c.writeExpired
	c.mu.Unlock()
	if expired {
		return 0, os.ErrDeadlineExceeded
	}

	n, err := c.channel.Write(b)
	if err != nil {
		c.mu.Lock()
		expired = c.writeExpired
		c.mu.Unlock()
		if expired {
			return n, fmt.Errorf("%w: %v", os.ErrDeadlineExceeded, err)
		}
	}
	return n, err
}

func (c *sshChannelConn) Close() error {
	c.mu.Lock()
	if c.writeTimer != nil {
		c.writeTimer.Stop()
	}
	c.mu.Unlock()
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	return c.local
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	return c.SetWriteDeadline(t)
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline arms a timer that closes the channel at t. A zero t disarms it.
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeExpired {
		return nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
	c.writeDeadline = t
	if t.IsZero() {
		return nil
	}

	c.writeTimer = time.AfterFunc(time.Until(t), func() {
		c.mu.Lock()
		if !c.writeDeadline.Equal(t) {
			c.mu.Unlock()
			return
		}
		c.writeExpired = true
		c.mu.Unlock()
		c.channel.Close()
	})
	return nil
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
