package server

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

// startSSHTestServer starts a server whose SSH listener is on a random port.
// SSHPort=0 disables SSH in Start, so the listener is wired up by hand.
func startSSHTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	srv := startTestServer(t, func(cfg *ServerConfig) {
		cfg.SSHHostKeyPath = t.TempDir() + "/ssh_host_key"
	})

	hostKey, err := srv.loadOrGenerateHostKey()
	if err != nil {
		t.Fatalf("Failed to load host key: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv.serveSSH(listener, hostKey)

	return srv, listener.Addr().String()
}

// connectSSH connects an SSH client to the test server
func connectSSH(t *testing.T, addr string) *ssh.Client {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate SSH key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	config := &ssh.ClientConfig{
		User:            "testuser",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// sshChat is one chat session running in an SSH session channel
type sshChat struct {
	t     *testing.T
	stdin io.Writer
	lines chan string
}

func openSSHChat(t *testing.T, client *ssh.Client) *sshChat {
	t.Helper()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	stdin, err := session.StdinPipe()
	if err != nil {
		t.Fatalf("Failed to get stdin: %v", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("Failed to get stdout: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Failed to request shell: %v", err)
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		r := bufio.NewReader(stdout)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimSuffix(line, "\r\n")
		}
	}()

	return &sshChat{t: t, stdin: stdin, lines: lines}
}

func (c *sshChat) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.stdin, line+"\r\n"); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
}

func (c *sshChat) expect(want string) {
	c.t.Helper()
	select {
	case got, ok := <-c.lines:
		if !ok {
			c.t.Fatalf("channel closed while waiting for %q", want)
		}
		if got != want {
			c.t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for %q", want)
	}
}

func TestSSHSessionChat(t *testing.T) {
	srv, addr := startSSHTestServer(t)

	client := connectSSH(t, addr)
	alice := openSSHChat(t, client)
	alice.send("AUTH alice AS Alice USING secret")
	alice.expect("REPLY OK IS Successfully authenticated")

	tcp := dialTCP(t, srv)
	tcp.login("bob", "Bob")
	alice.expect("MSG FROM Server IS Bob has joined default")

	alice.send("MSG FROM Alice IS over ssh")
	tcp.expect("MSG FROM Alice IS over ssh")
}

func TestSSHChannelsAreSeparateSessions(t *testing.T) {
	srv, addr := startSSHTestServer(t)

	client := connectSSH(t, addr)
	first := openSSHChat(t, client)
	second := openSSHChat(t, client)

	first.send("AUTH one AS One USING s")
	first.expect("REPLY OK IS Successfully authenticated")
	second.send("AUTH two AS Two USING s")
	second.expect("REPLY OK IS Successfully authenticated")
	first.expect("MSG FROM Server IS Two has joined default")

	count := 0
	for _, sess := range srv.Sessions().Snapshot() {
		if sess.Transport() == TransportSSH {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 SSH sessions, got %d", count)
	}
}

func TestLoadOrGenerateHostKeyPersists(t *testing.T) {
	keyPath := t.TempDir() + "/keys/host_key"
	cfg := DefaultConfig()
	cfg.SSHHostKeyPath = keyPath
	srv := &Server{config: cfg}

	first, err := srv.loadOrGenerateHostKey()
	if err != nil {
		t.Fatalf("Failed to generate host key: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Host key not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("Expected key mode 0600, got %o", info.Mode().Perm())
	}

	second, err := srv.loadOrGenerateHostKey()
	if err != nil {
		t.Fatalf("Failed to reload host key: %v", err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Fatal("Reloaded host key differs from the generated one")
	}
}

func TestLoadOrGenerateHostKeyRejectsEmptyPath(t *testing.T) {
	srv := &Server{config: ServerConfig{SSHHostKeyPath: "  "}}

	if _, err := srv.loadOrGenerateHostKey(); err == nil {
		t.Fatal("Expected an error for an empty host key path")
	}
}

// stalledChannel is an ssh.Channel whose peer never reads: writes block until Close
type stalledChannel struct {
	closeOnce sync.Once
	closed    chan struct{}
}

func newStalledChannel() *stalledChannel {
	return &stalledChannel{closed: make(chan struct{})}
}

func (c *stalledChannel) Read(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *stalledChannel) Write(b []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *stalledChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *stalledChannel) CloseWrite() error { return nil }

func (c *stalledChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	return false, nil
}

func (c *stalledChannel) Stderr() io.ReadWriter { return nil }

func TestSSHWriteDeadlineUnblocksStalledPeer(t *testing.T) {
	channel := newStalledChannel()
	conn := &sshChannelConn{channel: channel}

	conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte("BYE\r\n"))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write was not unblocked by the deadline")
	}
}

func TestSSHWriteDeadlineCleared(t *testing.T) {
	channel := newStalledChannel()
	conn := &sshChannelConn{channel: channel}

	conn.SetWriteDeadline(time.Now().Add(30 * time.Millisecond))
	conn.SetWriteDeadline(time.Time{})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-channel.closed:
		t.Fatal("cleared deadline still closed the channel")
	default:
	}
	conn.Close()
}

func TestSSHStreamLinkSendCancelled(t *testing.T) {
	channel := newStalledChannel()
	ep := Endpoint{Transport: TransportSSH, Addr: "127.0.0.1:2222#0"}
	link := newStreamLink(ep, &sshChannelConn{channel: channel})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- link.Send(ctx, protocol.ByeMessage{})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected send to a stalled peer to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelling the context did not unblock the send")
	}
}
