package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aeolun/ipk24chat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.ipk24chat/config.toml", "Path to config file")
	listenIP := flag.String("l", "", "IP address to listen on (overrides config)")
	port := flag.Int("p", 0, "TCP and UDP port to listen on (overrides config)")
	timeoutMs := flag.Int("d", 0, "UDP confirmation timeout in milliseconds (overrides config)")
	retries := flag.Int("r", -1, "Maximum number of UDP retransmissions (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for /metrics, /health and /ws, 0 disables (overrides config)")
	sshPort := flag.Int("ssh-port", -1, "SSH port, 0 disables (overrides config)")
	auditDB := flag.String("audit-db", "", "Path to SQLite audit database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noTrace := flag.Bool("no-trace", false, "Do not print RECV/SENT lines")
	noStdin := flag.Bool("no-stdin", false, "Keep running at end of input on stdin (for daemons and services)")
	pprofAddr := flag.String("pprof", "", "Address for the pprof HTTP server, e.g. localhost:6060")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("IPK24-CHAT Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	serverConfig := config.ToServerConfig()

	// Command-line flags override config file
	if *listenIP != "" {
		serverConfig.ListenIP = *listenIP
	}
	if *port != 0 {
		serverConfig.Port = *port
	}
	if *timeoutMs != 0 {
		serverConfig.ConfirmationTimeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	if *retries >= 0 {
		serverConfig.MaxRetransmissions = *retries
	}
	if *httpPort >= 0 {
		serverConfig.HTTPPort = *httpPort
	}
	if *sshPort >= 0 {
		serverConfig.SSHPort = *sshPort
	}
	if *auditDB != "" {
		serverConfig.AuditDBPath = *auditDB
	}

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	// Enable debug logging if requested
	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}
	if *noTrace {
		srv.DisableIOTrace()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("IPK24-CHAT server %s started successfully", Version)
	log.Printf("Config: %s (using defaults if not found)", *configPath)
	log.Printf("Available connection methods:")
	log.Printf("  - TCP: %s", srv.TCPAddr())
	log.Printf("  - UDP: %s (timeout %v, %d retransmissions)",
		srv.UDPAddr(), serverConfig.ConfirmationTimeout, serverConfig.MaxRetransmissions)
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
		log.Printf("  - Metrics: http://server:%d/metrics", serverConfig.HTTPPort)
	}
	if serverConfig.AuditDBPath != "" {
		log.Printf("Audit database: %s", serverConfig.AuditDBPath)
	}

	// Start pprof HTTP server for profiling
	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var stdin io.Reader = os.Stdin
	if *noStdin {
		stdin = nil
	}
	reason := waitForStop(sigChan, stdin)
	log.Printf("Shutting down server (%s)...", reason)

	// Room for every UDP client to confirm its BYE
	timeout := serverConfig.ConfirmationTimeout*time.Duration(serverConfig.MaxRetransmissions+1) + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// waitForStop blocks until a signal arrives or stdin reaches end of input.
// A nil stdin is not watched.
func waitForStop(signals <-chan os.Signal, stdin io.Reader) string {
	var eof chan struct{}
	if stdin != nil {
		eof = make(chan struct{})
		go func() {
			io.Copy(io.Discard, stdin)
			close(eof)
		}()
	}

	select {
	case sig := <-signals:
		return sig.String()
	case <-eof:
		return "end of input"
	}
}
