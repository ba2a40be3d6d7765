package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/ipk24chat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var errConnectionClosed = errors.New("connection closed")

// Stats tracks performance metrics
type Stats struct {
	messagesPosted   atomic.Int64
	messagesReceived atomic.Int64
	totalReplyTime   atomic.Int64 // in microseconds
	replies          atomic.Int64
	connectionErrors atomic.Int64

	// Detailed failure tracking
	rejected       atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	serverErrors   atomic.Int64
}

func (s *Stats) recordReply(responseTimeUs int64) {
	s.replies.Add(1)
	s.totalReplyTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (posted, received, connErrors int64, avgReplyUs float64) {
	posted = s.messagesPosted.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if replies := s.replies.Load(); replies > 0 {
		avgReplyUs = float64(s.totalReplyTime.Load()) / float64(replies)
	}

	return
}

// BotClient is a scripted IPK24-CHAT client speaking the TCP text protocol
type BotClient struct {
	id          int
	username    string
	displayName string
	conn        net.Conn
	stats       *Stats

	// Every message the server sends goes here; replies go to replies
	replies chan protocol.ReplyMessage
	done    chan struct{}
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	bc := &BotClient{
		id:          id,
		username:    fmt.Sprintf("bot%d", id),
		displayName: fmt.Sprintf("Bot%d", id),
		conn:        conn,
		stats:       stats,
		replies:     make(chan protocol.ReplyMessage, 4),
		done:        make(chan struct{}),
	}
	go bc.readLoop()
	return bc, nil
}

// readLoop counts relayed messages and hands replies to whoever waits for one
func (bc *BotClient) readLoop() {
	defer close(bc.done)

	var splitter protocol.LineSplitter
	buf := make([]byte, 4096)
	for {
		n, err := bc.conn.Read(buf)
		for _, line := range splitter.Feed(buf[:n]) {
			switch msg := protocol.DecodeTCP(line).(type) {
			case protocol.ReplyMessage:
				select {
				case bc.replies <- msg:
				default:
				}
			case protocol.MsgMessage:
				bc.stats.messagesReceived.Add(1)
			case protocol.ErrMessage:
				bc.stats.serverErrors.Add(1)
				log.Printf("[Bot %d] ERR from %s: %s", bc.id, msg.DisplayName, msg.Content)
			case protocol.ByeMessage:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (bc *BotClient) send(msg protocol.Message) error {
	data, err := protocol.EncodeTCP(msg)
	if err != nil {
		return err
	}
	if _, err := bc.conn.Write(data); err != nil {
		bc.stats.disconnections.Add(1)
		return err
	}
	return nil
}

// request sends msg and waits for the REPLY
func (bc *BotClient) request(msg protocol.Message) error {
	start := time.Now()
	if err := bc.send(msg); err != nil {
		return err
	}

	select {
	case reply := <-bc.replies:
		bc.stats.recordReply(time.Since(start).Microseconds())
		if !reply.Success {
			bc.stats.rejected.Add(1)
			return fmt.Errorf("request rejected: %s", reply.Content)
		}
		return nil
	case <-bc.done:
		bc.stats.disconnections.Add(1)
		return errConnectionClosed
	case <-time.After(5 * time.Second):
		bc.stats.timeouts.Add(1)
		return fmt.Errorf("timeout waiting for reply")
	}
}

func (bc *BotClient) Setup(channels int) error {
	auth := protocol.AuthMessage{Username: bc.username, DisplayName: bc.displayName, Secret: "loadtest"}
	if err := bc.request(auth); err != nil {
		return err
	}

	if channels <= 0 {
		return nil
	}
	channel := fmt.Sprintf("load%d", rand.Intn(channels))
	return bc.request(protocol.JoinMessage{ChannelID: channel, DisplayName: bc.displayName})
}

func (bc *BotClient) PostRandomMessage() error {
	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	if err := bc.send(protocol.MsgMessage{DisplayName: bc.displayName, Content: strings.Join(words, " ")}); err != nil {
		return err
	}
	bc.stats.messagesPosted.Add(1)
	return nil
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.PostRandomMessage(); err != nil {
			return
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-bc.done:
			bc.stats.disconnections.Add(1)
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	bc.send(protocol.ByeMessage{})

	// Give server time to process the BYE before closing the connection
	time.Sleep(100 * time.Millisecond)
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:4567", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	channels := flag.Int("channels", 5, "Number of channels to spread clients over, 0 keeps everyone in default")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if *numClients <= 0 {
		fmt.Fprintln(os.Stderr, "clients must be positive")
		os.Exit(2)
	}

	// Calculate stagger delay: ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d over %d channels", *numClients, *channels)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()

				log.Printf("Stats: %d posted (%.1f/s), %d received (%.1f/s), %d conn errors, avg reply %.2fms",
					posted, float64(posted)/elapsed, received, float64(received)/elapsed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopOnce.Do(func() { close(stopStats) })
		os.Exit(1)
	}()

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Calculate shutdown delay for this bot (reverse order for ramp-down)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Setup(*channels); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		// Stagger client connections based on calculated delay
		time.Sleep(staggerDelay)
	}

	// Wait for all clients to finish
	wg.Wait()
	stopOnce.Do(func() { close(stopStats) })

	// Final stats
	posted, received, connErrors, avgUs := stats.snapshot()
	totalDuration := *duration
	rate := float64(posted) / totalDuration.Seconds()

	// Calculate expected throughput
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(totalDuration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(*numClients)

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Messages received: %d (%.1f/s)", received, float64(received)/totalDuration.Seconds())
	log.Printf("Failures:")
	log.Printf("  - Rejected requests: %d", stats.rejected.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average reply time: %.2fms", avgUs/1000.0)
	if expectedTotal > 0 {
		log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
		log.Printf("Actual vs expected: %.1f%% efficiency", float64(posted)/expectedTotal*100)
	}
}
