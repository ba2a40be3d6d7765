package database

import (
	"log"
	"sync"
	"time"
)

// WriteBuffer batches audit writes so that session and message traffic
// never waits on SQLite. Every flush is one transaction.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration
	flushMu       sync.Mutex // One flush at a time, so batches commit in order

	mu       sync.Mutex
	opens    []pendingOpen
	auths    map[string]pendingAuth // sessionID -> latest authentication
	messages []pendingMessage
	closes   map[string]pendingClose // sessionID -> close

	// Shutdown
	closeOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

type pendingOpen struct {
	sessionID  string
	transport  string
	remoteAddr string
	at         int64
}

type pendingAuth struct {
	username    string
	displayName string
	at          int64
}

type pendingMessage struct {
	sessionID   string
	channelID   string
	displayName string
	content     string
	at          int64
}

type pendingClose struct {
	reason string
	at     int64
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		auths:         make(map[string]pendingAuth),
		closes:        make(map[string]pendingClose),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// SessionOpened queues the insert of a new session row
func (wb *WriteBuffer) SessionOpened(sessionID, transport, remoteAddr string, at int64) {
	wb.mu.Lock()
	wb.opens = append(wb.opens, pendingOpen{sessionID: sessionID, transport: transport, remoteAddr: remoteAddr, at: at})
	wb.mu.Unlock()
}

// SessionAuthenticated queues the identity update of a session
func (wb *WriteBuffer) SessionAuthenticated(sessionID, username, displayName string, at int64) {
	wb.mu.Lock()
	wb.auths[sessionID] = pendingAuth{username: username, displayName: displayName, at: at}
	wb.mu.Unlock()
}

// MessagePosted queues the insert of a relayed chat message
func (wb *WriteBuffer) MessagePosted(sessionID, channelID, displayName, content string, at int64) {
	wb.mu.Lock()
	wb.messages = append(wb.messages, pendingMessage{
		sessionID:   sessionID,
		channelID:   channelID,
		displayName: displayName,
		content:     content,
		at:          at,
	})
	wb.mu.Unlock()
}

// SessionClosed queues the close of a session row
func (wb *WriteBuffer) SessionClosed(sessionID, reason string, at int64) {
	wb.mu.Lock()
	wb.closes[sessionID] = pendingClose{reason: reason, at: at}
	wb.mu.Unlock()
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

// flush writes everything buffered so far in one transaction. Opens go
// first and closes last, so a session opened and closed within one
// interval still ends up complete.
func (wb *WriteBuffer) flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()

	wb.mu.Lock()
	opens, auths, messages, closes := wb.opens, wb.auths, wb.messages, wb.closes
	wb.opens = nil
	wb.auths = make(map[string]pendingAuth)
	wb.messages = nil
	wb.closes = make(map[string]pendingClose)
	wb.mu.Unlock()

	totalItems := len(opens) + len(auths) + len(messages) + len(closes)
	if totalItems == 0 {
		return
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		wb.requeue(opens, auths, messages, closes)
		return
	}
	defer tx.Rollback()

	// 1. Session opens
	if len(opens) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO sessions (id, transport, remote_addr, opened_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare session insert: %v", err)
		} else {
			defer stmt.Close()
			for _, o := range opens {
				if _, err := stmt.Exec(o.sessionID, o.transport, o.remoteAddr, o.at); err != nil {
					log.Printf("WriteBuffer: failed to insert session %s: %v", o.sessionID, err)
				}
			}
		}
	}

	// 2. Authentications
	if len(auths) > 0 {
		stmt, err := tx.Prepare(`UPDATE sessions SET username = ?, display_name = ?, authenticated_at = ? WHERE id = ?`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare auth update: %v", err)
		} else {
			defer stmt.Close()
			for sessionID, a := range auths {
				if _, err := stmt.Exec(a.username, a.displayName, a.at, sessionID); err != nil {
					log.Printf("WriteBuffer: failed to update session %s: %v", sessionID, err)
				}
			}
		}
	}

	// 3. Messages
	if len(messages) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO messages (id, session_id, channel_id, display_name, content, posted_at) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
		} else {
			defer stmt.Close()
			for _, m := range messages {
				if _, err := stmt.Exec(wb.db.ids.Next(), m.sessionID, m.channelID, m.displayName, m.content, m.at); err != nil {
					log.Printf("WriteBuffer: failed to insert message from session %s: %v", m.sessionID, err)
				}
			}
		}
	}

	// 4. Session closes
	if len(closes) > 0 {
		stmt, err := tx.Prepare(`UPDATE sessions SET closed_at = ?, close_reason = ? WHERE id = ?`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare session close: %v", err)
		} else {
			defer stmt.Close()
			for sessionID, c := range closes {
				if _, err := stmt.Exec(c.at, c.reason, sessionID); err != nil {
					log.Printf("WriteBuffer: failed to close session %s: %v", sessionID, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		return
	}

	// Only log slow flushes (those that exceed the flush interval)
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d items (session_open:%d, session_auth:%d, message:%d, session_close:%d) total=%v",
			totalItems, len(opens), len(auths), len(messages), len(closes), elapsed)
	}
}

// requeue puts a batch back in front of anything queued since
func (wb *WriteBuffer) requeue(opens []pendingOpen, auths map[string]pendingAuth, messages []pendingMessage, closes map[string]pendingClose) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.opens = append(opens, wb.opens...)
	wb.messages = append(messages, wb.messages...)
	for id, a := range auths {
		if _, newer := wb.auths[id]; !newer {
			wb.auths[id] = a
		}
	}
	for id, c := range closes {
		if _, newer := wb.closes[id]; !newer {
			wb.closes[id] = c
		}
	}
}

// Flush writes everything buffered so far without waiting for the ticker
func (wb *WriteBuffer) Flush() {
	wb.flush()
}

// Close shuts down the write buffer and flushes remaining writes
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
		wb.wg.Wait()
	})
}
