package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound indicates no audit row exists for the session ID
var ErrSessionNotFound = errors.New("session not found")

// DB wraps the SQLite audit database
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	ids         *idGenerator
	WriteBuffer *WriteBuffer
}

// Open opens a connection to the SQLite database at the given path
// and applies pending migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows readers alongside the single writer
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Configure write connection: exactly 1 connection, no pooling
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := migrateAuditSchema(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		ids:       newIDGenerator(auditEpoch),
	}
	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)

	return db, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close flushes buffered writes and closes the database
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// Session is the audit record of one client session
type Session struct {
	ID              string  `json:"id"`
	Transport       string  `json:"transport"`
	RemoteAddr      string  `json:"remote_addr"`
	Username        *string `json:"username,omitempty"`
	DisplayName     *string `json:"display_name,omitempty"`
	OpenedAt        int64   `json:"opened_at"`                  // Unix timestamp in milliseconds
	AuthenticatedAt *int64  `json:"authenticated_at,omitempty"` // Unix timestamp in milliseconds
	ClosedAt        *int64  `json:"closed_at,omitempty"`        // Unix timestamp in milliseconds
	CloseReason     *string `json:"close_reason,omitempty"`
}

// Message is the audit record of one relayed chat message
type Message struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	ChannelID   string `json:"channel_id"`
	DisplayName string `json:"display_name"`
	Content     string `json:"content"`
	PostedAt    int64  `json:"posted_at"` // Unix timestamp in milliseconds
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CountSessions returns the number of sessions ever recorded
func (db *DB) CountSessions() (int64, error) {
	var count int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// CountMessages returns the number of messages ever recorded
func (db *DB) CountMessages() (int64, error) {
	var count int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetSession returns the audit record for a session
func (db *DB) GetSession(id string) (*Session, error) {
	sess := &Session{}
	var username, displayName, closeReason sql.NullString
	var authenticatedAt, closedAt sql.NullInt64

	err := db.conn.QueryRow(`
		SELECT id, transport, remote_addr, username, display_name, opened_at, authenticated_at, closed_at, close_reason
		FROM sessions WHERE id = ?
	`, id).Scan(
		&sess.ID,
		&sess.Transport,
		&sess.RemoteAddr,
		&username,
		&displayName,
		&sess.OpenedAt,
		&authenticatedAt,
		&closedAt,
		&closeReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if username.Valid {
		sess.Username = &username.String
	}
	if displayName.Valid {
		sess.DisplayName = &displayName.String
	}
	if authenticatedAt.Valid {
		sess.AuthenticatedAt = &authenticatedAt.Int64
	}
	if closedAt.Valid {
		sess.ClosedAt = &closedAt.Int64
	}
	if closeReason.Valid {
		sess.CloseReason = &closeReason.String
	}

	return sess, nil
}

// ListMessages returns up to limit of the most recent messages in a channel, newest first
func (db *DB) ListMessages(channelID string, limit int) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, channel_id, display_name, content, posted_at
		FROM messages
		WHERE channel_id = ?
		ORDER BY posted_at DESC, id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.ChannelID, &msg.DisplayName, &msg.Content, &msg.PostedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
