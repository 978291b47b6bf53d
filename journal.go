package taskmesh

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// JournalConfig configures the optional SQLite message journal.
type JournalConfig struct {
	// Enabled turns the journal on.
	Enabled bool `yaml:"enabled"`

	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000
	BusyTimeout int `yaml:"busy_timeout"`

	// Retention drops journal rows older than this during Prune.
	// Default: 24h
	Retention time.Duration `yaml:"retention"`
}

// JournalEntry is one recorded envelope.
type JournalEntry struct {
	ID         int64       `json:"id"`
	Direction  string      `json:"direction"`
	MessageID  string      `json:"message_id"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Type       MessageType `json:"type"`
	RecordedAt time.Time   `json:"recorded_at"`
	Envelope   *Envelope   `json:"envelope"`
}

// MessageJournal persists every envelope the gateway sees to SQLite, giving
// operators an audit trail they can query with standard SQLite tools.
type MessageJournal struct {
	db     *sql.DB
	config JournalConfig

	mu     sync.Mutex
	closed bool

	insertStmt *sql.Stmt
}

// OpenMessageJournal opens (creating if needed) a journal at config.Path.
func OpenMessageJournal(config JournalConfig) (*MessageJournal, error) {
	if config.Path == "" {
		config.Path = "taskmesh-journal.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", config.Path, err)
	}

	j := &MessageJournal{db: db, config: config}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	if err := j.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: prepare statements: %w", err)
	}
	return j, nil
}

func (j *MessageJournal) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			direction TEXT NOT NULL,
			message_id TEXT NOT NULL,
			from_node TEXT NOT NULL,
			to_node TEXT NOT NULL,
			type TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			envelope TEXT NOT NULL  -- JSON encoded envelope
		);

		CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_recorded_at ON messages(recorded_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *MessageJournal) prepareStatements() error {
	stmt, err := j.db.Prepare(`
		INSERT INTO messages (direction, message_id, from_node, to_node, type, recorded_at, envelope)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	j.insertStmt = stmt
	return nil
}

// Append records one envelope. Direction is "in" or "out" from the
// coordinator's point of view.
func (j *MessageJournal) Append(direction string, env *Envelope) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("journal: encode envelope: %w", err)
	}
	_, err = j.insertStmt.Exec(direction, env.MessageID, env.From, env.To,
		string(env.Type), time.Now().UnixMilli(), string(data))
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *MessageJournal) Recent(limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := j.db.Query(`
		SELECT id, direction, message_id, from_node, to_node, type, recorded_at, envelope
		FROM messages ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			entry      JournalEntry
			typ        string
			recordedAt int64
			raw        string
		)
		if err := rows.Scan(&entry.ID, &entry.Direction, &entry.MessageID,
			&entry.From, &entry.To, &typ, &recordedAt, &raw); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		entry.Type = MessageType(typ)
		entry.RecordedAt = time.UnixMilli(recordedAt)
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			entry.Envelope = &env
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ByMessageID returns all entries recorded for a message id, oldest first.
func (j *MessageJournal) ByMessageID(messageID string) ([]JournalEntry, error) {
	rows, err := j.db.Query(`
		SELECT id, direction, message_id, from_node, to_node, type, recorded_at, envelope
		FROM messages WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			entry      JournalEntry
			typ        string
			recordedAt int64
			raw        string
		)
		if err := rows.Scan(&entry.ID, &entry.Direction, &entry.MessageID,
			&entry.From, &entry.To, &typ, &recordedAt, &raw); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		entry.Type = MessageType(typ)
		entry.RecordedAt = time.UnixMilli(recordedAt)
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			entry.Envelope = &env
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the configured retention and returns the
// number removed.
func (j *MessageJournal) Prune() (int64, error) {
	cutoff := time.Now().Add(-j.config.Retention).UnixMilli()
	res, err := j.db.Exec(`DELETE FROM messages WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database.
func (j *MessageJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if j.insertStmt != nil {
		j.insertStmt.Close()
	}
	return j.db.Close()
}
