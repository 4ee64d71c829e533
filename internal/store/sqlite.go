package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"aigroup/internal/models"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite persists chat history in a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path, enables WAL mode and
// runs pending migrations.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serialises writers, so UpdateMessage never sees SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Create stores msg under a fresh id.
func (s *SQLite) Create(ctx context.Context, msg Message) (Message, error) {
	if msg.Role == "" {
		return Message{}, errors.New("message role must not be empty")
	}
	now := s.now().UTC()
	msg.ID = uuid.NewString()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, model, plugin_id, plugin_extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.Model, msg.PluginID, msg.PluginExtra,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const selectMessage = `
	SELECT id, session_id, role, content, model, plugin_id, plugin_extra, created_at, updated_at
	FROM messages`

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg              Message
		role             string
		created, updated string
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.Model,
		&msg.PluginID, &msg.PluginExtra, &created, &updated); err != nil {
		return Message{}, err
	}
	msg.Role = models.Role(role)
	msg.CreatedAt, _ = time.Parse(timeFormat, created)
	msg.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return msg, nil
}

// Message returns one message.
func (s *SQLite) Message(ctx context.Context, id string) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies mutate inside a transaction. The id and creation time
// cannot be changed.
func (s *SQLite) UpdateMessage(ctx context.Context, id string, mutate func(*Message)) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Message{}, fmt.Errorf("query message: %w", err)
	}

	created := msg.CreatedAt
	mutate(&msg)
	msg.ID = id
	msg.CreatedAt = created
	msg.UpdatedAt = s.now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET session_id=?, role=?, content=?, model=?, plugin_id=?, plugin_extra=?, updated_at=?
		WHERE id=?`,
		msg.SessionID, string(msg.Role), msg.Content, msg.Model, msg.PluginID, msg.PluginExtra,
		msg.UpdatedAt.Format(timeFormat), id,
	); err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit update: %w", err)
	}
	return msg, nil
}

// Session lists the messages of a session in creation order.
func (s *SQLite) Session(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
