package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatrelay/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// sessionLocks serializes message appends per session id. Cross-session
	// appends do not contend.
	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:           db,
		sessionLocks: make(map[string]*sync.Mutex),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			images TEXT,
			model TEXT,
			stats TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, message_id),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS personas (
			persona_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			model TEXT,
			system_prompt TEXT,
			PRIMARY KEY (user_id, persona_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) lockSession(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[sessionID] = l
	}
	return l
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.SessionID, session.UserID, session.Model, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetOwnedSession retrieves a session, enforcing ownership. A missing
// session and a session owned by someone else both return ErrSessionNotFound.
func (s *SQLiteStore) GetOwnedSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, model, created_at, updated_at FROM sessions WHERE session_id = ? AND user_id = ?`,
		sessionID, userID).Scan(&session.SessionID, &session.UserID, &session.Model, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// AppendMessage appends a message to a session transcript. Appends to the
// same session are serialized; the session's updated_at is bumped in the
// same transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	l := s.lockSession(msg.SessionID)
	l.Lock()
	defer l.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var images, stats sql.NullString
	if len(msg.Images) > 0 {
		b, err := json.Marshal(msg.Images)
		if err != nil {
			return fmt.Errorf("failed to marshal images: %w", err)
		}
		images = sql.NullString{String: string(b), Valid: true}
	}
	if msg.Stats != nil {
		b, err := json.Marshal(msg.Stats)
		if err != nil {
			return fmt.Errorf("failed to marshal stats: %w", err)
		}
		stats = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, role, content, images, model, stats, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.Role, msg.Content, images, nullString(msg.Model), stats, msg.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		msg.CreatedAt, msg.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMessages retrieves messages for a session in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, role, content, images, model, stats, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var images, model, stats sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &msg.Role, &msg.Content, &images, &model, &stats, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if images.Valid {
			if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
				return nil, fmt.Errorf("failed to unmarshal images: %w", err)
			}
		}
		if model.Valid {
			msg.Model = model.String
		}
		if stats.Valid {
			msg.Stats = &domain.Statistics{}
			if err := json.Unmarshal([]byte(stats.String), msg.Stats); err != nil {
				return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetPersona retrieves a persona for a user, falling back to the default
// identity's persona of the same id so shared personas resolve for everyone.
func (s *SQLiteStore) GetPersona(ctx context.Context, personaID, userID string) (*domain.Persona, error) {
	p, err := s.getPersona(ctx, personaID, userID)
	if err != nil {
		return nil, err
	}
	if p == nil && userID != domain.AnonymousUserID {
		p, err = s.getPersona(ctx, personaID, domain.AnonymousUserID)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *SQLiteStore) getPersona(ctx context.Context, personaID, userID string) (*domain.Persona, error) {
	var p domain.Persona
	var model, prompt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT persona_id, user_id, name, model, system_prompt FROM personas WHERE persona_id = ? AND user_id = ?`,
		personaID, userID).Scan(&p.PersonaID, &p.UserID, &p.Name, &model, &prompt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if model.Valid {
		p.Model = model.String
	}
	if prompt.Valid {
		p.SystemPrompt = prompt.String
	}
	return &p, nil
}

// UpsertPersona creates or replaces a persona.
func (s *SQLiteStore) UpsertPersona(ctx context.Context, persona *domain.Persona) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO personas (persona_id, user_id, name, model, system_prompt) VALUES (?, ?, ?, ?, ?)`,
		persona.PersonaID, persona.UserID, persona.Name, nullString(persona.Model), nullString(persona.SystemPrompt))
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
