// Package session is the conversational state /run reads and writes: a
// Session groups a corpus and a history of Messages under a session_id,
// and a Checkpoint records the last request a session completed.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrTenantMismatch is returned when sessionID already belongs to a
// different tenant than the caller's.
var ErrTenantMismatch = errors.New("session: tenant mismatch")

// ErrNotFound is returned when no session matches.
var ErrNotFound = errors.New("session: not found")

// Role is a message's author, matching internal/llm.Role's vocabulary.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one conversational thread, scoped to a tenant and a corpus.
type Session struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	CorpusID  uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn of a session's history.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	TenantID  uuid.UUID
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Checkpoint records the last request a session completed.
type Checkpoint struct {
	SessionID     uuid.UUID
	TenantID      uuid.UUID
	LastRequestID uuid.UUID
	UpdatedAt     time.Time
}

// DBTX is the narrow subset of a pgx connection/pool the store needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Rows is the narrow slice of pgx.Rows Messages drives.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// QueryDB is the subset of *pgxpool.Pool Messages needs on top of DBTX.
type QueryDB interface {
	DBTX
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Store is the Postgres-backed public.sessions/messages/session_checkpoints store.
type Store struct {
	db QueryDB
}

func NewStore(db QueryDB) *Store {
	return &Store{db: db}
}

// Upsert race-safely creates or touches a session under (tenant_id, id).
// The ON CONFLICT ... WHERE clause only applies the update when the
// existing row's tenant matches; if sessionID already belongs to a
// different tenant, the conflicting row is left untouched and RETURNING
// yields no row, which this maps to ErrTenantMismatch rather than
// silently succeeding against someone else's session.
func (s *Store) Upsert(ctx context.Context, tenantID, sessionID, corpusID uuid.UUID) (*Session, error) {
	sess := Session{ID: sessionID}
	err := s.db.QueryRow(ctx, `
		INSERT INTO public.sessions (id, tenant_id, corpus_id, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (id) DO UPDATE SET corpus_id = EXCLUDED.corpus_id, updated_at = now()
		WHERE public.sessions.tenant_id = $2
		RETURNING tenant_id, corpus_id, created_at, updated_at
	`, sessionID, tenantID, corpusID).Scan(&sess.TenantID, &sess.CorpusID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTenantMismatch
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Get returns a session scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Session, error) {
	sess := Session{ID: id, TenantID: tenantID}
	err := s.db.QueryRow(ctx, `
		SELECT corpus_id, created_at, updated_at FROM public.sessions
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&sess.CorpusID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// AppendMessage records one turn of a session's history.
func (s *Store) AppendMessage(ctx context.Context, tenantID, sessionID uuid.UUID, role Role, content string) (*Message, error) {
	msg := Message{ID: uuid.New(), SessionID: sessionID, TenantID: tenantID, Role: role, Content: content}
	err := s.db.QueryRow(ctx, `
		INSERT INTO public.messages (id, session_id, tenant_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING created_at
	`, msg.ID, sessionID, tenantID, string(role), content).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// RecentMessages returns up to limit of a session's most recent messages,
// oldest first — ready to fold directly into an LLM request's History.
func (s *Store) RecentMessages(ctx context.Context, tenantID, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, role, content, created_at FROM (
			SELECT id, role, content, created_at FROM public.messages
			WHERE tenant_id = $1 AND session_id = $2
			ORDER BY created_at DESC
			LIMIT $3
		) recent ORDER BY created_at ASC
	`, tenantID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		m.SessionID = sessionID
		m.TenantID = tenantID
		if err := rows.Scan(&m.ID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetCheckpoint upserts the last request a session completed.
func (s *Store) SetCheckpoint(ctx context.Context, tenantID, sessionID, requestID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO public.session_checkpoints (session_id, tenant_id, last_request_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id) DO UPDATE SET last_request_id = EXCLUDED.last_request_id, updated_at = now()
	`, sessionID, tenantID, requestID)
	return err
}
