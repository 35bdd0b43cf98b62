package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type fakeSessionDB struct {
	sessions    map[uuid.UUID]*Session
	messages    map[uuid.UUID][]Message
	checkpoints map[uuid.UUID]Checkpoint
}

func newFakeSessionDB() *fakeSessionDB {
	return &fakeSessionDB{
		sessions:    map[uuid.UUID]*Session{},
		messages:    map[uuid.UUID][]Message{},
		checkpoints: map[uuid.UUID]Checkpoint{},
	}
}

func (f *fakeSessionDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO public.sessions"):
		sessionID := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		corpusID := args[2].(uuid.UUID)
		existing, ok := f.sessions[sessionID]
		if ok && existing.TenantID != tenantID {
			return sessionFakeRow{missing: true}
		}
		now := time.Now()
		if ok {
			existing.CorpusID = corpusID
			existing.UpdatedAt = now
			return sessionFakeRow{sess: existing}
		}
		s := &Session{ID: sessionID, TenantID: tenantID, CorpusID: corpusID, CreatedAt: now, UpdatedAt: now}
		f.sessions[sessionID] = s
		return sessionFakeRow{sess: s}
	case strings.Contains(sql, "SELECT corpus_id"):
		tenantID := args[0].(uuid.UUID)
		id := args[1].(uuid.UUID)
		s, ok := f.sessions[id]
		if !ok || s.TenantID != tenantID {
			return sessionFakeRow{missing: true}
		}
		return sessionFakeRow{sess: s}
	case strings.Contains(sql, "INSERT INTO public.messages"):
		id := args[0].(uuid.UUID)
		sessionID := args[1].(uuid.UUID)
		tenantID := args[2].(uuid.UUID)
		role := args[3].(string)
		content := args[4].(string)
		now := time.Now()
		f.messages[sessionID] = append(f.messages[sessionID], Message{
			ID: id, SessionID: sessionID, TenantID: tenantID, Role: Role(role), Content: content, CreatedAt: now,
		})
		return sessionFakeRow{createdAt: now}
	}
	return sessionFakeRow{missing: true}
}

func (f *fakeSessionDB) Exec(_ context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	if strings.Contains(sql, "INSERT INTO public.session_checkpoints") {
		sessionID := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		requestID := args[2].(uuid.UUID)
		f.checkpoints[sessionID] = Checkpoint{SessionID: sessionID, TenantID: tenantID, LastRequestID: requestID, UpdatedAt: time.Now()}
	}
	return pgx.CommandTag{}, nil
}

func (f *fakeSessionDB) Query(_ context.Context, _ string, args ...any) (Rows, error) {
	tenantID := args[0].(uuid.UUID)
	sessionID := args[1].(uuid.UUID)
	var msgs []Message
	for _, m := range f.messages[sessionID] {
		if m.TenantID == tenantID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return &fakeSessionRows{msgs: msgs, idx: -1}, nil
}

type sessionFakeRow struct {
	sess      *Session
	missing   bool
	createdAt time.Time
}

func (r sessionFakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	if r.sess == nil {
		*dest[0].(*time.Time) = r.createdAt
		return nil
	}
	*dest[0].(*uuid.UUID) = r.sess.TenantID
	*dest[1].(*uuid.UUID) = r.sess.CorpusID
	*dest[2].(*time.Time) = r.sess.CreatedAt
	*dest[3].(*time.Time) = r.sess.UpdatedAt
	return nil
}

type fakeSessionRows struct {
	msgs []Message
	idx  int
}

func (r *fakeSessionRows) Next() bool {
	r.idx++
	return r.idx < len(r.msgs)
}

func (r *fakeSessionRows) Scan(dest ...any) error {
	m := r.msgs[r.idx]
	*dest[0].(*uuid.UUID) = m.ID
	*dest[1].(*string) = string(m.Role)
	*dest[2].(*string) = m.Content
	*dest[3].(*time.Time) = m.CreatedAt
	return nil
}

func (r *fakeSessionRows) Err() error { return nil }
func (r *fakeSessionRows) Close()     {}

func TestStore_UpsertCreatesThenTouchesSession(t *testing.T) {
	db := newFakeSessionDB()
	s := NewStore(db)
	ctx := context.Background()
	tenantID, sessionID, corpusID := uuid.New(), uuid.New(), uuid.New()

	sess, err := s.Upsert(ctx, tenantID, sessionID, corpusID)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if sess.TenantID != tenantID || sess.CorpusID != corpusID {
		t.Fatalf("Session = %+v, want tenant=%s corpus=%s", sess, tenantID, corpusID)
	}

	otherCorpus := uuid.New()
	sess2, err := s.Upsert(ctx, tenantID, sessionID, otherCorpus)
	if err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if sess2.CorpusID != otherCorpus {
		t.Fatalf("CorpusID = %s, want %s (re-upsert should update it)", sess2.CorpusID, otherCorpus)
	}
}

func TestStore_UpsertReturnsErrTenantMismatch(t *testing.T) {
	db := newFakeSessionDB()
	s := NewStore(db)
	ctx := context.Background()
	sessionID, corpusID := uuid.New(), uuid.New()

	if _, err := s.Upsert(ctx, uuid.New(), sessionID, corpusID); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}

	_, err := s.Upsert(ctx, uuid.New(), sessionID, corpusID)
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("Upsert() error = %v, want ErrTenantMismatch", err)
	}
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	db := newFakeSessionDB()
	s := NewStore(db)
	if _, err := s.Get(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_RecentMessagesOrdersOldestFirst(t *testing.T) {
	db := newFakeSessionDB()
	s := NewStore(db)
	ctx := context.Background()
	tenantID, sessionID, corpusID := uuid.New(), uuid.New(), uuid.New()
	if _, err := s.Upsert(ctx, tenantID, sessionID, corpusID); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if _, err := s.AppendMessage(ctx, tenantID, sessionID, RoleUser, "hi"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if _, err := s.AppendMessage(ctx, tenantID, sessionID, RoleAssistant, "hello"); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	msgs, err := s.RecentMessages(ctx, tenantID, sessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "hello" {
		t.Fatalf("RecentMessages() = %+v, want [hi, hello]", msgs)
	}
}

func TestStore_SetCheckpointUpserts(t *testing.T) {
	db := newFakeSessionDB()
	s := NewStore(db)
	ctx := context.Background()
	tenantID, sessionID := uuid.New(), uuid.New()

	req1 := uuid.New()
	if err := s.SetCheckpoint(ctx, tenantID, sessionID, req1); err != nil {
		t.Fatalf("SetCheckpoint() error = %v", err)
	}
	req2 := uuid.New()
	if err := s.SetCheckpoint(ctx, tenantID, sessionID, req2); err != nil {
		t.Fatalf("second SetCheckpoint() error = %v", err)
	}
	if db.checkpoints[sessionID].LastRequestID != req2 {
		t.Fatalf("LastRequestID = %s, want %s", db.checkpoints[sessionID].LastRequestID, req2)
	}
}
