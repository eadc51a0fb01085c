package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/repository"
)

// mockAuditRepo はAuditRepositoryのモック。
type mockAuditRepo struct {
	mu         sync.Mutex
	events     []model.AuditEvent
	calls      int
	lastFilter model.AuditFilter

	insertFn func(ctx context.Context, events []model.AuditEvent) error
	listFn   func(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error)
}

var _ repository.AuditRepository = (*mockAuditRepo)(nil)

func (m *mockAuditRepo) InsertBatch(ctx context.Context, events []model.AuditEvent) error {
	m.mu.Lock()
	m.calls++
	fn := m.insertFn
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, events); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *mockAuditRepo) List(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	m.mu.Lock()
	m.lastFilter = f
	m.mu.Unlock()
	if m.listFn != nil {
		return m.listFn(ctx, f)
	}
	return nil, nil
}

func (m *mockAuditRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockAuditRepo) persisted() []model.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEvent(nil), m.events...)
}

func (m *mockAuditRepo) insertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// syncBuffer は複数ゴルーチンから書き込まれるログを保持する。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fallbackEntries はフォールバックログに書き出されたイベントを返す。
func (b *syncBuffer) fallbackEntries(t *testing.T) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		if entry["msg"] == fallbackMessage {
			out = append(out, entry)
		}
	}
	return out
}

func newTestLogger(buf *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func countType(events []model.AuditEvent, typ model.AuditEventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestLog_FillsMetadataAndPersistsOnClose(t *testing.T) {
	repo := &mockAuditRepo{}
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(repo, nil, Config{Shards: 2, BufferSize: 64, BatchSize: 10, FlushInterval: time.Hour},
		newTestLogger(&syncBuffer{}), nil, WithClock(func() time.Time { return fixed }))

	ctx := WithCorrelationID(context.Background(), "req-1")
	l.Log(ctx, model.AuditEvent{Type: model.EventLoginSuccess, ActorID: "u1"})
	closeLogger(t, l)

	events := repo.persisted()
	if len(events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(events))
	}
	e := events[0]
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("ID %q is not a uuid: %v", e.ID, err)
	}
	if !e.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, fixed)
	}
	if e.Severity != model.SeverityLow {
		t.Errorf("Severity = %q, want low", e.Severity)
	}
	if e.CorrelationID != "req-1" {
		t.Errorf("CorrelationID = %q, want req-1", e.CorrelationID)
	}
}

func TestLog_FlushesOnInterval(t *testing.T) {
	repo := &mockAuditRepo{}
	l := New(repo, nil, Config{Shards: 1, BufferSize: 16, BatchSize: 100, FlushInterval: 20 * time.Millisecond},
		newTestLogger(&syncBuffer{}), nil)
	defer closeLogger(t, l)

	l.Log(context.Background(), model.AuditEvent{Type: model.EventLogout, ActorID: "u1"})

	deadline := time.Now().Add(2 * time.Second)
	for len(repo.persisted()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event was not flushed by the interval ticker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLog_PreservesPerActorOrder(t *testing.T) {
	repo := &mockAuditRepo{}
	l := New(repo, nil, Config{Shards: 4, BufferSize: 4096, BatchSize: 7, FlushInterval: time.Hour},
		newTestLogger(&syncBuffer{}), nil)

	actors := []string{"alice", "bob", "carol"}
	for i := 0; i < 300; i++ {
		l.Log(context.Background(), model.AuditEvent{
			Type:    model.EventRequestCompleted,
			ActorID: actors[i%len(actors)],
			Details: map[string]interface{}{"seq": i},
		})
	}
	closeLogger(t, l)

	events := repo.persisted()
	if len(events) != 300 {
		t.Fatalf("persisted %d events, want 300", len(events))
	}
	last := map[string]int{}
	for _, e := range events {
		seq := e.Details["seq"].(int)
		if prev, ok := last[e.ActorID]; ok && seq <= prev {
			t.Fatalf("actor %s: seq %d persisted after %d", e.ActorID, seq, prev)
		}
		last[e.ActorID] = seq
	}
}

func TestLog_OverflowWritesFallbackAndEscalatesOnce(t *testing.T) {
	release := make(chan struct{})
	repo := &mockAuditRepo{
		insertFn: func(ctx context.Context, _ []model.AuditEvent) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	buf := &syncBuffer{}
	l := New(repo, nil, Config{Shards: 1, BufferSize: 2, BatchSize: 1, FlushInterval: time.Hour},
		newTestLogger(buf), nil)

	const total = 10
	for i := 0; i < total; i++ {
		l.Log(context.Background(), model.AuditEvent{Type: model.EventRequestCompleted, ActorID: "u1"})
	}
	close(release)
	closeLogger(t, l)

	persisted := repo.persisted()
	fallback := buf.fallbackEntries(t)

	seen := map[string]bool{}
	originals, escalations := 0, 0
	for _, e := range persisted {
		seen[e.ID] = true
		switch e.Type {
		case model.EventRequestCompleted:
			originals++
		case model.EventAuditBufferOverflow:
			escalations++
		}
	}
	overflowed := 0
	for _, entry := range fallback {
		id := entry["event_id"].(string)
		if seen[id] {
			t.Errorf("event %s both persisted and written to fallback", id)
		}
		switch entry["event_type"] {
		case string(model.EventRequestCompleted):
			originals++
			overflowed++
		case string(model.EventAuditBufferOverflow):
			escalations++
		}
	}

	if originals != total {
		t.Errorf("persisted + fallback = %d, want %d (no event may be dropped)", originals, total)
	}
	if overflowed < total-3 {
		t.Errorf("fallback events = %d, want at least %d", overflowed, total-3)
	}
	if escalations != 1 {
		t.Errorf("overflow escalations = %d, want exactly 1", escalations)
	}
}

func TestFlush_RetriesTransientFailure(t *testing.T) {
	failures := 2
	var mu sync.Mutex
	repo := &mockAuditRepo{
		insertFn: func(context.Context, []model.AuditEvent) error {
			mu.Lock()
			defer mu.Unlock()
			if failures > 0 {
				failures--
				return errors.New("connection reset")
			}
			return nil
		},
	}
	l := New(repo, nil, Config{Shards: 1, BufferSize: 8, BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 3},
		newTestLogger(&syncBuffer{}), nil)

	l.Log(context.Background(), model.AuditEvent{Type: model.EventLogout, ActorID: "u1"})
	closeLogger(t, l)

	if got := len(repo.persisted()); got != 1 {
		t.Errorf("persisted %d events, want 1", got)
	}
	if got := repo.insertCalls(); got != 3 {
		t.Errorf("InsertBatch called %d times, want 3", got)
	}
}

func TestFlush_ExhaustedRetriesWriteFallback(t *testing.T) {
	repo := &mockAuditRepo{
		insertFn: func(context.Context, []model.AuditEvent) error {
			return errors.New("database down")
		},
	}
	buf := &syncBuffer{}
	l := New(repo, nil, Config{Shards: 1, BufferSize: 8, BatchSize: 10, FlushInterval: time.Hour, MaxRetries: 3},
		newTestLogger(buf), nil)

	l.Log(context.Background(), model.AuditEvent{Type: model.EventLogout, ActorID: "u1"})
	closeLogger(t, l)

	if got := repo.insertCalls(); got != 3 {
		t.Errorf("InsertBatch called %d times, want 3", got)
	}
	fallback := buf.fallbackEntries(t)
	if len(fallback) != 1 {
		t.Fatalf("fallback entries = %d, want 1", len(fallback))
	}
	if fallback[0]["reason"] != "flush failed" || fallback[0]["event_type"] != string(model.EventLogout) {
		t.Errorf("fallback entry = %v", fallback[0])
	}
}

func TestLog_AfterCloseWritesFallback(t *testing.T) {
	repo := &mockAuditRepo{}
	buf := &syncBuffer{}
	l := New(repo, nil, Config{Shards: 1, BufferSize: 8}, newTestLogger(buf), nil)
	closeLogger(t, l)

	l.Log(context.Background(), model.AuditEvent{Type: model.EventLogout, ActorID: "u1"})

	fallback := buf.fallbackEntries(t)
	if len(fallback) != 1 || fallback[0]["reason"] != "logger closed" {
		t.Errorf("fallback entries = %v, want one with reason 'logger closed'", fallback)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationIDFrom(context.Background()); got != "" {
		t.Errorf("CorrelationIDFrom(empty) = %q", got)
	}
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := CorrelationIDFrom(ctx); got != "abc" {
		t.Errorf("CorrelationIDFrom = %q, want abc", got)
	}
}
