package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/model"
)

// recordingSink は受け取った監査イベントを保持する。
type recordingSink struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

func (s *recordingSink) Log(_ context.Context, e model.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEvent(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newErrorHandler(sink *recordingSink) *errorhandler.Handler {
	if sink == nil {
		return errorhandler.New(nil, discardLogger(), nil, 0)
	}
	return errorhandler.New(sink, discardLogger(), nil, 0)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorhandler.ResponseBody
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v (%s)", err, w.Body.String())
	}
	return body.ErrorCode
}
