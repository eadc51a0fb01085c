package audit

import (
	"context"
	"fmt"

	"github.com/hitoshi/guardian/internal/model"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Query は条件に一致する監査イベントを新しい順に返す。
// Limitが未指定の場合は100件、上限は1000件。
func (l *Logger) Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("%w: time range end is before start", model.ErrInvalidInput)
	}
	if f.MinSeverity != "" && f.MinSeverity.Rank() == 0 {
		return nil, fmt.Errorf("%w: unknown severity %q", model.ErrInvalidInput, f.MinSeverity)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultQueryLimit
	case f.Limit > maxQueryLimit:
		f.Limit = maxQueryLimit
	}

	events, err := l.repo.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// Alerts は検知済みインシデント（suspicious_activityイベント）を新しい順に返す。
func (l *Logger) Alerts(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	return l.Query(ctx, model.AuditFilter{
		Types: []model.AuditEventType{model.EventSuspiciousActivity},
		Limit: limit,
	})
}
