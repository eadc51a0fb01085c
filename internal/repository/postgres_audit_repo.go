package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/guardian/internal/model"
	"github.com/lib/pq"
)

// PostgresAuditRepo はPostgreSQLを使用した監査イベントリポジトリ。
// audit_eventsテーブルは追記専用で、保持期間を超えた行の削除のみ行う。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

const insertAuditEventSQL = `INSERT INTO audit_events
	(id, occurred_at, event_type, actor_id, ip_address, severity, severity_rank, details, correlation_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING`

// InsertBatch は複数のイベントを1トランザクションで追記する。
// 既に存在するIDのイベントは無視する。
func (r *PostgresAuditRepo) InsertBatch(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertAuditEventSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details of %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC(), string(e.Type), e.ActorID, e.IPAddress,
			string(e.Severity), e.Severity.Rank(), details, e.CorrelationID,
		); err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List は条件に一致するイベントをタイムスタンプの降順で返す。
func (r *PostgresAuditRepo) List(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	query, args := buildAuditQuery(f)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e        model.AuditEvent
			typ      string
			severity string
			details  []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.ActorID, &e.IPAddress,
			&severity, &details, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = model.AuditEventType(typ)
		e.Severity = model.AuditSeverity(severity)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details of %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// buildAuditQuery はフィルタからSELECT文と引数を組み立てる。
func buildAuditQuery(f model.AuditFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To.UTC())
	}
	if f.MinSeverity != "" {
		add("severity_rank >= $%d", f.MinSeverity.Rank())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, occurred_at, event_type, actor_id, ip_address, severity, details, correlation_id
	 FROM audit_events`)
	if len(conds) > 0 {
		b.WriteString("\n\t WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString("\n\t ORDER BY occurred_at DESC, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, "\n\t LIMIT $%d", len(args))
	}
	return b.String(), args
}

// DeleteOlderThan はcutoffより古いイベントを削除し、削除件数を返す。
func (r *PostgresAuditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE occurred_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AuditRepository = (*PostgresAuditRepo)(nil)
