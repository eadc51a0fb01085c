// Package retention は保持期間を超過した監査イベントの削除ジョブを提供する。
// workerサブコマンドから日次で実行する。
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はジョブの実行間隔。
const DefaultInterval = 24 * time.Hour

// Deleter は基準時刻より古い監査イベントを削除する。repository.AuditRepositoryが満たす。
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job は監査イベントの保持期間ジョブ。冪等であり、削除対象がなくてもエラーにならない。
type Job struct {
	repo          Deleter
	logger        *slog.Logger
	retentionDays int
	now           func() time.Time
}

// NewJob はJobを生成する。retentionDaysが0以下の場合、Runは何も削除しない。
func NewJob(repo Deleter, retentionDays int, logger *slog.Logger) *Job {
	return &Job{
		repo:          repo,
		logger:        logger,
		retentionDays: retentionDays,
		now:           time.Now,
	}
}

// Run はretentionDays日より前に発生した監査イベントを削除する。
func (j *Job) Run(ctx context.Context) error {
	if j.retentionDays <= 0 {
		j.logger.Info("audit retention disabled")
		return nil
	}

	start := j.now()
	cutoff := start.Add(-time.Duration(j.retentionDays) * 24 * time.Hour)

	deleted, err := j.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("audit retention job failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.retentionDays),
		)
		return fmt.Errorf("failed to delete expired audit events: %w", err)
	}

	j.logger.Info("audit retention job completed",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.retentionDays),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("audit retention run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("audit retention run failed", slog.String("error", err.Error()))
			}
		}
	}
}
