// Package audit は監査イベントの記録、パターン検知、検索を提供する。
//
// Logは呼び出し元をブロックしない。イベントは主体（actor、無ければIP）のハッシュで
// シャードに振り分けられ、シャードごとに1つのゴルーチンが順序通りに永続化する。
// バッファが満杯の場合もイベントは破棄せず、フォールバックログへ同期的に書き出す。
package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/metrics"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/repository"
	"github.com/hitoshi/guardian/internal/store"
	"golang.org/x/time/rate"
)

const (
	// fallbackMessage はフォールバックログのメッセージ。
	fallbackMessage = "audit event written to fallback log"

	// flushBackoff は永続化リトライの初回待機時間。
	flushBackoff = 50 * time.Millisecond

	// overflowEscalationInterval はバッファ溢れのエスカレーション間隔の下限。
	overflowEscalationInterval = 10 * time.Second
)

// Config は監査ロガーの設定を保持する。
type Config struct {
	BufferSize    int // 全シャード合計のバッファ容量
	Shards        int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration // 1回の永続化のタイムアウト
	MaxRetries    int           // 永続化の最大試行回数
	Thresholds    Thresholds
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		Shards:        4,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		FlushTimeout:  5 * time.Second,
		MaxRetries:    3,
		Thresholds:    DefaultThresholds(),
	}
}

// Option はLoggerの任意設定。
type Option func(*Logger)

// WithClock はイベントのタイムスタンプとパターン集計に使用する時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithNotifier はインシデントの外部通知先を設定する。
func WithNotifier(n *Notifier) Option {
	return func(l *Logger) { l.notifier = n }
}

// Logger は非同期の監査ロガー。
type Logger struct {
	repo     repository.AuditRepository
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	notifier *Notifier
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	shards []chan model.AuditEvent
	wg     sync.WaitGroup

	overflow *rate.Limiter

	handlersMu sync.RWMutex
	handlers   []IncidentHandler

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New はLoggerを生成し、シャードごとの永続化ゴルーチンを起動する。
// stがnilの場合、回数に基づくパターン検知は行わない。
func New(repo repository.AuditRepository, st store.Store, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector, opts ...Option) *Logger {
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.BufferSize < cfg.Shards {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Logger{
		repo:     repo,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
		overflow: rate.NewLimiter(rate.Every(overflowEscalationInterval), 1),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(l)
	}

	perShard := cfg.BufferSize / cfg.Shards
	l.shards = make([]chan model.AuditEvent, cfg.Shards)
	for i := range l.shards {
		l.shards[i] = make(chan model.AuditEvent, perShard)
		l.wg.Add(1)
		go l.runShard(l.shards[i])
	}
	return l
}

// Log は監査イベントを記録する。呼び出し元をブロックしない。
// ID、タイムスタンプ、重大度、相関IDが未設定の場合は補完する。
func (l *Logger) Log(ctx context.Context, e model.AuditEvent) {
	l.prepare(ctx, &e)

	switch l.enqueue(e) {
	case enqueued:
	case bufferFull:
		l.overflowed(e)
	case loggerClosed:
		l.writeFallback(e, "logger closed")
	}
}

// Close は新規イベントの受け付けを停止し、バッファ内のイベントを永続化してから戻る。
// ctxの期限までに完了しない場合は実行中のリトライを中断してエラーを返す。
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, ch := range l.shards {
		close(ch)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("audit logger drain: %w", ctx.Err())
	}
	l.cancel()

	if l.notifier != nil {
		l.notifier.Close()
	}
	return nil
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	bufferFull
	loggerClosed
)

func (l *Logger) prepare(ctx context.Context, e *model.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = model.SeverityLow
	}
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationIDFrom(ctx)
	}
	l.metrics.RecordAuditEvent(string(e.Type), string(e.Severity))
}

func (l *Logger) enqueue(e model.AuditEvent) enqueueResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return loggerClosed
	}
	select {
	case l.shards[l.shardFor(e)] <- e:
		return enqueued
	default:
		return bufferFull
	}
}

// shardFor は主体が同じイベントを常に同じシャードへ振り分ける。
func (l *Logger) shardFor(e model.AuditEvent) int {
	key := e.ActorID
	if key == "" {
		key = e.IPAddress
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}

// overflowed はバッファ溢れのイベントをフォールバックログへ書き出し、
// 一定間隔に1回、高重大度のイベントとしてエスカレーションする。
func (l *Logger) overflowed(e model.AuditEvent) {
	l.metrics.RecordAuditOverflow()
	l.writeFallback(e, "buffer full")

	if e.Type == model.EventAuditBufferOverflow || !l.overflow.Allow() {
		return
	}
	esc := model.AuditEvent{
		Type:          model.EventAuditBufferOverflow,
		Severity:      model.SeverityHigh,
		CorrelationID: e.CorrelationID,
		Details: map[string]interface{}{
			"category":         string(model.EventSecurityViolation),
			"overflowed_event": e.ID,
			"overflowed_type":  string(e.Type),
			"buffer_size":      l.cfg.BufferSize,
		},
	}
	l.prepare(context.Background(), &esc)
	l.logger.Error("audit buffer overflow",
		slog.String("event_id", esc.ID),
		slog.Int("buffer_size", l.cfg.BufferSize),
	)
	if l.enqueue(esc) != enqueued {
		l.writeFallback(esc, "buffer full")
	}
}

func (l *Logger) writeFallback(e model.AuditEvent, reason string) {
	l.logger.Warn(fallbackMessage,
		slog.String("reason", reason),
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.String("severity", string(e.Severity)),
		slog.String("actor_id", e.ActorID),
		slog.String("ip_address", e.IPAddress),
		slog.String("correlation_id", e.CorrelationID),
		slog.Time("timestamp", e.Timestamp),
		slog.Any("details", e.Details),
	)
}

// runShard はシャードのイベントを受信順にパターン検知し、バッチで永続化する。
func (l *Logger) runShard(ch <-chan model.AuditEvent) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEvent, 0, l.cfg.BatchSize)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, e)
			batch = append(batch, l.detect(l.baseCtx, e)...)
			if len(batch) >= l.cfg.BatchSize {
				l.flush(batch)
				batch = make([]model.AuditEvent, 0, l.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = make([]model.AuditEvent, 0, l.cfg.BatchSize)
			}
		}
	}
}

// flush はバッチを永続化する。リトライしても失敗した場合はフォールバックログへ書き出す。
func (l *Logger) flush(batch []model.AuditEvent) {
	if len(batch) == 0 {
		return
	}
	err := retry(l.baseCtx, l.cfg.MaxRetries, flushBackoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, l.cfg.FlushTimeout)
		defer cancel()
		return l.repo.InsertBatch(ctx, batch)
	})
	if err == nil {
		return
	}

	l.metrics.RecordAuditFlushFailure()
	l.logger.Error("audit batch flush failed",
		slog.String("error", err.Error()),
		slog.Int("count", len(batch)),
	)
	for _, e := range batch {
		l.writeFallback(e, "flush failed")
	}
}

// retry はopを最大attempts回、指数バックオフで試行する。
func retry(ctx context.Context, attempts int, initial time.Duration, op func(ctx context.Context) error) error {
	var err error
	delay := initial
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
