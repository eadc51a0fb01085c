package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	notifyQueueSize = 64
	notifyTimeout   = 5 * time.Second
)

// Notifier はインシデントをWebhookへPOSTする。
// 送信は専用のゴルーチンで行い、検知処理をブロックしない。
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Incident
	done   chan struct{}
}

// NewNotifier はNotifierを生成し、送信ゴルーチンを起動する。
// 本番環境ではclientにSSRF対策済みのクライアントを渡す。
func NewNotifier(webhookURL string, client *http.Client, logger *slog.Logger) (*Notifier, error) {
	u, err := url.Parse(webhookURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", webhookURL)
	}
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &Notifier{
		url:    webhookURL,
		client: client,
		logger: logger,
		queue:  make(chan Incident, notifyQueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Notify はインシデントを送信キューに追加する。キューが満杯の場合は警告ログのみ出力する。
// インシデント自体は監査イベントとして永続化されるため、通知の欠落は許容する。
func (n *Notifier) Notify(inc Incident) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- inc:
	default:
		n.logger.Warn("alert queue full, notification skipped",
			slog.String("incident_id", inc.ID),
			slog.String("pattern", string(inc.Pattern)),
		)
	}
}

// Close はキュー内の通知を送信し終えてから戻る。
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for inc := range n.queue {
		if err := n.send(inc); err != nil {
			n.logger.Warn("alert webhook failed",
				slog.String("incident_id", inc.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

type alertPayload struct {
	Incident
	Severity string `json:"severity"`
	Status   string `json:"status"`
}

func (n *Notifier) send(inc Incident) error {
	body, err := json.Marshal(alertPayload{Incident: inc, Severity: "high", Status: "active"})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
