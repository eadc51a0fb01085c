package handler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/guardian/internal/errorhandler"
	"github.com/hitoshi/guardian/internal/middleware"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/ratelimit"
)

// AuditQuerier は監査イベントの検索インターフェース。audit.Loggerが実装する。
type AuditQuerier interface {
	Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error)
	Alerts(ctx context.Context, limit int) ([]model.AuditEvent, error)
}

// IPBlocker は送信元IPの手動ブロックと解除のインターフェース。ratelimit.Limiterが実装する。
type IPBlocker interface {
	BlockIP(ctx context.Context, ip string, duration time.Duration, reason string) (bool, error)
	UnblockIP(ctx context.Context, ip string) error
}

// ErrorStatsProvider はエラー頻度の集計を返す。errorhandler.Handlerが実装する。
type ErrorStatsProvider interface {
	Stats() errorhandler.Stats
}

// IdentityAdmin はアカウントロックの解除と無効化のインターフェース。auth.Serviceが実装する。
type IdentityAdmin interface {
	Unlock(ctx context.Context, username string) error
	DisableIdentity(ctx context.Context, identityID string) error
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	audit      AuditQuerier
	blocker    IPBlocker
	stats      ErrorStatsProvider
	identities IdentityAdmin
	eh         middleware.ErrorHandler
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(audit AuditQuerier, blocker IPBlocker, stats ErrorStatsProvider, identities IdentityAdmin, eh middleware.ErrorHandler) *AdminHandler {
	return &AdminHandler{
		audit:      audit,
		blocker:    blocker,
		stats:      stats,
		identities: identities,
		eh:         eh,
	}
}

// ListAuditEvents は条件に一致する監査イベントを新しい順に返す。
// GET /api/audit/events?actor_id=&ip=&type=a,b&from=&to=&min_severity=&limit=
func (h *AdminHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	events, err := h.audit.Query(r.Context(), f)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// ListAlerts は検知済みインシデントを返す。
// GET /api/audit/alerts?limit=
func (h *AdminHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	alerts, err := h.audit.Alerts(r.Context(), limit)
	if err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []model.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// ErrorStats は現在の1時間のエラー集計を返す。
// GET /api/admin/error-stats
func (h *AdminHandler) ErrorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

type blockIPRequest struct {
	IP              string `json:"ip"`
	DurationSeconds int    `json:"duration_seconds"`
}

// BlockIP は送信元IPを手動でブロックする。
// POST /api/admin/ip-blocks
func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req blockIPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	if net.ParseIP(req.IP) == nil {
		h.eh.Handle(w, r, fmt.Errorf("%w: invalid ip %q", model.ErrInvalidInput, req.IP))
		return
	}
	if req.DurationSeconds < 0 {
		h.eh.Handle(w, r, fmt.Errorf("%w: duration_seconds must not be negative", model.ErrInvalidInput))
		return
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if _, err := h.blocker.BlockIP(r.Context(), req.IP, duration, ratelimit.BlockReasonManual); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnblockIP はIPのブロックを解除する。操作者は監査ミドルウェアのrequest_completedで記録される。
// DELETE /api/admin/ip-blocks/{ip}
func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		h.eh.Handle(w, r, fmt.Errorf("%w: invalid ip %q", model.ErrInvalidInput, ip))
		return
	}
	if err := h.blocker.UnblockIP(r.Context(), ip); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnlockAccount はログイン失敗によるアカウントロックを解除する。
// DELETE /api/admin/lockouts/{username}
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if username == "" {
		h.eh.Handle(w, r, fmt.Errorf("%w: username is required", model.ErrInvalidInput))
		return
	}
	if err := h.identities.Unlock(r.Context(), username); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisableIdentity は認証主体を無効化し、全セッションを失効させる。
// POST /api/admin/identities/{id}/disable
func (h *AdminHandler) DisableIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.identities.DisableIdentity(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.eh.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseAuditFilter はクエリパラメータから検索条件を組み立てる。
func parseAuditFilter(r *http.Request) (model.AuditFilter, error) {
	q := r.URL.Query()
	f := model.AuditFilter{
		ActorID:     q.Get("actor_id"),
		IPAddress:   q.Get("ip"),
		MinSeverity: model.AuditSeverity(q.Get("min_severity")),
	}
	if types := q.Get("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, model.AuditEventType(t))
			}
		}
	}

	var err error
	if f.From, err = timeParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", model.ErrInvalidInput, name)
	}
	return t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrInvalidInput, name)
	}
	return n, nil
}
