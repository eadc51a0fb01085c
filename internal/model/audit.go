package model

import "time"

// AuditEventType は監査イベント種別。
type AuditEventType string

const (
	EventLoginSuccess        AuditEventType = "login_success"
	EventLoginFailed         AuditEventType = "login_failed"
	EventLogout              AuditEventType = "logout"
	EventTokenRefresh        AuditEventType = "token_refresh"
	EventTokenReplay         AuditEventType = "token_replay"
	EventIdentityRegistered  AuditEventType = "identity_registered"
	EventIdentityDisabled    AuditEventType = "identity_disabled"
	EventMFASetup            AuditEventType = "mfa_setup"
	EventMFAEnabled          AuditEventType = "mfa_enabled"
	EventMFAVerified         AuditEventType = "mfa_verified"
	EventMFAFailed           AuditEventType = "mfa_failed"
	EventAccessDenied        AuditEventType = "access_denied"
	EventRateLimitExceeded   AuditEventType = "rate_limit_exceeded"
	EventIPBlocked           AuditEventType = "ip_blocked"
	EventSuspiciousActivity  AuditEventType = "suspicious_activity"
	EventSecurityViolation   AuditEventType = "security_violation"
	EventDeviceMismatch      AuditEventType = "device_fingerprint_mismatch"
	EventContentFlagged      AuditEventType = "content_flagged"
	EventContentBlocked      AuditEventType = "content_blocked"
	EventSystemError         AuditEventType = "system_error"
	EventRequestCompleted    AuditEventType = "request_completed"
	EventAuditBufferOverflow AuditEventType = "audit_buffer_overflow"
)

// AuditSeverity は監査イベントの重大度。
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// Rank は重大度の順位を返す。未知の値は0。
func (s AuditSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AuditEvent は追記専用の監査イベントを表す。
type AuditEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Type          AuditEventType         `json:"event_type"`
	ActorID       string                 `json:"actor_id,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	Severity      AuditSeverity          `json:"severity"`
	Details       map[string]interface{} `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// AuditFilter は監査イベント検索条件。ゼロ値の項目は条件に含めない。
type AuditFilter struct {
	ActorID     string
	IPAddress   string
	Types       []AuditEventType
	From        time.Time
	To          time.Time
	MinSeverity AuditSeverity
	Limit       int
}
