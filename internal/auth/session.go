package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/hitoshi/guardian/internal/store"
)

// セッションハッシュのフィールド名。世代と失効フラグはstoreパッケージの定義を使用する。
const (
	fieldIdentity    = "identity_id"
	fieldFingerprint = "device_fingerprint"
	fieldIssuedAt    = "issued_at"
	fieldExpiresAt   = "expires_at"
)

func sessionKey(id string) string          { return "session:" + id }
func revokedKey(id string) string          { return "revoked_session:" + id }
func identitySessionsKey(id string) string { return "sessions:" + id }

func subject(identityID string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{Subject: identityID}
}

// DeviceFingerprint はUser-Agent、IPアドレス、Accept-LanguageからデバイスのSHA-256指紋を返す。
func DeviceFingerprint(d model.DeviceInfo) string {
	return security.Fingerprint(d.UserAgent, d.IPAddress, d.AcceptLanguage)
}

// issueSession は新しいセッションを作成し、第1世代のトークンの組を発行する。
// 同じ端末指紋を持つ既存の有効なセッションは失効させる。
func (s *Service) issueSession(ctx context.Context, identity *model.Identity, device model.DeviceInfo) (*model.TokenPair, error) {
	fp := DeviceFingerprint(device)
	if err := s.supersedeDeviceSessions(ctx, identity.ID, fp); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sid := uuid.NewString()
	fields := map[string]string{
		fieldIdentity:         identity.ID,
		fieldFingerprint:      fp,
		store.FieldGeneration: "1",
		store.FieldRevoked:    "0",
		fieldIssuedAt:         strconv.FormatInt(now.Unix(), 10),
		fieldExpiresAt:        strconv.FormatInt(now.Add(s.cfg.SessionTTL).Unix(), 10),
	}
	if err := s.store.HSet(ctx, sessionKey(sid), fields, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.store.SAdd(ctx, identitySessionsKey(identity.ID), s.cfg.SessionTTL, sid); err != nil {
		return nil, fmt.Errorf("index session: %w", err)
	}
	return s.tokenPair(identity, sid, 1)
}

// supersedeDeviceSessions は端末指紋fpに一致する主体の有効なセッションを失効させる。
func (s *Service) supersedeDeviceSessions(ctx context.Context, identityID, fp string) error {
	ids, err := s.store.SMembers(ctx, identitySessionsKey(identityID))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sid := range ids {
		fields, err := s.store.HGetAll(ctx, sessionKey(sid))
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if fields[fieldFingerprint] != fp || fields[store.FieldRevoked] == "1" {
			continue
		}
		_, changed, err := s.revokeSession(ctx, sid)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		s.sink.Log(ctx, model.AuditEvent{
			Type:    model.EventLogout,
			ActorID: identityID,
			Details: map[string]interface{}{
				"session_id": sid,
				"reason":     "superseded",
			},
		})
		s.metrics.RecordAuthEvent("logout", "superseded")
	}
	return nil
}

// tokenPair は指定世代のアクセストークンとリフレッシュトークンを署名する。
func (s *Service) tokenPair(identity *model.Identity, sid string, generation int64) (*model.TokenPair, error) {
	access, accessExp, err := s.signToken(Claims{
		RegisteredClaims: subject(identity.ID),
		Role:             identity.Role,
		Tier:             identity.Tier,
		SessionID:        sid,
		Type:             TokenAccess,
	}, s.cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.signToken(Claims{
		RegisteredClaims: subject(identity.ID),
		SessionID:        sid,
		Generation:       generation,
		Type:             TokenRefresh,
	}, s.cfg.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sid,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		ExpiresAt:    accessExp,
	}, nil
}

// Refresh はリフレッシュトークンを検証して世代を1つ進め、新しいトークンの組を発行する。
//
// 世代の検証と更新はストアの単一のアトミック操作で行うため、同じトークンによる
// 同時リフレッシュはちょうど1つだけ成功する。古い世代が提示された場合は
// セッション全体を失効させてmodel.ErrTokenReplayを返す。
func (s *Service) Refresh(ctx context.Context, refreshToken string, device model.DeviceInfo) (*model.TokenPair, error) {
	claims, err := s.parseToken(refreshToken, TokenRefresh)
	if err != nil {
		s.metrics.RecordAuthEvent("refresh", "invalid")
		return nil, err
	}
	sid := claims.SessionID
	identityID := claims.IdentityID()

	res, err := s.store.RotateGeneration(ctx, sessionKey(sid), claims.Generation)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	switch res.Status {
	case store.RotateNotFound:
		s.metrics.RecordAuthEvent("refresh", "expired")
		return nil, fmt.Errorf("%w: session expired", model.ErrTokenExpired)
	case store.RotateRevoked:
		s.metrics.RecordAuthEvent("refresh", "revoked")
		return nil, fmt.Errorf("%w: session revoked", model.ErrInvalidToken)
	case store.RotateStale:
		return nil, s.replayDetected(ctx, identityID, sid, claims.Generation, res.Generation, device)
	case store.RotateMismatch:
		s.sink.Log(ctx, model.AuditEvent{
			Type:      model.EventSecurityViolation,
			ActorID:   identityID,
			IPAddress: device.IPAddress,
			Severity:  model.SeverityHigh,
			Details: map[string]interface{}{
				"reason":     "refresh_generation_ahead",
				"session_id": sid,
			},
		})
		s.metrics.RecordAuthEvent("refresh", "invalid")
		return nil, fmt.Errorf("%w: generation mismatch", model.ErrInvalidToken)
	}

	fields, err := s.store.HGetAll(ctx, sessionKey(sid))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if fields[fieldIdentity] != identityID {
		return nil, fmt.Errorf("%w: session owner mismatch", model.ErrInvalidToken)
	}

	identity, err := s.repo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	if identity == nil || identity.Disabled {
		if _, _, err := s.revokeSession(ctx, sid); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: identity unavailable", model.ErrInvalidToken)
	}

	if fp := DeviceFingerprint(device); fields[fieldFingerprint] != "" && fp != fields[fieldFingerprint] {
		// 端末の変化は通知のみで、単独では拒否しない
		s.sink.Log(ctx, model.AuditEvent{
			Type:      model.EventDeviceMismatch,
			ActorID:   identityID,
			IPAddress: device.IPAddress,
			Severity:  model.SeverityMedium,
			Details:   map[string]interface{}{"session_id": sid},
		})
	}

	pair, err := s.tokenPair(identity, sid, res.Generation)
	if err != nil {
		return nil, err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventTokenRefresh,
		ActorID:   identityID,
		IPAddress: device.IPAddress,
		Details: map[string]interface{}{
			"session_id": sid,
			"generation": res.Generation,
		},
	})
	s.metrics.RecordAuthEvent("refresh", "success")
	return pair, nil
}

// replayDetected は古い世代のリフレッシュトークンの再利用を処理する。
// ストアはRotateGenerationの中でセッションを失効済みにしているため、ここでは
// 発行済みアクセストークンの拒否リストへの登録と記録のみを行う。
func (s *Service) replayDetected(ctx context.Context, identityID, sid string, presented, current int64, device model.DeviceInfo) error {
	if err := s.store.Set(ctx, revokedKey(sid), "1", s.cfg.AccessTokenTTL); err != nil {
		slog.Error("failed to deny-list replayed session",
			slog.String("session_id", sid),
			slog.String("error", err.Error()),
		)
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventTokenReplay,
		ActorID:   identityID,
		IPAddress: device.IPAddress,
		Severity:  model.SeverityCritical,
		Details: map[string]interface{}{
			"session_id":           sid,
			"presented_generation": presented,
			"current_generation":   current,
		},
	})
	s.metrics.RecordAuthEvent("refresh", "replay")
	slog.Warn("refresh token replay detected, session revoked",
		slog.String("identity_id", identityID),
		slog.String("session_id", sid),
	)
	return model.ErrTokenReplay
}

// Logout はセッションを失効させる。存在しない、または失効済みのセッションでも成功する。
// 監査イベントは有効なセッションを失効させた場合のみ記録する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", model.ErrInvalidInput)
	}
	identityID, changed, err := s.revokeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:    model.EventLogout,
		ActorID: identityID,
		Details: map[string]interface{}{"session_id": sessionID},
	})
	s.metrics.RecordAuthEvent("logout", "success")
	slog.Info("session revoked", slog.String("session_id", sessionID))
	return nil
}

// revokeSession はセッションを失効済みにし、アクセストークンの拒否リストへ登録する。
// セッションの所有者（不明な場合は空文字列）と、有効なセッションを失効させたかを返す。
// 同じセッションに対する同時呼び出しでは、changedがtrueになるのは1回のみ。
func (s *Service) revokeSession(ctx context.Context, sid string) (identityID string, changed bool, err error) {
	if err := s.store.Set(ctx, revokedKey(sid), "1", s.cfg.AccessTokenTTL); err != nil {
		return "", false, fmt.Errorf("deny-list session: %w", err)
	}
	fields, err := s.store.HGetAll(ctx, sessionKey(sid))
	if err != nil {
		return "", false, fmt.Errorf("load session: %w", err)
	}
	identityID = fields[fieldIdentity]
	if identityID == "" {
		return "", false, nil
	}
	wasActive := fields[store.FieldRevoked] != "1"
	if wasActive {
		if err := s.store.HSet(ctx, sessionKey(sid), map[string]string{store.FieldRevoked: "1"}, 0); err != nil {
			return "", false, fmt.Errorf("revoke session: %w", err)
		}
	}
	removed, err := s.store.SRem(ctx, identitySessionsKey(identityID), sid)
	if err != nil {
		return "", false, fmt.Errorf("unindex session: %w", err)
	}
	return identityID, wasActive && removed, nil
}

// RevokeAllSessions はexceptSessionIDを除く主体の全セッションを失効させ、失効させた数を返す。
func (s *Service) RevokeAllSessions(ctx context.Context, identityID, exceptSessionID string) (int, error) {
	n, err := s.revokeAll(ctx, identityID, exceptSessionID)
	if err != nil {
		return n, err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:     model.EventLogout,
		ActorID:  identityID,
		Severity: model.SeverityMedium,
		Details: map[string]interface{}{
			"all_sessions":  true,
			"revoked_count": n,
			"kept_session":  exceptSessionID,
		},
	})
	s.metrics.RecordAuthEvent("logout_all", "success")
	return n, nil
}

func (s *Service) revokeAll(ctx context.Context, identityID, exceptSessionID string) (int, error) {
	ids, err := s.store.SMembers(ctx, identitySessionsKey(identityID))
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	n := 0
	for _, sid := range ids {
		if sid == exceptSessionID {
			continue
		}
		_, changed, err := s.revokeSession(ctx, sid)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// ActiveSessions は主体の有効なセッションを発行日時の新しい順に返す。
func (s *Service) ActiveSessions(ctx context.Context, identityID string) ([]model.Session, error) {
	ids, err := s.store.SMembers(ctx, identitySessionsKey(identityID))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]model.Session, 0, len(ids))
	for _, sid := range ids {
		fields, err := s.store.HGetAll(ctx, sessionKey(sid))
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if len(fields) == 0 {
			// 期限切れで消えたセッションは索引からも取り除く
			if _, err := s.store.SRem(ctx, identitySessionsKey(identityID), sid); err != nil {
				slog.Warn("failed to prune expired session", slog.String("session_id", sid))
			}
			continue
		}
		if fields[store.FieldRevoked] == "1" {
			continue
		}
		gen, _ := strconv.ParseInt(fields[store.FieldGeneration], 10, 64)
		sessions = append(sessions, model.Session{
			ID:                sid,
			IdentityID:        fields[fieldIdentity],
			DeviceFingerprint: fields[fieldFingerprint],
			Generation:        gen,
			IssuedAt:          unixField(fields[fieldIssuedAt]),
			ExpiresAt:         unixField(fields[fieldExpiresAt]),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].IssuedAt.Equal(sessions[j].IssuedAt) {
			return sessions[i].IssuedAt.After(sessions[j].IssuedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

func unixField(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// VerifyAccessToken はアクセストークンを検証してクレームを返す。
// セッションが失効済み、または存在しない場合はmodel.ErrInvalidTokenを返す。
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.parseToken(token, TokenAccess)
	if err != nil {
		return nil, err
	}

	denied, err := s.store.Exists(ctx, revokedKey(claims.SessionID))
	if err != nil {
		return nil, fmt.Errorf("check session revocation: %w", err)
	}
	if denied {
		return nil, fmt.Errorf("%w: session revoked", model.ErrInvalidToken)
	}

	fields, err := s.store.HGetAll(ctx, sessionKey(claims.SessionID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: session expired", model.ErrTokenExpired)
	}
	if fields[store.FieldRevoked] == "1" || fields[fieldIdentity] != claims.IdentityID() {
		return nil, fmt.Errorf("%w: session revoked", model.ErrInvalidToken)
	}
	return claims, nil
}
