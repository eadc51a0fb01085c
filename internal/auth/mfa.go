package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/guardian/internal/model"
	"github.com/hitoshi/guardian/internal/security"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpSkew   = 1

	backupCodeBytes = 4
	fieldMFASecret  = "secret"
)

func mfaChallengeKey(id string) string      { return "mfa_challenge:" + id }
func mfaPendingBackupKey(id string) string  { return "mfa_backup_pending:" + id }
func mfaBackupKey(id string) string         { return "mfa_backup:" + id }
func mfaUsedCodeKey(id, code string) string { return "mfa_used:" + id + ":" + code }
func mfaPendingUsedKey(jti string) string   { return "mfa_pending_used:" + jti }

// MFASetup はMFA設定開始時に一度だけ返す情報。
type MFASetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// SetupMFA はTOTPシークレットとバックアップコードを生成する。
// 最初のVerifyMFAが成功するまでMFAは有効にならない。
// MFAが有効化済みの場合は、現在のTOTPコードまたはバックアップコードをcurrentCodeに要求する。
func (s *Service) SetupMFA(ctx context.Context, identityID, currentCode string) (*MFASetup, error) {
	identity, err := s.findIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if identity.MFAEnabled {
		if _, err := s.checkCode(ctx, identity, currentCode); err != nil {
			s.mfaFailed(ctx, identityID)
			return nil, err
		}
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.cfg.MFAIssuer,
		AccountName: identity.Username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	encrypted, err := s.crypto.EncryptString(key.Secret(), security.ScopePII)
	if err != nil {
		return nil, fmt.Errorf("encrypt totp secret: %w", err)
	}

	codes := make([]string, s.cfg.MFABackupCodes)
	hashes := make([]string, len(codes))
	for i := range codes {
		b := make([]byte, backupCodeBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		codes[i] = strings.ToUpper(hex.EncodeToString(b))
		hashes[i] = security.HashData(codes[i])
	}

	if err := s.store.HSet(ctx, mfaChallengeKey(identityID), map[string]string{fieldMFASecret: encrypted}, s.cfg.MFAChallengeTTL); err != nil {
		return nil, fmt.Errorf("store mfa challenge: %w", err)
	}
	if err := s.store.Del(ctx, mfaPendingBackupKey(identityID)); err != nil {
		return nil, fmt.Errorf("reset backup codes: %w", err)
	}
	if err := s.store.SAdd(ctx, mfaPendingBackupKey(identityID), s.cfg.MFAChallengeTTL, hashes...); err != nil {
		return nil, fmt.Errorf("store backup codes: %w", err)
	}

	s.sink.Log(ctx, model.AuditEvent{
		Type:    model.EventMFASetup,
		ActorID: identityID,
	})
	s.metrics.RecordAuthEvent("mfa_setup", "success")
	return &MFASetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// VerifyMFA はTOTPコードまたはバックアップコードを検証する。
// 設定中のチャレンジがある場合は、TOTPコードの検証成功でMFAを有効化する。
// 検証に失敗した場合はmodel.ErrInvalidMFACodeを返す。
func (s *Service) VerifyMFA(ctx context.Context, identityID, code string) error {
	identity, err := s.findIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	challenge, err := s.store.HGetAll(ctx, mfaChallengeKey(identityID))
	if err != nil {
		return fmt.Errorf("load mfa challenge: %w", err)
	}
	if encrypted := challenge[fieldMFASecret]; encrypted != "" {
		return s.enableMFA(ctx, identity, encrypted, code)
	}

	if !identity.MFAEnabled {
		return fmt.Errorf("%w: mfa is not configured", model.ErrInvalidInput)
	}
	method, err := s.checkCode(ctx, identity, code)
	if err != nil {
		s.mfaFailed(ctx, identityID)
		return err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:    model.EventMFAVerified,
		ActorID: identityID,
		Details: map[string]interface{}{"method": method},
	})
	s.metrics.RecordAuthEvent("mfa_verify", "success")
	return nil
}

// enableMFA は設定中のシークレットに対するTOTPコードを検証し、MFAを有効化する。
func (s *Service) enableMFA(ctx context.Context, identity *model.Identity, encrypted, code string) error {
	secret, err := s.crypto.DecryptString(encrypted, security.ScopePII)
	if err != nil {
		return fmt.Errorf("decrypt mfa challenge: %w", err)
	}
	if !s.validTOTP(code, secret) {
		s.mfaFailed(ctx, identity.ID)
		return model.ErrInvalidMFACode
	}

	if err := s.repo.UpdateMFA(ctx, identity.ID, encrypted, true); err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}

	hashes, err := s.store.SMembers(ctx, mfaPendingBackupKey(identity.ID))
	if err != nil {
		return fmt.Errorf("load backup codes: %w", err)
	}
	if err := s.store.Del(ctx, mfaBackupKey(identity.ID)); err != nil {
		return fmt.Errorf("replace backup codes: %w", err)
	}
	if len(hashes) > 0 {
		if err := s.store.SAdd(ctx, mfaBackupKey(identity.ID), 0, hashes...); err != nil {
			return fmt.Errorf("store backup codes: %w", err)
		}
	}
	if err := s.store.Del(ctx, mfaChallengeKey(identity.ID), mfaPendingBackupKey(identity.ID)); err != nil {
		slog.Warn("failed to clear mfa challenge", slog.String("identity_id", identity.ID))
	}

	s.sink.Log(ctx, model.AuditEvent{
		Type:     model.EventMFAEnabled,
		ActorID:  identity.ID,
		Severity: model.SeverityMedium,
	})
	s.metrics.RecordAuthEvent("mfa_enable", "success")
	slog.Info("mfa enabled", slog.String("identity_id", identity.ID))
	return nil
}

// checkCode は有効化済みのTOTPシークレットまたは未使用のバックアップコードでコードを検証する。
// 検証に使用した方式（totp、backup_code）を返す。
func (s *Service) checkCode(ctx context.Context, identity *model.Identity, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", model.ErrInvalidMFACode
	}

	secret, err := s.crypto.DecryptString(identity.MFASecret, security.ScopePII)
	if err != nil {
		return "", fmt.Errorf("decrypt mfa secret: %w", err)
	}
	if s.validTOTP(code, secret) {
		// 同じコードを有効期間内に再利用させない
		fresh, err := s.store.SetNX(ctx, mfaUsedCodeKey(identity.ID, code), "1", time.Duration(2*totpSkew+1)*totpPeriod*time.Second)
		if err != nil {
			return "", fmt.Errorf("record totp use: %w", err)
		}
		if !fresh {
			return "", model.ErrInvalidMFACode
		}
		return "totp", nil
	}

	consumed, err := s.store.SRem(ctx, mfaBackupKey(identity.ID), security.HashData(strings.ToUpper(code)))
	if err != nil {
		return "", fmt.Errorf("consume backup code: %w", err)
	}
	if consumed {
		return "backup_code", nil
	}
	return "", model.ErrInvalidMFACode
}

func (s *Service) validTOTP(code, secret string) bool {
	ok, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (s *Service) mfaFailed(ctx context.Context, identityID string) {
	s.sink.Log(ctx, model.AuditEvent{
		Type:     model.EventMFAFailed,
		ActorID:  identityID,
		Severity: model.SeverityMedium,
	})
	s.metrics.RecordAuthEvent("mfa_verify", "failure")
}

// CompleteMFALogin はAuthenticateが返したMFA待ちトークンとコードを検証し、
// トークンの組を発行する。MFA待ちトークンは1回のみ使用できる。
func (s *Service) CompleteMFALogin(ctx context.Context, pendingToken, code string, device model.DeviceInfo) (*model.TokenPair, error) {
	claims, err := s.parseToken(pendingToken, TokenMFAPending)
	if err != nil {
		return nil, err
	}
	identity, err := s.findIdentity(ctx, claims.IdentityID())
	if err != nil {
		return nil, err
	}
	if identity.Disabled || !identity.MFAEnabled {
		return nil, fmt.Errorf("%w: mfa login unavailable", model.ErrInvalidToken)
	}

	// トークンの確保はコードの検証より先に行う
	fresh, err := s.store.SetNX(ctx, mfaPendingUsedKey(claims.ID), "1", s.cfg.MFAChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("consume mfa pending token: %w", err)
	}
	if !fresh {
		return nil, fmt.Errorf("%w: mfa pending token already used", model.ErrInvalidToken)
	}
	if _, err := s.checkCode(ctx, identity, code); err != nil {
		// 検証失敗時はトークンを再試行可能に戻す
		if delErr := s.store.Del(ctx, mfaPendingUsedKey(claims.ID)); delErr != nil {
			slog.Warn("failed to release mfa pending token", slog.String("identity_id", identity.ID))
		}
		s.mfaFailed(ctx, identity.ID)
		return nil, err
	}

	pair, err := s.completeLogin(ctx, identity, device)
	if err != nil {
		return nil, err
	}
	s.sink.Log(ctx, model.AuditEvent{
		Type:      model.EventLoginSuccess,
		ActorID:   identity.ID,
		IPAddress: device.IPAddress,
		Details: map[string]interface{}{
			"session_id": pair.SessionID,
			"mfa":        true,
		},
	})
	s.metrics.RecordAuthEvent("login", "success")
	return pair, nil
}

// findIdentity はIDで認証主体を取得する。存在しない場合はmodel.ErrIdentityNotFoundを返す。
func (s *Service) findIdentity(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	if identity == nil {
		return nil, model.ErrIdentityNotFound
	}
	return identity, nil
}
