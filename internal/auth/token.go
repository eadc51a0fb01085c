package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/guardian/internal/model"
)

// TokenType はJWTの用途区分。
type TokenType string

const (
	TokenAccess     TokenType = "access"
	TokenRefresh    TokenType = "refresh"
	TokenMFAPending TokenType = "mfa_pending"
)

// Claims はguardianが発行するJWTのクレーム。
// SubjectはidentityのID、IDはトークンごとに一意なjti。
type Claims struct {
	jwt.RegisteredClaims
	Role       model.Role `json:"role,omitempty"`
	Tier       model.Tier `json:"tier,omitempty"`
	SessionID  string     `json:"sid,omitempty"`
	Generation int64      `json:"gen,omitempty"`
	Type       TokenType  `json:"typ"`
}

// IdentityID はトークンの主体を返す。
func (c *Claims) IdentityID() string {
	return c.Subject
}

// signToken はクレームにiss、iat、exp、jtiを設定してHS256で署名する。
func (s *Service) signToken(claims Claims, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims.Issuer = s.cfg.Issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)
	claims.ID = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", claims.Type, err)
	}
	return signed, exp, nil
}

// parseToken は署名、発行者、有効期限、用途を検証してクレームを返す。
// 期限切れはmodel.ErrTokenExpired、それ以外の不正はmodel.ErrInvalidTokenをラップする。
func (s *Service) parseToken(raw string, want TokenType) (*Claims, error) {
	if raw == "" {
		return nil, model.ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %s token", model.ErrTokenExpired, want)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
	}
	if !token.Valid || claims.Type != want || claims.Subject == "" {
		return nil, fmt.Errorf("%w: unexpected token type %q", model.ErrInvalidToken, claims.Type)
	}
	if want != TokenMFAPending && claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session", model.ErrInvalidToken)
	}
	return claims, nil
}
