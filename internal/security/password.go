package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPasswordIterations はPBKDF2反復回数の下限。設定値がこれを下回る場合は下限値を使用する。
	MinPasswordIterations = 10000

	passwordAlgorithm = "pbkdf2-sha256"
	passwordSaltSize  = 16
	passwordKeySize   = 32
)

// HashPassword はパスワードをPBKDF2-SHA256でハッシュ化する。
// 出力形式: pbkdf2-sha256$<iterations>$<base64(salt)>$<base64(hash)>
func (m *CryptoManager) HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, m.iterations, passwordKeySize, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		passwordAlgorithm,
		m.iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword はパスワードがハッシュと一致するかを定数時間で検証する。
// ハッシュの形式が不正な場合はfalseを返す。
func (m *CryptoManager) VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != passwordAlgorithm {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < MinPasswordIterations {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// PasswordIterations は新規ハッシュに使用する反復回数を返す。
func (m *CryptoManager) PasswordIterations() int {
	return m.iterations
}
