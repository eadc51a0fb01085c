package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// AnonymizePII は指定フィールドを決定的かつ不可逆なトークンに置き換えたコピーを返す。
// 同一の値は常に同一のトークンになるため、匿名化後も集計での突き合わせが可能。
// recordは変更しない。
func (m *CryptoManager) AnonymizePII(record map[string]string, fields []string) map[string]string {
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, f := range fields {
		if v, ok := out[f]; ok {
			out[f] = m.AnonymizeValue(f, v)
		}
	}
	return out
}

// AnonymizeValue は1つの値を匿名化トークン（anon_<16桁hex>）に変換する。
// フィールド名を鍵に含めるため、異なるフィールドの同一値は別のトークンになる。
func (m *CryptoManager) AnonymizeValue(field, value string) string {
	mac := hmac.New(sha256.New, m.anonKey)
	mac.Write([]byte(field))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return "anon_" + hex.EncodeToString(mac.Sum(nil)[:8])
}

// MaskEmail はメールアドレスのローカル部を先頭2文字以外マスクする。
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "***@***.***"
	}
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + "@" + domain
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + "@" + domain
}

// MaskPhone は電話番号の先頭2桁と末尾2桁以外をマスクする。
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}

// MaskName は氏名の先頭と末尾の語を頭文字のみ残してマスクする。
func MaskName(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return maskWord(parts[0])
	default:
		return maskWord(parts[0]) + " " + maskWord(parts[len(parts)-1])
	}
}

func maskWord(w string) string {
	r := []rune(w)
	return string(r[0]) + strings.Repeat("*", len(r)-1)
}

// GenerateSecureToken はnバイトの乱数をURLセーフなbase64文字列で返す。
func GenerateSecureToken(n int) (string, error) {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashData はデータのSHA-256ハッシュを16進文字列で返す。
func HashData(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Fingerprint は複数の値を":"で連結したもののSHA-256ハッシュを返す。
func Fingerprint(parts ...string) string {
	return HashData(strings.Join(parts, ":"))
}
