// Package security は暗号処理とコンテンツ安全性のための基盤機能を提供する。
//
// CryptoManager はスコープ別の鍵による認証付き暗号化（AES-256-GCM）、
// パスワードハッシュ（PBKDF2-SHA256）、PIIの匿名化を担う。
// いずれも共有可変状態を持たない純粋な変換として並行に呼び出せる。
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hitoshi/guardian/internal/model"
	"golang.org/x/crypto/hkdf"
)

// KeyScope は暗号鍵の用途区分。
type KeyScope string

const (
	// ScopeGeneral は一般データ用の鍵スコープ。
	ScopeGeneral KeyScope = "general"
	// ScopePII は個人情報（MFAシークレット等）用の鍵スコープ。
	ScopePII KeyScope = "pii"
)

// blobVersion は暗号文フォーマットのバージョン。
const blobVersion = "v1"

// MinKeyLength はマスター鍵の最小長（バイト）。
const MinKeyLength = 32

// ErrKeyMaterial は鍵素材が不正な場合に返される。起動時の致命的エラーとして扱う。
var ErrKeyMaterial = errors.New("invalid key material")

// CryptoConfig はCryptoManagerの設定を保持する。
type CryptoConfig struct {
	GeneralKey         string // 一般スコープのマスター鍵
	PIIKey             string // PIIスコープのマスター鍵
	KeyID              string // 現行鍵の識別子
	AnonymizationSalt  string // 匿名化HMACの鍵
	PasswordIterations int    // PBKDF2の反復回数
}

// CryptoManager は暗号化、パスワードハッシュ、匿名化を提供する。
type CryptoManager struct {
	mu         sync.RWMutex
	keyring    map[string]map[KeyScope]cipher.AEAD
	currentKey string

	anonKey    []byte
	iterations int
}

// NewCryptoManager はCryptoManagerを生成する。
// 鍵素材が欠けている、または短すぎる場合はErrKeyMaterialを返す。
func NewCryptoManager(cfg CryptoConfig) (*CryptoManager, error) {
	if cfg.AnonymizationSalt == "" {
		return nil, fmt.Errorf("%w: anonymization salt is empty", ErrKeyMaterial)
	}

	iterations := cfg.PasswordIterations
	if iterations < MinPasswordIterations {
		iterations = MinPasswordIterations
	}

	m := &CryptoManager{
		keyring:    make(map[string]map[KeyScope]cipher.AEAD),
		anonKey:    []byte(cfg.AnonymizationSalt),
		iterations: iterations,
	}
	if err := m.AddKey(cfg.KeyID, cfg.GeneralKey, cfg.PIIKey); err != nil {
		return nil, err
	}
	m.currentKey = cfg.KeyID
	return m, nil
}

// AddKey は鍵リングに鍵を追加する。追加した鍵は復号にのみ使用される。
func (m *CryptoManager) AddKey(keyID, generalKey, piiKey string) error {
	if keyID == "" || strings.Contains(keyID, ".") {
		return fmt.Errorf("%w: key id %q must be non-empty and must not contain '.'", ErrKeyMaterial, keyID)
	}

	ciphers := make(map[KeyScope]cipher.AEAD, 2)
	for scope, master := range map[KeyScope]string{ScopeGeneral: generalKey, ScopePII: piiKey} {
		if len(master) < MinKeyLength {
			return fmt.Errorf("%w: %s key must be at least %d bytes", ErrKeyMaterial, scope, MinKeyLength)
		}
		aead, err := newScopeCipher([]byte(master), keyID, scope)
		if err != nil {
			return err
		}
		ciphers[scope] = aead
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyring[keyID] = ciphers
	return nil
}

// Rotate は新しい鍵を追加して現行鍵に切り替える。旧鍵は復号用に保持される。
func (m *CryptoManager) Rotate(keyID, generalKey, piiKey string) error {
	if err := m.AddKey(keyID, generalKey, piiKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentKey = keyID
	return nil
}

// CurrentKeyID は暗号化に使用している鍵の識別子を返す。
func (m *CryptoManager) CurrentKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentKey
}

// newScopeCipher はマスター鍵からHKDF-SHA256でスコープ別の鍵を導出し、AES-256-GCMを構築する。
func newScopeCipher(master []byte, keyID string, scope KeyScope) (cipher.AEAD, error) {
	info := []byte("guardian/" + string(scope) + "/" + keyID)
	h := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("%w: derive %s key: %v", ErrKeyMaterial, scope, err)
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return aead, nil
}

// Encrypt は平文をスコープの現行鍵で暗号化する。
// 出力形式: v1.<scope>.<keyID>.<base64url(nonce|ciphertext|tag)>
func (m *CryptoManager) Encrypt(plaintext []byte, scope KeyScope) (string, error) {
	m.mu.RLock()
	keyID := m.currentKey
	aead, ok := m.keyring[keyID][scope]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown key scope: %s", scope)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	header := blobHeader(scope, keyID)
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(header))
	return header + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt は暗号文を復号する。
// 改ざん、スコープ不一致、未知の鍵ID、形式不正のいずれもmodel.ErrDecryptionFailedを返し、
// 部分的な平文は返さない。
func (m *CryptoManager) Decrypt(blob string, scope KeyScope) ([]byte, error) {
	parts := strings.SplitN(blob, ".", 4)
	if len(parts) != 4 || parts[0] != blobVersion {
		return nil, fmt.Errorf("%w: malformed blob", model.ErrDecryptionFailed)
	}
	if KeyScope(parts[1]) != scope {
		return nil, fmt.Errorf("%w: scope mismatch", model.ErrDecryptionFailed)
	}
	keyID := parts[2]

	m.mu.RLock()
	aead, ok := m.keyring[keyID][scope]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", model.ErrDecryptionFailed, keyID)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encoding", model.ErrDecryptionFailed)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", model.ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(blobHeader(scope, keyID)))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", model.ErrDecryptionFailed)
	}
	return plaintext, nil
}

// EncryptString は文字列を暗号化する。
func (m *CryptoManager) EncryptString(plaintext string, scope KeyScope) (string, error) {
	return m.Encrypt([]byte(plaintext), scope)
}

// DecryptString は暗号文を復号して文字列として返す。
func (m *CryptoManager) DecryptString(blob string, scope KeyScope) (string, error) {
	b, err := m.Decrypt(blob, scope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// blobHeader は暗号文ヘッダを生成する。ヘッダは追加認証データとしても使用する。
func blobHeader(scope KeyScope, keyID string) string {
	return blobVersion + "." + string(scope) + "." + keyID
}

// zeroBytes は鍵素材をメモリから消去する。
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
