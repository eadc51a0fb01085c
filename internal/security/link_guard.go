package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// LinkRisk はURLの危険度。
type LinkRisk int

const (
	// LinkSafe は静的検査で問題のないURL。
	LinkSafe LinkRisk = iota
	// LinkSuspicious は内部ネットワークやlocalhostを指すURL、想定外のスキームのURL。
	LinkSuspicious
	// LinkMalicious はスクリプト実行スキームや認証情報偽装を含むURL。
	LinkMalicious
)

// String はLinkRiskの文字列表現を返す。
func (r LinkRisk) String() string {
	switch r {
	case LinkSuspicious:
		return "suspicious"
	case LinkMalicious:
		return "malicious"
	default:
		return "safe"
	}
}

// URL検証で返されるエラー。
var (
	ErrDisallowedScheme = errors.New("disallowed scheme")
	ErrBlockedAddress   = errors.New("blocked address")
	ErrCredentialsInURL = errors.New("credentials in url")
	ErrMalformedURL     = errors.New("malformed url")
)

// allowedSchemes は外部送信で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// scriptSchemes はブラウザでスクリプトとして評価されるスキーム。
var scriptSchemes = []string{"javascript", "vbscript", "data"}

// blockedNetworks は外部送信でブロックするネットワーク範囲。
// safeurlはDialerレベルでDNS解決後のIPも検証するため、ここでは静的なIPリテラルのみを扱う。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// LinkGuard はURLの静的検査とSSRF防止付きHTTPクライアントを提供する。
// コンテンツフィルタのリンク分類と、監査アラートWebhookの送信に使用する。
type LinkGuard struct{}

// NewLinkGuard はLinkGuardを生成する。
func NewLinkGuard() *LinkGuard {
	return &LinkGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
// safeurlによりDNS解決後に拒否される。
func (g *LinkGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL は外部送信先としてのURLの安全性をDNS解決なしで検証する。
func (g *LinkGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrMalformedURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !containsFold(allowedSchemes, scheme) {
		return fmt.Errorf("%w: %s (allowed: %v)", ErrDisallowedScheme, scheme, allowedSchemes)
	}

	if parsed.User != nil {
		return fmt.Errorf("%w: %s", ErrCredentialsInURL, parsed.Redacted())
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrMalformedURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: %s", ErrBlockedAddress, ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
	}
	return nil
}

// Classify はユーザーコンテンツ中のURLの危険度を判定する。
func (g *LinkGuard) Classify(rawURL string) LinkRisk {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return LinkSuspicious
	}
	if containsFold(scriptSchemes, parsed.Scheme) {
		return LinkMalicious
	}

	err = g.ValidateURL(rawURL)
	switch {
	case err == nil:
		return LinkSafe
	case errors.Is(err, ErrCredentialsInURL):
		// https://bank.example@evil.example/ 形式のホスト偽装
		return LinkMalicious
	default:
		return LinkSuspicious
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost")
}
