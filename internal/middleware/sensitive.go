package middleware

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/http"
	"strings"
)

// sensitiveFields はどのエンドポイントのレスポンスにも含めないフィールド。
var sensitiveFields = map[string]bool{
	"password":       true,
	"password_hash":  true,
	"mfa_secret":     true,
	"secret_key":     true,
	"api_key":        true,
	"private_key":    true,
	"encryption_key": true,
	"ssn":            true,
	"credit_card":    true,
}

// credentialFields は許可されたパス配下のレスポンスでのみ返してよいフィールド。
var credentialFields = map[string]bool{
	"access_token":      true,
	"refresh_token":     true,
	"mfa_pending_token": true,
	"secret":            true,
	"provisioning_uri":  true,
	"backup_codes":      true,
}

// bufferedWriter はレスポンスを書き換えるためにステータスとボディを保持する。
type bufferedWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (bw *bufferedWriter) WriteHeader(code int) {
	if !bw.wroteHeader {
		bw.status = code
		bw.wroteHeader = true
	}
}

func (bw *bufferedWriter) Write(b []byte) (int, error) {
	if !bw.wroteHeader {
		bw.WriteHeader(http.StatusOK)
	}
	return bw.buf.Write(b)
}

// NewSensitiveFieldFilter はJSONレスポンスから機密フィールドを除去するミドルウェアを返す。
// トークンやMFAシークレットはcredentialPathPrefixesのいずれかで始まるパスでのみ返却を許可する。
func NewSensitiveFieldFilter(credentialPathPrefixes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(bw, r)

			body := bw.buf.Bytes()
			if isJSON(w.Header().Get("Content-Type")) && len(body) > 0 {
				allowCredentials := hasAnyPrefix(r.URL.Path, credentialPathPrefixes)
				if cleaned, ok := stripSensitive(body, allowCredentials); ok {
					body = cleaned
				}
			}
			w.Header().Del("Content-Length")
			w.WriteHeader(bw.status)
			w.Write(body)
		})
	}
}

// stripSensitive はJSONから機密フィールドを再帰的に除去する。JSONとして解釈できない場合はfalseを返す。
func stripSensitive(body []byte, allowCredentials bool) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	v = stripValue(v, allowCredentials)

	var out bytes.Buffer
	if err := json.NewEncoder(&out).Encode(v); err != nil {
		return nil, false
	}
	return out.Bytes(), true
}

func stripValue(v interface{}, allowCredentials bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			key := strings.ToLower(k)
			if sensitiveFields[key] || (!allowCredentials && credentialFields[key]) {
				delete(t, k)
				continue
			}
			t[k] = stripValue(child, allowCredentials)
		}
	case []interface{}:
		for i, child := range t {
			t[i] = stripValue(child, allowCredentials)
		}
	}
	return v
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
