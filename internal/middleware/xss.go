package middleware

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"

	"github.com/hitoshi/guardian/internal/model"
)

var xssPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)<script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`),
	regexp.MustCompile(`(?i)<iframe[^>]*>`),
	regexp.MustCompile(`(?i)<object[^>]*>`),
	regexp.MustCompile(`(?i)<embed[^>]*>`),
	regexp.MustCompile(`(?i)<svg[^>]*\bon\w+\s*=`),
}

// containsXSS はスクリプト注入の典型的なパターンを含むかを判定する。
func containsXSS(s string) bool {
	for _, p := range xssPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// NewXSSInspectionMiddleware はクエリパラメータとフォーム値にスクリプト注入のパターンがあれば
// SEC_004で拒否するミドルウェアを返す。JSONボディはコンテンツフィルタの対象とする。
func NewXSSInspectionMiddleware(eh ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key, ok := findXSS(r.URL.Query()); ok {
				rejectXSS(w, r, eh, "query", key)
				return
			}
			if isFormRequest(r) {
				if err := r.ParseForm(); err != nil {
					eh.Handle(w, r, fmt.Errorf("parse form: %w", err))
					return
				}
				if key, ok := findXSS(r.PostForm); ok {
					rejectXSS(w, r, eh, "form", key)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func findXSS(values url.Values) (string, bool) {
	for key, vs := range values {
		if containsXSS(key) {
			return key, true
		}
		for _, v := range vs {
			if containsXSS(v) {
				return key, true
			}
		}
	}
	return "", false
}

func rejectXSS(w http.ResponseWriter, r *http.Request, eh ErrorHandler, source, key string) {
	slog.Warn("XSS attempt detected",
		slog.String("source", source),
		slog.String("parameter", key),
		slog.String("path", r.URL.Path),
		slog.String("client_ip", ClientIP(r)),
	)
	eh.Handle(w, r, fmt.Errorf("%w: %s parameter %q", model.ErrXSSAttempt, source, key))
}

func isFormRequest(r *http.Request) bool {
	if r.Body == nil || isSafeMethod(r.Method) {
		return false
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}
