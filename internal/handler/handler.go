// Package handler はHTTPハンドラーとルーティングを提供する。
//
// ハンドラーはエラーを自ら整形せず、すべてErrorHandlerに委譲する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hitoshi/guardian/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限。
const maxRequestBody = 1 << 20

// decodeJSON はリクエストボディをvにデコードする。
// 形式が不正な場合はmodel.ErrInvalidInputをラップしたエラーを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body too large", model.ErrInvalidInput)
		}
		return fmt.Errorf("%w: malformed JSON body", model.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
