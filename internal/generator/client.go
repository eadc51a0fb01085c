// Package generator は外部のコンテンツ生成サービスを呼び出すHTTPクライアントを提供する。
// 生成そのものは外部サービスが担い、本パッケージはリクエストの中継のみを行う。
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/guardian/internal/model"
)

// maxResponseBody は生成サービスの応答として受け付けるボディの上限。
const maxResponseBody = 4 << 20

// ErrNotConfigured は生成サービスのURLが未設定であることを示す。
var ErrNotConfigured = errors.New("generator endpoint is not configured")

// Client は生成サービスのクライアント。
// POST {endpoint} に {"prompt": ...} を送り、{"content": ...} を受け取る。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
}

// NewClient はClientを生成する。endpointが空の場合、Generateは常にErrNotConfiguredを返す。
func NewClient(endpoint string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Content string `json:"content"`
}

// Generate はプロンプトを生成サービスへ送り、生成されたコンテンツを返す。
// 2xx以外の応答と不正な応答はmodel.ErrUpstreamUnavailableでラップして返す。
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, ErrNotConfigured)
	}

	body, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Guardian/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.logger.Error("generator request failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("generator returned error status", slog.Int("http_status", resp.StatusCode))
		return "", fmt.Errorf("%w: status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", model.ErrUpstreamUnavailable, err)
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Error("failed to parse generator response", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: malformed response", model.ErrUpstreamUnavailable)
	}
	return out.Content, nil
}
