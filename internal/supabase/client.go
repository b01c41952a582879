// Package supabase はバッキングストア（Supabase互換のBaaS）のHTTPクライアントを提供する。
// 認証API（/auth/v1）とテーブルAPI（/rest/v1）のうち、このシステムが使う操作のみを実装する。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultTimeout はストアへの1リクエストあたりの既定タイムアウト。
	DefaultTimeout = 10 * time.Second
	// maxResponseBodySize はレスポンスボディの最大読み取りサイズ。
	maxResponseBodySize = 4 * 1024 * 1024
)

// Config はクライアントの接続設定。
type Config struct {
	URL        string
	AnonKey    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client はバッキングストアへのHTTPトランスポート。
// 全ブラウザセッションで共有され、ユーザー固有の状態は持たない。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient は新しいClientを生成する。
// URLまたはAnonKeyが空の場合も生成は成功し、各操作がErrNotConfiguredを返す。
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    cfg.URL,
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		maxRetries: maxRetries,
		sleep:      sleepContext,
	}
}

// Configured はURLとanonキーが揃っているかを返す。
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.anonKey != ""
}

// URL は接続先のベースURLを返す。
func (c *Client) URL() string {
	return c.baseURL
}

type accessTokenKey struct{}

// WithAccessToken はテーブルAPI呼び出しに使うユーザーのアクセストークンをctxに格納する。
// トークンがない場合はanonキーで呼び出す（行レベルセキュリティはanonロールで評価される）。
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessTokenFromContext はctxに格納されたアクセストークンを返す。
func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// request は1回のAPI呼び出しを表す。
type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
	token   string
}

// response はAPI呼び出しの結果。
type response struct {
	status int
	body   []byte
}

// do はリクエストを送信する。GETのみ、通信エラーと429/5xxで指数バックオフ再試行する。
// ステータスコードの解釈は呼び出し側で行う。
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	attempts := 1
	if req.method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			slog.Debug("retrying store request",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, req, target, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if classifyStatus(resp.status) == statusRetry && attempt < attempts-1 {
			lastErr = fmt.Errorf("store returned status %d", resp.status)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// send は1回分のHTTPリクエストを送信し、ボディを読み切って返す。
func (c *Client) send(ctx context.Context, req request, target string, payload []byte) (*response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token := req.token
	if token == "" {
		token = c.anonKey
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read store response: %w", err)
	}
	return &response{status: httpResp.StatusCode, body: respBody}, nil
}
