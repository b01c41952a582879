// Package ai は生成AIサービス（Gemini）のクライアントを提供する。
//
// APIキーが未設定の場合、各操作は失敗せずに「利用不可」を示す結果を返す。
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/metrics"
)

const (
	// DefaultModel は既定のモデル名。
	DefaultModel = "gemini-2.5-flash"
	// DefaultBaseURL は既定のAPIエンドポイント。
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// DefaultTimeout は既定のリクエストタイムアウト。
	DefaultTimeout = 60 * time.Second

	translateTemperature = 0.3
	maxResponseBodySize  = 4 << 20
)

// 利用者に返す定型メッセージ。
const (
	MessageUnavailable           = "AI assistant is currently unavailable. Please configure the Gemini API key to enable AI features."
	MessageNoResponse            = "No response available."
	MessageFetchError            = "Error fetching response."
	MessageTranslationNotAvail   = "Translation not available."
	messageTranslationErrorFront = "Error during translation. Original: "
)

// ErrUnavailable はAPIキーが未設定でAIを利用できないことを示す。
var ErrUnavailable = errors.New("ai service is not configured")

// リクエスト種別（メトリクスのラベル）。
const (
	kindTranslate  = "translate"
	kindSearch     = "search"
	kindStructured = "structured"
)

// Config はClientの設定。
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Timeout      time.Duration
	HTTPClient   *http.Client
	CacheMaxCost int64
	Metrics      metrics.MetricsCollector
}

// Client はGemini REST APIのクライアント。
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	cache      *translationCache
	metrics    metrics.MetricsCollector
}

// Source は検索グラウンディングの参照元。
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Answer は検索グラウンディング付きの応答。
type Answer struct {
	Text        string   `json:"text"`
	Sources     []Source `json:"sources"`
	Unavailable bool     `json:"unavailable"`
}

// NewClient は新しいClientを生成する。APIキーが空でもエラーにはしない。
func NewClient(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	cache, err := newTranslationCache(cfg.CacheMaxCost)
	if err != nil {
		return nil, err
	}

	if cfg.APIKey == "" {
		slog.Warn("Gemini API key is not set, AI features will be disabled")
	}

	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		cache:      cache,
		metrics:    cfg.Metrics,
	}, nil
}

// Available はAPIキーが設定されているかを返す。
func (c *Client) Available() bool {
	return c.apiKey != ""
}

// Close はキャッシュを解放する。
func (c *Client) Close() {
	c.cache.close()
}

// Translate はtextをlanguageに翻訳する。
// APIキーがなければ原文、応答が空なら定型文、失敗時は原文付きのエラー文を返す。
func (c *Client) Translate(ctx context.Context, text, language string) string {
	if !c.Available() {
		c.metrics.RecordAIRequest(kindTranslate, "unavailable", 0)
		return text
	}

	if cached, ok := c.cache.get(language, text); ok {
		c.metrics.RecordTranslationCache(true)
		return cached
	}
	c.metrics.RecordTranslationCache(false)

	temperature := translateTemperature
	start := time.Now()
	resp, err := c.generate(ctx, generateRequest{
		Contents: userPrompt(fmt.Sprintf("Translate the following text to %s: \"%s\"", language, text)),
		GenerationConfig: &generationConfig{
			Temperature: &temperature,
		},
	})
	if err != nil {
		slog.Error("translation failed", slog.String("language", language), slog.String("error", err.Error()))
		c.metrics.RecordAIRequest(kindTranslate, "error", time.Since(start))
		return messageTranslationErrorFront + text
	}

	translated := strings.TrimSpace(resp.text())
	if translated == "" {
		slog.Error("Gemini returned no text for translation", slog.String("language", language))
		c.metrics.RecordAIRequest(kindTranslate, "empty", time.Since(start))
		return MessageTranslationNotAvail
	}

	c.metrics.RecordAIRequest(kindTranslate, "ok", time.Since(start))
	c.cache.set(language, text, translated)
	return translated
}

// SearchWithGrounding はWeb検索ツールを有効にしてpromptに回答する。
// 参照元はWebのURIを持つグラウンディングチャンクのみ。
func (c *Client) SearchWithGrounding(ctx context.Context, prompt string) Answer {
	if !c.Available() {
		c.metrics.RecordAIRequest(kindSearch, "unavailable", 0)
		return Answer{Text: MessageUnavailable, Sources: []Source{}, Unavailable: true}
	}

	start := time.Now()
	resp, err := c.generate(ctx, generateRequest{
		Contents: userPrompt(prompt),
		Tools:    []tool{{GoogleSearch: &struct{}{}}},
	})
	if err != nil {
		slog.Error("search-grounded generation failed", slog.String("error", err.Error()))
		c.metrics.RecordAIRequest(kindSearch, "error", time.Since(start))
		return Answer{Text: MessageFetchError, Sources: []Source{}}
	}

	text := strings.TrimSpace(resp.text())
	if text == "" {
		slog.Error("Gemini returned no text with search grounding")
		c.metrics.RecordAIRequest(kindSearch, "empty", time.Since(start))
		return Answer{Text: MessageNoResponse, Sources: []Source{}}
	}

	c.metrics.RecordAIRequest(kindSearch, "ok", time.Since(start))
	return Answer{Text: text, Sources: resp.webSources()}
}

// codeFence は応答全体を囲むMarkdownのコードブロックに一致する。
var codeFence = regexp.MustCompile("(?s)^```(\\w*)?\\s*\\n?(.*?)\\n?\\s*```$")

// StructuredResponse はJSON形式の応答を要求し、outにデコードする。
// exampleは期待する構造の例としてプロンプトに埋め込む。
func (c *Client) StructuredResponse(ctx context.Context, prompt string, example any, out any) error {
	if !c.Available() {
		return ErrUnavailable
	}

	exampleJSON, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode example: %w", err)
	}

	start := time.Now()
	resp, err := c.generate(ctx, generateRequest{
		Contents: userPrompt(fmt.Sprintf(
			"%s. Please provide the response in JSON format. Here is an example of the structure: %s",
			prompt, exampleJSON,
		)),
		GenerationConfig: &generationConfig{ResponseMIMEType: "application/json"},
	})
	if err != nil {
		c.metrics.RecordAIRequest(kindStructured, "error", time.Since(start))
		return err
	}

	body := strings.TrimSpace(resp.text())
	if m := codeFence.FindStringSubmatch(body); m != nil && m[2] != "" {
		body = strings.TrimSpace(m[2])
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		c.metrics.RecordAIRequest(kindStructured, "error", time.Since(start))
		return fmt.Errorf("failed to decode structured response: %w", err)
	}
	c.metrics.RecordAIRequest(kindStructured, "ok", time.Since(start))
	return nil
}

// generate はgenerateContentを呼び出す。
func (c *Client) generate(ctx context.Context, req generateRequest) (*generateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error (status %d)", httpResp.StatusCode)
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("gemini API error: %s (code: %d)", resp.Error.Message, resp.Error.Code)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d)", httpResp.StatusCode)
	}
	return &resp, nil
}
