package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/hdtn-connect/internal/ai"
	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
)

// AIServiceInterface はAIハンドラーが必要とするサービスインターフェース。
// ai.Client が実装する。
type AIServiceInterface interface {
	Translate(ctx context.Context, text, language string) string
	SearchWithGrounding(ctx context.Context, prompt string) ai.Answer
}

// translateRequest は翻訳リクエストのボディ。
type translateRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// searchRequest は検索グラウンディング付き問い合わせのボディ。
type searchRequest struct {
	Prompt string `json:"prompt"`
}

// AIHandler は生成AI機能のHTTPハンドラー。
// APIキー未設定時もエラーにはせず、サービスが返す定型メッセージをそのまま返す。
type AIHandler struct {
	service AIServiceInterface
}

// NewAIHandler はAIHandlerを生成する。
func NewAIHandler(service AIServiceInterface) *AIHandler {
	return &AIHandler{service: service}
}

// Translate はテキストを指定言語に翻訳する。
// POST /api/ai/translate
func (h *AIHandler) Translate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" || strings.TrimSpace(req.Language) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("text and language are required"))
		return
	}

	translated := h.service.Translate(r.Context(), req.Text, req.Language)
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"text": translated})
}

// Search は検索グラウンディング付きで問い合わせる。
// POST /api/ai/search
func (h *AIHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("prompt is required"))
		return
	}

	answer := h.service.SearchWithGrounding(r.Context(), req.Prompt)
	if answer.Sources == nil {
		answer.Sources = []ai.Source{}
	}
	middleware.WriteJSON(w, http.StatusOK, answer)
}
