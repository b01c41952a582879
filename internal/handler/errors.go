package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/session"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 << 10

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400レスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("request body must be valid JSON"))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// handleAuthError は認証操作のエラーをレスポンスに変換する。
// ストアの認証エラーはメッセージをそのまま返す。
func handleAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotConfigured) {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewNotConfiguredError())
		return
	}
	var authErr *supabase.AuthError
	if errors.As(err, &authErr) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthFailedError(authErr.Message))
		return
	}
	handleServiceError(w, err)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeNotConfigured, model.ErrCodeSessionUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeAuthFailed, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeProfileUnavailable:
		return http.StatusNotFound
	case model.ErrCodeDatabaseNotSetUp:
		return http.StatusConflict
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeCSRFInvalid:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
