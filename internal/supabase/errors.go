package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotConfigured はURLまたはanonキーが未設定のクライアントで操作した場合に返す。
var ErrNotConfigured = errors.New("supabase is not configured: set SUPABASE_URL and SUPABASE_ANON_KEY")

// テーブルAPIが返す構造化エラーコード
const (
	// CodeRelationNotFound はスキーマキャッシュにテーブルが存在しないことを示す。
	CodeRelationNotFound = "PGRST205"
	// CodeUndefinedTable はPostgreSQLのundefined_table。
	CodeUndefinedTable = "42P01"
	// CodeNoRows は単一行要求に対して0行だったことを示す。
	CodeNoRows = "PGRST116"
)

// APIError はテーブルAPI（PostgREST互換）が返すエラーを表す。
type APIError struct {
	Status  int
	Code    string
	Message string
	Details string
	Hint    string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("supabase api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("supabase api error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// IsRelationNotFound はerrがテーブル不在を示す構造化エラーかを返す。
// メッセージ文字列による判定は行わない。
func IsRelationNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeRelationNotFound || apiErr.Code == CodeUndefinedTable
}

// IsNoRows はerrが単一行要求の0行エラーかを返す。
func IsNoRows(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeNoRows
}

// AuthError は認証API（GoTrue互換）が返すエラーを表す。
// Messageはフォームにそのまま表示できるストアのメッセージ。
type AuthError struct {
	Status  int
	Code    string
	Message string
}

// Error はストアのメッセージをそのまま返す。
func (e *AuthError) Error() string {
	return e.Message
}

// IsAuthError はerrが認証APIのエラーかを返す。
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

type apiErrorBody struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details *string `json:"details"`
	Hint    *string `json:"hint"`
}

// parseAPIError はテーブルAPIのエラーレスポンスを構造化する。
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}

	apiErr.Code = parsed.Code
	apiErr.Message = parsed.Message
	if parsed.Details != nil {
		apiErr.Details = *parsed.Details
	}
	if parsed.Hint != nil {
		apiErr.Hint = *parsed.Hint
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// parseAuthError は認証APIのエラーレスポンスを構造化する。
// 新旧いずれのフォーマット（msg / error_description / message）にも対応する。
func parseAuthError(status int, body []byte) *AuthError {
	authErr := &AuthError{Status: status}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		authErr.Message = strings.TrimSpace(string(body))
		if authErr.Message == "" {
			authErr.Message = http.StatusText(status)
		}
		return authErr
	}

	for _, key := range []string{"error_code", "error"} {
		if v, ok := parsed[key].(string); ok && v != "" {
			authErr.Code = v
			break
		}
	}
	for _, key := range []string{"msg", "message", "error_description", "error"} {
		if v, ok := parsed[key].(string); ok && v != "" {
			authErr.Message = v
			break
		}
	}
	if authErr.Message == "" {
		authErr.Message = http.StatusText(status)
	}
	return authErr
}
