// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: config, auth, database, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeDatabaseNotSetUp   = "DATABASE_NOT_SET_UP"
	ErrCodeProfileUnavailable = "PROFILE_UNAVAILABLE"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeCSRFInvalid        = "CSRF_INVALID"
	ErrCodeSessionUnavailable = "SESSION_UNAVAILABLE"
)

// NewNotConfiguredError はバッキングストアの資格情報が未設定の場合のエラーを生成する。
func NewNotConfiguredError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConfigured,
		Message:  "Supabase is not configured. Please set your environment variables.",
		Category: "config",
		Action:   "Set SUPABASE_URL and SUPABASE_ANON_KEY and restart the server.",
	}
}

// NewAuthFailedError はストアが返した認証エラーをそのままのメッセージで包む。
func NewAuthFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewDatabaseNotSetUpError はprofilesテーブルが存在しない場合のエラーを生成する。
func NewDatabaseNotSetUpError() *APIError {
	return &APIError{
		Code:     ErrCodeDatabaseNotSetUp,
		Message:  "The profiles table does not exist.",
		Category: "database",
		Action:   "Run the SQL from GET /api/setup/sql in the Supabase SQL editor, then reload.",
	}
}

// NewProfileUnavailableError はプロフィールの更新・取得ができなかった場合のエラーを生成する。
func NewProfileUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileUnavailable,
		Message:  "Profile could not be saved.",
		Category: "database",
		Action:   "Sign in again, or check the database setup if the problem persists.",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Fix the highlighted fields and submit again.",
	}
}

// NewUnauthorizedError はサインインが必要な操作を匿名で呼んだ場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: "auth",
		Action:   "Please sign in.",
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewInternalError は内部エラーのレスポンス用エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}

// NewSessionUnavailableError はブラウザセッションの準備が完了する前にリクエストが打ち切られた場合のエラーを生成する。
func NewSessionUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionUnavailable,
		Message:  "Session is not ready yet.",
		Category: "system",
		Action:   "Please retry in a moment.",
	}
}
