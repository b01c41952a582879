// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はバッキングストアが管理する認証ユーザーを表す。
// このシステムからは読み取り専用として扱う。
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Phone            string         `json:"phone,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	AppMetadata      map[string]any `json:"app_metadata,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// MetadataString はuser_metadataから文字列値を取り出す。
// キーが存在しない、または文字列でない場合は空文字列を返す。
func (u *User) MetadataString(key string) string {
	if u == nil || u.UserMetadata == nil {
		return ""
	}
	v, _ := u.UserMetadata[key].(string)
	return strings.TrimSpace(v)
}

// DisplayName はプロフィール初期値として使う表示名を返す。
// user_metadata.full_name、メールアドレスのローカル部、"User" の順で採用する。
func (u *User) DisplayName() string {
	if name := u.MetadataString("full_name"); name != "" {
		return name
	}
	if u != nil {
		if local, _, ok := strings.Cut(u.Email, "@"); ok && local != "" {
			return local
		}
	}
	return "User"
}

// Session はバッキングストアが発行したログインセッションを表す。
// コントローラーは変更通知のたびに丸ごと差し替える読み取り専用コピーを保持する。
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"` // Unix秒
	User         *User  `json:"user"`
}

// UserID はセッション所有者のユーザーIDを返す。
func (s *Session) UserID() string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// Expiry はアクセストークンの有効期限を返す。不明な場合はゼロ値。
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// ExpiresWithin は有効期限がd以内に到来する（または既に過ぎている）かを返す。
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	exp := s.Expiry()
	if exp.IsZero() {
		return false
	}
	return !now.Add(d).Before(exp)
}

// AuthEvent はセッション変更通知の種別を表す。
type AuthEvent string

const (
	// AuthEventInitialSession は購読開始時点のセッション通知。
	AuthEventInitialSession AuthEvent = "INITIAL_SESSION"
	// AuthEventSignedIn はサインイン完了の通知。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut はサインアウト（トークン失効を含む）の通知。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はトークン更新の通知。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	// AuthEventUserUpdated はユーザー情報更新の通知。
	AuthEventUserUpdated AuthEvent = "USER_UPDATED"
)
