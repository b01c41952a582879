// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
)

const (
	// BrowserSessionCookieName はブラウザセッションIDを保持するCookieの名前。
	BrowserSessionCookieName = "hdtn_sid"

	browserIDBytes = 32
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// browserIDContextKey はリクエストコンテキストにブラウザセッションIDを格納するためのキー。
var browserIDContextKey = contextKey("browser_id")

// BrowserSessionConfig はブラウザセッションCookieの設定。
type BrowserSessionConfig struct {
	CookieSecure bool
	CookieDomain string
	MaxAge       int // 秒
}

// NewBrowserSessionMiddleware はHTTP Only CookieからブラウザセッションIDを読み取り、
// リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、または形式が不正な場合は新しいIDを発行してCookieを設定する。
func NewBrowserSessionMiddleware(config BrowserSessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var browserID string
			if cookie, err := r.Cookie(BrowserSessionCookieName); err == nil && validBrowserID(cookie.Value) {
				browserID = cookie.Value
			} else {
				id, err := generateBrowserID()
				if err != nil {
					slog.Error("failed to generate browser session id", slog.String("error", err.Error()))
					WriteInternalServerError(w)
					return
				}
				browserID = id
				http.SetCookie(w, &http.Cookie{
					Name:     BrowserSessionCookieName,
					Value:    browserID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   config.MaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(ContextWithBrowserID(r.Context(), browserID)))
		})
	}
}

// BrowserIDFromContext はリクエストコンテキストからブラウザセッションIDを取得する。
// ブラウザセッションミドルウェアを通過したリクエストでのみ有効。
func BrowserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(browserIDContextKey).(string)
	return id, ok && id != ""
}

// ContextWithBrowserID はコンテキストにブラウザセッションIDを注入する。
func ContextWithBrowserID(ctx context.Context, browserID string) context.Context {
	return context.WithValue(ctx, browserIDContextKey, browserID)
}

// ClearBrowserSessionCookie はブラウザセッションCookieを削除する。
func ClearBrowserSessionCookie(w http.ResponseWriter, config BrowserSessionConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     BrowserSessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// shortID はログ出力用にIDの先頭8文字を返す。
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func validBrowserID(v string) bool {
	if len(v) != browserIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(v)
	return err == nil
}

func generateBrowserID() (string, error) {
	b := make([]byte, browserIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
