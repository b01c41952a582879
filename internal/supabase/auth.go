package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

const (
	authPrefix = "/auth/v1"
	// expiryMargin はGetSessionが期限切れ間近とみなして更新する猶予。
	expiryMargin = 10 * time.Second
	// autoRefreshMargin は自動更新が有効期限の何秒前に更新を行うか。
	autoRefreshMargin = 60 * time.Second
	// DefaultAutoRefreshInterval は自動更新の確認間隔。
	DefaultAutoRefreshInterval = 30 * time.Second
)

// SessionStorage はストアが発行したセッションを永続化する。
// 1つのブラウザセッションにスコープされた実装を渡す。
type SessionStorage interface {
	Load(ctx context.Context) (*model.Session, error)
	Save(ctx context.Context, session *model.Session) error
	Delete(ctx context.Context) error
}

// SessionChangeHandler はセッション変更通知を受け取る。sessionがnilの場合はサインアウト。
// ハンドラーは同期的に呼ばれるため、ブロックせずに戻ること。
type SessionChangeHandler func(event model.AuthEvent, session *model.Session)

// SignUpResult はサインアップの結果。
// メール確認が必要な設定ではSessionはnilになる。
type SignUpResult struct {
	User    *model.User
	Session *model.Session
}

// AuthClient は1つのブラウザセッションに対応する認証クライアント。
// 現在のセッションを保持し、変更を購読者に通知する。
type AuthClient struct {
	client  *Client
	storage SessionStorage
	now     func() time.Time

	mu        sync.Mutex
	session   *model.Session
	loaded    bool
	listeners map[int]SessionChangeHandler
	nextID    int

	// notifyMu は通知の配送順序を保証する。
	notifyMu sync.Mutex
}

// NewAuthClient は新しいAuthClientを生成する。storageがnilの場合は永続化しない。
func NewAuthClient(client *Client, storage SessionStorage) *AuthClient {
	return &AuthClient{
		client:    client,
		storage:   storage,
		now:       time.Now,
		listeners: make(map[int]SessionChangeHandler),
	}
}

// Configured は接続設定が揃っているかを返す。
func (a *AuthClient) Configured() bool {
	return a.client.Configured()
}

// OnSessionChange はセッション変更通知を購読する。
// 戻り値の関数で購読を解除する。解除は何度呼んでもよい。
func (a *AuthClient) OnSessionChange(handler SessionChangeHandler) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = handler
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// ListenerCount は現在の購読者数を返す。
func (a *AuthClient) ListenerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// GetSession は現在のセッションを返す。セッションがない場合は(nil, nil)。
// 初回呼び出し時にストレージから読み込み、期限切れ間近であれば更新する。
func (a *AuthClient) GetSession(ctx context.Context) (*model.Session, error) {
	if !a.client.Configured() {
		return nil, ErrNotConfigured
	}

	a.mu.Lock()
	if !a.loaded && a.storage != nil {
		stored, err := a.storage.Load(ctx)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("failed to load stored session: %w", err)
		}
		a.session = stored
	}
	a.loaded = true
	current := copySession(a.session)
	a.mu.Unlock()

	if current == nil {
		return nil, nil
	}
	if !current.ExpiresWithin(a.now(), expiryMargin) {
		return current, nil
	}

	refreshed, err := a.RefreshSession(ctx)
	if err != nil {
		if IsAuthError(err) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// ストアがセッションを返した場合（メール確認無効）のみSIGNED_INを通知する。
func (a *AuthClient) SignUp(ctx context.Context, email, password string, data map[string]any) (*SignUpResult, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
	}
	if len(data) > 0 {
		body["data"] = data
	}

	resp, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   authPrefix + "/signup",
		body:   body,
	})
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, parseAuthError(resp.status, resp.body)
	}

	var probe struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.body, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode signup response: %w", err)
	}

	if probe.AccessToken == "" {
		var user model.User
		if err := json.Unmarshal(resp.body, &user); err != nil {
			return nil, fmt.Errorf("failed to decode signup user: %w", err)
		}
		return &SignUpResult{User: &user}, nil
	}

	session, err := a.decodeSession(resp.body)
	if err != nil {
		return nil, err
	}
	a.setSession(ctx, model.AuthEventSignedIn, session)
	return &SignUpResult{User: session.User, Session: copySession(session)}, nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	resp, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   authPrefix + "/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, parseAuthError(resp.status, resp.body)
	}

	session, err := a.decodeSession(resp.body)
	if err != nil {
		return nil, err
	}
	a.setSession(ctx, model.AuthEventSignedIn, session)
	return copySession(session), nil
}

// SignOut はサインアウトする。
// ストアがトークンを既に無効とみなしている場合（401/403/404）もローカルのセッションは破棄する。
func (a *AuthClient) SignOut(ctx context.Context) error {
	if !a.client.Configured() {
		return ErrNotConfigured
	}

	a.mu.Lock()
	token := ""
	if a.session != nil {
		token = a.session.AccessToken
	}
	a.mu.Unlock()

	if token != "" {
		resp, err := a.client.do(ctx, request{
			method: http.MethodPost,
			path:   authPrefix + "/logout",
			token:  token,
		})
		if err != nil {
			return err
		}
		if resp.status >= 400 {
			switch resp.status {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				slog.Debug("store session already invalid on sign-out", slog.Int("status", resp.status))
			default:
				return parseAuthError(resp.status, resp.body)
			}
		}
	}

	a.setSession(ctx, model.AuthEventSignedOut, nil)
	return nil
}

// RefreshSession はリフレッシュトークンでセッションを更新する。
// ストアが認証エラーを返した場合はセッションを破棄し、SIGNED_OUTを通知する。
func (a *AuthClient) RefreshSession(ctx context.Context) (*model.Session, error) {
	a.mu.Lock()
	refreshToken := ""
	if a.session != nil {
		refreshToken = a.session.RefreshToken
	}
	a.mu.Unlock()

	if refreshToken == "" {
		return nil, &AuthError{Status: http.StatusUnauthorized, Code: "refresh_token_not_found", Message: "Auth session missing!"}
	}

	resp, err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   authPrefix + "/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		authErr := parseAuthError(resp.status, resp.body)
		if resp.status < 500 && resp.status != http.StatusTooManyRequests {
			a.setSession(ctx, model.AuthEventSignedOut, nil)
		}
		return nil, authErr
	}

	session, err := a.decodeSession(resp.body)
	if err != nil {
		return nil, err
	}
	a.setSession(ctx, model.AuthEventTokenRefreshed, session)
	return copySession(session), nil
}

// GetUser はアクセストークンの所有者をストアから取得する。
func (a *AuthClient) GetUser(ctx context.Context) (*model.User, error) {
	a.mu.Lock()
	token := ""
	if a.session != nil {
		token = a.session.AccessToken
	}
	a.mu.Unlock()
	if token == "" {
		return nil, nil
	}

	resp, err := a.client.do(ctx, request{
		method: http.MethodGet,
		path:   authPrefix + "/user",
		token:  token,
	})
	if err != nil {
		return nil, err
	}
	if resp.status >= 400 {
		return nil, parseAuthError(resp.status, resp.body)
	}

	var user model.User
	if err := json.Unmarshal(resp.body, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}

// StartAutoRefresh は有効期限が近づいたセッションを定期的に更新するゴルーチンを開始する。
// 戻り値の関数で停止する。更新が認証エラーで失敗した場合はSIGNED_OUTが通知される。
func (a *AuthClient) StartAutoRefresh(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultAutoRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.refreshIfDue(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// refreshIfDue は有効期限がautoRefreshMargin以内であれば更新する。
func (a *AuthClient) refreshIfDue(ctx context.Context) {
	a.mu.Lock()
	current := a.session
	a.mu.Unlock()

	if current == nil || !current.ExpiresWithin(a.now(), autoRefreshMargin) {
		return
	}
	if _, err := a.RefreshSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("auto refresh failed",
			slog.String("user_id", current.UserID()),
			slog.String("error", err.Error()),
		)
	}
}

// decodeSession はトークンレスポンスをSessionにデコードする。
func (a *AuthClient) decodeSession(body []byte) (*model.Session, error) {
	var session model.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if session.AccessToken == "" {
		return nil, errors.New("store returned a session without an access token")
	}
	normalizeSession(&session, a.now())
	return &session, nil
}

// setSession は現在のセッションを差し替え、永続化して購読者に通知する。
// 通知はロックの外で、登録済みハンドラーのスナップショットに対して行う。
func (a *AuthClient) setSession(ctx context.Context, event model.AuthEvent, session *model.Session) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()

	a.mu.Lock()
	a.session = copySession(session)
	a.loaded = true
	handlers := make([]SessionChangeHandler, 0, len(a.listeners))
	for id := 0; id < a.nextID; id++ {
		if h, ok := a.listeners[id]; ok {
			handlers = append(handlers, h)
		}
	}
	a.mu.Unlock()

	a.persist(ctx, session)

	for _, h := range handlers {
		h(event, copySession(session))
	}
}

// persist はセッションをストレージに保存する。失敗はログに記録するのみ。
func (a *AuthClient) persist(ctx context.Context, session *model.Session) {
	if a.storage == nil {
		return
	}
	var err error
	if session == nil {
		err = a.storage.Delete(ctx)
	} else {
		err = a.storage.Save(ctx, session)
	}
	if err != nil {
		slog.Warn("failed to persist store session", slog.String("error", err.Error()))
	}
}

// copySession はセッションの浅いコピーを返す。Userもコピーする。
func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.User != nil {
		u := *s.User
		cp.User = &u
	}
	return &cp
}
