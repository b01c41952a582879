package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// fakeAuthServer は認証APIの最小限のフェイク。
type fakeAuthServer struct {
	mu            sync.Mutex
	autoConfirm   bool
	logoutStatus  int
	users         map[string]fakeUser // email -> user
	refreshTokens map[string]string   // refresh token -> email
	seq           int
	now           time.Time
}

type fakeUser struct {
	id       string
	email    string
	password string
	metadata map[string]any
}

func newFakeAuthServer(t *testing.T) (*fakeAuthServer, *Client) {
	t.Helper()
	f := &fakeAuthServer{
		autoConfirm:   true,
		logoutStatus:  http.StatusNoContent,
		users:         make(map[string]fakeUser),
		refreshTokens: make(map[string]string),
		now:           time.Now(),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)

	c := NewClient(Config{URL: srv.URL, AnonKey: "anon-key"})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return f, c
}

func (f *fakeAuthServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	str := func(k string) string {
		v, _ := body[k].(string)
		return v
	}

	switch {
	case r.URL.Path == "/auth/v1/signup":
		email := str("email")
		if _, ok := f.users[email]; ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"code": 422, "error_code": "user_already_exists", "msg": "User already registered"})
			return
		}
		f.seq++
		meta, _ := body["data"].(map[string]any)
		u := fakeUser{id: fmt.Sprintf("user-%d", f.seq), email: email, password: str("password"), metadata: meta}
		f.users[email] = u
		if !f.autoConfirm {
			writeJSON(w, http.StatusOK, f.userJSON(u))
			return
		}
		writeJSON(w, http.StatusOK, f.issue(u))

	case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "password":
		u, ok := f.users[str("email")]
		if !ok || u.password != str("password") {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "invalid_credentials", "msg": "Invalid login credentials"})
			return
		}
		writeJSON(w, http.StatusOK, f.issue(u))

	case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "refresh_token":
		email, ok := f.refreshTokens[str("refresh_token")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"code": 400, "error_code": "refresh_token_not_found", "msg": "Invalid Refresh Token: Refresh Token Not Found"})
			return
		}
		delete(f.refreshTokens, str("refresh_token"))
		writeJSON(w, http.StatusOK, f.issue(f.users[email]))

	case r.URL.Path == "/auth/v1/logout":
		w.WriteHeader(f.logoutStatus)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAuthServer) userJSON(u fakeUser) map[string]any {
	return map[string]any{"id": u.id, "email": u.email, "user_metadata": u.metadata}
}

func (f *fakeAuthServer) issue(u fakeUser) map[string]any {
	f.seq++
	refresh := fmt.Sprintf("refresh-%d", f.seq)
	f.refreshTokens[refresh] = u.email
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": u.id,
		"exp": f.now.Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	return map[string]any{
		"access_token":  token,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"expires_in":    3600,
		"user":          f.userJSON(u),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// memoryStorage はテスト用のSessionStorage。
type memoryStorage struct {
	mu      sync.Mutex
	session *model.Session
}

func (m *memoryStorage) Load(ctx context.Context) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.session), nil
}

func (m *memoryStorage) Save(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = copySession(s)
	return nil
}

func (m *memoryStorage) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

type recordedEvent struct {
	event  model.AuthEvent
	userID string
}

func record(a *AuthClient) (*[]recordedEvent, func()) {
	var mu sync.Mutex
	events := &[]recordedEvent{}
	unsub := a.OnSessionChange(func(event model.AuthEvent, s *model.Session) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, recordedEvent{event: event, userID: s.UserID()})
	})
	return events, unsub
}

func TestAuthClient_SignUpThenSignIn_StableUserID(t *testing.T) {
	_, c := newFakeAuthServer(t)
	a := NewAuthClient(c, &memoryStorage{})
	ctx := context.Background()

	result, err := a.SignUp(ctx, "a@b.com", "secret1", map[string]any{"full_name": "Ada"})
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if result.Session == nil {
		t.Fatal("自動確認の場合はセッションが返るべき")
	}
	if got := result.User.MetadataString("full_name"); got != "Ada" {
		t.Errorf("full_name = %q, want Ada", got)
	}

	first, err := a.SignInWithPassword(ctx, "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	second, err := a.SignInWithPassword(ctx, "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if first.UserID() != result.User.ID || second.UserID() != result.User.ID {
		t.Errorf("user id should be stable: signup=%s first=%s second=%s", result.User.ID, first.UserID(), second.UserID())
	}
}

func TestAuthClient_SignInNotifiesSignedIn(t *testing.T) {
	f, c := newFakeAuthServer(t)
	f.users["a@b.com"] = fakeUser{id: "user-x", email: "a@b.com", password: "secret1"}
	a := NewAuthClient(c, nil)
	events, _ := record(a)

	session, err := a.SignInWithPassword(context.Background(), "a@b.com", "secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ExpiresAt == 0 {
		t.Error("expires_at はトークンのexpから補完されるべき")
	}
	if len(*events) != 1 || (*events)[0].event != model.AuthEventSignedIn || (*events)[0].userID != "user-x" {
		t.Errorf("unexpected events: %+v", *events)
	}
}

func TestAuthClient_SignInInvalidCredentials(t *testing.T) {
	_, c := newFakeAuthServer(t)
	a := NewAuthClient(c, nil)
	events, _ := record(a)

	_, err := a.SignInWithPassword(context.Background(), "nobody@b.com", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if authErr.Message != "Invalid login credentials" {
		t.Errorf("Message = %q, ストアのメッセージをそのまま返すべき", authErr.Message)
	}
	if len(*events) != 0 {
		t.Errorf("失敗時は通知しないべき: %+v", *events)
	}
}

func TestAuthClient_SignUpWithoutSessionDoesNotNotify(t *testing.T) {
	f, c := newFakeAuthServer(t)
	f.autoConfirm = false
	a := NewAuthClient(c, nil)
	events, _ := record(a)

	result, err := a.SignUp(context.Background(), "a@b.com", "secret1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Session != nil {
		t.Error("メール確認が必要な場合はセッションを返さないべき")
	}
	if result.User == nil || result.User.Email != "a@b.com" {
		t.Errorf("unexpected user: %+v", result.User)
	}
	if len(*events) != 0 {
		t.Errorf("セッションがない場合は通知しないべき: %+v", *events)
	}
}

func TestAuthClient_SignUpDuplicate(t *testing.T) {
	_, c := newFakeAuthServer(t)
	a := NewAuthClient(c, nil)
	ctx := context.Background()

	if _, err := a.SignUp(ctx, "a@b.com", "secret1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := a.SignUp(ctx, "a@b.com", "secret1", nil)
	if err == nil || err.Error() != "User already registered" {
		t.Errorf("expected verbatim duplicate error, got %v", err)
	}
}

func TestAuthClient_SignOutClearsSessionEvenWhenTokenRejected(t *testing.T) {
	f, c := newFakeAuthServer(t)
	f.users["a@b.com"] = fakeUser{id: "user-x", email: "a@b.com", password: "secret1"}
	f.logoutStatus = http.StatusUnauthorized
	storage := &memoryStorage{}
	a := NewAuthClient(c, storage)
	ctx := context.Background()

	if _, err := a.SignInWithPassword(ctx, "a@b.com", "secret1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events, _ := record(a)

	if err := a.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	s, err := a.GetSession(ctx)
	if err != nil || s != nil {
		t.Errorf("GetSession after sign-out = (%v, %v), want (nil, nil)", s, err)
	}
	if stored, _ := storage.Load(ctx); stored != nil {
		t.Error("ストレージからも削除されるべき")
	}
	if len(*events) != 1 || (*events)[0].event != model.AuthEventSignedOut {
		t.Errorf("unexpected events: %+v", *events)
	}
}

func TestAuthClient_SignOutNotConfigured(t *testing.T) {
	a := NewAuthClient(NewClient(Config{}), nil)
	if err := a.SignOut(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := a.GetSession(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestAuthClient_UnsubscribeIsIdempotent(t *testing.T) {
	_, c := newFakeAuthServer(t)
	a := NewAuthClient(c, nil)

	unsub1 := a.OnSessionChange(func(model.AuthEvent, *model.Session) {})
	unsub2 := a.OnSessionChange(func(model.AuthEvent, *model.Session) {})
	if a.ListenerCount() != 2 {
		t.Fatalf("ListenerCount = %d, want 2", a.ListenerCount())
	}

	unsub1()
	unsub1()
	if a.ListenerCount() != 1 {
		t.Errorf("二重解除で他の購読者が消えてはならない: ListenerCount = %d", a.ListenerCount())
	}
	unsub2()
	if a.ListenerCount() != 0 {
		t.Errorf("ListenerCount = %d, want 0", a.ListenerCount())
	}
}

func TestAuthClient_GetSessionLoadsStoredSession(t *testing.T) {
	_, c := newFakeAuthServer(t)
	storage := &memoryStorage{session: &model.Session{
		AccessToken:  "stored-token",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         &model.User{ID: "user-stored"},
	}}
	a := NewAuthClient(c, storage)

	s, err := a.GetSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID() != "user-stored" {
		t.Errorf("UserID = %q, want user-stored", s.UserID())
	}
}

func TestAuthClient_GetSessionRefreshesExpired(t *testing.T) {
	f, c := newFakeAuthServer(t)
	f.users["a@b.com"] = fakeUser{id: "user-x", email: "a@b.com"}
	f.refreshTokens["old-refresh"] = "a@b.com"
	storage := &memoryStorage{session: &model.Session{
		AccessToken:  "expired",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		User:         &model.User{ID: "user-x"},
	}}
	a := NewAuthClient(c, storage)
	events, _ := record(a)

	s, err := a.GetSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.AccessToken == "expired" {
		t.Fatalf("セッションが更新されるべき: %+v", s)
	}
	if len(*events) != 1 || (*events)[0].event != model.AuthEventTokenRefreshed {
		t.Errorf("unexpected events: %+v", *events)
	}
}

func TestAuthClient_RefreshFailureSignsOut(t *testing.T) {
	_, c := newFakeAuthServer(t)
	storage := &memoryStorage{session: &model.Session{
		AccessToken:  "expired",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
		User:         &model.User{ID: "user-x"},
	}}
	a := NewAuthClient(c, storage)
	events, _ := record(a)

	s, err := a.GetSession(context.Background())
	if err != nil {
		t.Fatalf("認証エラーはセッションなしとして扱うべき: %v", err)
	}
	if s != nil {
		t.Errorf("session = %+v, want nil", s)
	}
	if len(*events) != 1 || (*events)[0].event != model.AuthEventSignedOut || (*events)[0].userID != "" {
		t.Errorf("unexpected events: %+v", *events)
	}
}

func TestAuthClient_AutoRefreshEmitsSignedOutOnFailure(t *testing.T) {
	_, c := newFakeAuthServer(t)
	storage := &memoryStorage{session: &model.Session{
		AccessToken:  "soon",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(30 * time.Second).Unix(),
		User:         &model.User{ID: "user-x"},
	}}
	a := NewAuthClient(c, storage)
	if _, err := a.GetSession(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	signedOut := make(chan struct{}, 1)
	a.OnSessionChange(func(event model.AuthEvent, s *model.Session) {
		if event == model.AuthEventSignedOut && s == nil {
			select {
			case signedOut <- struct{}{}:
			default:
			}
		}
	})

	stop := a.StartAutoRefresh(context.Background(), 10*time.Millisecond)
	defer stop()

	select {
	case <-signedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("更新失敗時にSIGNED_OUTが通知されるべき")
	}
}

func TestNormalizeSession_UsesTokenExpiry(t *testing.T) {
	exp := time.Now().Add(90 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	s := &model.Session{AccessToken: token, ExpiresIn: 60}
	normalizeSession(s, time.Now())
	if s.ExpiresAt != exp.Unix() {
		t.Errorf("ExpiresAt = %d, want %d", s.ExpiresAt, exp.Unix())
	}

	sub, err := TokenSubject(token)
	if err != nil || sub != "user-1" {
		t.Errorf("TokenSubject = (%q, %v), want user-1", sub, err)
	}
}

func TestNormalizeSession_FallsBackToExpiresIn(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &model.Session{AccessToken: "opaque-token", ExpiresIn: 3600}
	normalizeSession(s, now)
	if s.ExpiresAt != now.Unix()+3600 {
		t.Errorf("ExpiresAt = %d, want %d", s.ExpiresAt, now.Unix()+3600)
	}
	if !strings.HasPrefix(s.AccessToken, "opaque") {
		t.Error("トークンを書き換えてはならない")
	}
}
