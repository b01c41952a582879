package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/session"
)

// defaultProfileWait はサインイン後にプロフィール読み込みを待つ上限。
const defaultProfileWait = 10 * time.Second

// sessionResponse はコントローラーの状態のAPIレスポンス。
// アクセストークンなどのセッション資格情報は含めない。
type sessionResponse struct {
	State          session.State  `json:"state"`
	Loading        bool           `json:"loading"`
	ProfileLoading bool           `json:"profile_loading"`
	User           *model.User    `json:"user"`
	Profile        *model.Profile `json:"profile"`
}

func toSessionResponse(s session.Snapshot) sessionResponse {
	return sessionResponse{
		State:          s.State,
		Loading:        s.Loading,
		ProfileLoading: s.ProfileLoading,
		User:           s.User,
		Profile:        s.Profile,
	}
}

// signUpRequest はサインアップリクエストのボディ。
type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// signInRequest はサインインリクエストのボディ。
type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// signUpResponse はサインアップのAPIレスポンス。
// メール確認が必要な構成ではセッションが発行されず、ConfirmationRequiredがtrueになる。
type signUpResponse struct {
	User                 *model.User     `json:"user"`
	ConfirmationRequired bool            `json:"confirmation_required"`
	Session              sessionResponse `json:"session"`
}

// SessionHandler はブラウザセッションの認証状態を扱うHTTPハンドラー。
type SessionHandler struct {
	provider    ControllerProvider
	profileWait time.Duration
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(provider ControllerProvider) *SessionHandler {
	return &SessionHandler{
		provider:    provider,
		profileWait: defaultProfileWait,
	}
}

// GetSession は現在のコントローラーの状態を返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controllerFor(h.provider, w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(ctrl.Snapshot()))
}

// SignUp はユーザー登録を処理する。
// POST /auth/signup
func (h *SessionHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("email and password are required"))
		return
	}

	ctrl, ok := controllerFor(h.provider, w, r)
	if !ok {
		return
	}

	var data map[string]any
	if req.FullName != "" {
		data = map[string]any{"full_name": req.FullName}
	}
	user, err := ctrl.SignUp(r.Context(), req.Email, req.Password, data)
	if err != nil {
		handleAuthError(w, err)
		return
	}

	snap := h.waitForProfile(r.Context(), ctrl)
	middleware.WriteJSON(w, http.StatusOK, signUpResponse{
		User:                 user,
		ConfirmationRequired: snap.Session == nil,
		Session:              toSessionResponse(snap),
	})
}

// SignIn はメールアドレスとパスワードによるサインインを処理する。
// POST /auth/signin
func (h *SessionHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("email and password are required"))
		return
	}

	ctrl, ok := controllerFor(h.provider, w, r)
	if !ok {
		return
	}

	if _, err := ctrl.SignIn(r.Context(), req.Email, req.Password); err != nil {
		handleAuthError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(h.waitForProfile(r.Context(), ctrl)))
}

// SignOut はサインアウトを処理する。
// POST /auth/signout
func (h *SessionHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controllerFor(h.provider, w, r)
	if !ok {
		return
	}

	if err := ctrl.SignOut(r.Context()); err != nil {
		handleAuthError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, toSessionResponse(ctrl.Snapshot()))
}

// waitForProfile はプロフィール読み込みの完了を待ってから状態を返す。
// 待ち時間の上限を超えた場合は読み込み中の状態をそのまま返す。
func (h *SessionHandler) waitForProfile(ctx context.Context, ctrl SessionController) session.Snapshot {
	ctx, cancel := context.WithTimeout(ctx, h.profileWait)
	defer cancel()
	if err := ctrl.WaitIdle(ctx); err != nil {
		slog.Warn("profile load did not finish before responding", slog.String("error", err.Error()))
	}
	return ctrl.Snapshot()
}

// controllerFor はリクエストのブラウザセッションに対応するコントローラーを返す。
func controllerFor(provider ControllerProvider, w http.ResponseWriter, r *http.Request) (SessionController, bool) {
	browserID, ok := middleware.BrowserIDFromContext(r.Context())
	if !ok {
		slog.Error("browser session is missing from request context", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	ctrl, err := provider.Controller(r.Context(), browserID)
	if err != nil {
		slog.Warn("browser session controller is not ready",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionUnavailableError())
		return nil, false
	}
	return ctrl, true
}
