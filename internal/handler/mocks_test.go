package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hdtn-connect/internal/ai"
	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/profile"
	"github.com/hitoshi/hdtn-connect/internal/session"
)

// --- モック定義 ---

// mockController はSessionControllerのモック実装。
type mockController struct {
	snapshot          session.Snapshot
	signUpFn          func(ctx context.Context, email, password string, data map[string]any) (*model.User, error)
	signInFn          func(ctx context.Context, email, password string) (*model.User, error)
	signOutFn         func(ctx context.Context) error
	updateProfileFn   func(ctx context.Context, patch model.ProfilePatch) *model.Profile
	addEducationFn    func(ctx context.Context, institution, degree, fieldOfStudy, startYear, endYear string) *model.Profile
	removeEducationFn func(ctx context.Context, id string) *model.Profile
	waitIdleCalls     int
}

func (m *mockController) Snapshot() session.Snapshot {
	return m.snapshot
}

func (m *mockController) SignUp(ctx context.Context, email, password string, data map[string]any) (*model.User, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, data)
	}
	return nil, nil
}

func (m *mockController) SignIn(ctx context.Context, email, password string) (*model.User, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockController) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockController) UpdateProfile(ctx context.Context, patch model.ProfilePatch) *model.Profile {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, patch)
	}
	return nil
}

func (m *mockController) AddEducation(ctx context.Context, institution, degree, fieldOfStudy, startYear, endYear string) *model.Profile {
	if m.addEducationFn != nil {
		return m.addEducationFn(ctx, institution, degree, fieldOfStudy, startYear, endYear)
	}
	return nil
}

func (m *mockController) RemoveEducation(ctx context.Context, id string) *model.Profile {
	if m.removeEducationFn != nil {
		return m.removeEducationFn(ctx, id)
	}
	return nil
}

func (m *mockController) WaitIdle(ctx context.Context) error {
	m.waitIdleCalls++
	return nil
}

// mockProvider は常に同じコントローラーを返すControllerProvider。
type mockProvider struct {
	ctrl       *mockController
	err        error
	browserIDs []string
}

func (p *mockProvider) Controller(ctx context.Context, browserID string) (SessionController, error) {
	p.browserIDs = append(p.browserIDs, browserID)
	if p.err != nil {
		return nil, p.err
	}
	return p.ctrl, nil
}

// mockSetupService はSetupServiceInterfaceのモック実装。
type mockSetupService struct {
	status       profile.TableStatus
	created      bool
	createCalled bool
}

func (m *mockSetupService) Diagnose(ctx context.Context) profile.TableStatus {
	return m.status
}

func (m *mockSetupService) CreateTable(ctx context.Context) bool {
	m.createCalled = true
	return m.created
}

// mockAIService はAIServiceInterfaceのモック実装。
type mockAIService struct {
	translateFn func(ctx context.Context, text, language string) string
	searchFn    func(ctx context.Context, prompt string) ai.Answer
}

func (m *mockAIService) Translate(ctx context.Context, text, language string) string {
	if m.translateFn != nil {
		return m.translateFn(ctx, text, language)
	}
	return text
}

func (m *mockAIService) SearchWithGrounding(ctx context.Context, prompt string) ai.Answer {
	if m.searchFn != nil {
		return m.searchFn(ctx, prompt)
	}
	return ai.Answer{}
}

// --- ヘルパー ---

const testBrowserID = "browser-123"

// withBrowserID はテスト用にブラウザセッションIDをコンテキストに注入するヘルパー。
func withBrowserID(r *http.Request) *http.Request {
	return r.WithContext(middleware.ContextWithBrowserID(r.Context(), testBrowserID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func signedInSnapshot() session.Snapshot {
	user := &model.User{ID: "user-1", Email: "ada@example.com"}
	return session.Snapshot{
		State:   session.StateAuthenticatedWithProfile,
		Session: &model.Session{AccessToken: "secret-token", User: user},
		User:    user,
		Profile: &model.Profile{ID: "user-1", Email: "ada@example.com", FullName: model.StringPtr("Ada")},
	}
}
