package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

func requestFor(browserID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	return req.WithContext(ContextWithBrowserID(req.Context(), browserID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_GeneralLimitPerBrowser(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    2,
		AuthRate:        1,
		AuthBurst:       10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFor("browser-a"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFor("browser-a"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}

	// 別のブラウザセッションは独立に制限される。
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFor("browser-b"))
	if w.Code != http.StatusOK {
		t.Errorf("別ブラウザのリクエストが制限された: %d", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_AuthLimitIsIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfigPerMinute(120, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	auth := rl.AuthMiddleware()(okHandler())

	w := httptest.NewRecorder()
	auth.ServeHTTP(w, requestFor("browser-a"))
	if w.Code != http.StatusOK {
		t.Fatalf("1回目の認証リクエスト: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	auth.ServeHTTP(w, requestFor("browser-a"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("2回目の認証リクエスト: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestFor("browser-a"))
	if w.Code != http.StatusOK {
		t.Errorf("認証の制限がAPI全般に影響した: %d", w.Code)
	}
	if rl.AuthLimiterCount() != 1 {
		t.Errorf("AuthLimiterCount = %d, want 1", rl.AuthLimiterCount())
	}
}

func TestRateLimiter_FallsBackToRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfigPerMinute(1, 1))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 10, GeneralBurst: 10, AuthRate: 10, AuthBurst: 10,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFor("browser-a"))
	rl.AuthMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFor("browser-a"))

	rl.cleanup(time.Now())
	if rl.GeneralLimiterCount() != 1 || rl.AuthLimiterCount() != 1 {
		t.Fatal("最近のエントリが削除された")
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.AuthLimiterCount() != 0 {
		t.Errorf("期限切れのエントリが残っている: general=%d auth=%d", rl.GeneralLimiterCount(), rl.AuthLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
