package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

func TestCSRFMiddleware_SafeMethodsPassAndIssueCookie(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		called := false
		handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, "/api/session", nil))

		if !called {
			t.Errorf("%s: handler should have been called", method)
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Name != csrfCookieName || cookies[0].HttpOnly {
			t.Errorf("%s: CSRF cookie = %+v", method, cookies)
		}
	}
}

func TestCSRFMiddleware_SafeMethodKeepsExistingCookie(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(w.Result().Cookies()) != 0 {
		t.Error("既存のCookieがある場合は再発行しないべき")
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{name: "一致", cookie: "tok", header: "tok", wantStatus: http.StatusOK},
		{name: "Cookieなし", cookie: "", header: "tok", wantStatus: http.StatusForbidden},
		{name: "ヘッダーなし", cookie: "tok", header: "", wantStatus: http.StatusForbidden},
		{name: "不一致", cookie: "tok", header: "other", wantStatus: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				if body.Code != model.ErrCodeCSRFInvalid {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
				}
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{})

	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || body["token"] == "" || cookies[0].Value != body["token"] {
			t.Errorf("token = %q, cookies = %+v", body["token"], cookies)
		}
	})

	t.Run("既存トークン", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if body["token"] != "existing" {
			t.Errorf("token = %q, want existing", body["token"])
		}
	})
}
