package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/hdtn-connect/internal/metrics"
	"github.com/hitoshi/hdtn-connect/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	BrowserSession    middleware.BrowserSessionConfig
	CSRF              middleware.CSRFConfig

	// セッションとプロフィール
	Controllers ControllerProvider

	// 構成状態とセットアップ
	Setup           SetupServiceInterface
	StoreConfigured bool
	AIConfigured    bool
	SetupSQL        string

	// 生成AI
	AI AIServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BrowserSession → RateLimit(General) → CSRF
//
// /health と /metrics はブラウザセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.Controllers)
	profileHandler := NewProfileHandler(deps.Controllers)
	setupHandler := NewSetupHandler(deps.Setup, deps.StoreConfigured, deps.AIConfigured, deps.SetupSQL)
	aiHandler := NewAIHandler(deps.AI)

	// --- ブラウザセッション不要のルート ---
	r.Get("/health", Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- ブラウザセッション単位のルート ---
	// ミドルウェアスタック: BrowserSession → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBrowserSessionMiddleware(deps.BrowserSession))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
		r.Get("/api/config", setupHandler.GetConfig)
		r.Get("/api/session", sessionHandler.GetSession)

		// 認証（認証用レート制限を追加）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", sessionHandler.SignUp)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/signin", sessionHandler.SignIn)
			r.Post("/signout", sessionHandler.SignOut)
		})

		// プロフィール編集
		r.Route("/api/profile", func(r chi.Router) {
			r.Patch("/", profileHandler.UpdateProfile)
			r.Post("/education", profileHandler.AddEducation)
			r.Delete("/education/{id}", profileHandler.RemoveEducation)
		})

		// ガイド付きセットアップ
		r.Route("/api/setup", func(r chi.Router) {
			r.Get("/status", setupHandler.GetStatus)
			r.Post("/table", setupHandler.CreateTable)
			r.Get("/sql", setupHandler.GetSQL)
		})

		// 生成AI（認証用レート制限を共有）
		r.Route("/api/ai", func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/translate", aiHandler.Translate)
			r.Post("/search", aiHandler.Search)
		})
	})

	return r
}

// Health はライブネスチェックに応答する。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
