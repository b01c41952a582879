package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/hdtn-connect/internal/ai"
	"github.com/hitoshi/hdtn-connect/internal/config"
	"github.com/hitoshi/hdtn-connect/internal/database"
	"github.com/hitoshi/hdtn-connect/internal/handler"
	"github.com/hitoshi/hdtn-connect/internal/logger"
	"github.com/hitoshi/hdtn-connect/internal/metrics"
	"github.com/hitoshi/hdtn-connect/internal/middleware"
	"github.com/hitoshi/hdtn-connect/internal/profile"
	"github.com/hitoshi/hdtn-connect/internal/repository"
	"github.com/hitoshi/hdtn-connect/internal/security"
	"github.com/hitoshi/hdtn-connect/internal/session"
	"github.com/hitoshi/hdtn-connect/internal/sessionstore"
	"github.com/hitoshi/hdtn-connect/internal/setup"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.Bool("store_configured", cfg.StoreConfigured()),
		slog.Bool("ai_configured", cfg.AIConfigured()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCheck:
		return runCheck(context.Background(), cfg, os.Stdout)
	default:
		return runServe(cfg)
	}
}

// server はserveモードで組み立てた依存関係を保持する。
type server struct {
	handler     http.Handler
	manager     *session.Manager
	rateLimiter *middleware.RateLimiter
	closers     []func()
}

// close は組み立てたリソースを逆順に解放する。
func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer は設定から全依存関係をワイヤリングする。
// バッキングストアやAIが未設定でも失敗せず、未設定状態として動作するサーバーを返す。
func newServer(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*server, error) {
	srv := &server{}
	ok := false
	defer func() {
		if !ok {
			srv.close()
		}
	}()

	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. バッキングストアとプロフィールサービス
	store := newStoreClient(cfg)
	profiles, closeRepo, err := newProfileService(cfg, store, collector)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeRepo)

	// 3. ストアセッションの保存先
	sessions, closeSessions, err := newSessionStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, closeSessions)

	// 4. ブラウザセッションごとのコントローラー
	srv.manager = session.NewManager(session.ManagerConfig{
		NewAuth: func(browserID string) session.AuthService {
			return supabase.NewAuthClient(store, sessionstore.NewScoped(sessions, browserID))
		},
		Profiles:    profiles,
		IdleTimeout: cfg.SessionIdleTimeout,
		Metrics:     collector,
	})
	srv.closers = append(srv.closers, srv.manager.Close)

	// 5. 生成AI
	aiClient, err := ai.NewClient(ai.Config{
		APIKey:       cfg.GeminiAPIKey,
		Model:        cfg.GeminiModel,
		BaseURL:      cfg.GeminiBaseURL,
		Timeout:      cfg.AITimeout,
		HTTPClient:   newAIHTTPClient(cfg),
		CacheMaxCost: cfg.TranslationCacheMaxCost,
		Metrics:      collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AI client: %w", err)
	}
	srv.closers = append(srv.closers, aiClient.Close)

	// 6. ルーター
	srv.rateLimiter = middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	srv.closers = append(srv.closers, srv.rateLimiter.Stop)

	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(reg),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       srv.rateLimiter,
		BrowserSession: middleware.BrowserSessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
			MaxAge:       cfg.SessionCookieMaxAge,
		},
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Controllers:     handler.NewManagerAdapter(srv.manager),
		Setup:           profiles,
		StoreConfigured: store.Configured(),
		AIConfigured:    aiClient.Available(),
		SetupSQL:        database.SetupSQL(),
		AI:              aiClient,
	})

	ok = true
	return srv, nil
}

func newStoreClient(cfg *config.Config) *supabase.Client {
	return supabase.NewClient(supabase.Config{
		URL:        cfg.SupabaseURL,
		AnonKey:    cfg.SupabaseAnonKey,
		Timeout:    cfg.StoreTimeout,
		MaxRetries: cfg.StoreMaxRetries,
	})
}

// newProfileService はプロフィールサービスを生成する。
// PROFILES_DATABASE_URLが設定されていればPostgreSQLに直接接続し、
// そうでなければストアのテーブルAPIを使う。
func newProfileService(cfg *config.Config, store *supabase.Client, m metrics.MetricsCollector) (*profile.Service, func(), error) {
	var repo repository.ProfileRepository = repository.NewPostgRESTProfileRepo(store)
	closeRepo := func() {}

	if cfg.ProfilesDatabaseURL != "" {
		db, err := database.Open(cfg.ProfilesDatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		repo = repository.NewPostgresProfileRepo(db)
		closeRepo = func() { db.Close() }
		slog.Info("using direct database access for profiles",
			slog.String("database_url", maskDatabaseURL(cfg.ProfilesDatabaseURL)),
		)
	}

	svc := profile.NewService(profile.Deps{
		Repo:         repo,
		TableCreator: store,
		SetupSQL:     database.SetupSQL(),
		Sanitizer:    security.NewTextSanitizer(),
		URLValidator: security.NewURLGuard(),
		Metrics:      m,
	})
	return svc, closeRepo, nil
}

// newSessionStore はストアのセッションの保存先を生成する。
// REDIS_ADDRが設定されていればRedis、そうでなければプロセス内メモリを使う。
func newSessionStore(ctx context.Context, cfg *config.Config) (sessionstore.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return sessionstore.NewMemory(), func() {}, nil
	}

	rdb := sessionstore.NewRedis(sessionstore.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		TTL:      time.Duration(cfg.SessionCookieMaxAge) * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, nil, err
	}
	slog.Info("session persistence enabled", slog.String("redis_addr", cfg.RedisAddr))
	return rdb, func() { rdb.Close() }, nil
}

// newAIHTTPClient はAI呼び出し用のHTTPクライアントを返す。
// 既定のHTTPSエンドポイントでは内部ネットワークに到達しないクライアントを使う。
func newAIHTTPClient(cfg *config.Config) *http.Client {
	u, err := url.Parse(cfg.GeminiBaseURL)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	return security.NewURLGuard().NewOutboundClient(cfg.AITimeout)
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := newServer(ctx, cfg, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer srv.close()

	// アイドルなコントローラーの定期破棄
	go srv.manager.Run(ctx)

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     srv.handler,
		ReadTimeout: 15 * time.Second,
		// AI呼び出しの応答を待つため、AIタイムアウトより長くする
		WriteTimeout: cfg.AITimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("base_url", cfg.BaseURL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はprofilesテーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runCheck はprofilesテーブルへの接続確認を1回実行し、結果と対処手順をoutに出力する。
// 確認の結果にかかわらずエラーは返さない。
func runCheck(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store := newStoreClient(cfg)
	profiles, closeRepo, err := newProfileService(cfg, store, metrics.Nop{})
	if err != nil {
		slog.Error("failed to prepare connectivity check", slog.String("error", err.Error()))
		fmt.Fprintf(out, "FAIL: %v\n", err)
		return nil
	}
	defer closeRepo()

	result := setup.Run(ctx, out, store.Configured(), profiles)
	slog.Info("connectivity check finished", slog.String("outcome", string(result.Outcome)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
