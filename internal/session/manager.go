package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/metrics"
)

const (
	// DefaultIdleTimeout は未使用のコントローラーを破棄するまでの既定時間。
	DefaultIdleTimeout = 30 * time.Minute
	// sweepInterval はアイドルなコントローラーを確認する間隔。
	sweepInterval = time.Minute
)

// autoRefresher はトークンの自動更新をサポートする認証クライアント。
type autoRefresher interface {
	StartAutoRefresh(ctx context.Context, interval time.Duration) (stop func())
}

// ManagerConfig はManagerの設定。
type ManagerConfig struct {
	// NewAuth はブラウザセッションIDごとの認証クライアントを生成する。
	NewAuth func(browserID string) AuthService
	// Profiles はすべてのコントローラーで共有するプロフィールサービス。
	Profiles ProfileService
	// IdleTimeout を過ぎて使われていないコントローラーは破棄される。
	IdleTimeout time.Duration
	// AutoRefreshInterval はトークン自動更新の確認間隔。0以下で既定値。
	AutoRefreshInterval time.Duration
	Metrics             metrics.MetricsCollector
}

type managedController struct {
	ctrl        *Controller
	ready       chan struct{}
	stopRefresh func()
	lastUsed    time.Time
}

// Manager はブラウザセッションごとに1つのControllerを所有する。
type Manager struct {
	cfg ManagerConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*managedController
}

// NewManager は新しいManagerを生成する。
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Manager{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*managedController),
	}
}

// Get はブラウザセッションIDに対応するControllerを返す。なければ生成して開始する。
// 同じIDに対する同時呼び出しは同じControllerの開始完了を待つ。
// 開始完了前にctxが終了した場合はctx.Err()を返す。
func (m *Manager) Get(ctx context.Context, browserID string) (*Controller, error) {
	m.mu.Lock()
	if e, ok := m.entries[browserID]; ok {
		e.lastUsed = m.now()
		m.mu.Unlock()
		select {
		case <-e.ready:
			return e.ctrl, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	auth := m.cfg.NewAuth(browserID)
	e := &managedController{
		ctrl:     NewController(auth, m.cfg.Profiles, m.cfg.Metrics),
		ready:    make(chan struct{}),
		lastUsed: m.now(),
	}
	m.entries[browserID] = e
	active := len(m.entries)
	m.mu.Unlock()

	m.cfg.Metrics.SetActiveControllers(active)

	e.ctrl.Start(ctx)
	if r, ok := auth.(autoRefresher); ok {
		e.stopRefresh = r.StartAutoRefresh(context.Background(), m.cfg.AutoRefreshInterval)
	}
	close(e.ready)
	return e.ctrl, nil
}

// Discard はブラウザセッションIDに対応するControllerを破棄する。
func (m *Manager) Discard(browserID string) {
	m.mu.Lock()
	e, ok := m.entries[browserID]
	if ok {
		delete(m.entries, browserID)
	}
	active := len(m.entries)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.cfg.Metrics.SetActiveControllers(active)
	closeEntry(e)
}

// Len は保持しているControllerの数を返す。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run はアイドルなControllerを定期的に破棄する。ctxがキャンセルされるまでブロックする。
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				slog.Info("discarded idle session controllers", slog.Int("count", n))
			}
		}
	}
}

// Close はすべてのControllerを破棄する。
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*managedController)
	m.mu.Unlock()

	for _, e := range entries {
		closeEntry(e)
	}
	m.cfg.Metrics.SetActiveControllers(0)
}

// sweep はIdleTimeoutを過ぎて使われていないControllerを破棄し、その数を返す。
func (m *Manager) sweep() int {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var stale []*managedController
	for id, e := range m.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, e)
			delete(m.entries, id)
		}
	}
	active := len(m.entries)
	m.mu.Unlock()

	for _, e := range stale {
		closeEntry(e)
	}
	if len(stale) > 0 {
		m.cfg.Metrics.SetActiveControllers(active)
	}
	return len(stale)
}

// closeEntry は開始完了を待ってからControllerと自動更新を停止する。
func closeEntry(e *managedController) {
	<-e.ready
	if e.stopRefresh != nil {
		e.stopRefresh()
	}
	e.ctrl.Close()
}
