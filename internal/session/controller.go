package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hitoshi/hdtn-connect/internal/metrics"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/profile"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// ErrNotConfigured はバッキングストアの資格情報が未設定であることを示す。
var ErrNotConfigured = supabase.ErrNotConfigured

// AuthService はコントローラーが利用する認証クライアントのインターフェース。
// supabase.AuthClient が実装する。
type AuthService interface {
	Configured() bool
	GetSession(ctx context.Context) (*model.Session, error)
	OnSessionChange(handler supabase.SessionChangeHandler) (unsubscribe func())
	SignUp(ctx context.Context, email, password string, data map[string]any) (*supabase.SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignOut(ctx context.Context) error
}

// ProfileService はコントローラーが利用するプロフィールサービスのインターフェース。
// profile.Service が実装する。
type ProfileService interface {
	GetOrCreateProfile(ctx context.Context, user *model.User) *model.Profile
	UpdateProfile(ctx context.Context, userID string, patch model.ProfilePatch) *model.Profile
}

// Controller は1つのブラウザセッションの認証状態とプロフィールを保持する。
// 状態の変更はすべてController自身のメソッドとセッション変更通知を経由する。
type Controller struct {
	auth     AuthService
	profiles ProfileService
	metrics  metrics.MetricsCollector

	// loadCtx はプロフィール読み込みに使う。Closeでキャンセルする。
	loadCtx    context.Context
	cancelLoad context.CancelFunc

	mu          sync.Mutex
	snap        Snapshot
	generation  uint64
	inflight    int
	idle        chan struct{}
	unsubscribe func()
	closed      bool

	closeOnce sync.Once
}

// NewController は新しいControllerを生成する。mがnilの場合はメトリクスを記録しない。
func NewController(auth AuthService, profiles ProfileService, m metrics.MetricsCollector) *Controller {
	if m == nil {
		m = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		auth:       auth,
		profiles:   profiles,
		metrics:    m,
		loadCtx:    ctx,
		cancelLoad: cancel,
		snap:       initialSnapshot(),
	}
}

// Start はセッション変更通知を購読し、現在のセッションを解決する。
// セッションがあればプロフィールの読み込みを非同期に開始する。
func (c *Controller) Start(ctx context.Context) {
	unsubscribe := c.auth.OnSessionChange(c.handleSessionChange)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	session, err := c.auth.GetSession(ctx)
	if err != nil {
		if !errors.Is(err, supabase.ErrNotConfigured) {
			slog.Warn("failed to resolve session", slog.String("error", err.Error()))
		}
		session = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// 解決までの間に通知でセッションが確定していれば、そちらを優先する。
	if !c.snap.Loading {
		return
	}
	c.snap = apply(c.snap, sessionResolved{session: session})
	if c.snap.Session != nil {
		c.generation++
		c.loadProfileLocked(c.generation, c.snap.Session)
	}
}

// Snapshot は現在の状態を返す。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// SignUp はユーザーを登録する。プロフィールは続くセッション変更通知で作成される。
func (c *Controller) SignUp(ctx context.Context, email, password string, data map[string]any) (*model.User, error) {
	if !c.auth.Configured() {
		return nil, ErrNotConfigured
	}
	result, err := c.auth.SignUp(ctx, email, password, data)
	c.metrics.RecordAuthOperation("signup", err == nil)
	if err != nil {
		return nil, err
	}
	return result.User, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
func (c *Controller) SignIn(ctx context.Context, email, password string) (*model.User, error) {
	if !c.auth.Configured() {
		return nil, ErrNotConfigured
	}
	session, err := c.auth.SignInWithPassword(ctx, email, password)
	c.metrics.RecordAuthOperation("signin", err == nil)
	if err != nil {
		return nil, err
	}
	return session.User, nil
}

// SignOut はサインアウトする。成功時は通知を待たずにキャッシュ済みプロフィールを破棄し、
// 実行中のプロフィール読み込みの結果を無効にする。
func (c *Controller) SignOut(ctx context.Context) error {
	if !c.auth.Configured() {
		return ErrNotConfigured
	}
	err := c.auth.SignOut(ctx)
	c.metrics.RecordAuthOperation("signout", err == nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.generation++
	c.snap = apply(c.snap, signedOut{})
	c.mu.Unlock()
	return nil
}

// UpdateProfile はプロフィールを部分更新し、成功時はキャッシュを差し替える。
// ユーザーがいない場合やストアが未設定の場合は何もせずnilを返す。
func (c *Controller) UpdateProfile(ctx context.Context, patch model.ProfilePatch) *model.Profile {
	if !c.auth.Configured() {
		return nil
	}

	c.mu.Lock()
	session := c.snap.Session
	c.mu.Unlock()
	if session == nil || session.User == nil {
		return nil
	}

	ctx = supabase.WithAccessToken(ctx, session.AccessToken)
	updated := c.profiles.UpdateProfile(ctx, session.User.ID, patch)
	if updated == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.User == nil || c.snap.User.ID != updated.ID {
		// 更新中にサインアウトまたはユーザーが切り替わった。
		return updated
	}
	c.snap = apply(c.snap, profileUpdated{profile: updated})
	return updated
}

// AddEducation は学歴を末尾に追加してプロフィールを更新する。
func (c *Controller) AddEducation(ctx context.Context, institution, degree, fieldOfStudy, startYear, endYear string) *model.Profile {
	current := c.Snapshot().Profile
	if current == nil {
		return nil
	}
	entry := profile.NewEducationEntry(institution, degree, fieldOfStudy, startYear, endYear)
	education := profile.AppendEducation(current.Education, entry)
	return c.UpdateProfile(ctx, model.ProfilePatch{Education: &education})
}

// RemoveEducation は指定IDの学歴を削除してプロフィールを更新する。
// 該当する学歴がない場合はnilを返す。
func (c *Controller) RemoveEducation(ctx context.Context, id string) *model.Profile {
	current := c.Snapshot().Profile
	if current == nil {
		return nil
	}
	education, ok := profile.RemoveEducation(current.Education, id)
	if !ok {
		return nil
	}
	return c.UpdateProfile(ctx, model.ProfilePatch{Education: &education})
}

// WaitIdle は実行中のプロフィール読み込みがすべて完了するまで待つ。
func (c *Controller) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は購読を解除し、実行中の読み込みをキャンセルする。何度呼んでもよい。
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.generation++
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		c.cancelLoad()
	})
}

// handleSessionChange はセッション変更通知を受け取る。
// 通知は認証クライアントから同期的に呼ばれるため、プロフィールの読み込みは別ゴルーチンで行う。
func (c *Controller) handleSessionChange(event model.AuthEvent, session *model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	slog.Debug("session changed",
		slog.String("event", string(event)),
		slog.String("user_id", session.UserID()),
	)

	c.generation++
	c.snap = apply(c.snap, sessionChanged{session: session})
	if c.snap.Session != nil {
		c.loadProfileLocked(c.generation, c.snap.Session)
	}
}

// loadProfileLocked はプロフィールの読み込みを開始する。c.mu を保持して呼ぶこと。
// 完了時に世代が進んでいれば結果を破棄する。
func (c *Controller) loadProfileLocked(gen uint64, session *model.Session) {
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++

	ctx := supabase.WithAccessToken(c.loadCtx, session.AccessToken)
	user := session.User

	go func() {
		p := c.profiles.GetOrCreateProfile(ctx, user)

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen == c.generation && !c.closed {
			c.snap = apply(c.snap, profileLoaded{profile: p})
		} else {
			slog.Debug("discarding stale profile load", slog.String("user_id", user.ID))
		}

		c.inflight--
		if c.inflight == 0 {
			close(c.idle)
		}
	}()
}
