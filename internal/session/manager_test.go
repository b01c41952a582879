package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/profile"
)

type managerFixture struct {
	mu    sync.Mutex
	auths map[string]*fakeAuth
}

func (f *managerFixture) newAuth(browserID string) AuthService {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := newFakeAuth()
	f.auths[browserID] = a
	return a
}

func (f *managerFixture) auth(browserID string) *fakeAuth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths[browserID]
}

func newTestManager(idle time.Duration) (*Manager, *managerFixture) {
	fx := &managerFixture{auths: make(map[string]*fakeAuth)}
	m := NewManager(ManagerConfig{
		NewAuth:     fx.newAuth,
		Profiles:    profile.NewService(profile.Deps{Repo: newMemRepo()}),
		IdleTimeout: idle,
	})
	return m, fx
}

func mustGet(t *testing.T, m *Manager, browserID string) *Controller {
	t.Helper()
	ctrl, err := m.Get(context.Background(), browserID)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", browserID, err)
	}
	return ctrl
}

func TestManager_GetReturnsSameControllerPerBrowser(t *testing.T) {
	m, fx := newTestManager(time.Minute)
	defer m.Close()

	a1 := mustGet(t, m, "browser-a")
	a2 := mustGet(t, m, "browser-a")
	b := mustGet(t, m, "browser-b")

	if a1 != a2 {
		t.Error("同じブラウザには同じControllerを返すべき")
	}
	if a1 == b {
		t.Error("異なるブラウザには別のControllerを返すべき")
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
	if fx.auth("browser-a").refreshers != 1 {
		t.Errorf("自動更新が開始されていない: %d", fx.auth("browser-a").refreshers)
	}
	if got := a1.Snapshot().State; got != StateAnonymous {
		t.Errorf("開始済みのControllerを返すべき: %s", got)
	}
}

func TestManager_ConcurrentGet(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	defer m.Close()

	const n = 16
	results := make([]*Controller, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctrl, err := m.Get(context.Background(), "browser-a")
			if err != nil {
				t.Errorf("Get error = %v", err)
			}
			results[i] = ctrl
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("同時呼び出しで複数のControllerが生成された")
		}
	}
}

func TestManager_Discard(t *testing.T) {
	m, fx := newTestManager(time.Minute)
	defer m.Close()

	first := mustGet(t, m, "browser-a")
	m.Discard("browser-a")
	m.Discard("browser-a")

	auth := fx.auth("browser-a")
	if _, unsubscribes, listeners := auth.counts(); unsubscribes != 1 || listeners != 0 {
		t.Errorf("破棄時に購読が解除されていない: unsubscribes=%d listeners=%d", unsubscribes, listeners)
	}
	if auth.refreshers != 0 {
		t.Errorf("破棄時に自動更新が停止されていない: %d", auth.refreshers)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}

	if second := mustGet(t, m, "browser-a"); second == first {
		t.Error("破棄後は新しいControllerを生成するべき")
	}
}

func TestManager_SweepDiscardsIdleControllers(t *testing.T) {
	m, fx := newTestManager(10 * time.Minute)
	defer m.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	mustGet(t, m, "old")
	now = now.Add(5 * time.Minute)
	mustGet(t, m, "recent")
	now = now.Add(6 * time.Minute)

	if n := m.sweep(); n != 1 {
		t.Fatalf("sweep = %d, want 1", n)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
	if _, unsubscribes, _ := fx.auth("old").counts(); unsubscribes != 1 {
		t.Error("アイドルなControllerが閉じられていない")
	}
	if _, unsubscribes, _ := fx.auth("recent").counts(); unsubscribes != 0 {
		t.Error("使用中のControllerが閉じられた")
	}
}

func TestManager_GetRefreshesLastUsed(t *testing.T) {
	m, _ := newTestManager(10 * time.Minute)
	defer m.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	mustGet(t, m, "browser-a")
	now = now.Add(9 * time.Minute)
	mustGet(t, m, "browser-a")
	now = now.Add(9 * time.Minute)

	if n := m.sweep(); n != 0 {
		t.Errorf("最近使われたControllerが破棄された: %d", n)
	}
}

func TestManager_Close(t *testing.T) {
	m, fx := newTestManager(time.Minute)
	mustGet(t, m, "a")
	mustGet(t, m, "b")

	m.Close()

	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
	for _, id := range []string{"a", "b"} {
		if _, _, listeners := fx.auth(id).counts(); listeners != 0 {
			t.Errorf("%s の購読が残っている", id)
		}
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run がキャンセルで終了しない")
	}
}

func TestManager_GetCancelledWhileStarting(t *testing.T) {
	fx := &managerFixture{auths: make(map[string]*fakeAuth)}
	release := make(chan struct{})
	m := NewManager(ManagerConfig{
		NewAuth: func(browserID string) AuthService {
			a := fx.newAuth(browserID).(*fakeAuth)
			a.getSessionGate = release
			return a
		},
		Profiles:    profile.NewService(profile.Deps{Repo: newMemRepo()}),
		IdleTimeout: time.Minute,
	})
	defer m.Close()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	started := make(chan *Controller, 1)
	go func() {
		ctrl, _ := m.Get(context.Background(), "browser-a")
		started <- ctrl
	}()

	// 1つ目の呼び出しがエントリを登録するまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for m.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Controllerが登録されない")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctrl, err := m.Get(ctx, "browser-a")
	if err == nil {
		t.Fatal("開始完了前のキャンセルはエラーを返すべき")
	}
	if ctrl != nil {
		t.Errorf("開始前のControllerを返してはならない: %+v", ctrl.Snapshot())
	}

	unblock()
	select {
	case first := <-started:
		if first == nil || first.Snapshot().State == StateAuthenticating {
			t.Error("1つ目の呼び出しは開始済みのControllerを受け取るべき")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("1つ目の呼び出しが完了しない")
	}
}
