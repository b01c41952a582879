package sessionstore

import (
	"context"
	"sync"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// Memory はプロセス内メモリにセッションを保存するStore。
// Redisが設定されていない場合に使う。プロセス再起動でセッションは失われる。
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
}

// NewMemory は新しいMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]model.Session)}
}

// Get は保存済みのセッションのコピーを返す。
func (m *Memory) Get(ctx context.Context, browserID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[browserID]
	if !ok {
		return nil, nil
	}
	return cloneSession(&s), nil
}

// Put はセッションのコピーを保存する。nilの場合は削除する。
func (m *Memory) Put(ctx context.Context, browserID string, session *model.Session) error {
	if session == nil {
		return m.Delete(ctx, browserID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[browserID] = *cloneSession(session)
	return nil
}

// Delete はセッションを削除する。
func (m *Memory) Delete(ctx context.Context, browserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, browserID)
	return nil
}

// Len は保存されているセッション数を返す。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func cloneSession(s *model.Session) *model.Session {
	cp := *s
	if s.User != nil {
		u := *s.User
		cp.User = &u
	}
	return &cp
}

var _ Store = (*Memory)(nil)
