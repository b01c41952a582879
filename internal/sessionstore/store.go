// Package sessionstore はストアが発行したセッションをブラウザセッションごとに保存する。
package sessionstore

import (
	"context"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// Store はブラウザセッションIDをキーにストアのセッションを保存する。
type Store interface {
	// Get は保存済みのセッションを返す。存在しない場合は(nil, nil)。
	Get(ctx context.Context, browserID string) (*model.Session, error)
	Put(ctx context.Context, browserID string, session *model.Session) error
	Delete(ctx context.Context, browserID string) error
}

// Scoped は1つのブラウザセッションに固定したStoreのビュー。
// supabase.SessionStorageとして認証クライアントに渡す。
type Scoped struct {
	store     Store
	browserID string
}

// NewScoped はbrowserIDに固定したビューを生成する。
func NewScoped(store Store, browserID string) *Scoped {
	return &Scoped{store: store, browserID: browserID}
}

// Load は保存済みのセッションを返す。
func (s *Scoped) Load(ctx context.Context) (*model.Session, error) {
	return s.store.Get(ctx, s.browserID)
}

// Save はセッションを保存する。
func (s *Scoped) Save(ctx context.Context, session *model.Session) error {
	return s.store.Put(ctx, s.browserID, session)
}

// Delete はセッションを削除する。
func (s *Scoped) Delete(ctx context.Context) error {
	return s.store.Delete(ctx, s.browserID)
}
