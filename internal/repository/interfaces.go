// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// ProfilesTable はプロフィールを保存するテーブル名。
const ProfilesTable = "profiles"

// ErrRelationNotFound はprofilesテーブルが存在しないことを示す。
// ストアの構造化エラーコードからのみ判定し、メッセージ文字列は参照しない。
var ErrRelationNotFound = errors.New("profiles table does not exist")

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// Probe はテーブルに最小限の読み取りを行い、到達可能かを確認する。
	Probe(ctx context.Context) error

	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Create はプロフィールを挿入し、保存された行を返す。
	// 同じIDの行が既に存在する場合は主キー制約によりエラーになる。
	Create(ctx context.Context, profile *model.Profile) (*model.Profile, error)

	// Update は既存の行にパッチを適用し、updated_atを更新して保存後の行を返す。
	// 行が存在しない場合はnilを返し、行を作成しない。
	Update(ctx context.Context, id string, patch model.ProfilePatch, updatedAt time.Time) (*model.Profile, error)
}

// CodeOf はerrに含まれるストアの構造化エラーコードを返す。コードがない場合は空文字列。
func CodeOf(err error) string {
	var apiErr *supabase.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}
