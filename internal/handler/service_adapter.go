package handler

import (
	"context"

	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/session"
)

// SessionController はハンドラーが利用するブラウザセッション単位のコントローラー。
// session.Controller が実装する。
type SessionController interface {
	Snapshot() session.Snapshot
	SignUp(ctx context.Context, email, password string, data map[string]any) (*model.User, error)
	SignIn(ctx context.Context, email, password string) (*model.User, error)
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, patch model.ProfilePatch) *model.Profile
	AddEducation(ctx context.Context, institution, degree, fieldOfStudy, startYear, endYear string) *model.Profile
	RemoveEducation(ctx context.Context, id string) *model.Profile
	// WaitIdle は実行中のプロフィール読み込みが完了するまで待つ。
	WaitIdle(ctx context.Context) error
}

// ControllerProvider はブラウザセッションIDに対応するコントローラーを返す。
// 開始済みのコントローラーを返せない場合はエラーを返す。
type ControllerProvider interface {
	Controller(ctx context.Context, browserID string) (SessionController, error)
}

// ManagerAdapter は session.Manager を ControllerProvider に適合させるアダプタ。
type ManagerAdapter struct {
	manager *session.Manager
}

// NewManagerAdapter はManagerAdapterを生成する。
func NewManagerAdapter(manager *session.Manager) *ManagerAdapter {
	return &ManagerAdapter{manager: manager}
}

// Controller はブラウザセッションのコントローラーを取得し、なければ起動する。
func (a *ManagerAdapter) Controller(ctx context.Context, browserID string) (SessionController, error) {
	ctrl, err := a.manager.Get(ctx, browserID)
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}

var _ SessionController = (*session.Controller)(nil)
