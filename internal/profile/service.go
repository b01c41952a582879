// Package profile はプロフィールのプロビジョニング（取得・作成・更新）を提供する。
//
// すべての操作は失敗をログに記録して「結果なし」(nil) を返し、呼び出し元にエラーを伝播しない。
// profilesテーブルが存在しない場合、取得と作成は永続化されないフォールバックプロフィールを返す。
package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/metrics"
	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/repository"
	"github.com/hitoshi/hdtn-connect/internal/security"
)

const (
	// FallbackEmail はフォールバックプロフィールの既定メールアドレス。
	FallbackEmail = "user@example.com"
	// FallbackName はフォールバックプロフィールの既定の表示名。
	FallbackName = "User"

	// createTableRPC はDDLを実行するストアの関数名。通常の権限では存在しないか拒否される。
	createTableRPC = "exec_sql"
)

// TableStatus はprofilesテーブルの到達状況。
type TableStatus int

const (
	// TablePresent はテーブルが存在し読み取れる。
	TablePresent TableStatus = iota
	// TableMissing はストアがテーブル不在を構造化コードで報告した。
	TableMissing
	// TableUnreachable はテーブル不在以外の理由で読み取れなかった。
	TableUnreachable
)

// String はログ・JSON用の表記を返す。
func (s TableStatus) String() string {
	switch s {
	case TablePresent:
		return "present"
	case TableMissing:
		return "missing"
	default:
		return "unreachable"
	}
}

// TableCreator はストアの関数を呼び出す。
type TableCreator interface {
	RPC(ctx context.Context, fn string, args any, out any) error
}

// URLValidator はアバターURLを検証する。
type URLValidator interface {
	ValidatePublicURL(rawURL string) error
}

// Deps はServiceの依存関係。Repo以外は省略可能。
type Deps struct {
	Repo         repository.ProfileRepository
	TableCreator TableCreator
	SetupSQL     string
	Sanitizer    security.TextSanitizer
	URLValidator URLValidator
	Metrics      metrics.MetricsCollector
}

// Service はプロフィールのプロビジョニングサービス。状態を持たない。
type Service struct {
	repo         repository.ProfileRepository
	tableCreator TableCreator
	setupSQL     string
	sanitizer    security.TextSanitizer
	urlValidator URLValidator
	metrics      metrics.MetricsCollector
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(d Deps) *Service {
	s := &Service{
		repo:         d.Repo,
		tableCreator: d.TableCreator,
		setupSQL:     d.SetupSQL,
		sanitizer:    d.Sanitizer,
		urlValidator: d.URLValidator,
		metrics:      d.Metrics,
		now:          time.Now,
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewTextSanitizer()
	}
	if s.urlValidator == nil {
		s.urlValidator = security.NewURLGuard()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// Diagnose はテーブルに最小限の読み取りを行い、到達状況を分類する。
func (s *Service) Diagnose(ctx context.Context) TableStatus {
	err := s.repo.Probe(ctx)
	switch {
	case err == nil:
		return TablePresent
	case errors.Is(err, repository.ErrRelationNotFound):
		return TableMissing
	default:
		logStoreError("probe profiles", err)
		return TableUnreachable
	}
}

// CheckTableExists はテーブルが読み取れるかを返す。失敗の理由は区別しない。
func (s *Service) CheckTableExists(ctx context.Context) bool {
	return s.Diagnose(ctx) == TablePresent
}

// CreateTable はストアの関数経由でテーブル作成を試みる。
// 最小権限の資格情報では通常失敗するため、失敗はログに記録してfalseを返すのみ。
func (s *Service) CreateTable(ctx context.Context) bool {
	if s.tableCreator == nil || s.setupSQL == "" {
		return false
	}
	if err := s.tableCreator.RPC(ctx, createTableRPC, map[string]string{"sql": s.setupSQL}, nil); err != nil {
		logStoreError("create profiles table", err)
		return false
	}
	slog.Info("profiles table created via rpc")
	return true
}

// GetProfile は保存済みのプロフィールを返す。
// テーブルが存在しない場合はフォールバックプロフィール、行がない場合や他の失敗ではnilを返す。
func (s *Service) GetProfile(ctx context.Context, userID string) *model.Profile {
	const op = "get"

	switch s.Diagnose(ctx) {
	case TableMissing:
		slog.Info("profiles table does not exist, returning fallback profile", slog.String("user_id", userID))
		s.metrics.RecordProfileOperation(op, metrics.OutcomeFallback)
		return s.fallbackProfile(userID, "", model.ProfilePatch{})
	case TableUnreachable:
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}

	p, err := s.repo.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrRelationNotFound) {
		s.metrics.RecordProfileOperation(op, metrics.OutcomeFallback)
		return s.fallbackProfile(userID, "", model.ProfilePatch{})
	}
	if err != nil {
		logStoreError("get profile", err, slog.String("user_id", userID))
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}
	if p == nil {
		s.metrics.RecordProfileOperation(op, metrics.OutcomeAbsent)
		return nil
	}
	s.metrics.RecordProfileOperation(op, metrics.OutcomeFound)
	return p
}

// CreateProfile はユーザーのプロフィールを初期値で作成する。
// skillsとeducationは空、タイムスタンプは現在時刻。テーブルが存在しない場合はフォールバックを返す。
// 同じユーザーで2回呼ぶと主キー制約により2回目はnilになる。
func (s *Service) CreateProfile(ctx context.Context, user *model.User, initial model.ProfilePatch) *model.Profile {
	const op = "create"
	if user == nil {
		return nil
	}

	initial = s.sanitizePatch(initial)
	if initial.AvatarURL != nil && *initial.AvatarURL != "" {
		if err := s.urlValidator.ValidatePublicURL(*initial.AvatarURL); err != nil {
			slog.Warn("dropping invalid avatar url", slog.String("user_id", user.ID), slog.String("error", err.Error()))
			initial.AvatarURL = nil
		}
	}

	switch s.Diagnose(ctx) {
	case TableMissing:
		slog.Info("profiles table does not exist, using fallback profile", slog.String("user_id", user.ID))
		s.metrics.RecordProfileOperation(op, metrics.OutcomeFallback)
		return s.fallbackProfile(user.ID, user.Email, initial)
	case TableUnreachable:
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}

	now := s.now()
	p := initial.ApplyTo(model.Profile{
		ID:        user.ID,
		Email:     user.Email,
		Skills:    []string{},
		Education: []model.EducationEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if p.FullName == nil || *p.FullName == "" {
		p.FullName = nil
		if name := user.MetadataString("full_name"); name != "" {
			p.FullName = model.StringPtr(s.sanitizer.SanitizeText(name))
		}
	}

	created, err := s.repo.Create(ctx, &p)
	if errors.Is(err, repository.ErrRelationNotFound) {
		s.metrics.RecordProfileOperation(op, metrics.OutcomeFallback)
		return s.fallbackProfile(user.ID, user.Email, initial)
	}
	if err != nil {
		logStoreError("create profile", err, slog.String("user_id", user.ID))
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}
	s.metrics.RecordProfileOperation(op, metrics.OutcomeCreated)
	return created
}

// UpdateProfile は既存のプロフィールに部分更新を適用し、updated_atを更新する。
// 行が存在しない場合は作成せずnilを返す。テーブルが存在しない場合もnil（フォールバックは返さない）。
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch model.ProfilePatch) *model.Profile {
	const op = "update"

	patch = s.sanitizePatch(patch)
	if patch.AvatarURL != nil && *patch.AvatarURL != "" {
		if err := s.urlValidator.ValidatePublicURL(*patch.AvatarURL); err != nil {
			slog.Warn("rejecting profile update with invalid avatar url",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
			return nil
		}
	}

	if status := s.Diagnose(ctx); status != TablePresent {
		slog.Info("profiles table unavailable, cannot update profile",
			slog.String("user_id", userID),
			slog.String("table", status.String()),
		)
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}

	p, err := s.repo.Update(ctx, userID, patch, s.now())
	if err != nil {
		logStoreError("update profile", err, slog.String("user_id", userID))
		s.metrics.RecordProfileOperation(op, metrics.OutcomeError)
		return nil
	}
	if p == nil {
		s.metrics.RecordProfileOperation(op, metrics.OutcomeAbsent)
		return nil
	}
	s.metrics.RecordProfileOperation(op, metrics.OutcomeUpdated)
	return p
}

// GetOrCreateProfile は保存済みのプロフィールを返し、なければ作成する。
// 作成時の表示名はuser_metadata.full_name、メールアドレスのローカル部、"User" の順で決める。
func (s *Service) GetOrCreateProfile(ctx context.Context, user *model.User) *model.Profile {
	if user == nil {
		return nil
	}
	if p := s.GetProfile(ctx, user.ID); p != nil {
		return p
	}
	return s.CreateProfile(ctx, user, model.ProfilePatch{
		FullName: model.StringPtr(user.DisplayName()),
	})
}

// fallbackProfile は永続化されないプレースホルダーのプロフィールを生成する。
func (s *Service) fallbackProfile(userID, email string, seed model.ProfilePatch) *model.Profile {
	if email == "" {
		email = FallbackEmail
	}
	now := s.now()
	p := seed.ApplyTo(model.Profile{
		ID:        userID,
		Email:     email,
		Skills:    []string{},
		Education: []model.EducationEntry{},
		CreatedAt: now,
		UpdatedAt: now,
		Fallback:  true,
	})
	if p.FullName == nil || *p.FullName == "" {
		p.FullName = model.StringPtr(FallbackName)
	}
	return &p
}

// sanitizePatch は自由入力テキストからマークアップを除去したパッチを返す。
// スキルは "vector<int>" のような表記を含むため対象外。
func (s *Service) sanitizePatch(patch model.ProfilePatch) model.ProfilePatch {
	clean := func(v *string) *string {
		if v == nil {
			return nil
		}
		return model.StringPtr(s.sanitizer.SanitizeText(*v))
	}
	patch.FullName = clean(patch.FullName)
	patch.Bio = clean(patch.Bio)
	if patch.AvatarURL != nil {
		trimmed := s.sanitizer.SanitizeText(*patch.AvatarURL)
		patch.AvatarURL = &trimmed
	}
	if patch.Education != nil {
		entries := make([]model.EducationEntry, len(*patch.Education))
		for i, e := range *patch.Education {
			entries[i] = model.EducationEntry{
				ID:           e.ID,
				Institution:  s.sanitizer.SanitizeText(e.Institution),
				Degree:       s.sanitizer.SanitizeText(e.Degree),
				FieldOfStudy: s.sanitizer.SanitizeText(e.FieldOfStudy),
				StartYear:    s.sanitizer.SanitizeText(e.StartYear),
				EndYear:      s.sanitizer.SanitizeText(e.EndYear),
			}
		}
		patch.Education = &entries
	}
	return patch
}

// logStoreError はストアのエラーを操作名と構造化コード付きで記録する。
func logStoreError(op string, err error, attrs ...any) {
	args := append([]any{
		slog.String("op", op),
		slog.String("code", repository.CodeOf(err)),
		slog.String("error", err.Error()),
	}, attrs...)
	slog.Error("profile store operation failed", args...)
}
