package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/hitoshi/hdtn-connect/internal/model"
	"github.com/hitoshi/hdtn-connect/internal/supabase"
)

// TableClient はテーブルAPIのうちプロフィールリポジトリが使う操作。
type TableClient interface {
	Select(ctx context.Context, table string, query url.Values, single bool, out any) error
	Insert(ctx context.Context, table string, rows any, single bool, out any) error
	Update(ctx context.Context, table string, query url.Values, patch any, single bool, out any) error
}

// PostgRESTProfileRepo はストアのテーブルAPIを使用したプロフィールリポジトリ。
// 呼び出し元のアクセストークン（ctx）で行レベルセキュリティが評価される。
type PostgRESTProfileRepo struct {
	client TableClient
}

// NewPostgRESTProfileRepo はPostgRESTProfileRepoを生成する。
func NewPostgRESTProfileRepo(client TableClient) *PostgRESTProfileRepo {
	return &PostgRESTProfileRepo{client: client}
}

// profileRow はテーブルAPIでやり取りする行の表現。
// locationはpoint型のテキスト表記 "(lat,lng)" で送受信する。
type profileRow struct {
	ID        string                 `json:"id"`
	Email     string                 `json:"email"`
	FullName  *string                `json:"full_name"`
	AvatarURL *string                `json:"avatar_url"`
	Bio       *string                `json:"bio"`
	Skills    []string               `json:"skills"`
	Location  *string                `json:"location"`
	Education []model.EducationEntry `json:"education"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func newProfileRow(p *model.Profile) profileRow {
	row := profileRow{
		ID:        p.ID,
		Email:     p.Email,
		FullName:  p.FullName,
		AvatarURL: p.AvatarURL,
		Bio:       p.Bio,
		Skills:    p.Skills,
		Education: p.Education,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if row.Skills == nil {
		row.Skills = []string{}
	}
	if row.Education == nil {
		row.Education = []model.EducationEntry{}
	}
	if p.Location != nil {
		point := p.Location.PointString()
		row.Location = &point
	}
	return row
}

func (r profileRow) toModel() (*model.Profile, error) {
	p := &model.Profile{
		ID:        r.ID,
		Email:     r.Email,
		FullName:  r.FullName,
		AvatarURL: r.AvatarURL,
		Bio:       r.Bio,
		Skills:    r.Skills,
		Education: r.Education,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if p.Skills == nil {
		p.Skills = []string{}
	}
	if p.Education == nil {
		p.Education = []model.EducationEntry{}
	}
	if r.Location != nil && *r.Location != "" {
		loc, err := model.ParsePoint(*r.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to parse profile location: %w", err)
		}
		p.Location = &loc
	}
	return p, nil
}

// Probe はテーブルに1行だけの読み取りを行う。
func (r *PostgRESTProfileRepo) Probe(ctx context.Context) error {
	var rows []json.RawMessage
	err := r.client.Select(ctx, ProfilesTable, url.Values{
		"select": {"id"},
		"limit":  {"1"},
	}, false, &rows)
	if err != nil {
		return classifyStoreError("probe profiles", err)
	}
	return nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgRESTProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	var row profileRow
	err := r.client.Select(ctx, ProfilesTable, url.Values{
		"select": {"*"},
		"id":     {supabase.Eq(id)},
	}, true, &row)
	if supabase.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStoreError("find profile", err)
	}
	return row.toModel()
}

// Create はプロフィールを挿入し、保存された行を返す。
func (r *PostgRESTProfileRepo) Create(ctx context.Context, profile *model.Profile) (*model.Profile, error) {
	var row profileRow
	if err := r.client.Insert(ctx, ProfilesTable, newProfileRow(profile), true, &row); err != nil {
		return nil, classifyStoreError("create profile", err)
	}
	return row.toModel()
}

// Update は既存の行を部分更新する。行が存在しない場合はnilを返す。
func (r *PostgRESTProfileRepo) Update(ctx context.Context, id string, patch model.ProfilePatch, updatedAt time.Time) (*model.Profile, error) {
	var row profileRow
	err := r.client.Update(ctx, ProfilesTable, url.Values{
		"id": {supabase.Eq(id)},
	}, patchColumns(patch, updatedAt), true, &row)
	if supabase.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStoreError("update profile", err)
	}
	return row.toModel()
}

// patchColumns はパッチのうち設定されたフィールドだけをカラム名のマップにする。
func patchColumns(patch model.ProfilePatch, updatedAt time.Time) map[string]any {
	cols := map[string]any{"updated_at": updatedAt}
	if patch.FullName != nil {
		cols["full_name"] = *patch.FullName
	}
	if patch.AvatarURL != nil {
		cols["avatar_url"] = *patch.AvatarURL
	}
	if patch.Bio != nil {
		cols["bio"] = *patch.Bio
	}
	if patch.Skills != nil {
		skills := *patch.Skills
		if skills == nil {
			skills = []string{}
		}
		cols["skills"] = skills
	}
	if patch.Location != nil {
		cols["location"] = patch.Location.PointString()
	}
	if patch.Education != nil {
		education := *patch.Education
		if education == nil {
			education = []model.EducationEntry{}
		}
		cols["education"] = education
	}
	return cols
}

// classifyStoreError はテーブル不在をErrRelationNotFoundに変換し、それ以外はラップして返す。
func classifyStoreError(op string, err error) error {
	if supabase.IsRelationNotFound(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrRelationNotFound, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var _ ProfileRepository = (*PostgRESTProfileRepo)(nil)
