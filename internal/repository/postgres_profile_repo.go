package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// pqUndefinedTable はPostgreSQLのundefined_tableエラーコード。
const pqUndefinedTable = "42P01"

const profileColumns = `id, email, full_name, avatar_url, bio, skills, location::text, education, created_at, updated_at`

// PostgresProfileRepo はPostgreSQLに直接接続するプロフィールリポジトリ。
// PROFILES_DATABASE_URLが設定されている場合に使う。行レベルセキュリティは接続ロールで評価される。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// Probe はテーブルに1行だけの読み取りを行う。
func (r *PostgresProfileRepo) Probe(ctx context.Context) error {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM profiles LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return classifyPQError("probe profiles", err)
	}
	return nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`,
		id,
	)
	profile, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQError("find profile", err)
	}
	return profile, nil
}

// Create はプロフィールを挿入し、保存された行を返す。
func (r *PostgresProfileRepo) Create(ctx context.Context, p *model.Profile) (*model.Profile, error) {
	education, err := encodeEducation(p.Education)
	if err != nil {
		return nil, err
	}
	skills := p.Skills
	if skills == nil {
		skills = []string{}
	}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO profiles (id, email, full_name, avatar_url, bio, skills, location, education, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::point, $8::jsonb, $9, $10)
		 RETURNING `+profileColumns,
		p.ID, p.Email, nullString(p.FullName), nullString(p.AvatarURL), nullString(p.Bio),
		pq.Array(skills), nullPoint(p.Location), education, p.CreatedAt, p.UpdatedAt,
	)
	created, err := scanProfile(row)
	if err != nil {
		return nil, classifyPQError("create profile", err)
	}
	return created, nil
}

// Update は既存の行を部分更新する。行が存在しない場合はnilを返す。
func (r *PostgresProfileRepo) Update(ctx context.Context, id string, patch model.ProfilePatch, updatedAt time.Time) (*model.Profile, error) {
	sets := []string{}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if patch.FullName != nil {
		add("full_name = $%d", *patch.FullName)
	}
	if patch.AvatarURL != nil {
		add("avatar_url = $%d", *patch.AvatarURL)
	}
	if patch.Bio != nil {
		add("bio = $%d", *patch.Bio)
	}
	if patch.Skills != nil {
		skills := *patch.Skills
		if skills == nil {
			skills = []string{}
		}
		add("skills = $%d", pq.Array(skills))
	}
	if patch.Location != nil {
		add("location = $%d::point", patch.Location.PointString())
	}
	if patch.Education != nil {
		education, err := encodeEducation(*patch.Education)
		if err != nil {
			return nil, err
		}
		add("education = $%d::jsonb", education)
	}
	add("updated_at = $%d", updatedAt)

	row := r.db.QueryRowContext(ctx,
		`UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = $1 RETURNING `+profileColumns,
		args...,
	)
	updated, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQError("update profile", err)
	}
	return updated, nil
}

// scanProfile は1行をProfileに変換する。
func scanProfile(row *sql.Row) (*model.Profile, error) {
	var (
		p                     model.Profile
		fullName, avatar, bio sql.NullString
		skills                pq.StringArray
		location              sql.NullString
		education             []byte
	)
	err := row.Scan(&p.ID, &p.Email, &fullName, &avatar, &bio, &skills, &location, &education, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.FullName = stringPtr(fullName)
	p.AvatarURL = stringPtr(avatar)
	p.Bio = stringPtr(bio)
	p.Skills = []string(skills)
	if p.Skills == nil {
		p.Skills = []string{}
	}
	if location.Valid {
		loc, err := model.ParsePoint(location.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse profile location: %w", err)
		}
		p.Location = &loc
	}
	p.Education = []model.EducationEntry{}
	if len(education) > 0 {
		if err := json.Unmarshal(education, &p.Education); err != nil {
			return nil, fmt.Errorf("failed to decode profile education: %w", err)
		}
	}
	return &p, nil
}

func encodeEducation(entries []model.EducationEntry) (string, error) {
	if entries == nil {
		entries = []model.EducationEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode education: %w", err)
	}
	return string(data), nil
}

// nullString は*stringをsql.NullStringに変換する。
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullPoint(loc *model.Location) sql.NullString {
	if loc == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: loc.PointString(), Valid: true}
}

// classifyPQError はundefined_tableをErrRelationNotFoundに変換する。
func classifyPQError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUndefinedTable {
		return fmt.Errorf("%s: %w: %s", op, ErrRelationNotFound, strconv.Quote(pqErr.Message))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

var _ ProfileRepository = (*PostgresProfileRepo)(nil)
