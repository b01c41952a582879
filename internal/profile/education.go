package profile

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/hdtn-connect/internal/model"
)

// NewEducationEntry は新しい学歴エントリを生成する。IDはUUIDで全体として一意。
func NewEducationEntry(institution, degree, fieldOfStudy, startYear, endYear string) model.EducationEntry {
	return model.EducationEntry{
		ID:           uuid.NewString(),
		Institution:  institution,
		Degree:       degree,
		FieldOfStudy: fieldOfStudy,
		StartYear:    startYear,
		EndYear:      endYear,
	}
}

// ErrDuplicateEducationID は学歴一覧に同じIDが複数含まれることを示す。
var ErrDuplicateEducationID = errors.New("duplicate education id")

// NormalizeEducation はクライアントから受け取った学歴一覧を保存可能な形にする。
// IDが空のエントリには新しいUUIDを割り当てる。IDが重複している場合はエラーを返す。
func NormalizeEducation(list []model.EducationEntry) ([]model.EducationEntry, error) {
	out := make([]model.EducationEntry, len(list))
	seen := make(map[string]struct{}, len(list))
	for i, e := range list {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEducationID, e.ID)
		}
		seen[e.ID] = struct{}{}
		out[i] = e
	}
	return out, nil
}

// AppendEducation は一覧の末尾にエントリを追加した新しいスライスを返す。
func AppendEducation(list []model.EducationEntry, entry model.EducationEntry) []model.EducationEntry {
	out := make([]model.EducationEntry, 0, len(list)+1)
	out = append(out, list...)
	return append(out, entry)
}

// RemoveEducation はIDが一致するエントリを除いた新しいスライスを返す。
// 該当するエントリがない場合はfalseを返す。
func RemoveEducation(list []model.EducationEntry, id string) ([]model.EducationEntry, bool) {
	out := make([]model.EducationEntry, 0, len(list))
	removed := false
	for _, e := range list {
		if e.ID == id {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out, removed
}
