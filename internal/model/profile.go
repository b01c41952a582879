// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Profile はユーザーごとのプロフィールを表す。
// IDは所有ユーザーのIDと常に一致し、1ユーザーにつき最大1件。
type Profile struct {
	ID        string           `json:"id"`
	Email     string           `json:"email"`
	FullName  *string          `json:"full_name"`
	AvatarURL *string          `json:"avatar_url"`
	Bio       *string          `json:"bio"`
	Skills    []string         `json:"skills"`
	Location  *Location        `json:"location"`
	Education []EducationEntry `json:"education"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Fallback はテーブル不在時に合成した非永続プロフィールであることを示す。
	Fallback bool `json:"is_fallback"`
}

// EducationEntry は学歴1件を表す。年は検証しない自由入力文字列。
type EducationEntry struct {
	ID           string `json:"id"`
	Institution  string `json:"institution"`
	Degree       string `json:"degree"`
	FieldOfStudy string `json:"fieldOfStudy"`
	StartYear    string `json:"startYear"`
	EndYear      string `json:"endYear"`
}

// Location は緯度・経度の組。JSONでは [lat, lng] の配列で表現する。
type Location struct {
	Lat float64
	Lng float64
}

// IsSet は表示層で「設定済み」とみなせる位置かを返す。(0,0) は未設定扱い。
func (l *Location) IsSet() bool {
	return l != nil && (l.Lat != 0 || l.Lng != 0)
}

// MarshalJSON は [lat, lng] 形式で出力する。
func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Lat, l.Lng})
}

// UnmarshalJSON は [lat, lng] 配列とPostgreSQLのpoint表記 "(lat,lng)" の両方を受け付ける。
func (l *Location) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err == nil {
		l.Lat, l.Lng = pair[0], pair[1]
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("location must be [lat, lng] or \"(lat,lng)\": %w", err)
	}
	parsed, err := ParsePoint(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// PointString はPostgreSQLのpoint型リテラル "(lat,lng)" を返す。
func (l Location) PointString() string {
	return "(" + strconv.FormatFloat(l.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(l.Lng, 'f', -1, 64) + ")"
}

// ParsePoint はPostgreSQLのpoint型リテラル "(x,y)" をLocationに変換する。
func ParsePoint(s string) (Location, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "(")
	trimmed = strings.TrimSuffix(trimmed, ")")
	x, y, ok := strings.Cut(trimmed, ",")
	if !ok {
		return Location{}, fmt.Errorf("invalid point literal: %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid point latitude %q: %w", x, err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(y), 64)
	if err != nil {
		return Location{}, fmt.Errorf("invalid point longitude %q: %w", y, err)
	}
	return Location{Lat: lat, Lng: lng}, nil
}

// ProfilePatch はプロフィールの部分更新を表す。nilのフィールドは変更しない。
type ProfilePatch struct {
	FullName  *string           `json:"full_name,omitempty"`
	AvatarURL *string           `json:"avatar_url,omitempty"`
	Bio       *string           `json:"bio,omitempty"`
	Skills    *[]string         `json:"skills,omitempty"`
	Location  *Location         `json:"location,omitempty"`
	Education *[]EducationEntry `json:"education,omitempty"`
}

// IsEmpty は変更対象のフィールドが1つもないかを返す。
func (p ProfilePatch) IsEmpty() bool {
	return p.FullName == nil && p.AvatarURL == nil && p.Bio == nil &&
		p.Skills == nil && p.Location == nil && p.Education == nil
}

// ApplyTo はパッチをプロフィールのコピーに適用して返す。
// 元のプロフィールは変更しない。
func (p ProfilePatch) ApplyTo(profile Profile) Profile {
	if p.FullName != nil {
		profile.FullName = p.FullName
	}
	if p.AvatarURL != nil {
		profile.AvatarURL = p.AvatarURL
	}
	if p.Bio != nil {
		profile.Bio = p.Bio
	}
	if p.Skills != nil {
		profile.Skills = append([]string{}, (*p.Skills)...)
	}
	if p.Location != nil {
		loc := *p.Location
		profile.Location = &loc
	}
	if p.Education != nil {
		profile.Education = append([]EducationEntry{}, (*p.Education)...)
	}
	return profile
}

// StringPtr は文字列のポインタを返すヘルパー。
func StringPtr(s string) *string {
	return &s
}
