package profile

import "strings"

// ParseSkills はカンマ区切りの入力をスキルの一覧に変換する。
// 各要素の前後の空白を除去し、空の要素は捨てる。順序と重複はそのまま保つ。
func ParseSkills(input string) []string {
	skills := []string{}
	for _, part := range strings.Split(input, ",") {
		if s := strings.TrimSpace(part); s != "" {
			skills = append(skills, s)
		}
	}
	return skills
}

// FormatSkills は編集フォーム用にスキルの一覧をカンマ区切りにする。
func FormatSkills(skills []string) string {
	return strings.Join(skills, ", ")
}
