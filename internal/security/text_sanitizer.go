// Package security はプロフィール入力の無害化と外部URLの検証を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロフィールの自由入力テキストからマークアップを取り除く。
type TextSanitizer interface {
	// SanitizeText はタグを除去したプレーンテキストを返す。前後の空白は除去する。
	// 表示層がエスケープするため、実体参照はデコードした状態で返す。
	SanitizeText(s string) string
}

// textSanitizer はbluemondayのStrictPolicyによる実装。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去したプレーンテキストを返す。
func (s *textSanitizer) SanitizeText(text string) string {
	if text == "" {
		return ""
	}
	stripped := s.policy.Sanitize(text)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
