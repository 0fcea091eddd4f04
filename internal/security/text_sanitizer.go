// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は台帳へ書き込む自由入力テキスト（名称、無効化理由など）から
// マークアップを取り除く。bluemonday の StrictPolicy で全タグを除去し、
// script と style は中身ごと捨てる。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は自由入力テキストをプレーンテキストに正規化する。
type TextSanitizer interface {
	// Clean はタグを除去し、前後の空白を取り除いた文字列を返す。
	// 同一入力に対して常に同一出力を返す。
	Clean(s string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer は TextSanitizer を生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグを除去したプレーンテキストを返す。
// StrictPolicy がエスケープした実体参照は元の文字に戻す。
func (s *textSanitizer) Clean(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
