// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer はユーザーが入力したプロファイルの文字列からマークアップを除去する。
// AvatarURLValidator はアバター画像のURLが外部公開されたhttp(s)のURLであることを検証する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ProfileSanitizer はプロファイル文字列のサニタイズ機能のインターフェース。
type ProfileSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、前後の空白を取り除いた平文を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// profileSanitizer はbluemondayのstrictポリシーによるProfileSanitizerの実装。
// ポリシーはスレッドセーフに共有できる。
type profileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *profileSanitizer {
	return &profileSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去する。
// StrictPolicyは残った文字をHTMLエスケープするため、保存用に元の文字へ戻す。
// 戻した結果にタグが現れなくなるまで除去と復元を繰り返す。
// エンティティ1段の展開で必ず文字数が減るため、反復回数は入力長で抑えられる。
// 収束しない入力は空文字として扱う。
func (s *profileSanitizer) Sanitize(raw string) string {
	cleaned := raw
	for i := 0; i <= len(raw); i++ {
		stripped := html.UnescapeString(s.policy.Sanitize(cleaned))
		if stripped == cleaned {
			return strings.TrimSpace(cleaned)
		}
		cleaned = stripped
	}
	return ""
}

var _ ProfileSanitizer = (*profileSanitizer)(nil)
