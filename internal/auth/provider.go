// Package auth はIdP（Keycloak互換のOpenID Connectプロバイダー）との連携、
// アクセストークンの検証、Cookieベースのセッション管理を提供する。
package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProviderUnavailable はIdPに到達できなかったことを示す（トランスポート層の失敗）。
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrInvalidToken はアクセストークンの検証に失敗したことを示す。
	ErrInvalidToken = errors.New("invalid token")

	// ErrAuthenticationFailed はIdPが資格情報を拒否したことを示す。
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrUnauthenticated はセッションチェックが検証とリフレッシュの両方に失敗したことを示す。
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ProviderRejectedError はIdPが4xx/5xxを返したことを表す。
// エンドポイントごとにエラースキーマが異なるため、
// 「見つからない」「競合」「資格情報不正」の判断は呼び出し側がStatusCodeで行う。
type ProviderRejectedError struct {
	Op         string
	StatusCode int
	// ErrorCode はトークンエンドポイントが返したOAuth2のerrorコード（invalid_grant等）。
	ErrorCode  string
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderRejectedError) Error() string {
	return fmt.Sprintf("identity provider rejected %s with status %d", e.Op, e.StatusCode)
}

// AsRejected はerrがProviderRejectedErrorを含む場合にそれを返す。
func AsRejected(err error) (*ProviderRejectedError, bool) {
	var rejected *ProviderRejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

// unavailable はトランスポート層の失敗をErrProviderUnavailableでラップする。
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
}

// ProviderMetrics はIdP呼び出しのメトリクス記録インターフェース。
type ProviderMetrics interface {
	RecordProviderCall(op, outcome string, duration time.Duration)
}

// SessionMetrics はセッションチェック結果のメトリクス記録インターフェース。
type SessionMetrics interface {
	RecordSessionCheck(state string)
}

// noopMetrics はメトリクスが未設定の場合に使用する。
type noopMetrics struct{}

func (noopMetrics) RecordProviderCall(string, string, time.Duration) {}
func (noopMetrics) RecordSessionCheck(string)                        {}

// callOutcome はIdP呼び出しの結果をメトリクスのラベル値に変換する。
func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	default:
		if _, ok := AsRejected(err); ok {
			return "rejected"
		}
		return "error"
	}
}
