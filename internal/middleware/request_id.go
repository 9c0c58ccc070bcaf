package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type contextKey string

const requestInfoContextKey contextKey = "requestInfo"

// requestInfo はリクエスト単位でログに載せる値を保持する。
// ハンドラーが認証後にsubjectを書き込み、ロギングミドルウェアが読み出す。
type requestInfo struct {
	mu        sync.Mutex
	requestID string
	subject   string
}

// withRequestInfo はコンテキストにrequestInfoが無ければ追加する。
func withRequestInfo(r *http.Request) (*http.Request, *requestInfo) {
	if info, ok := r.Context().Value(requestInfoContextKey).(*requestInfo); ok {
		return r, info
	}
	info := &requestInfo{}
	return r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info)), info
}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoContextKey).(*requestInfo)
	return info
}

// NewRequestIDMiddleware はリクエストIDを付与するミドルウェアを返す。
// 受信したX-Request-IDがUUIDとして妥当ならそれを引き継ぎ、そうでなければ新規に発行する。
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}

			r, info := withRequestInfo(r)
			info.mu.Lock()
			info.requestID = id
			info.mu.Unlock()

			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDFromContext はコンテキストからリクエストIDを取得する。未設定の場合は空文字を返す。
func RequestIDFromContext(ctx context.Context) string {
	info := infoFromContext(ctx)
	if info == nil {
		return ""
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.requestID
}

// SetSubject は認証済みユーザーのsubjectをリクエストログ用に記録する。
// ミドルウェアを経由しないコンテキストでは何もしない。
func SetSubject(ctx context.Context, subject string) {
	info := infoFromContext(ctx)
	if info == nil {
		return
	}
	info.mu.Lock()
	info.subject = subject
	info.mu.Unlock()
}

// SubjectFromContext はSetSubjectで記録されたsubjectを返す。
func SubjectFromContext(ctx context.Context) string {
	info := infoFromContext(ctx)
	if info == nil {
		return ""
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.subject
}
