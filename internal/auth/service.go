package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/usergate/internal/model"
)

// SessionProvider はセッション管理が利用するIdPの操作。
type SessionProvider interface {
	PasswordLogin(ctx context.Context, email, password string) (*model.TokenPair, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) (int, error)
}

// TokenVerifier はアクセストークンの検証インターフェース。
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// SessionState はセッションチェックの終端状態。
type SessionState string

const (
	SessionNoRefresh SessionState = "no_refresh"
	SessionActive    SessionState = "active"
	SessionRefreshed SessionState = "refreshed"
	SessionExpired   SessionState = "expired"
)

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Tokens  *model.TokenPair
	Subject string
}

// SessionResult はセッションチェックの結果。
// StateがSessionRefreshedの場合のみAccessTokenに新しいアクセストークンが入る。
type SessionResult struct {
	State       SessionState
	Subject     string
	AccessToken string
}

// Service はCookieに保持された資格情報の組でセッションを管理する。
// サーバー側にセッションの状態は持たない。
type Service struct {
	provider SessionProvider
	verifier TokenVerifier
	metrics  SessionMetrics
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(provider SessionProvider, verifier TokenVerifier, metrics SessionMetrics) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		provider: provider,
		verifier: verifier,
		metrics:  metrics,
	}
}

// Login はパスワードグラントでログインし、アクセストークンからsubjectを取り出す。
// 資格情報が拒否された場合はErrAuthenticationFailedを返す。
// 発行直後のトークンの検証に失敗した場合はエラーを返し、Cookieは発行させない。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	tokens, err := s.provider.PasswordLogin(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if tokens == nil {
		return nil, ErrAuthenticationFailed
	}

	claims, err := s.verifier.Verify(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify issued access token: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", claims.Subject))
	return &LoginResult{Tokens: tokens, Subject: claims.Subject}, nil
}

// CheckSession はCookieの資格情報の組からセッションの状態を判定する。
// 各外部呼び出しは最大1回で、遷移は次の通り。
//   - リフレッシュトークンなし: no_refresh（IdP呼び出しなし）
//   - アクセストークンが有効: active
//   - アクセストークンが無効でリフレッシュ成功: refreshed
//   - リフレッシュが拒否された: expired
//
// no_refreshとexpiredはErrUnauthenticatedを返す。
// IdPに到達できない場合はErrProviderUnavailableを返す。
func (s *Service) CheckSession(ctx context.Context, accessToken, refreshToken string) (*SessionResult, error) {
	if refreshToken == "" {
		s.metrics.RecordSessionCheck(string(SessionNoRefresh))
		return &SessionResult{State: SessionNoRefresh}, ErrUnauthenticated
	}

	claims, err := s.verifier.Verify(ctx, accessToken)
	if err == nil {
		s.metrics.RecordSessionCheck(string(SessionActive))
		return &SessionResult{State: SessionActive, Subject: claims.Subject}, nil
	}
	if !errors.Is(err, ErrInvalidToken) {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}

	tokens, err := s.provider.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		if _, ok := AsRejected(err); ok {
			s.metrics.RecordSessionCheck(string(SessionExpired))
			return &SessionResult{State: SessionExpired}, ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, errors.New("refresh response has no access token")
	}

	subject, err := PeekSubject(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read refreshed access token: %w", err)
	}

	s.metrics.RecordSessionCheck(string(SessionRefreshed))
	return &SessionResult{
		State:       SessionRefreshed,
		Subject:     subject,
		AccessToken: tokens.AccessToken,
	}, nil
}

// Logout はリフレッシュトークンをIdPで失効させる。
// トークンが無い場合は何もしない。失効の失敗はログに記録して返すが、
// 呼び出し側はCookieの削除を続行する。
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	status, err := s.provider.RevokeRefreshToken(ctx, refreshToken)
	if err != nil {
		slog.Warn("failed to revoke refresh token",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	slog.Info("refresh token revoked")
	return nil
}
