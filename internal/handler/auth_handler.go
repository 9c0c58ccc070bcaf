// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/usergate/internal/auth"
	"github.com/hitoshi/usergate/internal/middleware"
	"github.com/hitoshi/usergate/internal/model"
)

const (
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	CheckSession(ctx context.Context, accessToken, refreshToken string) (*auth.SessionResult, error)
	Logout(ctx context.Context, refreshToken string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	// Production が真のときCookieをSecureかつSameSite=Noneで発行する。
	Production bool
}

// AuthHandler はログイン・ログアウト・セッション確認のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// Login はパスワードグラントでログインし、2つのトークンCookieを発行する。
// POST /api/v1/user/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			writeAPIError(w, model.NewLoginFailedError())
			return
		}
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSubject(r.Context(), result.Subject)
	h.setCookie(w, accessTokenCookie, result.Tokens.AccessToken)
	h.setCookie(w, refreshTokenCookie, result.Tokens.RefreshToken)

	middleware.WriteJSON(w, http.StatusAccepted, "User login query was successful", map[string]string{
		"userId": result.Subject,
	})
}

// Logout はリフレッシュトークンを失効させ、両方のCookieを削除する。
// 失効に失敗してもCookieは必ず削除し、202を返す。
// POST /api/v1/user/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	// 失効の失敗はサービス層で記録済み
	_ = h.service.Logout(r.Context(), cookieValue(r, refreshTokenCookie))

	h.clearCookie(w, accessTokenCookie)
	h.clearCookie(w, refreshTokenCookie)

	middleware.WriteJSON(w, http.StatusAccepted, "Logout user query was successful", "User has been logged out")
}

// CheckSession はアクセストークンを検証し、必要ならリフレッシュして新しいアクセストークンCookieを発行する。
// GET /api/v1/user/session/check
func (h *AuthHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckSession(r.Context(),
		cookieValue(r, accessTokenCookie),
		cookieValue(r, refreshTokenCookie),
	)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			message := "Unauthorized. Please login again"
			if result != nil && result.State == auth.SessionExpired {
				message = "Invalid refresh token. Please login again"
			}
			writeAPIError(w, model.NewUnauthenticatedError(message))
			return
		}
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSubject(r.Context(), result.Subject)

	message := "Access token is valid"
	if result.State == auth.SessionRefreshed {
		h.setCookie(w, accessTokenCookie, result.AccessToken)
		message = "New access token issued"
	}

	middleware.WriteJSON(w, http.StatusOK, message, map[string]string{
		"userId": result.Subject,
		"state":  string(result.State),
	})
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, h.cookie(name, value, 0))
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, h.cookie(name, "", -1))
}

// cookie はトークンCookieの共通属性を組み立てる。
// 本番ではSameSite=Noneとなるため、Secureも必ず付与する。
func (h *AuthHandler) cookie(name, value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if h.config.Production {
		sameSite = http.SameSiteNoneMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.Production,
		SameSite: sameSite,
	}
}

// cookieValue はCookieの値を返す。存在しない場合は空文字。
func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
