package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/usergate/internal/middleware"
	"github.com/hitoshi/usergate/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Register(ctx context.Context, email, password string) (*model.User, error)
	Get(ctx context.Context, providerID string) (*model.User, error)
	Delete(ctx context.Context, providerID string) error
	UpdateProfile(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error)
	UpdatePreferences(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error)
	UpdateSecurity(ctx context.Context, id int64, twoFactorAuth bool) (*model.User, error)
	ResetPassword(ctx context.Context, providerID, email, currentPassword, newPassword string) error
}

// credentialsRequest は登録・ログインのリクエストボディ。
type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=256"`
}

// profileRequest はPATCH /user/{userId}/profile のリクエストボディ。
// 省略したフィールドは更新しない。
type profileRequest struct {
	FirstName *string `json:"firstName" validate:"omitempty,max=100"`
	LastName  *string `json:"lastName" validate:"omitempty,max=100"`
	Biography *string `json:"biography" validate:"omitempty,max=1000"`
	Image     *string `json:"image" validate:"omitempty,url,max=2048"`
	TimeZone  *string `json:"timeZone" validate:"omitempty,timezone"`
}

// preferencesRequest はPATCH /user/{userId}/preferences のリクエストボディ。
type preferencesRequest struct {
	ProductUpdates *bool `json:"productUpdates"`
	SecurityAlerts *bool `json:"securityAlerts"`
	WeeklySummary  *bool `json:"weeklySummary"`
}

// securityRequest はPATCH /user/{userId}/security のリクエストボディ。
type securityRequest struct {
	TwoFactorAuth *bool `json:"twoFactorAuth" validate:"required"`
}

// resetPasswordRequest はPATCH /user/{userId}/reset-password のリクエストボディ。
type resetPasswordRequest struct {
	Email           string `json:"email" validate:"required,email,max=254"`
	CurrentPassword string `json:"currentPassword" validate:"required,max=256"`
	NewPassword     string `json:"newPassword" validate:"required,max=256"`
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// Register はユーザーを登録する。
// POST /api/v1/user
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.SetSubject(r.Context(), user.ProviderID)
	middleware.WriteJSON(w, http.StatusCreated, "User register query was successful", toUserResponse(user))
}

// Get はIdPのユーザーIDでプロファイルを返す。
// GET /api/v1/user/{userId}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Get(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Get single user query was successful", toUserResponse(user))
}

// Delete はIdPとローカルの両方からユーザーを削除する。
// DELETE /api/v1/user/{userId}
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "userId")
	if err := h.service.Delete(r.Context(), providerID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "User deleted successfully from Keycloak and database", map[string]string{
		"userId": providerID,
	})
}

// UpdateProfile はプロファイル表示項目を更新する。
// PATCH /api/v1/user/{userId}/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := localUserID(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), id, model.ProfileUpdate{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Biography: req.Biography,
		Image:     req.Image,
		TimeZone:  req.TimeZone,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Update user profile query was successful", toUserResponse(user))
}

// UpdatePreferences は通知設定を更新する。
// PATCH /api/v1/user/{userId}/preferences
func (h *UserHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	id, ok := localUserID(w, r)
	if !ok {
		return
	}
	var req preferencesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.UpdatePreferences(r.Context(), id, model.PreferencesUpdate{
		ProductUpdates: req.ProductUpdates,
		SecurityAlerts: req.SecurityAlerts,
		WeeklySummary:  req.WeeklySummary,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Update user preferences query was successful", toUserResponse(user))
}

// UpdateSecurity は二要素認証フラグを更新する。
// PATCH /api/v1/user/{userId}/security
func (h *UserHandler) UpdateSecurity(w http.ResponseWriter, r *http.Request) {
	id, ok := localUserID(w, r)
	if !ok {
		return
	}
	var req securityRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.service.UpdateSecurity(r.Context(), id, *req.TwoFactorAuth)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Update user 2FA query was successful", toUserResponse(user))
}

// ResetPassword は現在のパスワードを確認してから新しいパスワードに変更する。
// PATCH /api/v1/user/{userId}/reset-password
func (h *UserHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	providerID := chi.URLParam(r, "userId")
	if err := h.service.ResetPassword(r.Context(), providerID, req.Email, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, "Reset password query was successful", map[string]string{
		"userId": providerID,
	})
}

// localUserID はパスパラメータをローカルの数値IDとして解釈する。
func localUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err != nil || id <= 0 {
		writeAPIError(w, model.NewValidationError("userId must be a positive integer"))
		return 0, false
	}
	return id, true
}
