package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/usergate/internal/auth"
	"github.com/hitoshi/usergate/internal/middleware"
	"github.com/hitoshi/usergate/internal/model"
)

// maxRequestBodySize はリクエストボディの上限（1MB）。
const maxRequestBodySize = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// userResponse はユーザープロファイルのJSONレスポンス。
type userResponse struct {
	UserID         int64     `json:"userId"`
	KeycloakID     string    `json:"keycloakId"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Biography      string    `json:"biography"`
	Image          string    `json:"image"`
	TimeZone       string    `json:"timeZone"`
	ProductUpdates bool      `json:"productUpdates"`
	SecurityAlerts bool      `json:"securityAlerts"`
	WeeklySummary  bool      `json:"weeklySummary"`
	TwoFactorAuth  bool      `json:"twoFactorAuth"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		UserID:         u.ID,
		KeycloakID:     u.ProviderID,
		Username:       u.Username,
		Email:          u.Email,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Biography:      u.Biography,
		Image:          u.Image,
		TimeZone:       u.TimeZone,
		ProductUpdates: u.ProductUpdates,
		SecurityAlerts: u.SecurityAlerts,
		WeeklySummary:  u.WeeklySummary,
		TwoFactorAuth:  u.TwoFactorAuth,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

// decodeAndValidate はJSONボディをdstに読み込み、validateタグで検証する。
// 失敗した場合はエラーレスポンスを書き込みfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, model.NewValidationError("request body must be valid JSON"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeAPIError(w, model.NewValidationError(describeValidationError(err)))
		return false
	}
	return true
}

// describeValidationError は検証エラーをクライアント向けの短い説明に変換する。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := jsonFieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", field))
		case "email":
			parts = append(parts, fmt.Sprintf("%s must be a valid email address", field))
		case "url":
			parts = append(parts, fmt.Sprintf("%s must be a valid URL", field))
		case "timezone":
			parts = append(parts, fmt.Sprintf("%s must be an IANA time zone", field))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(parts, ", ")
}

// jsonFieldName はGoのフィールド名をJSONのキー名（先頭小文字）に変換する。
func jsonFieldName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

// writeAPIError はAPIErrorのコードに対応するステータスでエラーレスポンスを書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	if errors.Is(err, auth.ErrProviderUnavailable) {
		slog.Error("identity provider unavailable",
			slog.String("error", err.Error()),
			slog.String("request_id", requestID),
		)
		writeAPIError(w, model.NewProviderUnavailableError())
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("error", err.Error()),
		slog.String("request_id", requestID),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation,
		model.ErrCodeRegistrationFailed,
		model.ErrCodeEmailAlreadyRegistered,
		model.ErrCodeLoginFailed,
		model.ErrCodeWrongPassword,
		model.ErrCodeProviderDeleteFailed,
		model.ErrCodePasswordResetFailed:
		return http.StatusBadRequest
	case model.ErrCodeUserNotFound, model.ErrCodeProviderUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeCSRFValidation:
		return http.StatusForbidden
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
