// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, user, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeUserNotFound           = "USER_NOT_FOUND"
	ErrCodeProviderUserNotFound   = "PROVIDER_USER_NOT_FOUND"
	ErrCodeRegistrationFailed     = "REGISTRATION_FAILED"
	ErrCodeEmailAlreadyRegistered = "EMAIL_ALREADY_REGISTERED"
	ErrCodeLoginFailed            = "LOGIN_FAILED"
	ErrCodeWrongPassword          = "WRONG_PASSWORD"
	ErrCodeProviderDeleteFailed   = "PROVIDER_DELETE_FAILED"
	ErrCodePasswordResetFailed    = "PASSWORD_RESET_FAILED"
	ErrCodeUnauthenticated        = "UNAUTHENTICATED"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeCSRFValidation         = "CSRF_VALIDATION_FAILED"
	ErrCodeProviderUnavailable    = "PROVIDER_UNAVAILABLE"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "Check the request body and path parameters.",
	}
}

// NewUserNotFoundError はローカルのユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "user",
		Action:   "Check the user ID.",
	}
}

// NewProviderUserNotFoundError はIdP上でユーザー作成後の検索に失敗した場合のエラーを生成する。
func NewProviderUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUserNotFound,
		Message:  "Identity provider user not found for the given email",
		Category: "provider",
		Action:   "Retry the registration later.",
	}
}

// NewRegistrationFailedError はIdPがユーザー作成を拒否した場合のエラーを生成する。
func NewRegistrationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRegistrationFailed,
		Message:  "User registration failed",
		Category: "provider",
		Action:   "Check the email and password and try again.",
	}
}

// NewEmailAlreadyRegisteredError はメールアドレスが登録済みの場合のエラーを生成する。
func NewEmailAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyRegistered,
		Message:  "User registration failed",
		Category: "provider",
		Action:   "Log in with the existing account or use another email.",
	}
}

// NewLoginFailedError はログイン失敗エラーを生成する。
// 識別子の存在有無は明かさない。
func NewLoginFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginFailed,
		Message:  "User login failed",
		Category: "auth",
		Action:   "Check the email and password.",
	}
}

// NewWrongPasswordError は現在のパスワードが一致しない場合のエラーを生成する。
func NewWrongPasswordError() *APIError {
	return &APIError{
		Code:     ErrCodeWrongPassword,
		Message:  "Current password is wrong",
		Category: "auth",
		Action:   "Enter the current password again.",
	}
}

// NewProviderDeleteFailedError はIdP側のユーザー削除に失敗した場合のエラーを生成する。
func NewProviderDeleteFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderDeleteFailed,
		Message:  "Identity provider user deletion failed",
		Category: "provider",
		Action:   "Check the user ID and retry.",
	}
}

// NewPasswordResetFailedError はIdPがパスワード変更を拒否した場合のエラーを生成する。
func NewPasswordResetFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordResetFailed,
		Message:  "Password reset failed",
		Category: "provider",
		Action:   "Choose a password that satisfies the password policy.",
	}
}

// NewUnauthenticatedError はセッションが無効な場合のエラーを生成する。
func NewUnauthenticatedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  message,
		Category: "auth",
		Action:   "Please login again.",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests",
		Category: "system",
		Action:   "Please wait and retry after the time in the Retry-After header.",
	}
}

// NewCSRFValidationError はCSRFトークンの検証失敗エラーを生成する。
func NewCSRFValidationError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFValidation,
		Message:  "CSRF token validation failed",
		Category: "auth",
		Action:   "Fetch a new CSRF token and retry.",
	}
}

// NewProviderUnavailableError はIdPに到達できない場合のエラーを生成する。
func NewProviderUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  "Identity provider is unavailable",
		Category: "system",
		Action:   "Please wait and retry.",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "Please wait and retry.",
	}
}
