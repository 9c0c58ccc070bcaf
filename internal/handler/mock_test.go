package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/usergate/internal/auth"
	"github.com/hitoshi/usergate/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceのモック実装。
type mockAuthService struct {
	loginFn        func(ctx context.Context, email, password string) (*auth.LoginResult, error)
	checkSessionFn func(ctx context.Context, accessToken, refreshToken string) (*auth.SessionResult, error)
	logoutFn       func(ctx context.Context, refreshToken string) error
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, auth.ErrAuthenticationFailed
}

func (m *mockAuthService) CheckSession(ctx context.Context, accessToken, refreshToken string) (*auth.SessionResult, error) {
	if m.checkSessionFn != nil {
		return m.checkSessionFn(ctx, accessToken, refreshToken)
	}
	return &auth.SessionResult{State: auth.SessionNoRefresh}, auth.ErrUnauthenticated
}

func (m *mockAuthService) Logout(ctx context.Context, refreshToken string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, refreshToken)
	}
	return nil
}

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	registerFn          func(ctx context.Context, email, password string) (*model.User, error)
	getFn               func(ctx context.Context, providerID string) (*model.User, error)
	deleteFn            func(ctx context.Context, providerID string) error
	updateProfileFn     func(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error)
	updatePreferencesFn func(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error)
	updateSecurityFn    func(ctx context.Context, id int64, twoFactorAuth bool) (*model.User, error)
	resetPasswordFn     func(ctx context.Context, providerID, email, currentPassword, newPassword string) error
}

func (m *mockUserService) Register(ctx context.Context, email, password string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password)
	}
	return testUser(), nil
}

func (m *mockUserService) Get(ctx context.Context, providerID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, providerID)
	}
	return testUser(), nil
}

func (m *mockUserService) Delete(ctx context.Context, providerID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, providerID)
	}
	return nil
}

func (m *mockUserService) UpdateProfile(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, id, update)
	}
	return testUser(), nil
}

func (m *mockUserService) UpdatePreferences(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error) {
	if m.updatePreferencesFn != nil {
		return m.updatePreferencesFn(ctx, id, update)
	}
	return testUser(), nil
}

func (m *mockUserService) UpdateSecurity(ctx context.Context, id int64, twoFactorAuth bool) (*model.User, error) {
	if m.updateSecurityFn != nil {
		return m.updateSecurityFn(ctx, id, twoFactorAuth)
	}
	return testUser(), nil
}

func (m *mockUserService) ResetPassword(ctx context.Context, providerID, email, currentPassword, newPassword string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, providerID, email, currentPassword, newPassword)
	}
	return nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

// compile-time interface checks
var (
	_ AuthServiceInterface = (*mockAuthService)(nil)
	_ UserServiceInterface = (*mockUserService)(nil)
	_ HealthChecker        = (*mockHealthChecker)(nil)
)

// --- テストヘルパー ---

func testUser() *model.User {
	return &model.User{
		ID:             7,
		ProviderID:     "kc-user-1",
		Username:       "a@example.com",
		Email:          "a@example.com",
		SecurityAlerts: true,
	}
}

// envelope はテストでレスポンスをデコードするための型。
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

type errorData struct {
	Code     string `json:"code"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	if err := json.NewDecoder(w.Result().Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.StatusCode != w.Result().StatusCode {
		t.Errorf("envelope statusCode = %d, HTTP status = %d; should match", env.StatusCode, w.Result().StatusCode)
	}
	return env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("failed to decode data: %v (raw: %s)", err, env.Data)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeData[errorData](t, decodeEnvelope(t, w)).Code
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withURLParam はchiのURLパラメータをリクエストに注入する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
