package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/hitoshi/usergate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- モック定義 ---

type mockSessionProvider struct {
	passwordLoginFn func(ctx context.Context, email, password string) (*model.TokenPair, error)
	refreshFn       func(ctx context.Context, refreshToken string) (*model.TokenPair, error)
	revokeFn        func(ctx context.Context, refreshToken string) (int, error)

	loginCalls   int
	refreshCalls int
	revokeCalls  int
}

func (m *mockSessionProvider) PasswordLogin(ctx context.Context, email, password string) (*model.TokenPair, error) {
	m.loginCalls++
	if m.passwordLoginFn != nil {
		return m.passwordLoginFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockSessionProvider) RefreshAccessToken(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	m.refreshCalls++
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil
}

func (m *mockSessionProvider) RevokeRefreshToken(ctx context.Context, refreshToken string) (int, error) {
	m.revokeCalls++
	if m.revokeFn != nil {
		return m.revokeFn(ctx, refreshToken)
	}
	return http.StatusOK, nil
}

type mockVerifier struct {
	verifyFn func(ctx context.Context, token string) (*Claims, error)
	calls    int
}

func (m *mockVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	m.calls++
	if m.verifyFn != nil {
		return m.verifyFn(ctx, token)
	}
	return &Claims{Subject: "kc-user-1"}, nil
}

// --- compile-time interface checks ---
var _ SessionProvider = (*mockSessionProvider)(nil)
var _ TokenVerifier = (*mockVerifier)(nil)
var _ SessionProvider = (*KeycloakClient)(nil)
var _ TokenVerifier = (*Verifier)(nil)
var _ KeySetFetcher = (*KeycloakClient)(nil)

// --- Login ---

func TestLogin_Success_ReturnsTokensAndSubject(t *testing.T) {
	provider := &mockSessionProvider{
		passwordLoginFn: func(_ context.Context, email, password string) (*model.TokenPair, error) {
			assert.Equal(t, "a@example.com", email)
			assert.Equal(t, "pw", password)
			return &model.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
		},
	}
	verifier := &mockVerifier{
		verifyFn: func(_ context.Context, token string) (*Claims, error) {
			assert.Equal(t, "access", token)
			return &Claims{Subject: "kc-user-1"}, nil
		},
	}
	svc := NewService(provider, verifier, nil)

	result, err := svc.Login(context.Background(), "a@example.com", "pw")

	require.NoError(t, err)
	assert.Equal(t, "kc-user-1", result.Subject)
	assert.Equal(t, "access", result.Tokens.AccessToken)
	assert.Equal(t, "refresh", result.Tokens.RefreshToken)
}

func TestLogin_BadCredentials_ReturnsAuthenticationFailed(t *testing.T) {
	verifier := &mockVerifier{}
	svc := NewService(&mockSessionProvider{}, verifier, nil)

	result, err := svc.Login(context.Background(), "a@example.com", "wrong")

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, verifier.calls)
}

func TestLogin_VerificationFailure_ReturnsError(t *testing.T) {
	provider := &mockSessionProvider{
		passwordLoginFn: func(context.Context, string, string) (*model.TokenPair, error) {
			return &model.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
		},
	}
	verifier := &mockVerifier{
		verifyFn: func(context.Context, string) (*Claims, error) {
			return nil, ErrInvalidToken
		},
	}
	svc := NewService(provider, verifier, nil)

	result, err := svc.Login(context.Background(), "a@example.com", "pw")

	assert.Nil(t, result)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
}

func TestLogin_ProviderUnavailable_Propagates(t *testing.T) {
	provider := &mockSessionProvider{
		passwordLoginFn: func(context.Context, string, string) (*model.TokenPair, error) {
			return nil, unavailable("password_login", errors.New("dial tcp: refused"))
		},
	}
	svc := NewService(provider, &mockVerifier{}, nil)

	_, err := svc.Login(context.Background(), "a@example.com", "pw")

	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

// --- CheckSession ---

func TestCheckSession_NoRefresh_NoProviderCalls(t *testing.T) {
	provider := &mockSessionProvider{}
	verifier := &mockVerifier{}
	m := &recordingMetrics{}
	svc := NewService(provider, verifier, m)

	result, err := svc.CheckSession(context.Background(), "access", "")

	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, SessionNoRefresh, result.State)
	assert.Equal(t, 0, verifier.calls)
	assert.Equal(t, 0, provider.refreshCalls)
	assert.Equal(t, []string{"no_refresh"}, m.sessions)
}

func TestCheckSession_ValidAccess_Active(t *testing.T) {
	provider := &mockSessionProvider{}
	svc := NewService(provider, &mockVerifier{}, nil)

	result, err := svc.CheckSession(context.Background(), "access", "refresh")

	require.NoError(t, err)
	assert.Equal(t, SessionActive, result.State)
	assert.Equal(t, "kc-user-1", result.Subject)
	assert.Empty(t, result.AccessToken)
	assert.Equal(t, 0, provider.refreshCalls, "active session must not refresh")
}

func TestCheckSession_InvalidAccess_Refreshed(t *testing.T) {
	signer := newTestSigner(t)
	fresh := signer.sign(t, testKeyID, validClaims(testIssuer, "kc-user-7"))

	provider := &mockSessionProvider{
		refreshFn: func(_ context.Context, refreshToken string) (*model.TokenPair, error) {
			assert.Equal(t, "refresh", refreshToken)
			return &model.TokenPair{AccessToken: fresh}, nil
		},
	}
	verifier := &mockVerifier{
		verifyFn: func(context.Context, string) (*Claims, error) {
			return nil, ErrInvalidToken
		},
	}
	svc := NewService(provider, verifier, nil)

	result, err := svc.CheckSession(context.Background(), "stale-access", "refresh")

	require.NoError(t, err)
	assert.Equal(t, SessionRefreshed, result.State)
	assert.Equal(t, "kc-user-7", result.Subject)
	assert.Equal(t, fresh, result.AccessToken)
	assert.Equal(t, 1, provider.refreshCalls)
	assert.Equal(t, 1, verifier.calls)
}

func TestCheckSession_MissingAccess_Refreshed(t *testing.T) {
	signer := newTestSigner(t)
	fresh := signer.sign(t, testKeyID, validClaims(testIssuer, "kc-user-7"))

	provider := &mockSessionProvider{
		refreshFn: func(context.Context, string) (*model.TokenPair, error) {
			return &model.TokenPair{AccessToken: fresh}, nil
		},
	}
	signerKeys := &staticKeySet{set: signer.set}
	svc := NewService(provider, newTestVerifier(signerKeys), nil)

	result, err := svc.CheckSession(context.Background(), "", "refresh")

	require.NoError(t, err)
	assert.Equal(t, SessionRefreshed, result.State)
	assert.Equal(t, 0, signerKeys.calls, "empty access token is invalid without a key set fetch")
}

func TestCheckSession_RefreshRejected_Expired(t *testing.T) {
	provider := &mockSessionProvider{
		refreshFn: func(context.Context, string) (*model.TokenPair, error) {
			return nil, &ProviderRejectedError{Op: "refresh_token", StatusCode: http.StatusBadRequest}
		},
	}
	verifier := &mockVerifier{
		verifyFn: func(context.Context, string) (*Claims, error) {
			return nil, ErrInvalidToken
		},
	}
	m := &recordingMetrics{}
	svc := NewService(provider, verifier, m)

	result, err := svc.CheckSession(context.Background(), "stale", "stale-refresh")

	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, SessionExpired, result.State)
	assert.Empty(t, result.AccessToken)
	assert.Equal(t, []string{"expired"}, m.sessions)
}

func TestCheckSession_KeySetUnavailable_NoRefresh(t *testing.T) {
	provider := &mockSessionProvider{}
	verifier := &mockVerifier{
		verifyFn: func(context.Context, string) (*Claims, error) {
			return nil, unavailable("fetch_jwks", errors.New("timeout"))
		},
	}
	svc := NewService(provider, verifier, nil)

	result, err := svc.CheckSession(context.Background(), "access", "refresh")

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, provider.refreshCalls)
}

func TestCheckSession_RefreshUnavailable(t *testing.T) {
	provider := &mockSessionProvider{
		refreshFn: func(context.Context, string) (*model.TokenPair, error) {
			return nil, unavailable("refresh_token", errors.New("timeout"))
		},
	}
	verifier := &mockVerifier{
		verifyFn: func(context.Context, string) (*Claims, error) {
			return nil, ErrInvalidToken
		},
	}
	svc := NewService(provider, verifier, nil)

	result, err := svc.CheckSession(context.Background(), "stale", "refresh")

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCheckSession_AgainstFakeKeycloak(t *testing.T) {
	fk := newFakeKeycloak(t)
	c := fk.client()
	svc := NewService(c, NewVerifier(c, VerifierConfig{Issuer: fk.issuer(), Audience: testAudience}), nil)

	result, err := svc.CheckSession(context.Background(), "expired-or-garbage", "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, SessionRefreshed, result.State)
	assert.Equal(t, "kc-user-1", result.Subject)
	assert.Equal(t, 1, fk.count("token:refresh_token"))

	result, err = svc.CheckSession(context.Background(), result.AccessToken, "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, result.State)
	assert.Equal(t, 1, fk.count("token:refresh_token"), "active session must not refresh")
}

// --- Logout ---

func TestLogout_RevokesRefreshToken(t *testing.T) {
	var revoked string
	provider := &mockSessionProvider{
		revokeFn: func(_ context.Context, refreshToken string) (int, error) {
			revoked = refreshToken
			return http.StatusOK, nil
		},
	}
	svc := NewService(provider, &mockVerifier{}, nil)

	require.NoError(t, svc.Logout(context.Background(), "refresh"))
	assert.Equal(t, "refresh", revoked)
}

func TestLogout_NoRefresh_NoProviderCall(t *testing.T) {
	provider := &mockSessionProvider{}
	svc := NewService(provider, &mockVerifier{}, nil)

	require.NoError(t, svc.Logout(context.Background(), ""))
	assert.Equal(t, 0, provider.revokeCalls)
}

func TestLogout_RevokeFailure_ReturnsError(t *testing.T) {
	provider := &mockSessionProvider{
		revokeFn: func(context.Context, string) (int, error) {
			return 0, unavailable("revoke_token", errors.New("refused"))
		},
	}
	svc := NewService(provider, &mockVerifier{}, nil)

	err := svc.Logout(context.Background(), "refresh")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
