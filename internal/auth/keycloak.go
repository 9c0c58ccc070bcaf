package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/usergate/internal/model"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultRealm           = "url-shortner"
	defaultProviderTimeout = 10 * time.Second

	// maxErrorBodySize はエラーレスポンスから保持するボディの上限。
	maxErrorBodySize = 4096
)

// KeycloakConfig はKeycloakクライアントの設定。
type KeycloakConfig struct {
	ServerURL    string
	Realm        string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration

	// テスト用に差し替え可能なHTTPクライアント
	HTTPClient *http.Client
	Metrics    ProviderMetrics
}

// KeycloakClient はKeycloakのREST APIを呼び出すIdPクライアント。
// 各操作は1回のHTTP呼び出しで、リトライは行わない。
type KeycloakClient struct {
	config     KeycloakConfig
	httpClient *http.Client
	oauth      *oauth2.Config
	metrics    ProviderMetrics
}

// NewKeycloakClient はKeycloakClientを生成する。
func NewKeycloakClient(config KeycloakConfig) *KeycloakClient {
	if config.Realm == "" {
		config.Realm = defaultRealm
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProviderTimeout
	}
	config.ServerURL = strings.TrimRight(config.ServerURL, "/")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	var metrics ProviderMetrics = noopMetrics{}
	if config.Metrics != nil {
		metrics = config.Metrics
	}

	c := &KeycloakClient{
		config:     config,
		httpClient: httpClient,
		metrics:    metrics,
	}
	c.oauth = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"openid"},
	}
	return c
}

// RealmIssuer はレルムのissuer（トークンのissクレーム）を組み立てる。
func RealmIssuer(baseURL, realm string) string {
	if realm == "" {
		realm = defaultRealm
	}
	return strings.TrimRight(baseURL, "/") + "/realms/" + url.PathEscape(realm)
}

func (c *KeycloakClient) realmURL() string {
	return RealmIssuer(c.config.ServerURL, c.config.Realm)
}

func (c *KeycloakClient) tokenURL() string {
	return c.realmURL() + "/protocol/openid-connect/token"
}

func (c *KeycloakClient) revokeURL() string {
	return c.realmURL() + "/protocol/openid-connect/revoke"
}

func (c *KeycloakClient) certsURL() string {
	return c.realmURL() + "/protocol/openid-connect/certs"
}

func (c *KeycloakClient) adminUsersURL() string {
	return c.config.ServerURL + "/admin/realms/" + url.PathEscape(c.config.Realm) + "/users"
}

// oauthContext はoauth2パッケージにHTTPクライアントを渡すためのコンテキストを返す。
func (c *KeycloakClient) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ServiceToken はclient credentialsグラントでサービス用アクセストークンを取得する。
// ユーザー作成・検索・削除・パスワードリセットの管理APIで使用する。
func (c *KeycloakClient) ServiceToken(ctx context.Context) (string, error) {
	start := time.Now()
	cc := &clientcredentials.Config{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		TokenURL:     c.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	tok, err := cc.Token(c.oauthContext(ctx))
	if err != nil {
		err = classifyTokenError("service_token", err)
	}
	c.metrics.RecordProviderCall("service_token", callOutcome(err), time.Since(start))
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// providerCredential はユーザー作成時に渡すパスワード資格情報。
type providerCredential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// createUserPayload はKeycloakのユーザー作成リクエストのボディ。
type createUserPayload struct {
	Username    string               `json:"username"`
	Email       string               `json:"email"`
	Enabled     bool                 `json:"enabled"`
	Credentials []providerCredential `json:"credentials"`
}

// CreateUser は管理APIでユーザーを作成し、IdPのステータスコードを返す。
// 成功はボディではなく201 Createdで示される。
func (c *KeycloakClient) CreateUser(ctx context.Context, token, email, password string) (int, error) {
	payload := createUserPayload{
		Username: email,
		Email:    email,
		Enabled:  true,
		Credentials: []providerCredential{
			{Type: "password", Value: password, Temporary: false},
		},
	}

	status, _, err := c.doJSON(ctx, "create_user", http.MethodPost, c.adminUsersURL(), token, payload)
	return status, err
}

// FindUsersByEmail はメールアドレスでIdPのユーザーを検索する。
// 該当なしは空のスライスを返し、エラーにはしない。
func (c *KeycloakClient) FindUsersByEmail(ctx context.Context, token, email string) ([]model.ProviderUser, error) {
	q := url.Values{
		"email": {email},
		"exact": {"true"},
	}
	_, body, err := c.doJSON(ctx, "find_users", http.MethodGet, c.adminUsersURL()+"?"+q.Encode(), token, nil)
	if err != nil {
		return nil, err
	}

	users := []model.ProviderUser{}
	if len(bytes.TrimSpace(body)) == 0 {
		return users, nil
	}
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("failed to parse provider users: %w", err)
	}
	return users, nil
}

// PasswordLogin はpasswordグラントでログインし、資格情報の組を返す。
// 資格情報が拒否された場合（400/401）は(nil, nil)を返す。
// それ以外の失敗はエラーとして返す。
func (c *KeycloakClient) PasswordLogin(ctx context.Context, email, password string) (*model.TokenPair, error) {
	start := time.Now()
	tok, err := c.oauth.PasswordCredentialsToken(c.oauthContext(ctx), email, password)
	if err != nil {
		err = classifyTokenError("password_login", err)
	}
	c.metrics.RecordProviderCall("password_login", callOutcome(err), time.Since(start))

	if err != nil {
		if rejected, ok := AsRejected(err); ok && isCredentialRejection(rejected) {
			return nil, nil
		}
		return nil, err
	}
	return toTokenPair(tok), nil
}

// RefreshAccessToken はrefreshグラントで新しいアクセストークンを取得する。
func (c *KeycloakClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	start := time.Now()
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		err = classifyTokenError("refresh_token", err)
	}
	c.metrics.RecordProviderCall("refresh_token", callOutcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return toTokenPair(tok), nil
}

// RevokeRefreshToken はリフレッシュトークンをIdPで失効させる。
// トークンが空の場合は何もせず(0, nil)を返す。
func (c *KeycloakClient) RevokeRefreshToken(ctx context.Context, refreshToken string) (int, error) {
	if refreshToken == "" {
		return 0, nil
	}

	form := url.Values{
		"client_id":       {c.config.ClientID},
		"client_secret":   {c.config.ClientSecret},
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, _, err := c.do(req, "revoke_token")
	return status, err
}

// DeleteUser は管理APIでIdPのユーザーを削除する。
func (c *KeycloakClient) DeleteUser(ctx context.Context, token, providerID string) (int, error) {
	status, _, err := c.doJSON(ctx, "delete_user", http.MethodDelete,
		c.adminUsersURL()+"/"+url.PathEscape(providerID), token, nil)
	return status, err
}

// ResetPassword は管理APIでユーザーのパスワードを再設定する。
// 現在のパスワードの確認は行わない（必要な場合は呼び出し側がPasswordLoginで確認する）。
func (c *KeycloakClient) ResetPassword(ctx context.Context, token, providerID, newPassword string) (int, error) {
	payload := providerCredential{Type: "password", Value: newPassword, Temporary: false}
	status, _, err := c.doJSON(ctx, "reset_password", http.MethodPut,
		c.adminUsersURL()+"/"+url.PathEscape(providerID)+"/reset-password", token, payload)
	return status, err
}

// FetchKeySet はレルムの公開鍵セット（JWKS）を取得する。
// キャッシュは行わず、呼び出しごとに取得する。
func (c *KeycloakClient) FetchKeySet(ctx context.Context) (jwk.Set, error) {
	start := time.Now()
	set, err := jwk.Fetch(ctx, c.certsURL(), jwk.WithHTTPClient(c.httpClient))
	if err != nil {
		err = unavailable("fetch_jwks", err)
	}
	c.metrics.RecordProviderCall("fetch_jwks", callOutcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return set, nil
}

// doJSON はBearerトークン付きのJSONリクエストを送信する。
func (c *KeycloakClient) doJSON(ctx context.Context, op, method, endpoint, token string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, op)
}

// do はリクエストを1回だけ送信し、エラーマッピング規則を適用する。
//   - トランスポート層の失敗: ErrProviderUnavailable
//   - 2xx以外: *ProviderRejectedError
func (c *KeycloakClient) do(req *http.Request, op string) (status int, body []byte, err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordProviderCall(op, callOutcome(err), time.Since(start))
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, unavailable(op, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, unavailable(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, &ProviderRejectedError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBodySize),
		}
	}

	return resp.StatusCode, body, nil
}

// classifyTokenError はoauth2パッケージのエラーをIdPクライアントのエラー規則に変換する。
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &ProviderRejectedError{
			Op:         op,
			StatusCode: retrieveErr.Response.StatusCode,
			ErrorCode:  retrieveErr.ErrorCode,
			Body:       truncate(string(retrieveErr.Body), maxErrorBodySize),
		}
	}
	return unavailable(op, err)
}

// isCredentialRejection はトークンエンドポイントの拒否がユーザーの資格情報によるものかを判定する。
// Keycloakは不正なパスワードに対してinvalid_grantを返す。
// invalid_client等のクライアント設定の誤りは資格情報の拒否として扱わない。
func isCredentialRejection(rejected *ProviderRejectedError) bool {
	return rejected.ErrorCode == "invalid_grant"
}

func toTokenPair(tok *oauth2.Token) *model.TokenPair {
	return &model.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
