package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// allowedAlgorithms はIdPが署名に使う非対称鍵アルゴリズム。
var allowedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// KeySetFetcher はJWKSの取得を抽象化する。
type KeySetFetcher interface {
	FetchKeySet(ctx context.Context) (jwk.Set, error)
}

// VerifierConfig はアクセストークン検証の設定。
// Issuer/Audienceが空の場合、そのクレームは検証しない。
type VerifierConfig struct {
	Issuer   string
	Audience string

	// テスト用の時刻関数
	Now func() time.Time
}

// Claims は検証済みトークンから取り出したクレーム。
type Claims struct {
	Subject string
	Raw     jwt.MapClaims
}

// Verifier はIdPが署名したアクセストークンを検証する。
type Verifier struct {
	keys   KeySetFetcher
	config VerifierConfig
}

// NewVerifier はVerifierを生成する。
func NewVerifier(keys KeySetFetcher, config VerifierConfig) *Verifier {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Verifier{keys: keys, config: config}
}

// Verify はアクセストークンの署名・有効期限・issuer・audienceを検証する。
// 検証失敗はErrInvalidToken、JWKSの取得失敗はErrProviderUnavailableでラップして返す。
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.config.Now),
	}
	if v.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.config.Issuer))
	}
	if v.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.config.Audience))
	}
	parser := jwt.NewParser(opts...)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.lookupKey(ctx, token)
	})
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Claims{Subject: sub, Raw: claims}, nil
}

// lookupKey はトークンヘッダーのkidに一致する公開鍵をJWKSから取り出す。
func (v *Verifier) lookupKey(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, errors.New("token header has no kid")
	}

	set, err := v.keys.FetchKeySet(ctx)
	if err != nil {
		return nil, err
	}

	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key %q not found in key set", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return rawKey, nil
}

// PeekSubject は署名を検証せずにトークンのsubクレームを取り出す。
// IdPから直接受け取ったばかりのトークンに対してのみ使用する。
func PeekSubject(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}
