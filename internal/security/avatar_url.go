package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// AvatarURLValidator はアバター画像URLの検証機能のインターフェース。
type AvatarURLValidator interface {
	// Validate はURLが絶対URLで、http/httpsスキームかつ
	// 外部公開されたホストを指していることを検証する。
	Validate(rawURL string) error
}

// allowedSchemes はアバターURLに許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// maxAvatarURLLength はアバターURLの最大長。
const maxAvatarURLLength = 2048

// blockedNetworks はアバターURLのホストとして拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// blockedHostnames は拒否するホスト名。
var blockedHostnames = []string{
	"localhost",
}

// avatarURLValidator はAvatarURLValidatorの実装。
// DNS解決を伴わない静的な検証のみを行う（ゲートウェイ自身はこのURLを取得しない）。
type avatarURLValidator struct{}

// NewAvatarURLValidator はAvatarURLValidatorを生成する。
func NewAvatarURLValidator() *avatarURLValidator {
	return &avatarURLValidator{}
}

// Validate はアバターURLを検証する。空文字列は「画像なし」として許可する。
func (v *avatarURLValidator) Validate(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	if len(rawURL) > maxAvatarURLLength {
		return fmt.Errorf("image URL is too long")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid image URL: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("image URL must be absolute")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed image URL scheme: %s", scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("image URL must not contain credentials")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in image URL")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked image host: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked image host: %s", host)
	}
	return nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
// localhostのサブドメイン（foo.localhost）も拒否する。
func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}

var _ AvatarURLValidator = (*avatarURLValidator)(nil)
