// Package model はドメインモデルを定義する。
package model

import "time"

// User はローカルに保持するユーザープロファイルを表す。
// 認証情報の正本はIdP側にあり、このレコードは非正規化されたコピーにすぎない。
type User struct {
	ID         int64  // ローカルの数値ID
	ProviderID string // IdPが発行したユーザーID（一意・不変）
	Username   string
	Email      string

	FirstName string
	LastName  string
	Biography string
	Image     string // アバター画像のURL
	TimeZone  string

	ProductUpdates bool
	SecurityAlerts bool
	WeeklySummary  bool

	TwoFactorAuth bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileUpdate はプロファイル表示項目の部分更新を表す。
// nilのフィールドは更新しない。
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Biography *string
	Image     *string
	TimeZone  *string
}

// PreferencesUpdate は通知設定フラグの部分更新を表す。
// 3つのフラグは互いに独立している。
type PreferencesUpdate struct {
	ProductUpdates *bool
	SecurityAlerts *bool
	WeeklySummary  *bool
}

// ProviderUser はIdPの管理APIが返すユーザーレコードを表す。
type ProviderUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Email         string `json:"email"`
	Enabled       bool   `json:"enabled"`
	EmailVerified bool   `json:"emailVerified"`
}

// TokenPair はログイン・リフレッシュで得られる資格情報の組を表す。
// RefreshTokenはIdPにのみ提示し、ローカルでは解釈しない。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}
