// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/usergate/internal/model"
)

// ErrDuplicateUser はIdPのユーザーIDが既存の行と重複した場合に返る。
var ErrDuplicateUser = errors.New("user already exists")

// UserRepository はローカルのユーザープロファイルの永続化インターフェース。
// ユーザーはIdPのユーザーID（provider_id）とローカルの数値IDの両方で参照される。
type UserRepository interface {
	// Create はユーザーを作成し、採番されたIDとタイムスタンプを反映して返す。
	// 一意制約に違反した場合はErrDuplicateUserを返す。
	Create(ctx context.Context, user *model.User) (*model.User, error)

	// FindByProviderID はIdPのユーザーIDでユーザーを取得する。見つからない場合はnilを返す。
	FindByProviderID(ctx context.Context, providerID string) (*model.User, error)

	// FindByID はローカルの数値IDでユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// UpdateProfile はプロファイル表示項目を部分更新する。
	// nilのフィールドは既存の値を維持する。該当行が無い場合はnilを返す。
	UpdateProfile(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error)

	// UpdatePreferences は通知設定フラグを部分更新する。該当行が無い場合はnilを返す。
	UpdatePreferences(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error)

	// UpdateTwoFactor は二要素認証フラグを更新する。該当行が無い場合はnilを返す。
	UpdateTwoFactor(ctx context.Context, id int64, enabled bool) (*model.User, error)

	// DeleteByProviderID はIdPのユーザーIDでユーザーを削除し、削除件数を返す。
	// 0件はエラーではない。
	DeleteByProviderID(ctx context.Context, providerID string) (int64, error)

	// Ping はデータストアへの疎通を確認する。
	Ping(ctx context.Context) error
}
