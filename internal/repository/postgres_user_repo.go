package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/usergate/internal/model"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation pq.ErrorCode = "23505"

// userColumns はusersテーブルのSELECT/RETURNING対象カラム。
// scanUserの引数順と一致させること。
const userColumns = `user_id, keycloak_id, username, email,
	first_name, last_name, biography, image, time_zone,
	product_updates, security_alerts, weekly_summary, two_factor_auth,
	created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Create はユーザーを作成する。
// 通知設定・二要素認証はテーブルのデフォルト値で初期化される。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO users (keycloak_id, username, email)
		 VALUES ($1, $2, $3)
		 RETURNING `+userColumns,
		user.ProviderID, user.Username, user.Email,
	)

	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to insert user: %w", ErrDuplicateUser)
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return created, nil
}

// FindByProviderID はIdPのユーザーIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByProviderID(ctx context.Context, providerID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE keycloak_id = $1`,
		providerID,
	)
	return r.findOne(row, "provider ID")
}

// FindByID はローカルの数値IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`,
		id,
	)
	return r.findOne(row, "ID")
}

// UpdateProfile はプロファイル表示項目を部分更新する。
// NULLのパラメータはCOALESCEにより既存の値を維持する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE users SET
			first_name = COALESCE($2, first_name),
			last_name  = COALESCE($3, last_name),
			biography  = COALESCE($4, biography),
			image      = COALESCE($5, image),
			time_zone  = COALESCE($6, time_zone),
			updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		id,
		nullString(update.FirstName),
		nullString(update.LastName),
		nullString(update.Biography),
		nullString(update.Image),
		nullString(update.TimeZone),
	)
	return r.findOne(row, "ID for profile update")
}

// UpdatePreferences は通知設定フラグを部分更新する。
func (r *PostgresUserRepo) UpdatePreferences(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE users SET
			product_updates = COALESCE($2, product_updates),
			security_alerts = COALESCE($3, security_alerts),
			weekly_summary  = COALESCE($4, weekly_summary),
			updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		id,
		nullBool(update.ProductUpdates),
		nullBool(update.SecurityAlerts),
		nullBool(update.WeeklySummary),
	)
	return r.findOne(row, "ID for preferences update")
}

// UpdateTwoFactor は二要素認証フラグを更新する。
func (r *PostgresUserRepo) UpdateTwoFactor(ctx context.Context, id int64, enabled bool) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE users SET two_factor_auth = $2, updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING `+userColumns,
		id, enabled,
	)
	return r.findOne(row, "ID for security update")
}

// DeleteByProviderID はIdPのユーザーIDでユーザーを削除し、削除件数を返す。
func (r *PostgresUserRepo) DeleteByProviderID(ctx context.Context, providerID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE keycloak_id = $1`,
		providerID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// Ping はデータベースに軽量なクエリを発行して疎通を確認する。
func (r *PostgresUserRepo) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("failed to query database: %w", err)
	}
	return nil
}

// findOne は1行を読み取り、行が無い場合はnilを返す。
func (r *PostgresUserRepo) findOne(row rowScanner, by string) (*model.User, error) {
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s: %w", by, err)
	}
	return user, nil
}

// scanUser はuserColumnsの順で1行をmodel.Userに読み込む。
// プロファイル表示項目はNULL許容のため、NULLは空文字として扱う。
func scanUser(row rowScanner) (*model.User, error) {
	var user model.User
	var firstName, lastName, biography, image, timeZone sql.NullString

	err := row.Scan(
		&user.ID, &user.ProviderID, &user.Username, &user.Email,
		&firstName, &lastName, &biography, &image, &timeZone,
		&user.ProductUpdates, &user.SecurityAlerts, &user.WeeklySummary, &user.TwoFactorAuth,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.FirstName = firstName.String
	user.LastName = lastName.String
	user.Biography = biography.String
	user.Image = image.String
	user.TimeZone = timeZone.String
	return &user, nil
}

// nullString は未指定（nil）をSQLのNULLに変換する。
func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullBool は未指定（nil）をSQLのNULLに変換する。
func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// compile-time interface check
// isUniqueViolation はエラーが一意制約違反かを判定する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

var _ UserRepository = (*PostgresUserRepo)(nil)
