// Package user はユーザー管理のドメインロジックを提供する。
// IdP上のアカウントとローカルのプロファイル行を整合させながら操作する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/usergate/internal/auth"
	"github.com/hitoshi/usergate/internal/model"
	"github.com/hitoshi/usergate/internal/repository"
	"github.com/hitoshi/usergate/internal/security"
)

// IdentityProvider はユーザー管理が利用するIdPの操作。
type IdentityProvider interface {
	ServiceToken(ctx context.Context) (string, error)
	CreateUser(ctx context.Context, token, email, password string) (int, error)
	FindUsersByEmail(ctx context.Context, token, email string) ([]model.ProviderUser, error)
	PasswordLogin(ctx context.Context, email, password string) (*model.TokenPair, error)
	RevokeRefreshToken(ctx context.Context, refreshToken string) (int, error)
	DeleteUser(ctx context.Context, token, providerID string) (int, error)
	ResetPassword(ctx context.Context, token, providerID, newPassword string) (int, error)
}

// Service はユーザー管理のサービス層。
type Service struct {
	provider  IdentityProvider
	userRepo  repository.UserRepository
	sanitizer security.ProfileSanitizer
	avatars   security.AvatarURLValidator
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	provider IdentityProvider,
	userRepo repository.UserRepository,
	sanitizer security.ProfileSanitizer,
	avatars security.AvatarURLValidator,
) *Service {
	return &Service{
		provider:  provider,
		userRepo:  userRepo,
		sanitizer: sanitizer,
		avatars:   avatars,
	}
}

// Register はIdPにユーザーを作成し、対応するローカルのプロファイル行を作成する。
// ローカル行の作成に失敗した場合はIdP側のアカウントをベストエフォートで削除する。
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	token, err := s.provider.ServiceToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain service token: %w", err)
	}

	status, err := s.provider.CreateUser(ctx, token, email, password)
	if err != nil {
		if rejected, ok := auth.AsRejected(err); ok {
			slog.Warn("identity provider rejected user creation",
				slog.Int("status", rejected.StatusCode),
			)
			if rejected.StatusCode == http.StatusConflict {
				return nil, model.NewEmailAlreadyRegisteredError()
			}
			return nil, model.NewRegistrationFailedError()
		}
		return nil, fmt.Errorf("failed to create provider user: %w", err)
	}
	if status != http.StatusCreated {
		slog.Warn("unexpected status from provider user creation", slog.Int("status", status))
		return nil, model.NewRegistrationFailedError()
	}

	users, err := s.provider.FindUsersByEmail(ctx, token, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find provider user: %w", err)
	}
	providerUser := pickByEmail(users, email)
	if providerUser == nil {
		slog.Warn("provider user not found after creation")
		return nil, model.NewProviderUserNotFoundError()
	}

	username := providerUser.Username
	if username == "" {
		username = email
	}

	created, err := s.userRepo.Create(ctx, &model.User{
		ProviderID: providerUser.ID,
		Username:   username,
		Email:      email,
	})
	if err != nil {
		s.compensateProviderUser(ctx, token, providerUser.ID)
		if errors.Is(err, repository.ErrDuplicateUser) {
			slog.Warn("local user already exists for provider user",
				slog.String("provider_id", providerUser.ID),
			)
			return nil, model.NewEmailAlreadyRegisteredError()
		}
		return nil, fmt.Errorf("failed to create local user: %w", err)
	}

	slog.Info("user registered",
		slog.Int64("user_id", created.ID),
		slog.String("provider_id", created.ProviderID),
	)
	return created, nil
}

// compensateProviderUser はローカル行の作成に失敗した際にIdP側のアカウントを削除する。
// リクエストがキャンセルされていても実行する。
func (s *Service) compensateProviderUser(ctx context.Context, token, providerID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.provider.DeleteUser(ctx, token, providerID); err != nil {
		slog.Error("failed to delete orphaned provider user",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("orphaned provider user deleted", slog.String("provider_id", providerID))
}

// pickByEmail は検索結果からメールアドレスが一致するユーザーを選ぶ。
// 大文字小文字のみ異なる場合は先頭を採用する。
func pickByEmail(users []model.ProviderUser, email string) *model.ProviderUser {
	for i := range users {
		if users[i].Email == email {
			return &users[i]
		}
	}
	for i := range users {
		if strings.EqualFold(users[i].Email, email) {
			return &users[i]
		}
	}
	return nil
}

// Get はIdPのユーザーIDでプロファイルを取得する。
func (s *Service) Get(ctx context.Context, providerID string) (*model.User, error) {
	user, err := s.userRepo.FindByProviderID(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Delete はIdP側のアカウントを削除してからローカルのプロファイル行を削除する。
// IdP側の削除に失敗した場合、ローカル行は変更しない。
func (s *Service) Delete(ctx context.Context, providerID string) error {
	token, err := s.provider.ServiceToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain service token: %w", err)
	}

	status, err := s.provider.DeleteUser(ctx, token, providerID)
	if err != nil {
		if rejected, ok := auth.AsRejected(err); ok {
			slog.Warn("identity provider rejected user deletion",
				slog.String("provider_id", providerID),
				slog.Int("status", rejected.StatusCode),
			)
			return model.NewProviderDeleteFailedError()
		}
		return fmt.Errorf("failed to delete provider user: %w", err)
	}
	if status < 200 || status > 299 {
		return model.NewProviderDeleteFailedError()
	}

	deleted, err := s.userRepo.DeleteByProviderID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to delete local user: %w", err)
	}
	if deleted == 0 {
		return model.NewUserNotFoundError()
	}

	slog.Info("user deleted", slog.String("provider_id", providerID))
	return nil
}

// UpdateProfile はプロファイル表示項目を部分更新する。
// 文字列項目はマークアップを除去し、アバターURLは外部公開されたhttp(s)のURLに限る。
func (s *Service) UpdateProfile(ctx context.Context, id int64, update model.ProfileUpdate) (*model.User, error) {
	update.FirstName = s.sanitize(update.FirstName)
	update.LastName = s.sanitize(update.LastName)
	update.Biography = s.sanitize(update.Biography)
	update.TimeZone = s.sanitize(update.TimeZone)

	if update.Image != nil {
		image := strings.TrimSpace(*update.Image)
		if err := s.avatars.Validate(image); err != nil {
			return nil, model.NewValidationError(err.Error())
		}
		update.Image = &image
	}

	user, err := s.userRepo.UpdateProfile(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

func (s *Service) sanitize(v *string) *string {
	if v == nil {
		return nil
	}
	cleaned := s.sanitizer.Sanitize(*v)
	return &cleaned
}

// UpdatePreferences は通知設定フラグを部分更新する。
func (s *Service) UpdatePreferences(ctx context.Context, id int64, update model.PreferencesUpdate) (*model.User, error) {
	user, err := s.userRepo.UpdatePreferences(ctx, id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateSecurity は二要素認証フラグを更新する。
func (s *Service) UpdateSecurity(ctx context.Context, id int64, twoFactorAuth bool) (*model.User, error) {
	user, err := s.userRepo.UpdateTwoFactor(ctx, id, twoFactorAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to update security settings: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// ResetPassword は現在のパスワードを確認したうえでIdP上のパスワードを変更する。
// 確認のためのログインで得たリフレッシュトークンはベストエフォートで失効させる。
func (s *Service) ResetPassword(ctx context.Context, providerID, email, currentPassword, newPassword string) error {
	user, err := s.userRepo.FindByProviderID(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	// 他人のメールアドレスで自分のパスワードを確認させない
	if !strings.EqualFold(user.Email, email) {
		return model.NewWrongPasswordError()
	}

	tokens, err := s.provider.PasswordLogin(ctx, user.Email, currentPassword)
	if err != nil {
		return fmt.Errorf("failed to verify current password: %w", err)
	}
	if tokens == nil {
		return model.NewWrongPasswordError()
	}
	if _, err := s.provider.RevokeRefreshToken(ctx, tokens.RefreshToken); err != nil {
		slog.Warn("failed to revoke verification refresh token",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()),
		)
	}

	token, err := s.provider.ServiceToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain service token: %w", err)
	}

	if _, err := s.provider.ResetPassword(ctx, token, providerID, newPassword); err != nil {
		if rejected, ok := auth.AsRejected(err); ok {
			slog.Warn("identity provider rejected password reset",
				slog.String("provider_id", providerID),
				slog.Int("status", rejected.StatusCode),
			)
			return model.NewPasswordResetFailedError()
		}
		return fmt.Errorf("failed to reset password: %w", err)
	}

	slog.Info("password reset", slog.String("provider_id", providerID))
	return nil
}
