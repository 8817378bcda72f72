package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/ssogate/internal/model"
)

// BcryptCost はパスワードハッシュのコスト。
const BcryptCost = 12

// bcryptCost はテストで差し替えるための実際のコスト。
var bcryptCost = BcryptCost

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// UserFinder はメールアドレスによるユーザー検索。
type UserFinder interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// CredentialVerifier はメールアドレスとパスワードを検証する。
type CredentialVerifier struct {
	users UserFinder
}

// NewCredentialVerifier はCredentialVerifierを生成する。
func NewCredentialVerifier(users UserFinder) *CredentialVerifier {
	return &CredentialVerifier{users: users}
}

// Verify は認証情報を検証し、成功時にユーザーを返す。
// 失敗理由は以下の順で判定し、いずれもmodel.ErrInvalidCredentialsをラップする。
//   - model.ErrUserNotFound
//   - model.ErrAccountInactive
//   - model.ErrWrongProvider（Google・SAMLで作成されたアカウント）
//   - model.ErrBadPassword
//
// ユーザーが特定できた失敗では監査ログ用にユーザーも返す。
func (v *CredentialVerifier) Verify(ctx context.Context, email, password string) (*model.User, error) {
	user, err := v.users.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}
	if !user.IsActive {
		return user, model.ErrAccountInactive
	}
	if user.IsExternallyAuthenticated() {
		return user, model.ErrWrongProvider
	}
	if err := bcryptCompare(user.PasswordHash, password); err != nil {
		return user, model.ErrBadPassword
	}
	return user, nil
}

func bcryptCompare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
