// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザーの権限ロールを表す。
type Role string

const (
	RoleStudent  Role = "STUDENT"
	RoleTeacher  Role = "TEACHER"
	RoleAdmin    Role = "ADMIN"
	RoleLMSAdmin Role = "LMS_ADMIN"
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin, RoleLMSAdmin:
		return true
	default:
		return false
	}
}

// IsAdmin は管理者権限を持つロールかどうかを判定する。
// 認可判定はすべてこの関数を経由する。
func IsAdmin(r Role) bool {
	return r == RoleAdmin || r == RoleLMSAdmin
}

// InstituteCategory は所属機関の区分。
type InstituteCategory string

const (
	InstituteSchool   InstituteCategory = "SCHOOL"
	InstituteCollege  InstituteCategory = "COLLEGE"
	InstitutePrivate  InstituteCategory = "PRIVATE"
	InstituteIndustry InstituteCategory = "INDUSTRY"
)

// Valid は定義済みの機関区分かどうかを返す。
func (c InstituteCategory) Valid() bool {
	switch c {
	case InstituteSchool, InstituteCollege, InstitutePrivate, InstituteIndustry:
		return true
	default:
		return false
	}
}

// ExternalPasswordSentinel は外部IdP（Google, SAML）で作成されたアカウントの
// password_hashに格納される値。bcryptハッシュとして解釈できないため、
// パスワード認証は常に失敗する。
const ExternalPasswordSentinel = "oauth_user"

// User はゲートウェイの利用ユーザーを表す。
type User struct {
	ID                string
	Email             string
	PasswordHash      string
	Role              Role
	FullName          string
	HsscID            string
	InstituteName     string
	InstituteCategory InstituteCategory
	MobileNumber      string
	Pincode           string
	Gender            string
	DateOfBirth       *time.Time
	AlternateEmail    string
	Address           string
	ProfilePicture    string
	IsActive          bool
	IsVerified        bool
	LastLoginAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsExternallyAuthenticated はパスワード認証できないアカウントかどうかを返す。
func (u *User) IsExternallyAuthenticated() bool {
	return u.PasswordHash == "" || u.PasswordHash == ExternalPasswordSentinel
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RefreshToken はリフレッシュトークンの許可リストのエントリを表す。
// トークン本体は保存せず、SHA-256ハッシュのみを保持する。
type RefreshToken struct {
	ID        string
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	RevokedAt *time.Time
	CreatedAt time.Time
}

// IsValid は失効しておらず期限内であればtrueを返す。
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// LoginMethod はログイン経路を表す。
type LoginMethod string

const (
	LoginMethodPassword LoginMethod = "password"
	LoginMethodRefresh  LoginMethod = "refresh"
	LoginMethodGoogle   LoginMethod = "google"
	LoginMethodSAML     LoginMethod = "saml"
	LoginMethodSSO      LoginMethod = "sso"
)

// LoginLog は認証試行の監査ログ。追記のみ。
type LoginLog struct {
	ID        string
	UserID    string // 不明なユーザーの場合は空
	Email     string
	IPAddress string
	UserAgent string
	Success   bool
	Method    LoginMethod
	Reason    string // 失敗理由（内部用）。クライアントには返さない
	CreatedAt time.Time
}

// RequestMeta はリクエスト元の情報。監査ログに記録する。
type RequestMeta struct {
	IPAddress string
	UserAgent string
}
