// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrInvalidCredentials は認証情報の検証失敗を表す親エラー。
// 以下の4種類はすべてこのエラーをラップしており、外部には同一のメッセージで返す。
var ErrInvalidCredentials = errors.New("invalid credentials")

var (
	ErrUserNotFound    = fmt.Errorf("%w: user not found", ErrInvalidCredentials)
	ErrAccountInactive = fmt.Errorf("%w: account inactive", ErrInvalidCredentials)
	ErrWrongProvider   = fmt.Errorf("%w: account uses external provider", ErrInvalidCredentials)
	ErrBadPassword     = fmt.Errorf("%w: password mismatch", ErrInvalidCredentials)
)

// トークン・連携関連のエラー
var (
	ErrInvalidToken          = errors.New("invalid token")
	ErrExpiredToken          = errors.New("token expired")
	ErrTokenRevoked          = errors.New("token revoked")
	ErrConfiguration         = errors.New("configuration error")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrMalformedSAMLResponse = errors.New("malformed SAML response")
)

// 登録・パスワード管理関連のエラー
var (
	ErrEmailTaken        = errors.New("email already registered")
	ErrHsscIDTaken       = errors.New("hssc id already registered")
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
	ErrOAuthNotAllowed   = errors.New("oauth login not allowed for this account")
	ErrInvalidRedirect   = errors.New("redirect target not allowed")
	ErrLoginThrottled    = errors.New("too many failed login attempts")
)

// CredentialFailureReason はLoginLogに記録する内部向けの失敗理由を返す。
func CredentialFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, ErrWrongProvider):
		return "wrong_provider"
	case errors.Is(err, ErrBadPassword):
		return "bad_password"
	case errors.Is(err, ErrLoginThrottled):
		return "throttled"
	default:
		return "error"
	}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, sso, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
	ErrCodeTokenRevoked        = "TOKEN_REVOKED"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeMalformedSAML       = "MALFORMED_SAML_RESPONSE"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeValidationFailed    = "VALIDATION_FAILED"
	ErrCodeEmailTaken          = "EMAIL_TAKEN"
	ErrCodeHsscIDTaken         = "HSSC_ID_TAKEN"
	ErrCodeInvalidResetToken   = "INVALID_RESET_TOKEN"
	ErrCodeOAuthNotAllowed     = "OAUTH_NOT_ALLOWED"
	ErrCodeInvalidRedirect     = "INVALID_REDIRECT"
	ErrCodeLoginThrottled      = "LOGIN_THROTTLED"
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// どの要素が誤っていたかは含めない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewUnauthorizedError は認証ヘッダー不備のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required",
		Category: "auth",
		Action:   "Sign in and retry with a valid access token.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "Admin access required",
		Category: "auth",
		Action:   "Contact an administrator if you need access.",
	}
}

// NewInvalidTokenError は不正なトークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "Invalid token",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewTokenExpiredError は期限切れトークンのエラーを生成する。
// クライアントはこのコードを受けてリフレッシュを試みる。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "Token expired",
		Category: "auth",
		Action:   "Refresh the access token.",
	}
}

// NewTokenRevokedError は失効済みトークンのエラーを生成する。
func NewTokenRevokedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenRevoked,
		Message:  "Invalid or expired refresh token",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewConfigurationError は設定不備エラーを生成する。詳細はログにのみ出力する。
func NewConfigurationError() *APIError {
	return &APIError{
		Code:     ErrCodeConfiguration,
		Message:  "Service is not configured",
		Category: "system",
		Action:   "Contact the administrator.",
	}
}

// NewUpstreamUnavailableError は外部サービス障害エラーを生成する。
func NewUpstreamUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  "Upstream service unavailable",
		Category: "sso",
		Action:   "Wait a moment and retry.",
	}
}

// NewMalformedSAMLError はSAMLレスポンス不正エラーを生成する。
func NewMalformedSAMLError() *APIError {
	return &APIError{
		Code:     ErrCodeMalformedSAML,
		Message:  "Invalid SAML response",
		Category: "auth",
		Action:   "Restart sign-in from your identity provider.",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   "Fix the request and retry.",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Category: "validation",
		Action:   "Fix the highlighted fields and retry.",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "Email address already registered",
		Category: "validation",
		Action:   "Sign in or use a different email address.",
	}
}

// NewHsscIDTakenError はHSSC ID重複エラーを生成する。
func NewHsscIDTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeHsscIDTaken,
		Message:  "HSSC ID already registered",
		Category: "validation",
		Action:   "Check your HSSC ID.",
	}
}

// NewInvalidResetTokenError はパスワードリセットトークン不正エラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "Invalid or expired reset token",
		Category: "auth",
		Action:   "Request a new password reset link.",
	}
}

// NewOAuthNotAllowedError は外部IdPでのログインが許可されないエラーを生成する。
func NewOAuthNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthNotAllowed,
		Message:  "This account cannot sign in with Google",
		Category: "auth",
		Action:   "Sign in with email and password.",
	}
}

// NewInvalidRedirectError はリダイレクト先不正エラーを生成する。
func NewInvalidRedirectError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRedirect,
		Message:  "Redirect URL is not allowed",
		Category: "validation",
		Action:   "Use a redirect URL on the LMS domain.",
	}
}

// NewLoginThrottledError はログイン試行回数超過エラーを生成する。
func NewLoginThrottledError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginThrottled,
		Message:  "Too many failed login attempts",
		Category: "auth",
		Action:   "Wait a few minutes before trying again.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "Check the user ID.",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "Wait a moment and retry.",
	}
}
