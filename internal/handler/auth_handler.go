package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/metrics"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string, meta model.RequestMeta) (*auth.LoginResult, error)
	Refresh(ctx context.Context, rawRefresh string, meta model.RequestMeta) (*auth.LoginResult, error)
	Logout(ctx context.Context, rawRefresh string, meta model.RequestMeta) error
	LogoutAll(ctx context.Context, userID string, meta model.RequestMeta) (int64, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
	Register(ctx context.Context, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error)
	ForgotPassword(ctx context.Context, email string) error
	ValidateResetToken(ctx context.Context, rawToken, email string) (bool, error)
	ResetPassword(ctx context.Context, rawToken, email, newPassword string, meta model.RequestMeta) error
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, meta model.RequestMeta) error
	GoogleLoginURL(state string) (string, error)
	HandleGoogleCallback(ctx context.Context, code string, meta model.RequestMeta) (*auth.LoginResult, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL  string // Googleログイン後のリダイレクト先（BASE_URL）
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	metrics metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, collector metrics.MetricsCollector) *AuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	config.FrontendURL = strings.TrimRight(config.FrontendURL, "/")
	return &AuthHandler{
		service: service,
		config:  config,
		metrics: collector,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Message      string        `json:"message"`
	User         *userResponse `json:"user"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	h.metrics.RecordLogin(string(model.LoginMethodPassword), err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Message:      "Login successful",
		User:         toUserResponse(result.User),
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	User         *userResponse `json:"user"`
}

// Refresh はリフレッシュトークンをローテーションし、新しいトークンの組を返す。
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	h.metrics.RecordLogin(string(model.LoginMethodRefresh), err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		User:         toUserResponse(result.User),
	})
}

// Logout はリフレッシュトークンを失効させる。結果にかかわらず200を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		slog.Debug("logout body ignored", slog.String("error", apiErr.Message))
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken, requestMeta(r)); err != nil {
		slog.Error("failed to logout", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

type logoutAllResponse struct {
	Message string `json:"message"`
	Revoked int64  `json:"revoked"`
}

// LogoutAll は呼び出したユーザーのリフレッシュトークンをすべて失効させる。
// POST /api/auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	n, err := h.service.LogoutAll(r.Context(), userID, requestMeta(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, logoutAllResponse{
		Message: "Logged out from all devices",
		Revoked: n,
	})
}

type sessionCheckResponse struct {
	Valid bool          `json:"valid"`
	User  *userResponse `json:"user"`
}

// SessionCheck はアクセストークンが有効でユーザーが有効であることを確認する。
// GET /api/auth/session-check
func (h *AuthHandler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionCheckResponse{Valid: true, User: toUserResponse(user)})
}

type registerRequest struct {
	FullName          string `json:"fullName"`
	Email             string `json:"email"`
	MobileNumber      string `json:"mobileNumber"`
	HsscID            string `json:"hsscId"`
	Password          string `json:"password"`
	Role              string `json:"role"`
	InstituteName     string `json:"instituteName"`
	InstituteCategory string `json:"instituteCategory"`
	Pincode           string `json:"pincode"`
	Gender            string `json:"gender"`
	DateOfBirth       string `json:"dateOfBirth"`
	AlternateEmail    string `json:"alternateEmail"`
	Address           string `json:"address"`
}

func (req registerRequest) toInput() auth.RegisterInput {
	return auth.RegisterInput{
		FullName:          req.FullName,
		Email:             req.Email,
		MobileNumber:      req.MobileNumber,
		HsscID:            req.HsscID,
		Password:          req.Password,
		Role:              model.Role(strings.ToUpper(strings.TrimSpace(req.Role))),
		InstituteName:     req.InstituteName,
		InstituteCategory: model.InstituteCategory(strings.ToUpper(strings.TrimSpace(req.InstituteCategory))),
		Pincode:           req.Pincode,
		Gender:            req.Gender,
		DateOfBirth:       req.DateOfBirth,
		AlternateEmail:    req.AlternateEmail,
		Address:           req.Address,
	}
}

type registerResponse struct {
	Message string        `json:"message"`
	User    *userResponse `json:"user"`
}

// Register は新規ユーザーを登録する。トークンは発行しない。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	user, err := h.service.Register(r.Context(), req.toInput(), requestMeta(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "Registration successful",
		User:    toUserResponse(user),
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword はパスワード再設定メールを送信する。
// アカウントの有無にかかわらず同じレスポンスを返す。
// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		Message: "If an account exists for this email, a password reset link has been sent",
	})
}

type resetTokenRequest struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type validResponse struct {
	Valid bool `json:"valid"`
}

// ValidateResetToken はパスワード再設定トークンが有効かを返す。
// POST /api/auth/validate-reset-token
func (h *AuthHandler) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req resetTokenRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	valid, err := h.service.ValidateResetToken(r.Context(), req.Token, req.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, validResponse{Valid: valid})
}

// ResetPassword はトークンを検証してパスワードを再設定する。
// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetTokenRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Token, req.Email, req.Password, requestMeta(r)); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Password has been reset successfully"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword はログイン中のユーザーのパスワードを変更する。
// POST /api/user/change-password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.service.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Password changed successfully"})
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /api/auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomToken()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	loginURL, err := h.service.GoogleLoginURL(state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth/google",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、フロントエンドにリダイレクトする。
// トークンはURLフラグメントで渡すため、サーバーのアクセスログには残らない。
// GET /api/auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Invalid state parameter"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/auth/google",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認証処理
	result, err := h.service.HandleGoogleCallback(r.Context(), r.URL.Query().Get("code"), requestMeta(r))
	h.metrics.RecordLogin(string(model.LoginMethodGoogle), err == nil)
	if err != nil {
		status, apiErr := classifyError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("oauth callback failed", slog.String("error", err.Error()))
		}
		http.Redirect(w, r, h.config.FrontendURL+"/login?error="+url.QueryEscape(apiErr.Code), http.StatusFound)
		return
	}

	// 3. フロントエンドにリダイレクト
	fragment := url.Values{}
	fragment.Set("accessToken", result.Tokens.AccessToken)
	fragment.Set("refreshToken", result.Tokens.RefreshToken)
	http.Redirect(w, r, h.config.FrontendURL+"/auth/callback#"+fragment.Encode(), http.StatusFound)
}

// requireUserID は認証ミドルウェアが設定したユーザーIDを返す。
// 取得できない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// randomToken はOAuthのstateやCSPのnonceに使う128bitのランダム値を16進で返す。
func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
