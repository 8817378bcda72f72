package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/ssogate/internal/metrics"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/sso"
)

// SSOAuthService はSSOハンドラーが必要とする認証サービスインターフェース。
type SSOAuthService interface {
	Authenticate(ctx context.Context, email, password string, method model.LoginMethod, meta model.RequestMeta) (*model.User, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// SSOMinter はLMS向けSSOトークンの発行インターフェース。
type SSOMinter interface {
	Mint(ctx context.Context, user *model.User, redirectURL string, meta model.RequestMeta) (*sso.Assertion, error)
}

// LearnWorldsAPI はLearnWorlds SSO APIのクライアントインターフェース。
type LearnWorldsAPI interface {
	CreateSSOURL(ctx context.Context, req sso.SSORequest) (*sso.SSOResponse, error)
}

// RedirectResolver はリダイレクト先の検証インターフェース。
type RedirectResolver interface {
	Resolve(raw string) (string, error)
}

// SSOHandler はLMS連携のHTTPハンドラー。
type SSOHandler struct {
	auth        SSOAuthService
	verifier    middleware.AccessTokenVerifier
	minter      SSOMinter
	learnWorlds LearnWorldsAPI
	redirects   RedirectResolver
	metrics     metrics.MetricsCollector
}

// NewSSOHandler はSSOHandlerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewSSOHandler(
	authService SSOAuthService,
	verifier middleware.AccessTokenVerifier,
	minter SSOMinter,
	learnWorlds LearnWorldsAPI,
	redirects RedirectResolver,
	collector metrics.MetricsCollector,
) *SSOHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &SSOHandler{
		auth:        authService,
		verifier:    verifier,
		minter:      minter,
		learnWorlds: learnWorlds,
		redirects:   redirects,
		metrics:     collector,
	}
}

// RedirectToLMS はアクセストークンの持ち主に対してSSOトークンを発行し、LMSへリダイレクトする。
// GET /api/sso/lms?token=xxx&redirect_url=yyy
func (h *SSOHandler) RedirectToLMS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get("token"))
	if raw == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Token is required"))
		return
	}

	// 1. アクセストークンを検証
	claims, err := h.verifier.VerifyAccessToken(raw)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 2. ユーザーが有効であることを確認
	user, err := h.auth.CurrentUser(r.Context(), claims.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 3. SSOトークンを発行してリダイレクト
	assertion, err := h.minter.Mint(r.Context(), user, q.Get("redirect_url"), requestMeta(r))
	h.metrics.RecordLogin(string(model.LoginMethodSSO), err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, assertion.URL, http.StatusFound)
}

type lmsLoginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	RedirectURL string `json:"redirect_url"`
}

type lmsLoginResponse struct {
	Message string        `json:"message"`
	SSOURL  string        `json:"sso_url"`
	User    *userResponse `json:"user"`
}

// LoginToLMS はメールアドレスとパスワードを検証し、LMS向けのSSO URLを返す。
// ゲートウェイのトークンは発行しない。
// POST /api/sso/lms
func (h *SSOHandler) LoginToLMS(w http.ResponseWriter, r *http.Request) {
	var req lmsLoginRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	meta := requestMeta(r)
	user, err := h.auth.Authenticate(r.Context(), req.Email, req.Password, model.LoginMethodSSO, meta)
	if err != nil {
		h.metrics.RecordLogin(string(model.LoginMethodSSO), false)
		handleServiceError(w, err)
		return
	}

	assertion, err := h.minter.Mint(r.Context(), user, req.RedirectURL, meta)
	h.metrics.RecordLogin(string(model.LoginMethodSSO), err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lmsLoginResponse{
		Message: "SSO login successful",
		SSOURL:  assertion.URL,
		User:    toUserResponse(user),
	})
}

type learnWorldsRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	RedirectURL string `json:"redirectUrl"`
	UserID      string `json:"user_id"`
}

type learnWorldsResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	UserID  string `json:"user_id"`
}

// LearnWorldsSSO はLearnWorlds SSO APIでログインURLを発行する。
// 省略した項目はログイン中のユーザーの情報で補う。
// 他のユーザーの情報を指定できるのは管理者のみ。
// POST /api/sso/learnworlds
func (h *SSOHandler) LearnWorldsSSO(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req learnWorldsRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	user, err := h.auth.CurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	ssoReq := sso.SSORequest{
		Email:    user.Email,
		Username: user.FullName,
		UserID:   user.ID,
	}
	if model.IsAdmin(user.Role) {
		if req.Email != "" {
			ssoReq.Email = model.NormalizeEmail(req.Email)
		}
		if req.Username != "" {
			ssoReq.Username = req.Username
		}
		if req.UserID != "" {
			ssoReq.UserID = req.UserID
		}
	} else if (req.Email != "" && model.NormalizeEmail(req.Email) != user.Email) ||
		(req.UserID != "" && req.UserID != user.ID) {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return
	}

	if req.RedirectURL != "" {
		target, err := h.redirects.Resolve(req.RedirectURL)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		ssoReq.RedirectURL = target
	}

	start := time.Now()
	resp, err := h.learnWorlds.CreateSSOURL(r.Context(), ssoReq)
	h.metrics.RecordUpstreamLatency("learnworlds", time.Since(start))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respUserID := resp.UserID
	if respUserID == "" {
		respUserID = ssoReq.UserID
	}
	writeJSON(w, http.StatusOK, learnWorldsResponse{
		Success: true,
		URL:     resp.URL,
		UserID:  respUserID,
	})
}
