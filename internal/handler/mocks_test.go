package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/saml"
	"github.com/hitoshi/ssogate/internal/sso"
	"github.com/hitoshi/ssogate/internal/token"
	"github.com/hitoshi/ssogate/internal/user"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn              func(ctx context.Context, email, password string, meta model.RequestMeta) (*auth.LoginResult, error)
	authenticateFn       func(ctx context.Context, email, password string, method model.LoginMethod, meta model.RequestMeta) (*model.User, error)
	refreshFn            func(ctx context.Context, raw string, meta model.RequestMeta) (*auth.LoginResult, error)
	logoutFn             func(ctx context.Context, raw string, meta model.RequestMeta) error
	logoutAllFn          func(ctx context.Context, userID string, meta model.RequestMeta) (int64, error)
	currentUserFn        func(ctx context.Context, userID string) (*model.User, error)
	registerFn           func(ctx context.Context, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error)
	forgotPasswordFn     func(ctx context.Context, email string) error
	validateResetTokenFn func(ctx context.Context, raw, email string) (bool, error)
	resetPasswordFn      func(ctx context.Context, raw, email, password string, meta model.RequestMeta) error
	changePasswordFn     func(ctx context.Context, userID, current, next string, meta model.RequestMeta) error
	googleLoginURLFn     func(state string) (string, error)
	googleCallbackFn     func(ctx context.Context, code string, meta model.RequestMeta) (*auth.LoginResult, error)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string, meta model.RequestMeta) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password, meta)
	}
	return nil, nil
}

func (m *mockAuthService) Authenticate(ctx context.Context, email, password string, method model.LoginMethod, meta model.RequestMeta) (*model.User, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, email, password, method, meta)
	}
	return nil, nil
}

func (m *mockAuthService) Refresh(ctx context.Context, raw string, meta model.RequestMeta) (*auth.LoginResult, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, raw, meta)
	}
	return nil, nil
}

func (m *mockAuthService) Logout(ctx context.Context, raw string, meta model.RequestMeta) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, raw, meta)
	}
	return nil
}

func (m *mockAuthService) LogoutAll(ctx context.Context, userID string, meta model.RequestMeta) (int64, error) {
	if m.logoutAllFn != nil {
		return m.logoutAllFn(ctx, userID, meta)
	}
	return 0, nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if m.currentUserFn != nil {
		return m.currentUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAuthService) Register(ctx context.Context, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in, meta)
	}
	return nil, nil
}

func (m *mockAuthService) ForgotPassword(ctx context.Context, email string) error {
	if m.forgotPasswordFn != nil {
		return m.forgotPasswordFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) ValidateResetToken(ctx context.Context, raw, email string) (bool, error) {
	if m.validateResetTokenFn != nil {
		return m.validateResetTokenFn(ctx, raw, email)
	}
	return false, nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, raw, email, password string, meta model.RequestMeta) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, raw, email, password, meta)
	}
	return nil
}

func (m *mockAuthService) ChangePassword(ctx context.Context, userID, current, next string, meta model.RequestMeta) error {
	if m.changePasswordFn != nil {
		return m.changePasswordFn(ctx, userID, current, next, meta)
	}
	return nil
}

func (m *mockAuthService) GoogleLoginURL(state string) (string, error) {
	if m.googleLoginURLFn != nil {
		return m.googleLoginURLFn(state)
	}
	return "", nil
}

func (m *mockAuthService) HandleGoogleCallback(ctx context.Context, code string, meta model.RequestMeta) (*auth.LoginResult, error) {
	if m.googleCallbackFn != nil {
		return m.googleCallbackFn(ctx, code, meta)
	}
	return nil, nil
}

type mockUserService struct {
	getProfileFn    func(ctx context.Context, userID string) (*model.User, error)
	updateProfileFn func(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error)
	listFn          func(ctx context.Context, params user.ListParams) (*user.ListResult, error)
	adminUpdateFn   func(ctx context.Context, actorID, targetID string, update user.AdminUpdate, meta model.RequestMeta) (*model.User, error)
	deactivateFn    func(ctx context.Context, actorID, targetID string, meta model.RequestMeta) error
	deleteFn        func(ctx context.Context, actorID, targetID string) error
	loginLogsFn     func(ctx context.Context, targetID string, limit int) ([]*model.LoginLog, error)
	getFn           func(ctx context.Context, targetID string) (*model.User, error)
	createFn        func(ctx context.Context, actorID string, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error)
	sendWelcomeFn   func(ctx context.Context, actorID, email string) error
}

func (m *mockUserService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	if m.getProfileFn != nil {
		return m.getProfileFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUserService) UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, userID, update)
	}
	return nil, nil
}

func (m *mockUserService) List(ctx context.Context, params user.ListParams) (*user.ListResult, error) {
	if m.listFn != nil {
		return m.listFn(ctx, params)
	}
	return &user.ListResult{}, nil
}

func (m *mockUserService) AdminUpdate(ctx context.Context, actorID, targetID string, update user.AdminUpdate, meta model.RequestMeta) (*model.User, error) {
	if m.adminUpdateFn != nil {
		return m.adminUpdateFn(ctx, actorID, targetID, update, meta)
	}
	return nil, nil
}

func (m *mockUserService) Deactivate(ctx context.Context, actorID, targetID string, meta model.RequestMeta) error {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, actorID, targetID, meta)
	}
	return nil
}

func (m *mockUserService) Delete(ctx context.Context, actorID, targetID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, actorID, targetID)
	}
	return nil
}

func (m *mockUserService) LoginLogs(ctx context.Context, targetID string, limit int) ([]*model.LoginLog, error) {
	if m.loginLogsFn != nil {
		return m.loginLogsFn(ctx, targetID, limit)
	}
	return nil, nil
}

func (m *mockUserService) Get(ctx context.Context, targetID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, targetID)
	}
	return nil, nil
}

func (m *mockUserService) Create(ctx context.Context, actorID string, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actorID, in, meta)
	}
	return nil, nil
}

func (m *mockUserService) SendWelcomeEmail(ctx context.Context, actorID, email string) error {
	if m.sendWelcomeFn != nil {
		return m.sendWelcomeFn(ctx, actorID, email)
	}
	return nil
}

type mockMinter struct {
	mintFn func(ctx context.Context, u *model.User, redirectURL string, meta model.RequestMeta) (*sso.Assertion, error)
	calls  int
}

func (m *mockMinter) Mint(ctx context.Context, u *model.User, redirectURL string, meta model.RequestMeta) (*sso.Assertion, error) {
	m.calls++
	if m.mintFn != nil {
		return m.mintFn(ctx, u, redirectURL, meta)
	}
	return &sso.Assertion{Token: "sso-token", URL: "https://academy.example.com?sso_token=sso-token"}, nil
}

type mockLearnWorlds struct {
	createFn func(ctx context.Context, req sso.SSORequest) (*sso.SSOResponse, error)
}

func (m *mockLearnWorlds) CreateSSOURL(ctx context.Context, req sso.SSORequest) (*sso.SSOResponse, error) {
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return &sso.SSOResponse{URL: "https://academy.example.com/sso?t=1", UserID: req.UserID}, nil
}

type mockRedirects struct {
	resolveFn func(raw string) (string, error)
}

func (m *mockRedirects) Resolve(raw string) (string, error) {
	if m.resolveFn != nil {
		return m.resolveFn(raw)
	}
	return raw, nil
}

type mockSAMLBridge struct {
	handleACSFn func(ctx context.Context, samlResponse, relayState string, meta model.RequestMeta) (*saml.ACSResult, error)
	metadataFn  func() ([]byte, error)
}

func (m *mockSAMLBridge) HandleACS(ctx context.Context, samlResponse, relayState string, meta model.RequestMeta) (*saml.ACSResult, error) {
	if m.handleACSFn != nil {
		return m.handleACSFn(ctx, samlResponse, relayState, meta)
	}
	return nil, nil
}

func (m *mockSAMLBridge) GenerateMetadata() ([]byte, error) {
	if m.metadataFn != nil {
		return m.metadataFn()
	}
	return []byte("<md:EntityDescriptor/>"), nil
}

type mockVerifier struct {
	tokens map[string]*token.AccessClaims
}

func (m *mockVerifier) VerifyAccessToken(raw string) (*token.AccessClaims, error) {
	if raw == "expired" {
		return nil, fmt.Errorf("%w: exp", model.ErrExpiredToken)
	}
	if c, ok := m.tokens[raw]; ok {
		return c, nil
	}
	return nil, model.ErrInvalidToken
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// コンパイル時にインターフェースの実装を検証
var (
	_ AuthServiceInterface           = (*mockAuthService)(nil)
	_ AuthServiceInterface           = (*auth.Service)(nil)
	_ SSOAuthService                 = (*mockAuthService)(nil)
	_ SSOAuthService                 = (*auth.Service)(nil)
	_ UserServiceInterface           = (*mockUserService)(nil)
	_ UserServiceInterface           = (*user.Service)(nil)
	_ SSOMinter                      = (*mockMinter)(nil)
	_ SSOMinter                      = (*sso.Minter)(nil)
	_ LearnWorldsAPI                 = (*mockLearnWorlds)(nil)
	_ LearnWorldsAPI                 = (*sso.LearnWorldsClient)(nil)
	_ RedirectResolver               = (*mockRedirects)(nil)
	_ RedirectResolver               = (*sso.RedirectPolicy)(nil)
	_ SAMLBridge                     = (*mockSAMLBridge)(nil)
	_ SAMLBridge                     = (*saml.Bridge)(nil)
	_ middleware.AccessTokenVerifier = (*mockVerifier)(nil)
	_ Pinger                         = (*mockPinger)(nil)
)

// --- ヘルパー ---

func testUser(role model.Role) *model.User {
	return &model.User{
		ID:                "user-1",
		Email:             "student@example.com",
		PasswordHash:      "$2a$10$hash",
		Role:              role,
		FullName:          "Asha Verma",
		HsscID:            "HSSC001",
		InstituteName:     "Delhi Public School",
		InstituteCategory: model.InstituteSchool,
		IsActive:          true,
		IsVerified:        true,
		CreatedAt:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testLoginResult(u *model.User) *auth.LoginResult {
	return &auth.LoginResult{
		User: u,
		Tokens: &token.Pair{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
		},
	}
}

// withUser は認証ミドルウェアを通過したリクエストを模擬する。
func withUser(r *http.Request, userID string, role model.Role) *http.Request {
	claims := &token.AccessClaims{UserID: userID, Role: role}
	return r.WithContext(middleware.ContextWithClaims(r.Context(), claims))
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode body: %v (body=%q)", err, w.Body.String())
	}
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	decodeBody(t, w, &body)
	return body.Code
}
