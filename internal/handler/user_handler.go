package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, update user.ProfileUpdate) (*model.User, error)
	List(ctx context.Context, params user.ListParams) (*user.ListResult, error)
	Get(ctx context.Context, targetID string) (*model.User, error)
	Create(ctx context.Context, actorID string, in auth.RegisterInput, meta model.RequestMeta) (*model.User, error)
	SendWelcomeEmail(ctx context.Context, actorID, email string) error
	AdminUpdate(ctx context.Context, actorID, targetID string, update user.AdminUpdate, meta model.RequestMeta) (*model.User, error)
	Deactivate(ctx context.Context, actorID, targetID string, meta model.RequestMeta) error
	Delete(ctx context.Context, actorID, targetID string) error
	LoginLogs(ctx context.Context, targetID string, limit int) ([]*model.LoginLog, error)
}

// UserHandler はプロフィールと管理者向けユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// profileRequest はプロフィール更新リクエスト。省略した項目は変更しない。
type profileRequest struct {
	FullName          *string `json:"fullName"`
	MobileNumber      *string `json:"mobileNumber"`
	InstituteName     *string `json:"instituteName"`
	InstituteCategory *string `json:"instituteCategory"`
	Pincode           *string `json:"pincode"`
	Gender            *string `json:"gender"`
	DateOfBirth       *string `json:"dateOfBirth"`
	AlternateEmail    *string `json:"alternateEmail"`
	Address           *string `json:"address"`
	ProfilePicture    *string `json:"profilePicture"`
}

func (p profileRequest) toUpdate() user.ProfileUpdate {
	update := user.ProfileUpdate{
		FullName:       p.FullName,
		MobileNumber:   p.MobileNumber,
		InstituteName:  p.InstituteName,
		Pincode:        p.Pincode,
		Gender:         p.Gender,
		DateOfBirth:    p.DateOfBirth,
		AlternateEmail: p.AlternateEmail,
		Address:        p.Address,
		ProfilePicture: p.ProfilePicture,
	}
	if p.InstituteCategory != nil {
		c := model.InstituteCategory(strings.ToUpper(strings.TrimSpace(*p.InstituteCategory)))
		update.InstituteCategory = &c
	}
	return update
}

type userEnvelope struct {
	User *userResponse `json:"user"`
}

// GetProfile はログイン中のユーザーのプロフィールを返す。
// GET /api/user/profile
func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetProfile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(u)})
}

// UpdateProfile はログイン中のユーザーのプロフィールを更新する。
// PUT /api/user/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req profileRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), userID, req.toUpdate())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(u)})
}

type listUsersResponse struct {
	Users      []*userResponse `json:"users"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	TotalPages int             `json:"totalPages"`
}

// ListUsers はユーザー一覧を返す。
// GET /api/admin/users?page=1&limit=20&search=xxx&role=STUDENT
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, apiErr := parseIntParam(q.Get("page"), "page")
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	limit, apiErr := parseIntParam(q.Get("limit"), "limit")
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.List(r.Context(), user.ListParams{
		Page:   page,
		Limit:  limit,
		Search: q.Get("search"),
		Role:   model.Role(strings.ToUpper(q.Get("role"))),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	users := make([]*userResponse, 0, len(result.Users))
	for _, u := range result.Users {
		users = append(users, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, listUsersResponse{
		Users:      users,
		Total:      result.Total,
		Page:       result.Page,
		Limit:      result.Limit,
		TotalPages: result.TotalPages,
	})
}

// GetUser はユーザーを1件返す。
// GET /api/admin/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(u)})
}

// CreateUser は管理者がユーザーを作成する。入力形式はセルフ登録と同じで、ロールはADMINも選べる。
// POST /api/admin/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req registerRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	u, err := h.service.Create(r.Context(), actorID, req.toInput(), requestMeta(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		Message: "User created successfully",
		User:    toUserResponse(u),
	})
}

// welcomeEmailRequest はウェルカムメール送信リクエスト。
// 旧管理画面が送るname、password、loginUrlは受け取っても使わない。
type welcomeEmailRequest struct {
	Email string `json:"email"`
}

// SendWelcomeEmail は登録済みユーザーにウェルカムメールを送信する。
// POST /api/admin/send-welcome-email
func (h *UserHandler) SendWelcomeEmail(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req welcomeEmailRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Email is required"))
		return
	}

	if err := h.service.SendWelcomeEmail(r.Context(), actorID, req.Email); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Welcome email sent successfully"})
}

type adminUpdateRequest struct {
	profileRequest
	Role     *string `json:"role"`
	IsActive *bool   `json:"isActive"`
}

// UpdateUser は管理者がユーザーのロール、有効状態、プロフィールを更新する。
// PATCH /api/admin/users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req adminUpdateRequest
	if apiErr := decodeJSON(w, r, &req); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	update := user.AdminUpdate{
		IsActive: req.IsActive,
		Profile:  req.toUpdate(),
	}
	if req.Role != nil {
		role := model.Role(strings.ToUpper(strings.TrimSpace(*req.Role)))
		update.Role = &role
	}

	u, err := h.service.AdminUpdate(r.Context(), actorID, chi.URLParam(r, "id"), update, requestMeta(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userEnvelope{User: toUserResponse(u)})
}

// DeactivateUser はユーザーを無効化し、リフレッシュトークンをすべて失効させる。
// POST /api/admin/users/{id}/deactivate
func (h *UserHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Deactivate(r.Context(), actorID, chi.URLParam(r, "id"), requestMeta(r)); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "User deactivated"})
}

// DeleteUser はユーザーを削除する。
// DELETE /api/admin/users/{id}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), actorID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type loginLogResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	Success   bool      `json:"success"`
	Method    string    `json:"method"`
	CreatedAt time.Time `json:"createdAt"`
}

type loginLogsResponse struct {
	Logs []loginLogResponse `json:"logs"`
}

// LoginLogs はユーザーのログイン履歴を新しい順に返す。失敗理由は返さない。
// GET /api/admin/users/{id}/login-logs?limit=50
func (h *UserHandler) LoginLogs(w http.ResponseWriter, r *http.Request) {
	limit, apiErr := parseIntParam(r.URL.Query().Get("limit"), "limit")
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	logs, err := h.service.LoginLogs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := loginLogsResponse{Logs: make([]loginLogResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, loginLogResponse{
			ID:        l.ID,
			Email:     l.Email,
			IPAddress: l.IPAddress,
			UserAgent: l.UserAgent,
			Success:   l.Success,
			Method:    string(l.Method),
			CreatedAt: l.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseIntParam はクエリパラメータを整数として解釈する。空文字列は0を返す。
func parseIntParam(s, name string) (int, *model.APIError) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, model.NewInvalidRequestError(name + " must be a non-negative integer")
	}
	return n, nil
}
