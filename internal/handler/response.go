// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの最大サイズ。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvに読み込む。
// 空のボディはエラーにしない。不正なJSONはINVALID_REQUESTのAPIErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewInvalidRequestError("Request body must be valid JSON")
	}
	return nil
}

// requestMeta は監査ログ用のリクエスト元情報を返す。
func requestMeta(r *http.Request) model.RequestMeta {
	return model.RequestMeta{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// エラーとステータスコードの対応はこの関数に集約する。
func handleServiceError(w http.ResponseWriter, err error) {
	status, apiErr := classifyError(err)
	switch {
	case status >= http.StatusInternalServerError:
		slog.Error("request failed",
			slog.Int("status", status),
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	case apiErr.Code == model.ErrCodeInvalidCredentials:
		// 内部向けの失敗理由はサービス層で記録済み
	default:
		slog.Debug("request rejected",
			slog.String("code", apiErr.Code),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, apiErr)
}

// classifyError はエラーに対応するHTTPステータスとAPIErrorを返す。
func classifyError(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return mapAPIErrorToHTTPStatus(apiErr), apiErr
	}

	switch {
	case errors.Is(err, model.ErrLoginThrottled):
		return http.StatusTooManyRequests, model.NewLoginThrottledError()
	case errors.Is(err, model.ErrInvalidCredentials):
		return http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case errors.Is(err, model.ErrExpiredToken):
		return http.StatusUnauthorized, model.NewTokenExpiredError()
	case errors.Is(err, model.ErrTokenRevoked):
		return http.StatusUnauthorized, model.NewTokenRevokedError()
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusUnauthorized, model.NewInvalidTokenError()
	case errors.Is(err, model.ErrConfiguration):
		return http.StatusInternalServerError, model.NewConfigurationError()
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusBadGateway, model.NewUpstreamUnavailableError()
	case errors.Is(err, model.ErrMalformedSAMLResponse):
		return http.StatusBadRequest, model.NewMalformedSAMLError()
	case errors.Is(err, model.ErrEmailTaken):
		return http.StatusConflict, model.NewEmailTakenError()
	case errors.Is(err, model.ErrHsscIDTaken):
		return http.StatusConflict, model.NewHsscIDTakenError()
	case errors.Is(err, model.ErrInvalidResetToken):
		return http.StatusBadRequest, model.NewInvalidResetTokenError()
	case errors.Is(err, model.ErrOAuthNotAllowed):
		return http.StatusForbidden, model.NewOAuthNotAllowedError()
	case errors.Is(err, model.ErrInvalidRedirect):
		return http.StatusBadRequest, model.NewInvalidRedirectError()
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorのコードからHTTPステータスコードを決定する。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidationFailed,
		model.ErrCodeInvalidResetToken, model.ErrCodeInvalidRedirect,
		model.ErrCodeMalformedSAML:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized,
		model.ErrCodeInvalidToken, model.ErrCodeTokenExpired, model.ErrCodeTokenRevoked:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeOAuthNotAllowed:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeEmailTaken, model.ErrCodeHsscIDTaken:
		return http.StatusConflict
	case model.ErrCodeLoginThrottled:
		return http.StatusTooManyRequests
	case model.ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// userResponse はクライアントに返すユーザー情報。
// パスワードハッシュは含めない。
type userResponse struct {
	ID                string     `json:"id"`
	Email             string     `json:"email"`
	Role              model.Role `json:"role"`
	FullName          string     `json:"fullName"`
	HsscID            string     `json:"hsscId"`
	InstituteName     string     `json:"instituteName,omitempty"`
	InstituteCategory string     `json:"instituteCategory,omitempty"`
	MobileNumber      string     `json:"mobileNumber,omitempty"`
	Pincode           string     `json:"pincode,omitempty"`
	Gender            string     `json:"gender,omitempty"`
	DateOfBirth       string     `json:"dateOfBirth,omitempty"`
	AlternateEmail    string     `json:"alternateEmail,omitempty"`
	Address           string     `json:"address,omitempty"`
	ProfilePicture    string     `json:"profilePicture,omitempty"`
	IsActive          bool       `json:"isActive"`
	IsVerified        bool       `json:"isVerified"`
	LastLoginAt       *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// toUserResponse はmodel.UserをuserResponseに変換する。
func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	resp := &userResponse{
		ID:                u.ID,
		Email:             u.Email,
		Role:              u.Role,
		FullName:          u.FullName,
		HsscID:            u.HsscID,
		InstituteName:     u.InstituteName,
		InstituteCategory: string(u.InstituteCategory),
		MobileNumber:      u.MobileNumber,
		Pincode:           u.Pincode,
		Gender:            u.Gender,
		AlternateEmail:    u.AlternateEmail,
		Address:           u.Address,
		ProfilePicture:    u.ProfilePicture,
		IsActive:          u.IsActive,
		IsVerified:        u.IsVerified,
		LastLoginAt:       u.LastLoginAt,
		CreatedAt:         u.CreatedAt,
	}
	if u.DateOfBirth != nil {
		resp.DateOfBirth = u.DateOfBirth.Format(time.DateOnly)
	}
	return resp
}

// messageResponse はメッセージのみのレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}
