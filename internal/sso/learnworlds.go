package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/ssogate/internal/model"
)

// maxLearnWorldsResponseSize はLearnWorldsのレスポンスとして読み込む最大サイズ。
const maxLearnWorldsResponseSize = 1 << 20

// LearnWorldsConfig はLearnWorlds SSO APIの接続設定。
type LearnWorldsConfig struct {
	BaseURL     string // LMS_AUTH_URL
	ClientID    string // LMS_CLIENT_ID
	AccessToken string // LMS_ACCESS_TOKEN
}

// SSORequest はLearnWorlds SSO APIへのリクエスト。
type SSORequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	UserID      string `json:"user_id"`
}

// SSOResponse はLearnWorlds SSO APIのレスポンス。
type SSOResponse struct {
	URL    string `json:"url"`
	UserID string `json:"user_id"`
}

// LearnWorldsClient はLearnWorldsのSSO APIクライアント。
type LearnWorldsClient struct {
	httpClient *http.Client
	cfg        LearnWorldsConfig
}

// NewLearnWorldsClient はLearnWorldsClientを生成する。
func NewLearnWorldsClient(httpClient *http.Client, cfg LearnWorldsConfig) *LearnWorldsClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &LearnWorldsClient{httpClient: httpClient, cfg: cfg}
}

// CreateSSOURL はLearnWorldsにSSOログインURLの発行を依頼する。
// 認証情報が未設定の場合はmodel.ErrConfigurationを、
// 通信エラーと2xx以外の応答はmodel.ErrUpstreamUnavailableをラップして返す。
func (c *LearnWorldsClient) CreateSSOURL(ctx context.Context, req SSORequest) (*SSOResponse, error) {
	if c.cfg.BaseURL == "" || c.cfg.ClientID == "" || c.cfg.AccessToken == "" {
		return nil, fmt.Errorf("%w: LearnWorlds credentials are not configured", model.ErrConfiguration)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sso request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/admin/api/sso", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create sso request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Lw-Client", c.cfg.ClientID)
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: learnworlds request failed: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLearnWorldsResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read learnworlds response: %v", model.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("learnworlds sso api unavailable",
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: learnworlds responded with status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("learnworlds sso api rejected request",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
		return nil, fmt.Errorf("%w: learnworlds sso failed with status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}

	var out SSOResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to parse learnworlds response: %v", model.ErrUpstreamUnavailable, err)
	}
	if out.URL == "" {
		return nil, fmt.Errorf("%w: learnworlds response has no url", model.ErrUpstreamUnavailable)
	}
	return &out, nil
}
