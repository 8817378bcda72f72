// Package mailer はトランザクションメールの送信を提供する。
// 送信にはBrevoのSMTP APIを使用する。
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ssogate/internal/model"
)

// defaultEndpoint はBrevoのトランザクションメール送信APIのエンドポイント。
const defaultEndpoint = "https://api.brevo.com/v3/smtp/email"

// Message は送信するメール。
type Message struct {
	ToEmail     string
	ToName      string
	Subject     string
	HTMLContent string
	TextContent string
}

// Sender はメール送信のインターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config はBrevoの送信設定。
type Config struct {
	APIKey      string
	SenderEmail string
	SenderName  string
}

// BrevoClient はBrevo APIのクライアント。
type BrevoClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	cfg        Config
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewBrevoClient はBrevoClientを生成する。
func NewBrevoClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *BrevoClient {
	return &BrevoClient{
		httpClient: httpClient,
		logger:     logger,
		cfg:        cfg,
		endpoint:   defaultEndpoint,
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
	TextContent string         `json:"textContent,omitempty"`
}

// Send はメールを送信する。APIキー未設定の場合はmodel.ErrConfigurationを返す。
// ネットワーク障害と5xx応答はmodel.ErrUpstreamUnavailableでラップする。
func (c *BrevoClient) Send(ctx context.Context, msg Message) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("%w: BREVO_API_KEY is not set", model.ErrConfiguration)
	}

	body, err := json.Marshal(brevoRequest{
		Sender:      brevoAddress{Email: c.cfg.SenderEmail, Name: c.cfg.SenderName},
		To:          []brevoAddress{{Email: msg.ToEmail, Name: msg.ToName}},
		Subject:     msg.Subject,
		HTMLContent: msg.HTMLContent,
		TextContent: msg.TextContent,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("failed to call Brevo API", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	c.logger.Error("Brevo API returned error status",
		slog.Int("http_status", resp.StatusCode),
		slog.String("body", string(detail)),
	)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: brevo status %d", model.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("brevo rejected mail with status %d", resp.StatusCode)
}

// compile-time interface check
var _ Sender = (*BrevoClient)(nil)
