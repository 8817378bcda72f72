package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
)

var passwordResetHTML = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Password reset request</h2>
  <p>Hello {{.Name}},</p>
  <p>We received a request to reset the password for your account. The link below is valid for {{.ValidFor}}.</p>
  <p><a href="{{.URL}}" style="background:#2563eb;color:#fff;padding:10px 18px;border-radius:4px;text-decoration:none;">Reset password</a></p>
  <p>If you did not request this, you can ignore this email.</p>
</body>
</html>`))

// PasswordResetData はパスワードリセットメールの差し込み項目。
type PasswordResetData struct {
	Name     string
	URL      string
	ValidFor string
}

// ResetURL はフロントエンドのパスワード再設定ページのURLを組み立てる。
func ResetURL(baseURL, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return baseURL + "/reset-password?" + q.Encode()
}

// NewPasswordResetMessage はパスワードリセットメールを生成する。
func NewPasswordResetMessage(toEmail string, data PasswordResetData) (Message, error) {
	var buf bytes.Buffer
	if err := passwordResetHTML.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render reset mail: %w", err)
	}
	return Message{
		ToEmail:     toEmail,
		ToName:      data.Name,
		Subject:     "Reset your password",
		HTMLContent: buf.String(),
		TextContent: fmt.Sprintf("Hello %s,\n\nOpen the following link within %s to reset your password:\n%s\n\nIf you did not request this, ignore this email.\n",
			data.Name, data.ValidFor, data.URL),
	}, nil
}

var welcomeHTML = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>Welcome to HSSC SSO Gateway</h2>
  <p>Hello {{.Name}},</p>
  <p>An account has been created for you. You can sign in to the learning portal with the email address {{.Email}}.</p>
  <p><a href="{{.LoginURL}}" style="background:#2563eb;color:#fff;padding:10px 18px;border-radius:4px;text-decoration:none;">Access learning portal</a></p>
  <p>Your administrator will share your initial password separately. If you have not received it, use "Forgot password" on the sign-in page.</p>
</body>
</html>`))

// WelcomeData はウェルカムメールの差し込み項目。パスワードは含めない。
type WelcomeData struct {
	Name     string
	Email    string
	LoginURL string
}

// NewWelcomeMessage は管理者が作成したアカウント向けのウェルカムメールを生成する。
func NewWelcomeMessage(toEmail string, data WelcomeData) (Message, error) {
	var buf bytes.Buffer
	if err := welcomeHTML.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("failed to render welcome mail: %w", err)
	}
	return Message{
		ToEmail:     toEmail,
		ToName:      data.Name,
		Subject:     "Welcome to HSSC SSO Gateway",
		HTMLContent: buf.String(),
		TextContent: fmt.Sprintf("Hello %s,\n\nAn account has been created for you (%s).\nSign in to the learning portal here:\n%s\n\nYour administrator will share your initial password separately. If you have not received it, use \"Forgot password\" on the sign-in page.\n",
			data.Name, data.Email, data.LoginURL),
	}, nil
}
