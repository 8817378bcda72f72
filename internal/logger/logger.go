// Package logger はJSON構造化ログの初期化を提供する。
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level はプロセス全体で共有するログレベル。
// 設定読み込み前にロガーを使えるよう、初期値はInfoとし後からSetLevelで変更する。
var level = new(slog.LevelVar)

// Redacted は秘匿属性の値を置き換える文字列。
const Redacted = "[REDACTED]"

// secretKeys は値を出力しない属性キー。大文字小文字は区別しない。
var secretKeys = map[string]bool{
	"password":      true,
	"new_password":  true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"samlresponse":  true,
	"client_secret": true,
	"api_key":       true,
}

// redactSecrets はsecretKeysに該当する属性の値をRedactedに置き換える。
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// Setup はwへJSONで出力するslog.Loggerを返す。
// パスワードやトークンを誤って属性に渡しても値は出力されない。
func Setup(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	}))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

// SetLevel はLOG_LEVELの文字列からログレベルを変更する。
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// ParseLevel は"debug", "info", "warn", "error"をslog.Levelに変換する。
// 不明な値はInfoとして扱う。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskEmail はログ出力用にメールアドレスのローカル部をマスクする。
// "alice@example.com" は "a***@example.com" になる。
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
