package app

import (
	"fmt"
	"strings"
)

// Command はssogateバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"        // ゲートウェイAPIを起動する
	CommandWorker      Command = "worker"       // 期限切れトークンと古いログイン履歴を定期削除する
	CommandMigrate     Command = "migrate"      // スキーママイグレーションを適用して終了する
	CommandCreateAdmin Command = "create-admin" // ADMIN_*環境変数から管理者を作成して終了する
	CommandHealthcheck Command = "healthcheck"  // distrolessコンテナのHEALTHCHECK用
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandCreateAdmin, CommandHealthcheck}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。引数がなければserve。
// 2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "", fmt.Errorf("unknown command %q (available: %s)", args[0], strings.Join(names, ", "))
}
