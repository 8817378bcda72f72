// Command ssogate はLearnWorlds LMS向けSSOゲートウェイを起動する。
//
// 使い方:
//
//	ssogate [serve|worker|migrate|create-admin|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/ssogate/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ssogate: %v\n", err)
		os.Exit(1)
	}
}
