// Command kakeibo-ctl administers a Kakeibo database: tenant budgets,
// memberships, pricing overrides and stored conversations.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
