// Command portfolio records transactions and values the portfolio.
package main

import (
	"fmt"
	"os"

	"portfolio-engine/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
