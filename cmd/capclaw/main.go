// Package main is the entry point for the capclaw CLI.
package main

import (
	"os"

	"github.com/KafClaw/capclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
