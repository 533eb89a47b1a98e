// Package main is the entry point for the xconfbus host.
package main

import (
	"os"

	"github.com/trickstertwo/xconfbus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
