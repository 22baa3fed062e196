// Package main is the homie CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/homielabs/homie/cmd/homie/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	// A .env next to the binary is the lowest-friction way to carry keys in
	// development; missing is fine.
	_ = godotenv.Load()

	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
