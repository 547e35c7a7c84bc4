package main

import (
	"log/slog"
	"os"

	"github.com/thunderlink/mirror/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		slog.Error("mirror failed", "error", err)
		os.Exit(1)
	}
}
