package main

import (
	"log/slog"
	"os"

	"archeirelay/internal/server"
)

func main() {
	if err := server.Run(); err != nil {
		slog.Error("relay terminated", "error", err)
		os.Exit(1)
	}
}
