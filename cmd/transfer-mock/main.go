package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	addr := ":8085"
	if port := os.Getenv("TRANSFER_MOCK_PORT"); port != "" {
		addr = ":" + port
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           newProvider(logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("Starting transfer mock", "addr", addr)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Transfer mock stopped", "error", err)
		os.Exit(1)
	}
}
