// Package main is the entry point for the supplier binary, a small order
// sink used as the downstream of the reference route.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/polisai/polis-esb/pkg/logging"
	"github.com/polisai/polis-esb/pkg/storage"
	"github.com/polisai/polis-esb/pkg/storage/sqlite"
	"github.com/polisai/polis-esb/pkg/supplier"
)

const defaultListenAddr = ":5000"

func main() {
	_ = godotenv.Load()

	listenAddr := flag.String("listen", defaultListenAddr, "Address to listen on")
	dbPath := flag.String("db", "", "SQLite file for stored orders (in-memory when empty)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	logger := logging.NewLogger(logging.Config{
		Level:  *logLevel,
		Pretty: *prettyLogs,
	})
	slog.SetDefault(logger)

	store, err := openStore(*dbPath, logger)
	if err != nil {
		logger.Error("Failed to open order store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	server := &http.Server{
		Handler:      supplier.NewServer(store, logger).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Error("Failed to bind address", "address", *listenAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("Supplier listening", "address", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(server, logger)
}

func openStore(path string, logger *slog.Logger) (storage.OrderStore, error) {
	if path == "" {
		return storage.NewMemoryOrderStore(), nil
	}
	db, err := sqlite.Open(path, logger)
	if err != nil {
		return nil, err
	}
	return sqlite.NewOrderStore(db), nil
}

func waitForShutdown(server *http.Server, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down supplier...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	logger.Info("Supplier exited")
}
