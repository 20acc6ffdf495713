package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WendelHime/simplebt/internal/trackerd"
	"github.com/gin-gonic/gin"
)

func main() {
	var (
		addr     string
		interval time.Duration
		debug    bool
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:6969", "Address to serve announces on")
	flag.DurationVar(&interval, "interval", 30*time.Second, "Announce interval handed to peers")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           trackerd.New(interval, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("tracker listening", slog.String("addr", addr), slog.Duration("interval", interval))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("tracker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
