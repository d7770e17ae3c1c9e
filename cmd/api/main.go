package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/telemetry"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/utilities"
)

func main() {
	// .env and WALLET_CONFIG_FILE are applied here; real env vars win
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// init logger
	lg, err := utilities.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-wallet-go")

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		sugar.Fatalf("telemetry: %v", err)
	}

	a, err := app.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalf("assemble: %v", err)
	}

	// dispatcher runs until ctx is cancelled; interrupted items are recovered on next start
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := a.Dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Errorw("dispatcher stopped", "err", err)
		}
	}()

	// mount http server
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	sugar.Infow("service is running; press Ctrl+C to stop", "addr", cfg.HTTP.Addr)

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// shutdown http server
	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	select {
	case <-dispatchDone:
	case <-doneCtx.Done():
		sugar.Warn("dispatcher did not stop within the grace period")
	}

	if err := a.Close(); err != nil {
		sugar.Warnf("close failed: %v", err)
	}
	if err := shutdownTracing(doneCtx); err != nil {
		sugar.Warnf("tracing shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
