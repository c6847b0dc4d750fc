package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/username/aims/backend/src/app"
	"github.com/username/aims/backend/src/config"
	"github.com/username/aims/backend/src/handlers"
	"github.com/username/aims/backend/src/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("AIMS IATI import backend starting...")

	a, err := app.New(config.Cfg)
	if err != nil {
		logger.L.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.L.Info("Configuring routes...")
	router := handlers.NewRouter(
		handlers.RouterConfig{
			RateLimitPerSecond: config.Cfg.RateLimitPerSecond,
			RateLimitBurst:     config.Cfg.RateLimitBurst,
			AllowedOrigins:     config.Cfg.CORSAllowedOrigins,
		},
		handlers.NewIATIHandler(a.Service, config.Cfg.MaxUploadSizeBytes),
		handlers.NewRecordsHandler(a.Store),
		promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
	)

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.L.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.L.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.L.Info("Server stopped gracefully.")
}
