package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardstat-service/internal/engine"
	"guardstat-service/internal/handlers"
)

func newServeCmd(a *app) *cobra.Command {
	var rebuildEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(commandContext(cmd), rebuildEvery)
		},
	}
	cmd.Flags().DurationVar(&rebuildEvery, "rebuild-every", 0, "run an append rebuild on this interval (0 disables)")
	return cmd
}

func (a *app) serve(ctx context.Context, rebuildEvery time.Duration) error {
	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	logger := d.logger
	cfg := d.cfg
	logger.Info("starting guardstat service",
		zap.String("go_version", runtime.Version()),
		zap.Int("num_cpu", runtime.NumCPU()),
		zap.Int("workers", cfg.Analysis.Workers),
		zap.String("timezone", cfg.Analysis.Timezone))

	// Создаем обработчики
	var redis handlers.Pinger
	if d.redis != nil {
		redis = d.redis
	}
	handler := handlers.NewHandler(d.engine, d.store, redis, logger)

	// Настраиваем маршруты
	router := handlers.NewRouter(handler)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	router.Use(loggingMiddleware(logger))

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      c.Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	if rebuildEvery > 0 {
		go rebuildLoop(loopCtx, d.engine, rebuildEvery, logger)
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return err
	}
	logger.Info("shutting down server")

	stopLoop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// rebuildLoop периодически дозагружает новые отсчеты в базовые линии
func rebuildLoop(ctx context.Context, eng *engine.Engine, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.Rebuild(ctx, engine.ModeAppend); err != nil && ctx.Err() == nil {
				logger.Error("scheduled rebuild failed", zap.Error(err))
			}
		}
	}
}
