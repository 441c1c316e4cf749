package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/netwatch-relay/internal/infra"
	"github.com/xela07ax/netwatch-relay/internal/infra/auth"
	"github.com/xela07ax/netwatch-relay/internal/relay"
	"github.com/xela07ax/netwatch-relay/internal/repository/postgres"
	"github.com/xela07ax/netwatch-relay/internal/telemetry"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла фоновых горутин: SIGTERM останавливает
	// liveness-свиперы и control-plane слушатель
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	initCtx, initCancel := context.WithTimeout(appCtx, 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.Database.URL, cfg.Database.MaxConns)
	initCancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	computerRepo := postgres.NewComputerRepo(pool)
	commandRepo := postgres.NewCommandRepo(pool)

	// Асинхронная персистентность телеметрии (пакетные вставки)
	recorder := telemetry.NewRecorder(
		postgres.NewTelemetryRepo(pool),
		logger,
		cfg.Relay.TelemetryBufferSize,
		cfg.Relay.TelemetryFlushInterval,
	)
	recorder.Start()

	// 3. Проверка токенов консоли (RS256). Без ключа доверяем заявленному operatorId
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid console public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	} else {
		logger.Warn("console token validation disabled: no public key configured")
	}

	// 4. Метрики
	reg := prometheus.NewRegistry()
	metrics := relay.NewMetrics(reg)

	// 5. Dual-listener front door: два изолированных namespace.
	// Исторически часть клиентов ходит через path-prefixed reverse proxy,
	// часть напрямую — состояние между префиксами не разделяется.
	buildNamespace := func(name string) *relay.Namespace {
		mirror := relay.NewPresenceMirror(rdb, name, logger)
		if err := mirror.Reset(appCtx); err != nil {
			logger.Warn("failed to reset presence mirror",
				zap.String("namespace", name), zap.Error(err))
		}
		return relay.NewNamespace(name, cfg.Relay, relay.Deps{
			Logger:    logger,
			Computers: computerRepo,
			Commands:  commandRepo,
			Sink:      recorder,
			Validator: validator,
			Metrics:   metrics,
			Mirror:    mirror,
		})
	}

	direct := buildNamespace("socketio")
	proxied := buildNamespace("nw-socketio")

	go direct.RunLiveness(appCtx)
	go proxied.RunLiveness(appCtx)

	// Control plane: веб-приложение публикует computerID после вставки
	// PENDING-команд, релей досылает их онлайн-агентам
	ctl := relay.NewControlListener(rdb, logger, direct, proxied)
	go ctl.Run(appCtx)

	// 6. HTTP Server
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	direct.Mount(r, "/socket.io")
	proxied.Mount(r, "/nw-socket/socket.io")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 7. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("NetWatch relay started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("NetWatch relay stopping...")

	// Даем 5 секунд на закрытие соединений
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel()

	// Финальный flush буфера телеметрии
	recorder.Stop()
	logger.Info("NetWatch relay exited properly")
}
