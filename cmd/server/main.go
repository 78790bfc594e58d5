package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/annel0/blockverse/internal/api"
	"github.com/annel0/blockverse/internal/auth"
	"github.com/annel0/blockverse/internal/config"
	"github.com/annel0/blockverse/internal/eventbus"
	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/network"
	"github.com/annel0/blockverse/internal/observability"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/storage"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или BLOCKVERSE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.SetLogDir(cfg.Logging.Dir)
	if err := logging.InitDefaultLogger("server"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	if level, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		logging.GetLoggerManager().SetLevel(level)
	}
	logger := logging.GetServerLogger()

	logger.Info("🎮 Запуск Blockverse сервера...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === ТЕЛЕМЕТРИЯ ===
	shutdownTelemetry := observability.Shutdown(observability.Noop)
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err = observability.InitTelemetry(ctx, observability.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Environment: cfg.Telemetry.Environment,
			Seed:        cfg.World.Seed,
		}, logger)
		if err != nil {
			logger.Warn("⚠️ OpenTelemetry недоступен: %v", err)
			shutdownTelemetry = observability.Noop
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// === МИР ===
	registry := block.DefaultRegistry()
	if cfg.World.BlocksFile != "" {
		registry, err = block.LoadRegistry(cfg.World.BlocksFile)
		if err != nil {
			logger.Error("❌ Ошибка загрузки блоков %s: %v", cfg.World.BlocksFile, err)
			os.Exit(1)
		}
	}
	logger.Info("🧱 Зарегистрировано блоков: %d", registry.Len())

	storeCfg := cfg.World.StoreConfig()
	storeCfg.Generator = world.NewPerlinGenerator(cfg.World.Seed)

	var badgerStore *storage.BadgerChunkStore
	switch cfg.Storage.Backend {
	case "badger":
		badgerStore, err = storage.NewBadgerChunkStore(cfg.Storage.DataPath)
		if err != nil {
			logger.Error("❌ Ошибка открытия хранилища %s: %v", cfg.Storage.DataPath, err)
			os.Exit(1)
		}
		storeCfg.Persistence = badgerStore
	default:
		storeCfg.Persistence = storage.NewMemoryChunkStore()
	}
	store := world.NewChunkStore(storeCfg)

	// === ИГРОКИ ===
	var players storage.PlayerRepo = storage.NewMemoryPlayerRepo()
	if cfg.Redis.Enabled {
		redisRepo, err := storage.NewRedisPlayerRepo(cfg.Redis.RepoConfig())
		if err != nil {
			logger.Warn("⚠️ Redis недоступен, состояние игроков в памяти: %v", err)
		} else {
			players = redisRepo
		}
	}

	// === ЖУРНАЛ ПРАВОК ===
	var bus eventbus.EventBus
	if cfg.EventBus.URL != "" {
		js, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, time.Duration(cfg.EventBus.Retention)*time.Hour)
		if err != nil {
			logger.Warn("⚠️ JetStream недоступен, шина в памяти: %v", err)
		} else {
			bus = js
		}
	}
	if bus == nil {
		bus = eventbus.NewMemoryBus(cfg.EventBus.Buffer)
	}
	busMetrics := eventbus.NewMetricsExporter(bus, reg, 5*time.Second)
	listener, err := eventbus.StartLoggingListener(bus, logging.GetComponentLogger("eventbus"))
	if err != nil {
		logger.Warn("⚠️ Подписка на журнал правок не создана: %v", err)
	}
	journal := eventbus.NewEditJournal(bus, cfg.Telemetry.ServiceName, cfg.EventBus.Buffer, logging.GetComponentLogger("eventbus"))

	// === АУТЕНТИФИКАЦИЯ ===
	var authority *auth.TokenAuthority
	if cfg.Auth.Enabled {
		authority, err = auth.NewTokenAuthority(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			logger.Error("❌ Ошибка настройки JWT: %v", err)
			os.Exit(1)
		}
		logger.Info("🔐 JWT аутентификация активирована")
	}

	// === СЕТЬ ===
	ln, err := network.ListenKCP(cfg.Server.GameAddr())
	if err != nil {
		logger.Error("❌ Ошибка запуска KCP на %s: %v", cfg.Server.GameAddr(), err)
		os.Exit(1)
	}

	deps := network.ServerDeps{
		Store:    store,
		Registry: registry,
		Engine:   physics.NewEngine(physics.DefaultConfig()),
		Listener: ln,
		Logger:   logger,
		Metrics:  m,
		Edits:    journal,
		Players:  players,
	}
	if authority != nil {
		deps.Tokens = authority
	}
	server := network.NewServer(cfg.Network, deps)

	adminCfg := api.Config{
		Addr:        cfg.Server.AdminAddr(),
		ServiceName: cfg.Telemetry.ServiceName,
		World:       store,
		Server:      server,
		Admins:      cfg.Auth.Admins,
		Registry:    reg,
		Logger:      logging.GetComponentLogger("api"),
	}
	if authority != nil {
		adminCfg.Tokens = authority
	}
	admin := api.NewAdminServer(adminCfg)
	go func() {
		if err := admin.Start(); err != nil {
			logger.Error("❌ Ошибка админ-сервера: %v", err)
		}
	}()

	// Периодическое сохранение грязных чанков
	go func() {
		ticker := time.NewTicker(cfg.Storage.SaveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Flush(ctx); err != nil {
					logger.Warn("⚠️ Ошибка сохранения чанков: %v", err)
				}
			}
		}
	}()

	logger.Info("✅ Все сервисы запущены")
	logger.Info("   🎮 Игровой трафик: KCP %s", cfg.Server.GameAddr())
	logger.Info("   🌐 Админка: http://%s (/health, /metrics, /api/world, /api/connections)", cfg.Server.AdminAddr())

	if err := server.Run(ctx); err != nil {
		logger.Error("❌ Ошибка сервера: %v", err)
	}

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Error("Ошибка остановки админки: %v", err)
	}
	journal.Close()
	if listener != nil {
		listener.Unsubscribe()
	}
	busMetrics.Stop()
	if err := bus.Close(); err != nil {
		logger.Warn("Ошибка закрытия шины: %v", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("Ошибка сохранения мира: %v", err)
	}
	if err := players.Close(); err != nil {
		logger.Warn("Ошибка закрытия репозитория игроков: %v", err)
	}
	if badgerStore != nil {
		if err := badgerStore.Close(); err != nil {
			logger.Error("Ошибка закрытия badger: %v", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Debug("Ошибка остановки телеметрии: %v", err)
	}

	logger.Info("👋 Сервер успешно остановлен")
}
