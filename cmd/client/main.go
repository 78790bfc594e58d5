package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/blockverse/internal/config"
	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/meshing"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/network"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/render"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// Безголовый клиент: ходит по кругу, строит меши и считает кадры
func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (или BLOCKVERSE_CONFIG)")
	addr := flag.String("addr", "", "адрес сервера host:port; пусто — из конфигурации")
	name := flag.String("name", "", "имя игрока")
	token := flag.String("token", "", "JWT токен рукопожатия")
	duration := flag.Duration("duration", 0, "время работы; 0 — до сигнала")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	logging.SetLogDir(cfg.Logging.Dir)
	if err := logging.InitDefaultLogger("client"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	if level, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		logging.GetLoggerManager().SetLevel(level)
	}
	logger := logging.GetClientLogger()

	clientCfg := cfg.Client
	if *name != "" {
		clientCfg.Name = *name
	}
	if *token != "" {
		clientCfg.Token = *token
	}
	target := *addr
	if target == "" {
		target = cfg.Server.GameAddr()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	registry := block.DefaultRegistry()
	if cfg.World.BlocksFile != "" {
		if registry, err = block.LoadRegistry(cfg.World.BlocksFile); err != nil {
			logger.Error("❌ Ошибка загрузки блоков: %v", err)
			os.Exit(1)
		}
	}

	m := metrics.New(prometheus.NewRegistry())
	store := world.NewChunkStore(cfg.World.StoreConfig())
	defer store.Close(context.Background())

	client, err := network.Dial(ctx, network.KCPDialer{}, target, clientCfg, network.ClientDeps{
		Store:    store,
		Registry: registry,
		Engine:   physics.NewEngine(physics.DefaultConfig()),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		logger.Error("❌ Не удалось подключиться к %s: %v", target, err)
		os.Exit(1)
	}
	defer client.Close()

	meshes := meshing.NewService(store, registry, cfg.Meshing, m)
	defer meshes.Close()
	stats := &render.StatsRenderer{Logger: logger, Every: cfg.Network.TickRate * 5}
	pipeline := render.NewPipeline(render.DefaultConfig(cfg.Network.Distance), store, meshes, stats, m)

	logger.Info("🔌 Подключение к %s как %s", target, clientCfg.Name)

	ticker := time.NewTicker(time.Second / time.Duration(cfg.Network.TickRate))
	defer ticker.Stop()

	var (
		distanceSet bool
		frame       int
	)
	for {
		select {
		case <-ctx.Done():
			logger.Info("👋 Клиент завершает работу: кадров %d, переигрываний %d", stats.Frames(), replays(client))
			return
		case now := <-ticker.C:
			if client.State() == network.StateDisconnected {
				logger.Warn("⚠️ Соединение закрыто: %s", client.DisconnectReason())
				return
			}

			if client.State() == network.StateLive {
				frame++
				client.Tick(now, walkInput(frame, cfg.Network.TickRate))
			} else {
				client.Update(now)
			}

			predicted, ok := client.Predicted()
			if !ok {
				continue
			}
			if !distanceSet {
				pipeline.SetDistance(client.Distance())
				distanceSet = true
			}
			pipeline.Frame(pipeline.CameraFor(predicted), client.Players())
		}
	}
}

// walkInput ходьба по кругу с периодическим прыжком
func walkInput(frame, tickRate int) physics.InputCommand {
	t := float64(frame) / float64(tickRate)
	in := physics.InputCommand{
		Forward: 1,
		Yaw:     math.Mod(t*0.5, 2*math.Pi),
		Pitch:   -0.2,
	}
	if frame%(tickRate*3) == 0 {
		in.Actions |= physics.ActionJump
	}
	return in
}

func replays(c *network.Client) int {
	if p := c.Predictor(); p != nil {
		return p.Replays()
	}
	return 0
}
