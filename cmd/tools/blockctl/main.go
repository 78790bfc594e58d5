package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/blockverse/internal/auth"
	"github.com/annel0/blockverse/internal/config"
	"github.com/annel0/blockverse/internal/eventbus"
)

const timeFormat = "2006-01-02T15:04:05Z"

func main() {
	var (
		configPath = flag.String("config", "", "путь к YAML конфигурации (или BLOCKVERSE_CONFIG)")
		command    = flag.String("cmd", "tail", "Команда: tail, token, secret")
		natsURL    = flag.String("nats", "", "адрес NATS; пусто — из конфигурации")
		name       = flag.String("name", "", "имя игрока для token")
		limit      = flag.Int("limit", 0, "максимум правок для tail; 0 — без ограничения")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	switch *command {
	case "tail":
		url := *natsURL
		if url == "" {
			url = cfg.EventBus.URL
		}
		if err := tailEdits(url, cfg.EventBus, *limit); err != nil {
			log.Fatalf("❌ Tail: %v", err)
		}

	case "token":
		authority, err := auth.NewTokenAuthority(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			log.Fatalf("❌ Token: %v", err)
		}
		token, err := authority.IssueToken(*name)
		if err != nil {
			log.Fatalf("❌ Token: %v", err)
		}
		fmt.Println(token)

	case "secret":
		secret, err := auth.GenerateSecureSecret()
		if err != nil {
			log.Fatalf("❌ Secret: %v", err)
		}
		fmt.Println(secret)

	default:
		fmt.Printf("❌ Неизвестная команда: %s\n", *command)
		fmt.Println("Доступные команды: tail, token, secret")
		os.Exit(1)
	}
}

// tailEdits выводит правки блоков из журнала в реальном времени
func tailEdits(url string, cfg config.EventBusConfig, limit int) error {
	if url == "" {
		return fmt.Errorf("адрес NATS не задан")
	}
	bus, err := eventbus.NewJetStreamBus(url, cfg.Stream, time.Duration(cfg.Retention)*time.Hour)
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("🎬 Правки блоков из %s (limit: %d)\n", url, limit)

	edits := make(chan *eventbus.Envelope, 64)
	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: []string{eventbus.EventBlockEdit}}, func(_ context.Context, ev *eventbus.Envelope) {
		select {
		case edits <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n📊 Всего правок: %d\n", count)
			return nil
		case ev := <-edits:
			printEdit(ev)
			count++
			if limit > 0 && count >= limit {
				fmt.Printf("\n📊 Всего правок: %d\n", count)
				return nil
			}
		}
	}
}

func printEdit(ev *eventbus.Envelope) {
	edit, err := eventbus.DecodeEdit(ev)
	if err != nil {
		fmt.Printf("⚠️ %s: %v\n", ev.ID, err)
		return
	}
	local := edit.Local.World(edit.Coord)
	fmt.Printf("[%s] %s #%d %d,%d,%d → блок %d\n",
		ev.Timestamp.Format(timeFormat), ev.Source, edit.Seq, local.X, local.Y, local.Z, edit.Block)
}
