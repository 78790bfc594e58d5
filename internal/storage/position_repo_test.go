package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryPlayerRepo тестирует in-memory репозиторий игроков
func TestMemoryPlayerRepo(t *testing.T) {
	repo := NewMemoryPlayerRepo()
	ctx := context.Background()

	t.Run("Save and Load", func(t *testing.T) {
		rec := PlayerRecord{PlayerID: "alice", Position: [3]float64{1.5, 20, -3}, Yaw: 0.5}

		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Ошибка сохранения: %v", err)
		}

		loaded, found, err := repo.Load(ctx, "alice")
		if err != nil {
			t.Fatalf("Ошибка загрузки: %v", err)
		}
		if !found {
			t.Fatal("Запись не найдена")
		}
		if loaded.Position != rec.Position || loaded.Yaw != rec.Yaw {
			t.Errorf("Неверное состояние: ожидалось %+v, получено %+v", rec, loaded)
		}
		assert.False(t, loaded.UpdatedAt.IsZero())
	})

	t.Run("Load Non-Existent Player", func(t *testing.T) {
		_, found, err := repo.Load(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Empty ID", func(t *testing.T) {
		assert.Error(t, repo.Save(ctx, PlayerRecord{}))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "alice"))
		_, found, err := repo.Load(ctx, "alice")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Cancelled Context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, repo.Save(cctx, PlayerRecord{PlayerID: "bob"}))
	})
}

// TestRedisPlayerRepo требует запущенный Redis (REDIS_ADDR)
func TestRedisPlayerRepo(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR не задан, пропускаем интеграционный тест")
	}

	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "blockverse:test:" + time.Now().Format("150405.000") + ":"
	cfg.BatchFlushMs = 20

	repo, err := NewRedisPlayerRepo(cfg)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	rec := PlayerRecord{PlayerID: "carol", Position: [3]float64{4, 5, 6}}
	require.NoError(t, repo.Save(ctx, rec))

	// Из буфера до сброса
	loaded, found, err := repo.Load(ctx, "carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Position, loaded.Position)

	time.Sleep(100 * time.Millisecond)
	loaded, found, err = repo.Load(ctx, "carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.Position, loaded.Position)

	require.NoError(t, repo.Delete(ctx, "carol"))
}
