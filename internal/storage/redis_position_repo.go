package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/blockverse/internal/logging"
)

// RedisPlayerRepo хранит состояние игроков в Redis с батчевой записью
type RedisPlayerRepo struct {
	client      *redis.Client
	ctx         context.Context
	keyPrefix   string
	ttl         time.Duration
	batchSize   int
	batchMu     sync.Mutex
	batchBuffer map[string]PlayerRecord
	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup
	logger      *logging.Logger
}

// RedisConfig содержит настройки подключения к Redis
type RedisConfig struct {
	Addr         string        // Адрес Redis сервера
	Password     string        // Пароль (пустой если не требуется)
	DB           int           // Номер базы данных
	KeyPrefix    string        // Префикс для ключей
	TTL          time.Duration // Время жизни записей
	BatchSize    int           // Размер батча для записи
	BatchFlushMs int           // Интервал сброса батча в миллисекундах
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "blockverse:player:",
		TTL:          24 * time.Hour,
		BatchSize:    100,
		BatchFlushMs: 500,
	}
}

// NewRedisPlayerRepo подключается к Redis и запускает фоновый сброс батчей
func NewRedisPlayerRepo(config *RedisConfig) (*RedisPlayerRepo, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchFlushMs <= 0 {
		config.BatchFlushMs = 500
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()

	// Проверяем подключение
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	repo := &RedisPlayerRepo{
		client:      client,
		ctx:         ctx,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		batchSize:   config.BatchSize,
		batchBuffer: make(map[string]PlayerRecord),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
		logger:      logging.GetComponentLogger("storage"),
	}

	repo.wg.Add(1)
	go repo.batchFlusher()

	repo.logger.Info("🔴 Connected to Redis at %s", config.Addr)
	return repo, nil
}

// Save добавляет запись в батч; при заполнении буфера сбрасывает немедленно
func (r *RedisPlayerRepo) Save(ctx context.Context, rec PlayerRecord) error {
	if rec.PlayerID == "" {
		return fmt.Errorf("пустой идентификатор игрока")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	r.batchMu.Lock()
	r.batchBuffer[rec.PlayerID] = rec

	if len(r.batchBuffer) >= r.batchSize {
		batch := r.batchBuffer
		r.batchBuffer = make(map[string]PlayerRecord)
		r.batchMu.Unlock()

		return r.flushBatch(ctx, batch)
	}

	r.batchMu.Unlock()
	return nil
}

// Load читает запись; сначала проверяет ещё не сброшенный батч
func (r *RedisPlayerRepo) Load(ctx context.Context, playerID string) (PlayerRecord, bool, error) {
	r.batchMu.Lock()
	if rec, ok := r.batchBuffer[playerID]; ok {
		r.batchMu.Unlock()
		return rec, true, nil
	}
	r.batchMu.Unlock()

	data, err := r.client.Get(ctx, r.keyPrefix+playerID).Result()
	if err == redis.Nil {
		return PlayerRecord{}, false, nil
	} else if err != nil {
		return PlayerRecord{}, false, fmt.Errorf("failed to get player state: %w", err)
	}

	var rec PlayerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return PlayerRecord{}, false, fmt.Errorf("failed to unmarshal player state: %w", err)
	}
	return rec, true, nil
}

// Delete удаляет запись игрока
func (r *RedisPlayerRepo) Delete(ctx context.Context, playerID string) error {
	// Удаляем из батч-буфера если есть
	r.batchMu.Lock()
	delete(r.batchBuffer, playerID)
	r.batchMu.Unlock()

	if err := r.client.Del(ctx, r.keyPrefix+playerID).Err(); err != nil {
		return fmt.Errorf("failed to delete player state: %w", err)
	}
	return nil
}

// Close сбрасывает оставшиеся записи и закрывает соединение
func (r *RedisPlayerRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()
	r.batchTicker.Stop()

	r.batchMu.Lock()
	batch := r.batchBuffer
	r.batchBuffer = make(map[string]PlayerRecord)
	r.batchMu.Unlock()

	if err := r.flushBatch(r.ctx, batch); err != nil {
		r.logger.Error("❌ Failed to flush final batch: %v", err)
	}
	return r.client.Close()
}

// batchFlusher периодически сбрасывает батч-буфер
func (r *RedisPlayerRepo) batchFlusher() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-r.batchTicker.C:
			r.batchMu.Lock()
			if len(r.batchBuffer) == 0 {
				r.batchMu.Unlock()
				continue
			}
			batch := r.batchBuffer
			r.batchBuffer = make(map[string]PlayerRecord)
			r.batchMu.Unlock()

			if err := r.flushBatch(r.ctx, batch); err != nil {
				r.logger.Error("❌ Failed to flush batch: %v", err)
			}
		}
	}
}

// flushBatch записывает батч пайплайном
func (r *RedisPlayerRepo) flushBatch(ctx context.Context, batch map[string]PlayerRecord) error {
	if len(batch) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for playerID, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			r.logger.Warn("⚠️ Failed to marshal player state for %s: %v", playerID, err)
			continue
		}
		pipe.Set(ctx, r.keyPrefix+playerID, data, r.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}
