package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryPlayerRepo реализует PlayerRepo в памяти.
// Используется как fallback, когда Redis недоступен, или для тестов.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryPlayerRepo struct {
	mu   sync.RWMutex
	data map[string]PlayerRecord
}

// NewMemoryPlayerRepo создает новый репозиторий в памяти
func NewMemoryPlayerRepo() *MemoryPlayerRepo {
	return &MemoryPlayerRepo{
		data: make(map[string]PlayerRecord),
	}
}

// Save сохраняет состояние игрока в памяти
func (r *MemoryPlayerRepo) Save(ctx context.Context, rec PlayerRecord) error {
	if rec.PlayerID == "" {
		return fmt.Errorf("пустой идентификатор игрока")
	}

	// Проверяем контекст на отмену
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[rec.PlayerID] = rec
	return nil
}

// Load загружает состояние игрока из памяти
func (r *MemoryPlayerRepo) Load(ctx context.Context, playerID string) (PlayerRecord, bool, error) {
	select {
	case <-ctx.Done():
		return PlayerRecord{}, false, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.data[playerID]
	return rec, exists, nil
}

// Delete удаляет сохраненное состояние
func (r *MemoryPlayerRepo) Delete(ctx context.Context, playerID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.data, playerID)
	return nil
}

// Close ничего не делает
func (r *MemoryPlayerRepo) Close() error {
	return nil
}

// Len возвращает количество сохранённых игроков
func (r *MemoryPlayerRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}
