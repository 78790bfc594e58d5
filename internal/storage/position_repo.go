package storage

import (
	"context"
	"time"
)

// PlayerRecord последнее сохранённое состояние игрока между сессиями
type PlayerRecord struct {
	PlayerID  string     `json:"player_id"`
	Position  [3]float64 `json:"position"`
	Yaw       float64    `json:"yaw"`
	Pitch     float64    `json:"pitch"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PlayerRepo определяет интерфейс для сохранения и загрузки состояния игроков.
// Записи привязаны к идентификатору игрока из рукопожатия, а не к ID соединения.
type PlayerRepo interface {
	// Save сохраняет состояние игрока; реализация может буферизовать запись.
	Save(ctx context.Context, rec PlayerRecord) error

	// Load загружает состояние; found=false при первом входе.
	Load(ctx context.Context, playerID string) (PlayerRecord, bool, error)

	// Delete удаляет сохраненное состояние игрока (для тестов или сброса).
	Delete(ctx context.Context, playerID string) error

	// Close сбрасывает буферы и освобождает ресурсы.
	Close() error
}
