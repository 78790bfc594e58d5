package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/annel0/blockverse/internal/meshing"
	"github.com/annel0/blockverse/internal/network"
	"github.com/annel0/blockverse/internal/storage"
	"github.com/annel0/blockverse/internal/world"
)

// Config корневая структура конфигурации сервера и клиента.
// Незаданные поля берутся из Default().
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	World     WorldConfig          `yaml:"world"`
	Meshing   meshing.Config       `yaml:"meshing"`
	Network   network.ServerConfig `yaml:"network"`
	Client    network.ClientConfig `yaml:"client"`
	Storage   StorageConfig        `yaml:"storage"`
	Redis     RedisConfig          `yaml:"redis"`
	EventBus  EventBusConfig       `yaml:"eventbus"`
	Auth      AuthConfig           `yaml:"auth"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Logging   LoggingConfig        `yaml:"logging"`
}

// ServerConfig адреса и порты
type ServerConfig struct {
	Host      string `yaml:"host"`
	GamePort  int    `yaml:"game_port"`
	AdminPort int    `yaml:"admin_port"`
}

// WorldConfig генерация и хранилище чанков
type WorldConfig struct {
	Seed                int64  `yaml:"seed"`
	BlocksFile          string `yaml:"blocks_file"` // пусто — стандартный набор
	Workers             int    `yaml:"workers"`
	QueueSize           int    `yaml:"queue_size"`
	MaxEvictionsPerTick int    `yaml:"max_evictions_per_tick"`
}

// StorageConfig персистентность чанков
type StorageConfig struct {
	Backend   string        `yaml:"backend"` // badger | memory
	DataPath  string        `yaml:"data_path"`
	SaveEvery time.Duration `yaml:"save_every"`
}

// RedisConfig хранилище состояния игроков; без Enabled используется память
type RedisConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	TTL        time.Duration `yaml:"ttl"`
	BatchSize  int           `yaml:"batch_size"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

// EventBusConfig журнал правок блоков
type EventBusConfig struct {
	URL       string `yaml:"url"` // пусто — шина в памяти
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
}

// AuthConfig проверка токенов рукопожатия
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	// Admins имена, чьи токены допускаются к /api админки
	Admins []string `yaml:"admins"`
}

// TelemetryConfig трассировка OpenTelemetry
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"` // пусто — localhost:4318
	SampleRatio float64 `yaml:"sample_ratio"`
	Environment string  `yaml:"environment"`
}

// LoggingConfig уровни и каталог логов
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Default конфигурация по умолчанию
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0"},
		World: WorldConfig{
			Seed:                1,
			Workers:             world.DefaultStoreConfig().Workers,
			QueueSize:           world.DefaultStoreConfig().QueueSize,
			MaxEvictionsPerTick: world.DefaultStoreConfig().MaxEvictionsPerTick,
		},
		Meshing: meshing.DefaultConfig(),
		Network: network.DefaultServerConfig(),
		Client:  network.DefaultClientConfig(),
		Storage: StorageConfig{Backend: "badger", DataPath: "data/world", SaveEvery: 30 * time.Second},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			KeyPrefix:  "blockverse:player:",
			TTL:        24 * time.Hour,
			BatchSize:  100,
			FlushEvery: 500 * time.Millisecond,
		},
		EventBus:  EventBusConfig{Stream: "BLOCK_EDITS", Retention: 24, Buffer: 1024},
		Auth:      AuthConfig{Issuer: "blockverse", TokenTTL: 24 * time.Hour, Admins: []string{"admin"}},
		Telemetry: TelemetryConfig{ServiceName: "blockverse"},
		Logging:   LoggingConfig{Level: "INFO", Dir: "logs"},
	}
}

// GetGamePort возвращает UDP порт KCP с поддержкой fallback значений
func (s *ServerConfig) GetGamePort() int {
	return getPortWithEnvFallback(s.GamePort, "BLOCKVERSE_GAME_PORT", 7777)
}

// GetAdminPort возвращает порт админки и метрик с поддержкой fallback значений
func (s *ServerConfig) GetAdminPort() int {
	return getPortWithEnvFallback(s.AdminPort, "BLOCKVERSE_ADMIN_PORT", 8088)
}

// GameAddr адрес игрового listener'а
func (s *ServerConfig) GameAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GetGamePort())
}

// AdminAddr адрес админки
func (s *ServerConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GetAdminPort())
}

// StoreConfig параметры хранилища чанков без генератора и персистентности
func (w WorldConfig) StoreConfig() world.StoreConfig {
	return world.StoreConfig{
		Workers:             w.Workers,
		QueueSize:           w.QueueSize,
		MaxEvictionsPerTick: w.MaxEvictionsPerTick,
	}
}

// RepoConfig параметры для storage.NewRedisPlayerRepo
func (r RedisConfig) RepoConfig() *storage.RedisConfig {
	return &storage.RedisConfig{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		KeyPrefix:    r.KeyPrefix,
		TTL:          r.TTL,
		BatchSize:    r.BatchSize,
		BatchFlushMs: int(r.FlushEvery / time.Millisecond),
	}
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// Load читает YAML поверх значений по умолчанию.
// Если path == "", берётся ENV BLOCKVERSE_CONFIG; без него возвращаются значения по умолчанию.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("BLOCKVERSE_CONFIG")
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения, без которых сервер не запустится
func (c *Config) Validate() error {
	if c.Network.TickRate <= 0 {
		return fmt.Errorf("network.tick_rate должен быть положительным: %d", c.Network.TickRate)
	}
	if c.Network.InboundQueue <= 0 || c.Network.OutboundQueue <= 0 {
		return fmt.Errorf("network: очереди должны быть положительными")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret обязателен при auth.enabled")
	}
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("storage.backend: неизвестное значение %q", c.Storage.Backend)
	}
	return nil
}
