package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/middleware"
	"github.com/annel0/blockverse/internal/network"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
)

// WorldSource состояние хранилища чанков
type WorldSource interface {
	Stats() world.StoreStats
	LoadedCoords() []vec.ChunkCoord
}

// ConnectionSource состояние игрового сервера
type ConnectionSource interface {
	Connections() []network.ConnInfo
	CurrentTick() uint64
}

// TokenAuthority выпуск и проверка токенов игроков
type TokenAuthority interface {
	IssueToken(name string) (string, error)
	VerifyToken(token string) (string, error)
}

// Config содержит конфигурацию админ-сервера
type Config struct {
	Addr        string
	ServiceName string
	World       WorldSource
	Server      ConnectionSource
	// Tokens необязателен; без него /api открыт и выпуск токенов недоступен
	Tokens   TokenAuthority
	Admins   []string
	Registry *prometheus.Registry
	Logger   *logging.Logger
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AdminServer HTTP-сервер здоровья, метрик и состояния мира
type AdminServer struct {
	cfg    Config
	router *gin.Engine
	http   *http.Server
	probe  *processProbe
	admins map[string]struct{}
}

// NewAdminServer создает сервер и настраивает маршруты
func NewAdminServer(cfg Config) *AdminServer {
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "blockverse"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.NewRequestLogger(cfg.Logger).Handler())

	promMw := middleware.NewPrometheusMiddleware("admin_api", cfg.Registry)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, cfg.Registry)

	s := &AdminServer{
		cfg:    cfg,
		router: router,
		probe:  newProcessProbe(),
		admins: make(map[string]struct{}, len(cfg.Admins)),
	}
	for _, name := range cfg.Admins {
		s.admins[name] = struct{}{}
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	if s.cfg.Tokens != nil {
		api.Use(s.adminMiddleware())
		api.POST("/tokens", s.handleIssueToken)
	}
	api.GET("/world", s.handleWorld)
	api.GET("/connections", s.handleConnections)
}

// Handler возвращает http.Handler (для тестов и встраивания)
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start запускает сервер и блокируется до Stop
func (s *AdminServer) Start() error {
	s.cfg.Logger.Info("🚀 Админ-сервер слушает %s", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop останавливает сервер, дожидаясь активных запросов
func (s *AdminServer) Stop(ctx context.Context) error {
	s.cfg.Logger.Info("🛑 Админ-сервер останавливается")
	return s.http.Shutdown(ctx)
}

// adminMiddleware пропускает только Bearer-токены администраторов
func (s *AdminServer) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Отсутствует токен авторизации",
			})
			return
		}

		name, err := s.cfg.Tokens.VerifyToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Недействительный токен",
			})
			return
		}
		if _, ok := s.admins[name]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, GenericResponse{
				Success: false,
				Message: "Недостаточно прав доступа",
			})
			return
		}

		c.Set("admin", name)
		c.Next()
	}
}

func (s *AdminServer) handleHealth(c *gin.Context) {
	data := gin.H{
		"status":  "ok",
		"time":    time.Now().Unix(),
		"process": s.probe.snapshot(),
	}
	if s.cfg.Server != nil {
		data["tick"] = s.cfg.Server.CurrentTick()
	}
	c.JSON(http.StatusOK, data)
}

func (s *AdminServer) handleWorld(c *gin.Context) {
	if s.cfg.World == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "Мир не подключён"})
		return
	}
	data := gin.H{"stats": s.cfg.World.Stats()}
	if c.Query("coords") != "" {
		coords := s.cfg.World.LoadedCoords()
		out := make([]string, len(coords))
		for i, coord := range coords {
			out[i] = coord.String()
		}
		data["coords"] = out
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Состояние мира", Data: data})
}

func (s *AdminServer) handleConnections(c *gin.Context) {
	if s.cfg.Server == nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{Success: false, Message: "Сервер не подключён"})
		return
	}
	conns := s.cfg.Server.Connections()
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Соединения",
		Data: gin.H{
			"tick":        s.cfg.Server.CurrentTick(),
			"connections": conns,
			"total":       len(conns),
		},
	})
}

// TokenRequest запрос на выпуск токена игрока
type TokenRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *AdminServer) handleIssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}

	token, err := s.cfg.Tokens.IssueToken(req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	admin, _ := c.Get("admin")
	s.cfg.Logger.Info("🔐 %v выпустил токен для %s", admin, req.Name)
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Токен выпущен",
		Data:    gin.H{"token": token},
	})
}
