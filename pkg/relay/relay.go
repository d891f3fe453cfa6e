// Package relay сервер комнат консультаций: ретрансляция сигнальных
// сообщений между участниками, чат с историей и прием записей звонков.
//
// Каждая консультация имеет две независимые комнаты: chat_<id> и
// signal_<id>. Участник подтверждает личность токеном в query параметре
// token (websocket) или заголовке Authorization (REST).
package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	channelChat   = "chat"
	channelSignal = "signal"

	// closeInvalidToken код закрытия при отклоненном токене
	closeInvalidToken = 4001

	// timeLayout формат времени в кадрах чата
	timeLayout = "03:04 PM"

	publishTimeout = 5 * time.Second
)

// Config параметры relay
type Config struct {
	// ServiceName имя в ответе /health
	ServiceName string
	// MaxRecordingBytes предельный размер принимаемой записи
	MaxRecordingBytes int64
	// AllowOrigins список источников для CORS
	AllowOrigins string
	Metrics      MetricsConfig
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ServiceName:       "Telehealth Realtime",
		MaxRecordingBytes: 50 * 1024 * 1024,
		AllowOrigins:      "*",
		Metrics:           DefaultMetricsConfig(),
	}
}

// Dependencies внешние зависимости relay
type Dependencies struct {
	Verifier   *TokenVerifier
	History    HistoryStore
	Recordings RecordingStore
	// Events nil означает NopPublisher
	Events EventPublisher
	// Registry реестр метрик, отдается на /metrics. nil отключает метрики.
	Registry *prometheus.Registry
	Logger   *zap.Logger
	Now      func() time.Time
}

// Server relay сервер
type Server struct {
	cfg        Config
	app        *fiber.App
	verifier   *TokenVerifier
	history    HistoryStore
	recordings RecordingStore
	events     EventPublisher
	metrics    *MetricsCollector
	logger     *zap.Logger
	now        func() time.Time

	chatRooms   *Rooms
	signalRooms *Rooms

	ctx    context.Context
	cancel context.CancelFunc
}

// New создает сервер и регистрирует маршруты
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Verifier == nil {
		return nil, errors.New("relay: не задан TokenVerifier")
	}
	if deps.History == nil {
		return nil, errors.New("relay: не задано хранилище истории")
	}
	if deps.Recordings == nil {
		return nil, errors.New("relay: не задано хранилище записей")
	}
	if cfg.MaxRecordingBytes <= 0 {
		cfg.MaxRecordingBytes = DefaultConfig().MaxRecordingBytes
	}

	s := &Server{
		cfg:         cfg,
		verifier:    deps.Verifier,
		history:     deps.History,
		recordings:  deps.Recordings,
		events:      deps.Events,
		logger:      deps.Logger,
		now:         deps.Now,
		chatRooms:   NewRooms(),
		signalRooms: NewRooms(),
	}
	if s.events == nil {
		s.events = NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if deps.Registry != nil {
		s.metrics = NewMetricsCollector(cfg.Metrics, deps.Registry, func() float64 {
			return float64(s.chatRooms.Count() + s.signalRooms.Count())
		})
	}

	s.app = fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		BodyLimit:             int(cfg.MaxRecordingBytes) + 1024*1024,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	s.app.Get("/health", s.handleHealth)
	if deps.Registry != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := s.app.Group("/api")
	api.Get("/chat/:id", s.requireToken, s.handleHistory)
	api.Post("/recordings", s.requireToken, s.handleRecording)

	ws := s.app.Group("/ws", requireUpgrade)
	ws.Get("/chat/:id", websocket.New(s.serveChat))
	ws.Get("/signal/:id", websocket.New(s.serveSignal))

	return s, nil
}

// App возвращает fiber приложение, используется в тестах
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen принимает соединения на addr до Shutdown
func (s *Server) Listen(addr string) error {
	s.logger.Info("relay запущен", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Serve принимает соединения на готовом listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("relay запущен", zap.String("addr", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown закрывает соединения участников и останавливает сервер
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("остановка relay")
	s.cancel()
	s.chatRooms.closeAll()
	s.signalRooms.closeAll()
	err := s.app.ShutdownWithContext(ctx)
	s.events.Close()
	return err
}

// ChatRooms реестр комнат чата
func (s *Server) ChatRooms() *Rooms {
	return s.chatRooms
}

// SignalRooms реестр сигнальных комнат
func (s *Server) SignalRooms() *Rooms {
	return s.signalRooms
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("ошибка обработки запроса",
			zap.String("path", c.Path()),
			zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"service":      s.cfg.ServiceName,
		"chat_rooms":   s.chatRooms.Count(),
		"signal_rooms": s.signalRooms.Count(),
	})
}

// authorize проверяет токен websocket соединения. Отклоненное соединение
// закрывается с кодом 4001.
func (s *Server) authorize(conn *websocket.Conn, channel string) (Identity, bool) {
	ident, err := s.verifier.Verify(conn.Query("token"))
	if err == nil {
		return ident, true
	}
	s.metrics.authFailed(channel)
	s.logger.Warn("отклонен токен",
		zap.String("channel", channel),
		zap.String("session_id", conn.Params("id")),
		zap.Error(err))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeInvalidToken, "Invalid token"),
		time.Now().Add(writeWait))
	_ = conn.Close()
	return Identity{}, false
}

// serveRoom общий цикл участника комнаты: вход, чтение кадров, выход.
// onLeave получает число оставшихся участников.
func (s *Server) serveRoom(rooms *Rooms, room, channel string, c *client,
	onJoin func(count int), handle func(data []byte), onLeave func(remaining int)) {

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	s.metrics.connOpened(channel)
	count := rooms.join(room, c)
	c.logger.Info("участник вошел в комнату", zap.String("room", room), zap.Int("peer_count", count))
	onJoin(count)

	c.readPump(handle)

	remaining := rooms.leave(room, c)
	close(c.send)
	<-done
	s.metrics.connClosed(channel)
	c.logger.Info("участник покинул комнату", zap.String("room", room), zap.Int("peer_count", remaining))
	onLeave(remaining)
}

func (s *Server) publish(ev Event) {
	ev.At = s.now()
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("не удалось опубликовать событие",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
