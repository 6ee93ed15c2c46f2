// Package server provides the HTTP surface of the chat relay: a session
// middleware, the push-stream chat endpoint, conversation management and
// upstream configuration.
package server

import (
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/metrics"
	"github.com/papercomputeco/chatrelay/pkg/relay"
	"github.com/papercomputeco/chatrelay/pkg/store"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// Server relays chat turns between browsers and the upstream model and
// keeps every exchange in its store.
type Server struct {
	config   Config
	store    store.Store
	resolver *upstream.Resolver
	client   *upstream.Client
	relay    *relay.Relay
	logger   *zap.Logger
	validate *validator.Validate
	registry *prometheus.Registry
	server   *fiber.App
}

// OpenStore opens the SQLite database at path, or an in-memory store when
// path is empty or ":memory:".
func OpenStore(path string, logger *zap.Logger) (store.Store, error) {
	if path == "" || path == ":memory:" {
		logger.Info("using in-memory storage")
		return store.NewMemoryStore(), nil
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}

	logger.Info("using SQLite storage", zap.String("path", path))
	return s, nil
}

// New creates a Server backed by s. The server owns s and closes it on Close.
func New(config Config, s store.Store, logger *zap.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	resolver := upstream.NewResolver(s, config.Settings())
	client := upstream.New(config.UpstreamClientConfig(), resolver, logger.Named("upstream"))

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	srv := &Server{
		config:   config,
		store:    s,
		resolver: resolver,
		client:   client,
		relay:    relay.New(config.RelayConfig(), s, client, logger.Named("relay"), m),
		logger:   logger,
		validate: newValidator(),
		registry: registry,
		server:   app,
	}

	srv.routes(app)

	return srv, nil
}

func (s *Server) routes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := app.Group("/api", s.sessionMiddleware)

	chat := api.Group("/chat")
	chat.Post("/send-stream", s.handleSendStream)
	chat.Post("/send", s.handleSend)
	chat.Post("/new", s.handleNewConversation)
	chat.Get("/conversations", s.handleListConversations)
	chat.Get("/messages/:id", s.handleGetMessages)
	chat.Delete("/delete/:id", s.handleDeleteConversation)

	admin := api.Group("/admin")
	admin.Get("/config", s.handleGetConfig)
	admin.Post("/config", s.handleSaveConfig)
	admin.Post("/test-api", s.handleTestAPI)
}

// Reload applies a changed configuration. Only the upstream defaults take
// effect without a restart.
func (s *Server) Reload(config Config) {
	s.resolver.SetDefaults(config.Settings())
	s.logger.Info("upstream defaults reloaded",
		zap.String("url", config.Upstream.URL),
		zap.String("model", config.Upstream.Model),
	)
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting chat relay server",
		zap.String("listen", s.config.Server.ListenAddr),
		zap.String("upstream", s.resolver.Defaults().URL),
		zap.Bool("stream", s.config.Server.Stream),
	)

	return s.server.Listen(s.config.Server.ListenAddr)
}

// RunWithListener serves on an existing listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting chat relay server", zap.String("listen", listener.Addr().String()))
	return s.server.Listener(listener)
}

// Shutdown stops accepting connections and waits for open ones.
func (s *Server) Shutdown() error {
	return s.server.Shutdown()
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.server
}
