package api

import (
	"context"
	"errors"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"formdesk-server/config"
	"formdesk-server/service"
	"formdesk-server/service/sink"
	"formdesk-server/service/stors/formstor"

	"github.com/bytedance/sonic"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
)

type Server struct {
	cfg      *config.Config
	sessions *service.SessionRegistry
	hubs     *HubManager
	sink     sink.Submitter
	store    formstor.FormStorage
}

func NewServer(cfg *config.Config, submitter sink.Submitter, store formstor.FormStorage) *Server {
	if store == nil {
		store = formstor.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: service.NewSessionRegistry(),
		hubs:     NewHubManager(),
		sink:     submitter,
		store:    store,
	}
}

func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		JSONEncoder:             sonic.Marshal,
		JSONDecoder:             sonic.Unmarshal,
		EnableTrustedProxyCheck: true,
		TrustedProxies: []string{
			"localhost",
			"127.0.0.1",
		},
		ProxyHeader: fiber.HeaderXForwardedFor,
		BodyLimit:   config.MaxSchemaSize * 2,
	})
	loggerCfg := logger.ConfigDefault
	loggerCfg.Format = "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${queryParams} | ${error}\n"
	app.Use(logger.New(loggerCfg))

	rg := app.Group("/api")
	rg.Use(limiter.New(limiter.Config{
		Max: max(s.cfg.APIRPM, 2),
	}))
	if s.cfg.APIKeyAuth && len(s.cfg.APIKeys) > 0 {
		rg.Use(keyauth.New(keyauth.Config{
			// browsers cannot set headers on a websocket handshake
			Next: func(c *fiber.Ctx) bool {
				return strings.HasSuffix(c.Path(), "/ws")
			},
			KeyLookup: "header:X-API-Key",
			Validator: func(c *fiber.Ctx, key string) (bool, error) {
				hashedKey := sha256.Sum256([]byte(key))
				for _, k := range s.cfg.APIKeys {
					hashedAPIKey := sha256.Sum256([]byte(k))
					if subtle.ConstantTimeCompare(hashedKey[:], hashedAPIKey[:]) == 1 {
						return true, nil
					}
				}
				return false, keyauth.ErrMissingOrMalformedAPIKey
			},
		}))
	}

	withSession := s.handleSessionMiddleware
	rg.Post("/session", s.handleCreateSession)
	rg.Get("/session/:sessionid", withSession, s.handleGetSession)
	rg.Delete("/session/:sessionid", withSession, s.handleDeleteSession)
	rg.Post("/session/:sessionid/navigate", withSession, s.handleNavigate)
	rg.Post("/session/:sessionid/back", withSession, s.handleBack)
	rg.Post("/session/:sessionid/form", withSession, s.handleCreateForm)
	rg.Put("/session/:sessionid/schema", withSession, s.handlePutSchema)
	rg.Post("/session/:sessionid/submit", withSession, s.handleSubmit)
	rg.Post("/session/:sessionid/save", withSession, s.handleSave)
	rg.Get("/session/:sessionid/saved", withSession, s.handleListSaved)
	rg.Post("/session/:sessionid/view", withSession, s.handleView)
	rg.Post("/session/:sessionid/export", withSession, s.handleExport)
	rg.Post("/session/:sessionid/render", withSession, s.handleRender)
	rg.Delete("/session/:sessionid/result", withSession, s.handleDismissResult)
	rg.Get("/session/:sessionid/ws", withSession, s.handleWidgetWSUpgrade, websocket.New(s.handleWidgetWSConn))

	return app
}

// Close ends every session and disconnects their widget pages.
func (s *Server) Close() error {
	err := s.sessions.CloseAll()
	for _, id := range s.hubs.IDs() {
		s.hubs.CleanupSession(id)
	}
	return err
}

// reapIdle closes sessions that have no connected tab and were last seen more
// than SessionIdleTTL before now.
func (s *Server) reapIdle(now time.Time) int {
	ttl := s.cfg.SessionIdleTTL
	if ttl <= 0 {
		return 0
	}
	reaped := 0
	for _, id := range s.sessions.Idle(now.Add(-ttl)) {
		if hub := s.hubs.GetHub(id); hub != nil && !hub.IsEmpty() {
			continue
		}
		err := s.sessions.Remove(id)
		if errors.Is(err, service.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Failed to close idle session", "sessionid", id, "err", err)
		}
		if s.hubs.ExistsHub(id) {
			s.hubs.CleanupSession(id)
		}
		reaped++
	}
	return reaped
}

func (s *Server) runReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.reapIdle(now); n > 0 {
				slog.Info("Closed idle sessions", "count", n)
			}
		}
	}
}

func Serve(ctx context.Context) {
	submitter := sink.NewClient(config.C.SinkURL, config.C.SinkTimeout)
	srv := NewServer(config.C, submitter, formstor.Default())
	app := srv.App()

	go srv.runReaper(ctx, config.SessionReapInterval)

	addr := fmt.Sprintf("%s:%d", config.C.APIHost, config.C.APIPort)
	go func() {
		slog.Info("API server listening on", "addr", addr, "sink", submitter.URL())
		if err := app.Listen(addr); err != nil {
			slog.Error("Failed to start API server", "err", err)
			os.Exit(1)
		}
	}()
	<-ctx.Done()
	slog.Info("API server is shutting down")
	if err := srv.Close(); err != nil {
		slog.Error("Failed to close sessions", "err", err)
	}
	if err := app.ShutdownWithTimeout(time.Second * 10); err != nil {
		slog.Error("Failed to gracefully shutdown API server", "err", err)
	} else {
		slog.Info("API server shutdown successfully")
	}
}
