// Package adminapi is the operator HTTP surface: session listing, detail,
// and termination, plus liveness/readiness: a fiber app with API-key
// header auth and JSON {ok,error} error responses.
package adminapi

import (
	"context"
	"crypto/subtle"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/internal/health"
	"github.com/p-blackswan/sessionagent/internal/session"
)

// Terminator tears a session down the same way the `terminate` command
// does: cancel any in-flight request, drop reactions, remove the entry.
type Terminator interface {
	TerminateSession(sessionKey string) bool
}

// DeployStatus reports a service's read-only rollout status, backing the
// deploy workflow's operator view.
type DeployStatus interface {
	Enabled() bool
	Status(ctx context.Context, service string) (string, error)
}

// ServerConfig configures the admin server.
type ServerConfig struct {
	ListenAddr string
	APIKey     string // empty disables auth (development only)
}

// Server is the fiber-based admin API server.
type Server struct {
	app        *fiber.App
	cfg        ServerConfig
	sessions   *session.Store
	terminator Terminator
	deploy     DeployStatus
	checker    *health.Checker
	logger     zerolog.Logger
}

// sessionSummary is the listing projection of one session.
type sessionSummary struct {
	Key          string    `json:"key"`
	Owner        string    `json:"owner"`
	Workflow     string    `json:"workflow"`
	State        string    `json:"state"`
	Model        string    `json:"model,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	RenewState   string    `json:"renewState,omitempty"`
	Links        int       `json:"links"`
}

// sessionDetail adds usage and link detail to the summary.
type sessionDetail struct {
	sessionSummary
	Usage struct {
		ContextWindow    int     `json:"contextWindow"`
		CurrentInput     int     `json:"currentInput"`
		CurrentOutput    int     `json:"currentOutput"`
		RemainingPercent float64 `json:"remainingPercent"`
		TotalCostUSD     float64 `json:"totalCostUSD"`
	} `json:"usage"`
	LinkDetail []linkDetail `json:"linkDetail,omitempty"`
}

type linkDetail struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Provider string `json:"provider"`
	Label    string `json:"label,omitempty"`
	Status   string `json:"status,omitempty"`
}

// New creates a Server.
func New(cfg ServerConfig, sessions *session.Store, terminator Terminator, checker *health.Checker, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		terminator: terminator,
		checker:    checker,
		logger:     logger.With().Str("component", "adminapi").Logger(),
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	app.Get("/health", s.liveness)
	app.Get("/ready", s.readiness)

	v1 := app.Group("/v1", s.auth)
	v1.Get("/sessions", s.listSessions)
	v1.Get("/sessions/:key", s.getSession)
	v1.Delete("/sessions/:key", s.terminateSession)
	v1.Get("/deploy/:service/status", s.deployStatus)

	s.app = app
	return s
}

// SetDeployTool wires the optional cluster-status backend.
func (s *Server) SetDeployTool(d DeployStatus) {
	s.deploy = d
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("admin API listening")
	return s.app.Listen(s.cfg.ListenAddr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) auth(c *fiber.Ctx) error {
	if s.cfg.APIKey == "" {
		return c.Next()
	}
	key := c.Get("X-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
		return problem(c, fiber.StatusUnauthorized, "unauthorized", "missing or invalid API key")
	}
	return c.Next()
}

func (s *Server) liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) readiness(c *fiber.Ctx) error {
	if s.checker != nil && !s.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		Key:          sess.Key,
		Owner:        sess.Owner,
		Workflow:     sess.Workflow,
		State:        string(sess.State),
		Model:        sess.Model,
		LastActivity: sess.LastActivity,
		RenewState:   string(sess.RenewState),
		Links:        len(sess.Links),
	}
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	all := s.sessions.GetAll()
	out := make([]sessionSummary, 0, len(all))
	for _, sess := range all {
		out = append(out, summarize(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return c.JSON(fiber.Map{"sessions": out, "count": len(out)})
}

func (s *Server) getSession(c *fiber.Ctx) error {
	sess := s.sessions.Get(c.Params("key"))
	if sess == nil {
		return problem(c, fiber.StatusNotFound, "not_found", "no such session")
	}

	var d sessionDetail
	d.sessionSummary = summarize(sess)
	d.Usage.ContextWindow = sess.Usage.ContextWindow
	d.Usage.CurrentInput = sess.Usage.CurrentInput
	d.Usage.CurrentOutput = sess.Usage.CurrentOutput
	d.Usage.RemainingPercent = sess.Usage.RemainingPercent()
	d.Usage.TotalCostUSD = sess.Usage.TotalCostUSD
	for _, l := range sess.Links {
		d.LinkDetail = append(d.LinkDetail, linkDetail{
			Type: string(l.Type), URL: l.URL, Provider: l.Provider, Label: l.Label, Status: l.Status,
		})
	}
	return c.JSON(d)
}

func (s *Server) terminateSession(c *fiber.Ctx) error {
	key := c.Params("key")
	if s.terminator == nil {
		return problem(c, fiber.StatusServiceUnavailable, "unavailable", "termination is not wired")
	}
	if !s.terminator.TerminateSession(key) {
		return problem(c, fiber.StatusNotFound, "not_found", "no such session")
	}
	s.logger.Info().Str("session", key).Msg("session terminated via admin API")
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) deployStatus(c *fiber.Ctx) error {
	if s.deploy == nil || !s.deploy.Enabled() {
		return problem(c, fiber.StatusServiceUnavailable, "unavailable", "cluster lookups are not configured")
	}
	out, err := s.deploy.Status(c.Context(), c.Params("service"))
	if err != nil {
		return problem(c, fiber.StatusBadGateway, "upstream_error", err.Error())
	}
	return c.JSON(fiber.Map{"service": c.Params("service"), "status": out})
}

// problem renders the structured error envelope.
func problem(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"ok": false,
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
