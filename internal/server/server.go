// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lawyrs/counsel/config"
	core "github.com/lawyrs/counsel/internal/agent/core"
	"github.com/lawyrs/counsel/internal/agent/handlers"
	"github.com/lawyrs/counsel/internal/agent/telemetry"
	"github.com/lawyrs/counsel/internal/memory/semantic"
	"github.com/lawyrs/counsel/internal/store"
)

// Orchestrator is the engine surface the HTTP layer needs.
type Orchestrator interface {
	Handle(ctx context.Context, req core.ChatRequest) (core.FinalResponse, error)
	Classify(ctx context.Context, message, sessionID string) (core.AgentRoute, error)
	ClearSession(ctx context.Context, sessionID string) error
	History(ctx context.Context, sessionID string, limit int) ([]core.ConversationTurn, error)
}

// Run wires all dependencies from config and serves until the listener
// fails.
func Run(cfgPath, addr string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Address
	}

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}

	var cache *redis.Client
	if cfg.Storage.Redis.Host != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	semLogger := log.New(log.Writer(), "[SEMANTIC] ", log.LstdFlags)
	sem, err := semantic.New(cfg.Memory.Semantic, semLogger)
	if err != nil {
		return fmt.Errorf("semantic init: %w", err)
	}
	var semIface core.SemanticMemory
	if sem != nil {
		if err := sem.Warm(ctx, st, core.MemoryScope{}, 10000); err != nil {
			semLogger.Printf("warm degraded: %v", err)
		}
		semIface = sem
	}

	llm := handlers.NewClient(cfg.LLM)
	registry := handlers.NewRegistry(llm, nil)

	metrics := telemetry.New()
	assembler := core.NewAssembler(st, semIface, cache, cfg.Storage.Redis.CacheTTL, nil)
	engine := core.NewEngine(assembler, registry, st, semIface, metrics, nil)

	e := newEcho()
	api := &API{Engine: engine, LLM: llm, DefaultJurisdiction: cfg.General.DefaultJurisdiction}
	api.Register(e.Group("/api"))

	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS, a unified JSON error
// handler and the health/metrics endpoints.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// API registers the JSON endpoints backed by the engine.
type API struct {
	Engine              Orchestrator
	LLM                 *handlers.Client
	DefaultJurisdiction string
}

// Register mounts the routes on an /api group.
func (a *API) Register(g *echo.Group) {
	g.POST("/chat", a.chat)
	g.GET("/classify", a.classify)
	g.GET("/sessions/:id/history", a.history)
	g.POST("/sessions/:id/clear", a.clear)
	g.GET("/config", a.config)
}

type chatPayload struct {
	Message      string `json:"message"`
	SessionID    string `json:"session_id"`
	CaseID       string `json:"case_id"`
	Jurisdiction string `json:"jurisdiction"`
	UserID       string `json:"user_id"`
	AgentType    string `json:"agent_type"`
}

type chatEnvelope struct {
	Success bool `json:"success"`
	core.FinalResponse
}

func (a *API) chat(c echo.Context) error {
	var payload chatPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if payload.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if payload.Jurisdiction == "" {
		payload.Jurisdiction = a.DefaultJurisdiction
	}

	req := core.ChatRequest{
		Message:      payload.Message,
		SessionID:    payload.SessionID,
		CaseID:       payload.CaseID,
		Jurisdiction: payload.Jurisdiction,
		UserID:       payload.UserID,
		ForcedAgent:  core.AgentType(payload.AgentType),
	}
	resp, err := a.Engine.Handle(c.Request().Context(), req)
	if err != nil {
		return stageHTTPError(err)
	}
	return c.JSON(http.StatusOK, chatEnvelope{Success: true, FinalResponse: resp})
}

func (a *API) classify(c echo.Context) error {
	message := c.QueryParam("message")
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message query parameter is required")
	}
	route, err := a.Engine.Classify(c.Request().Context(), message, c.QueryParam("session_id"))
	if err != nil {
		return stageHTTPError(err)
	}
	return c.JSON(http.StatusOK, route)
}

func (a *API) history(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	turns, err := a.Engine.History(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return stageHTTPError(err)
	}
	if turns == nil {
		turns = []core.ConversationTurn{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": c.Param("id"),
		"turns":      turns,
	})
}

func (a *API) clear(c echo.Context) error {
	if err := a.Engine.ClearSession(c.Request().Context(), c.Param("id")); err != nil {
		return stageHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session_id": c.Param("id"), "cleared": true})
}

func (a *API) config(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"model":                a.LLM.Model(),
		"api_key_set":          a.LLM.Configured(),
		"default_jurisdiction": a.DefaultJurisdiction,
	})
}

// stageHTTPError maps engine failures to HTTP codes, exposing only the stage
// name.
func stageHTTPError(err error) error {
	if errors.Is(err, core.ErrEmptyMessage) || errors.Is(err, core.ErrUnknownAgent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var stage *core.StageError
	if errors.As(err, &stage) {
		code := http.StatusInternalServerError
		if stage.Stage == core.StageGeneration {
			code = http.StatusBadGateway
		}
		return echo.NewHTTPError(code, fmt.Sprintf("%s failed", stage.Stage))
	}
	return err
}
