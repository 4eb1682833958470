package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/gridserve/gridserve/pkg/config"
	"github.com/gridserve/gridserve/pkg/dispatch"
	gridservejson "github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/registry"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

// RouterServer is the stateless front door: node authentication, model
// library management, assignment and completion dispatch, all backed by
// the coordination store.
type RouterServer struct {
	app        *fiber.App
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	metrics    *metrics.PrometheusMetrics

	host          string
	port          int
	assignTimeout time.Duration
}

// NewRouterServer creates the router's HTTP server.
func NewRouterServer(cfg *config.Config, store storage.Store, m *metrics.PrometheusMetrics) *RouterServer {
	if err := gridservejson.Configure(cfg.JSON); err != nil {
		log.Printf("Warning: failed to configure JSON library, using standard: %v", err)
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "GridServe",
		AppName:      "GridServe Router",
		JSONEncoder:  gridservejson.Marshal,
		JSONDecoder:  gridservejson.Unmarshal,
	})

	assignTimeout := cfg.Router.AssignTimeout
	if assignTimeout <= 0 {
		assignTimeout = 30 * time.Second
	}

	s := &RouterServer{
		app:           app,
		registry:      registry.New(store, cfg.Router.PublicAddr),
		dispatcher:    dispatch.New(store, cfg.Router.GenerationTimeout, cfg.Router.HealthTimeout, m),
		store:         store,
		metrics:       m,
		host:          cfg.Router.Host,
		port:          cfg.Router.Port,
		assignTimeout: assignTimeout,
	}

	s.setupMiddlewares()
	s.setupRoutes()
	return s
}

// App exposes the fiber app for tests.
func (s *RouterServer) App() *fiber.App { return s.app }

func (s *RouterServer) setupMiddlewares() {
	s.app.Use(requestid.New())
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006/01/02 15:04:05",
		TimeZone:   "Local",
	}))
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Requested-With",
	}))
	s.app.Use(s.requestMetrics)
}

func (s *RouterServer) requestMetrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if s.metrics != nil {
		s.metrics.RecordRequest(c.Method(), c.Route().Path, c.Response().StatusCode(), time.Since(start))
	}
	return err
}

func (s *RouterServer) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	s.app.Post("/completions", s.handleCompletions)

	user := s.app.Group("/user/me")
	user.Get("/nodes", s.handleListNodes)
	user.Post("/node/authenticate", s.handleAuthenticate)
	user.Post("/node/assign-model", s.handleAssignModel)
	user.Post("/node/unassign-model", s.handleUnassignModel)
	user.Get("/library", s.handleListLibrary)
	user.Post("/library", s.handleLibrary)
}

// Start starts the router server.
func (s *RouterServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Printf("Starting GridServe router on %s", addr)
	return s.app.Listen(addr)
}

// Stop gracefully stops the router server.
func (s *RouterServer) Stop() error {
	log.Printf("Stopping GridServe router")
	return s.app.Shutdown()
}

func (s *RouterServer) handleHealth(c *fiber.Ctx) error {
	report := s.dispatcher.Health(c.Context())
	status := fiber.StatusOK
	if report.Status == "unhealthy" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}

func (s *RouterServer) handleCompletions(c *fiber.Ctx) error {
	var req dispatch.CompletionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Model == "" {
		return badRequest(c, "model is required")
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	start := time.Now()
	resp, err := s.dispatcher.Complete(c.Context(), &req)
	if s.metrics != nil {
		s.metrics.RecordCompletion(req.Model, err == nil, time.Since(start))
	}
	if err != nil {
		if s.metrics != nil {
			var fe *types.FleetError
			if errors.As(err, &fe) {
				s.metrics.RecordError(string(fe.Code), "dispatch")
			}
		}
		return writeError(c, err)
	}
	return c.JSON(resp)
}

func (s *RouterServer) handleListNodes(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return badRequest(c, "userId is required")
	}

	nodes, err := s.registry.ListNodes(c.Context(), userID)
	if err != nil {
		return writeError(c, err)
	}

	summaries := make([]NodeSummary, 0, len(nodes))
	for _, node := range nodes {
		summaries = append(summaries, newNodeSummary(node))
	}
	return c.JSON(fiber.Map{"nodes": summaries, "count": len(summaries)})
}

func (s *RouterServer) handleAuthenticate(c *fiber.Ctx) error {
	var req AuthenticateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.SetupToken == "" || req.UserID == "" {
		return badRequest(c, "setupToken and userId are required")
	}

	node, err := s.registry.Authenticate(c.Context(), req.SetupToken, req.UserID)
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(err == nil)
	}
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"status": "authenticated",
		"node":   newNodeSummary(node),
	})
}

func (s *RouterServer) handleAssignModel(c *fiber.Ctx) error {
	var req AssignModelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.UserID == "" || req.NodeID == "" || req.ModelID == "" {
		return badRequest(c, "userId, nodeId and modelId are required")
	}

	// Assignment is a bounded store transaction, not a load: the agent
	// does the slow work after the 202.
	ctx, cancel := context.WithTimeout(c.Context(), s.assignTimeout)
	defer cancel()

	if err := s.registry.AssignModel(ctx, req.UserID, req.NodeID, req.ModelID); err != nil {
		return writeError(c, err)
	}

	// The agent converges asynchronously; queued is all the router knows.
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "queued",
		"nodeId":  req.NodeID,
		"modelId": req.ModelID,
	})
}

func (s *RouterServer) handleUnassignModel(c *fiber.Ctx) error {
	var req AssignModelRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.UserID == "" || req.NodeID == "" || req.ModelID == "" {
		return badRequest(c, "userId, nodeId and modelId are required")
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.assignTimeout)
	defer cancel()

	if err := s.registry.UnassignModel(ctx, req.UserID, req.NodeID, req.ModelID); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "unassigned",
		"nodeId":  req.NodeID,
		"modelId": req.ModelID,
	})
}

func (s *RouterServer) handleListLibrary(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return badRequest(c, "userId is required")
	}

	models, err := s.registry.ListLibrary(c.Context(), userID)
	if err != nil {
		return writeError(c, err)
	}

	summaries := make([]ModelSummary, 0, len(models))
	for _, model := range models {
		summaries = append(summaries, newModelSummary(model))
	}
	return c.JSON(fiber.Map{"models": summaries, "count": len(summaries)})
}

func (s *RouterServer) handleLibrary(c *fiber.Ctx) error {
	var req LibraryRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.UserID == "" || req.ModelID == "" {
		return badRequest(c, "userId and modelId are required")
	}

	model, err := s.registry.SetLibraryEntry(c.Context(), req.UserID, "", req.ModelName, req.ModelID, req.IsSet)
	if err != nil {
		return writeError(c, err)
	}

	if !req.IsSet {
		return c.JSON(fiber.Map{"status": "removed", "modelId": req.ModelID})
	}
	return c.JSON(fiber.Map{"status": "added", "model": newModelSummary(model)})
}
