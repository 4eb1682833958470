package api

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/gridserve/gridserve/pkg/agent"
	"github.com/gridserve/gridserve/pkg/config"
	gridservejson "github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/registry"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

// NodeServer is a worker's HTTP surface: setup bootstrap, status
// introspection and authenticated generation.
type NodeServer struct {
	app      *fiber.App
	agent    *agent.Agent
	store    storage.Store
	registry *registry.Registry
	metrics  *metrics.PrometheusMetrics

	host      string
	port      int
	publicURL string
}

// NewNodeServer creates the node's HTTP server.
func NewNodeServer(cfg *config.Config, store storage.Store, ag *agent.Agent, m *metrics.PrometheusMetrics) *NodeServer {
	if err := gridservejson.Configure(cfg.JSON); err != nil {
		log.Printf("Warning: failed to configure JSON library, using standard: %v", err)
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "GridServe",
		AppName:      "GridServe Node",
		JSONEncoder:  gridservejson.Marshal,
		JSONDecoder:  gridservejson.Unmarshal,
	})

	s := &NodeServer{
		app:       app,
		agent:     ag,
		store:     store,
		registry:  registry.New(store, cfg.Router.PublicAddr),
		metrics:   m,
		host:      cfg.Node.Host,
		port:      cfg.Node.Port,
		publicURL: cfg.Node.PublicURL,
	}

	s.setupMiddlewares()
	s.setupRoutes()
	return s
}

// App exposes the fiber app for tests.
func (s *NodeServer) App() *fiber.App { return s.app }

func (s *NodeServer) setupMiddlewares() {
	s.app.Use(requestid.New())
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006/01/02 15:04:05",
		TimeZone:   "Local",
	}))
	s.app.Use(recover.New())
	s.app.Use(s.requestMetrics)
}

func (s *NodeServer) requestMetrics(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	if s.metrics != nil {
		s.metrics.RecordRequest(c.Method(), c.Route().Path, c.Response().StatusCode(), time.Since(start))
	}
	return err
}

// Every route except the loopback-gated setup bootstrap requires the
// node's api key, introspection included.
func (s *NodeServer) setupRoutes() {
	s.app.Get("/setup", s.loopbackOnly, s.handleSetup)

	s.app.Get("/health", s.requireAPIKey, s.handleHealth)
	s.app.Get("/device", s.requireAPIKey, s.handleDevice)
	s.app.Get("/info", s.requireAPIKey, s.handleInfo)
	s.app.Post("/generate", s.requireAPIKey, s.handleGenerate)
	s.app.Post("/assign-model", s.requireAPIKey, s.handleAssignModel)
}

// Start starts the node server.
func (s *NodeServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Printf("Starting GridServe node %s on %s", s.agent.NodeID(), addr)
	return s.app.Listen(addr)
}

// Stop gracefully stops the node server.
func (s *NodeServer) Stop() error {
	log.Printf("Stopping GridServe node")
	return s.app.Shutdown()
}

// loopbackOnly restricts setup bootstrap to the local operator. The
// setup URL it mints carries the one-time token; handing that to remote
// callers would let anyone claim the node.
func (s *NodeServer) loopbackOnly(c *fiber.Ctx) error {
	ip := net.ParseIP(c.IP())
	if ip == nil || !ip.IsLoopback() {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": fiber.Map{
				"code":    types.ErrCodeForbidden,
				"message": "setup is only available from the local machine",
			},
		})
	}
	return c.Next()
}

// requireAPIKey gates request serving on the node's minted credential.
// An unauthenticated node has no credential, so every keyed call fails
// until setup completes. A store outage is not an auth failure: the
// credential cannot be checked, so the call is Unavailable, not
// Forbidden.
func (s *NodeServer) requireAPIKey(c *fiber.Ctx) error {
	node, err := s.store.GetNode(c.Context(), s.agent.NodeID())
	if err != nil {
		var fe *types.FleetError
		if errors.As(err, &fe) && !fe.IsCode(types.ErrCodeNodeNotFound) {
			return writeError(c, err)
		}
		return writeError(c, types.NewFleetError(types.ErrCodeForbidden, "node not authenticated"))
	}
	if !node.Authenticated() {
		return writeError(c, types.NewFleetError(types.ErrCodeForbidden, "node not authenticated"))
	}
	if c.Get("X-API-Key") != node.APIKey {
		return writeError(c, types.NewFleetError(types.ErrCodeForbidden, "invalid api key"))
	}
	return c.Next()
}

func (s *NodeServer) handleSetup(c *fiber.Ctx) error {
	info, err := s.registry.RequestSetup(c.Context(), s.agent.NodeID(), s.publicURL)
	if err != nil {
		return writeError(c, err)
	}

	if info.Authenticated {
		return c.JSON(fiber.Map{
			"authenticated": true,
			"nodeId":        info.NodeID,
			"userId":        info.UserID,
			"nodeName":      info.NodeName,
		})
	}
	return c.JSON(fiber.Map{
		"authenticated": false,
		"nodeId":        info.NodeID,
		"nodeName":      info.NodeName,
		"setupToken":    info.SetupToken,
		"setupUrl":      info.SetupURL,
	})
}

func (s *NodeServer) handleHealth(c *fiber.Ctx) error {
	st := s.agent.Status()
	return c.JSON(fiber.Map{
		"status":        "healthy",
		"nodeId":        st.NodeID,
		"authenticated": st.Authenticated,
		"modelStatus":   s.currentModelStatus(c),
		"modelLoaded":   st.ModelLoaded,
	})
}

func (s *NodeServer) handleDevice(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"device": s.agent.Device()})
}

func (s *NodeServer) handleInfo(c *fiber.Ctx) error {
	st := s.agent.Status()
	info := fiber.Map{
		"nodeId":          st.NodeID,
		"device":          st.Device,
		"authenticated":   st.Authenticated,
		"loading":         st.Loading,
		"activeModelId":   st.ActiveModelID,
		"activeModelName": st.ActiveModelName,
	}

	if node, err := s.store.GetNode(c.Context(), s.agent.NodeID()); err == nil {
		info["nodeName"] = node.NodeName
		info["modelStatus"] = node.ModelStatus
		info["status"] = node.Status
	}
	return c.JSON(info)
}

func (s *NodeServer) handleGenerate(c *fiber.Ctx) error {
	var req GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Prompt == "" {
		return badRequest(c, "prompt is required")
	}

	params := types.DefaultGenerateParams()
	if req.MaxNewTokens > 0 {
		params.MaxNewTokens = req.MaxNewTokens
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
		params.DoSample = *req.Temperature > 0
	}
	if req.DoSample != nil {
		params.DoSample = *req.DoSample
	}

	text, modelName, err := s.agent.Generate(c.Context(), req.Prompt, params)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(GenerateResponse{GeneratedText: text, Model: modelName})
}

// handleAssignModel records this node's desired model directly. The
// reconciliation loop picks the assignment up on its next pass; 208
// short-circuits a model that is already being served.
func (s *NodeServer) handleAssignModel(c *fiber.Ctx) error {
	var req NodeAssignRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.ModelID == "" {
		return badRequest(c, "modelId is required")
	}

	node, err := s.store.GetNode(c.Context(), s.agent.NodeID())
	if err != nil {
		return writeError(c, err)
	}
	if node.Ready() && node.ActiveModelID == req.ModelID {
		return c.Status(fiber.StatusAlreadyReported).JSON(fiber.Map{
			"status":  "already_loaded",
			"modelId": req.ModelID,
		})
	}

	if _, err := s.store.GetModel(c.Context(), req.ModelID); err != nil {
		return writeError(c, err)
	}

	// Replace the previous desired state so the convergence target is
	// unambiguous.
	current, err := s.store.Assignments(c.Context(), s.agent.NodeID())
	if err != nil {
		return writeError(c, err)
	}
	for _, prev := range current {
		if prev == req.ModelID {
			continue
		}
		if err := s.store.RemoveAssignment(c.Context(), s.agent.NodeID(), prev); err != nil {
			return writeError(c, err)
		}
	}
	if err := s.store.AddAssignment(c.Context(), s.agent.NodeID(), req.ModelID); err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "queued",
		"modelId": req.ModelID,
	})
}

func (s *NodeServer) currentModelStatus(c *fiber.Ctx) types.ModelStatus {
	node, err := s.store.GetNode(c.Context(), s.agent.NodeID())
	if err != nil || node.ModelStatus == "" {
		return types.ModelStatusIdle
	}
	return node.ModelStatus
}
