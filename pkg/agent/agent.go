// Package agent owns a single worker process's model lifecycle. A
// periodic reconciliation loop reads the node's desired state (its
// assignment set) from the coordination store and drives the local
// engine toward it, publishing every status transition back into the
// store. The loop is the only writer of the node's lifecycle fields.
package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gridserve/gridserve/pkg/engine"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

// DefaultPollInterval is the reconciliation period when none is configured.
const DefaultPollInterval = 5 * time.Second

// Agent reconciles one node's loaded model against its assignment.
type Agent struct {
	nodeID   string
	store    storage.Store
	loader   engine.Loader
	device   engine.Device
	interval time.Duration
	metrics  *metrics.PrometheusMetrics

	mu            sync.RWMutex
	eng           engine.Engine
	activeID      string
	activeName    string
	loading       bool
	failedModelID string
	authenticated bool
}

// New creates an agent for nodeID using the given loader and device.
// The metrics handle may be nil.
func New(nodeID string, store storage.Store, loader engine.Loader, device engine.Device, interval time.Duration, m *metrics.PrometheusMetrics) *Agent {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Agent{
		nodeID:   nodeID,
		store:    store,
		loader:   loader,
		device:   device,
		interval: interval,
		metrics:  m,
	}
}

// NodeID returns the agent's node identity.
func (a *Agent) NodeID() string { return a.nodeID }

// Device returns the selected compute device.
func (a *Agent) Device() engine.Device { return a.device }

// Run drives the reconciliation loop until ctx is cancelled. Polling is
// the only scheduling primitive; there is no push notification from the
// registry.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.reconcile(ctx)
	for {
		select {
		case <-ticker.C:
			a.reconcile(ctx)
		case <-ctx.Done():
			a.shutdown()
			return
		}
	}
}

// reconcile performs one convergence pass. Heavy load work runs in a
// background task so the loop and the request-serving path stay live.
func (a *Agent) reconcile(ctx context.Context) {
	node, err := a.store.GetNode(ctx, a.nodeID)
	if err != nil {
		var fe *types.FleetError
		if errors.As(err, &fe) && fe.IsCode(types.ErrCodeNodeNotFound) {
			// No node record means setup has not completed yet.
			a.setAuthenticated(false)
			return
		}
		// A store outage says nothing about authentication. Keep the
		// last observed state so a serving node keeps serving through
		// the blip, and converge again once the store is back.
		log.Printf("[agent] coordination store unreachable, skipping pass: %v", err)
		return
	}
	a.setAuthenticated(node.Authenticated())
	if !node.Authenticated() {
		return
	}

	if a.loadInFlight() {
		return
	}

	assignments, err := a.store.Assignments(ctx, a.nodeID)
	if err != nil {
		log.Printf("[agent] failed to read assignments: %v", err)
		return
	}

	// Exactly one target is in flight: the first member in stable order.
	var target string
	if len(assignments) > 0 {
		target = assignments[0]
	}

	a.mu.RLock()
	active := a.activeID
	failed := a.failedModelID
	a.mu.RUnlock()

	switch {
	case target == "":
		if active != "" || node.ModelStatus != types.ModelStatusIdle {
			a.unload(ctx)
		}
	case target == active:
		// Converged
	case target == failed:
		// Terminal for this assignment: stay in error until the
		// assignment changes, so a broken model cannot crash-loop.
	default:
		a.startLoad(ctx, target)
	}
}

func (a *Agent) startLoad(ctx context.Context, modelID string) {
	model, err := a.store.GetModel(ctx, modelID)
	if err != nil {
		log.Printf("[agent] assigned model %s not resolvable: %v", modelID, err)
		a.fail(ctx, modelID)
		return
	}

	// The queued status lands before the old engine is released, so
	// the store never claims ready for a model that is already gone.
	a.writeStatus(ctx, types.ModelStatusQueued, "", "")

	// The old engine goes away before the new weights are mapped; a
	// single-model node cannot hold both.
	a.closeEngine()

	a.mu.Lock()
	a.loading = true
	a.mu.Unlock()

	go a.load(ctx, model)
}

func (a *Agent) load(ctx context.Context, model *types.Model) {
	defer func() {
		a.mu.Lock()
		a.loading = false
		a.mu.Unlock()
	}()

	log.Printf("[agent] loading model %s (%s) on %s", model.ModelName, model.HuggingFaceModelID, a.device)
	start := time.Now()

	a.writeStatus(ctx, types.ModelStatusDownloading, "", "")

	path, err := a.loader.EnsureLocal(ctx, model.HuggingFaceModelID)
	if err != nil {
		log.Printf("[agent] download failed for %s: %v", model.ModelName, err)
		a.fail(ctx, model.ModelID)
		return
	}

	a.writeStatus(ctx, types.ModelStatusLoading, "", "")

	eng, err := a.loader.Load(ctx, model.HuggingFaceModelID, path, a.device)
	if err != nil {
		log.Printf("[agent] load failed for %s: %v", model.ModelName, err)
		a.fail(ctx, model.ModelID)
		return
	}

	a.mu.Lock()
	a.eng = eng
	a.activeID = model.ModelID
	a.activeName = model.ModelName
	a.failedModelID = ""
	a.mu.Unlock()

	a.writeStatus(ctx, types.ModelStatusReady, model.ModelID, model.ModelName)
	if a.metrics != nil {
		a.metrics.RecordModelLoad(true, time.Since(start))
	}
	log.Printf("[agent] model %s ready", model.ModelName)
}

// fail records a terminal load failure. The node stays in error until
// the assignment changes; there is no automatic retry.
func (a *Agent) fail(ctx context.Context, modelID string) {
	a.closeEngine()
	a.mu.Lock()
	a.failedModelID = modelID
	a.mu.Unlock()

	a.writeStatus(ctx, types.ModelStatusError, "", "")
	if a.metrics != nil {
		a.metrics.RecordModelLoad(false, 0)
		a.metrics.RecordError(string(types.ErrCodeLoadFailed), "agent")
	}
}

// unload releases the engine and returns the node to idle.
func (a *Agent) unload(ctx context.Context) {
	a.closeEngine()
	a.mu.Lock()
	a.failedModelID = ""
	a.mu.Unlock()

	a.writeStatus(ctx, types.ModelStatusIdle, "", "")
}

// writeStatus publishes a lifecycle transition to the store and mirrors
// it into the status gauge.
func (a *Agent) writeStatus(ctx context.Context, status types.ModelStatus, modelID, modelName string) {
	if err := a.store.UpdateModelStatus(ctx, a.nodeID, status, modelID, modelName); err != nil {
		log.Printf("[agent] status write failed: %v", err)
	}
	if a.metrics != nil {
		a.metrics.SetModelStatus(string(status))
	}
}

func (a *Agent) closeEngine() {
	a.mu.Lock()
	eng := a.eng
	a.eng = nil
	a.activeID = ""
	a.activeName = ""
	a.mu.Unlock()

	if eng != nil {
		if err := eng.Close(); err != nil {
			log.Printf("[agent] engine close: %v", err)
		}
	}
}

func (a *Agent) shutdown() {
	a.closeEngine()
}

func (a *Agent) loadInFlight() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loading
}

func (a *Agent) setAuthenticated(v bool) {
	a.mu.Lock()
	a.authenticated = v
	a.mu.Unlock()
}

// Authenticated reports the authentication state observed on the last
// reconciliation pass.
func (a *Agent) Authenticated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authenticated
}

// Generate serves a generation request against the loaded engine.
// Fails with FORBIDDEN when the node is unauthenticated and with
// NO_MODEL_LOADED when no engine is ready.
func (a *Agent) Generate(ctx context.Context, prompt string, params types.GenerateParams) (string, string, error) {
	if !a.Authenticated() {
		return "", "", types.NewFleetError(types.ErrCodeForbidden, "node not authenticated")
	}

	a.mu.RLock()
	eng := a.eng
	modelName := a.activeName
	a.mu.RUnlock()

	if eng == nil {
		return "", "", types.NewFleetError(types.ErrCodeNoModelLoaded, "no model loaded")
	}

	text, err := eng.Generate(ctx, prompt, params)
	if err != nil {
		return "", "", types.NewFleetErrorWithCause(types.ErrCodeGenerationFailed, "generation failed", err)
	}
	return text, modelName, nil
}

// Status is a point-in-time snapshot of the agent for introspection.
type Status struct {
	NodeID          string        `json:"node_id"`
	Authenticated   bool          `json:"authenticated"`
	ModelLoaded     bool          `json:"model_loaded"`
	Loading         bool          `json:"loading"`
	ActiveModelID   string        `json:"active_model_id"`
	ActiveModelName string        `json:"active_model_name"`
	Device          engine.Device `json:"device"`
}

// Status returns the agent's current snapshot.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{
		NodeID:          a.nodeID,
		Authenticated:   a.authenticated,
		ModelLoaded:     a.eng != nil,
		Loading:         a.loading,
		ActiveModelID:   a.activeID,
		ActiveModelName: a.activeName,
		Device:          a.device,
	}
}
