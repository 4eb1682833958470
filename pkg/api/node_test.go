package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridserve/gridserve/pkg/agent"
	"github.com/gridserve/gridserve/pkg/config"
	"github.com/gridserve/gridserve/pkg/engine"
	"github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

type stubEngine struct{}

func (stubEngine) Generate(ctx context.Context, prompt string, params types.GenerateParams) (string, error) {
	return "echo: " + prompt, nil
}

func (stubEngine) Close() error { return nil }

type stubLoader struct{}

func (stubLoader) EnsureLocal(ctx context.Context, sourceID string) (string, error) {
	return "/models/" + sourceID, nil
}

func (stubLoader) Load(ctx context.Context, sourceID, path string, device engine.Device) (engine.Engine, error) {
	return stubEngine{}, nil
}

func newTestNode(t *testing.T) (*NodeServer, *agent.Agent, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	ag := agent.New("node-1", store, stubLoader{}, engine.DeviceCPU, 10*time.Millisecond, nil)

	cfg := config.DefaultConfig()
	cfg.Node.PublicURL = "http://node-1.test:8005"
	s := NewNodeServer(cfg, store, ag, metrics.NewPrometheusMetrics("gridserve_node_test"))

	ctx, cancel := context.WithCancel(context.Background())
	go ag.Run(ctx)
	t.Cleanup(cancel)
	return s, ag, store
}

func nodeDoJSON(t *testing.T, s *NodeServer, method, path, apiKey string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var decoded map[string]interface{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp, decoded
}

// authenticateTestNode binds node-1 to user-1 directly through the store
// and returns its minted api key.
func authenticateTestNode(t *testing.T, store storage.Store) string {
	t.Helper()
	apiKey := "node_node-1_testkey"
	require.NoError(t, store.PutNode(context.Background(), &types.Node{
		NodeID:      "node-1",
		OwnerUserID: "user-1",
		NodeName:    "mountain-stream",
		APIKey:      apiKey,
		Status:      types.NodeStatusActive,
		ModelStatus: types.ModelStatusIdle,
		NodeURL:     "http://node-1.test:8005",
	}))
	require.NoError(t, store.AddUserNode(context.Background(), "user-1", "node-1"))
	return apiKey
}

func seedTestModel(t *testing.T, store storage.Store) *types.Model {
	t.Helper()
	model := &types.Model{
		ModelID:            "model-1",
		UserID:             "user-1",
		ModelName:          "tiny-llama",
		HuggingFaceModelID: "org/tiny-llama",
	}
	require.NoError(t, store.PutModel(context.Background(), model))
	require.NoError(t, store.AddUserModel(context.Background(), "user-1", model.ModelID))
	return model
}

func waitForReady(t *testing.T, store storage.Store) {
	t.Helper()
	require.Eventually(t, func() bool {
		node, err := store.GetNode(context.Background(), "node-1")
		return err == nil && node.Ready()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetupRejectsRemoteCallers(t *testing.T) {
	s, _, _ := newTestNode(t)

	// app.Test requests do not originate from loopback
	resp, _ := nodeDoJSON(t, s, http.MethodGet, "/setup", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNodeIntrospectionRequiresKey(t *testing.T) {
	s, _, store := newTestNode(t)
	authenticateTestNode(t, store)

	for _, path := range []string{"/health", "/device", "/info"} {
		resp, body := nodeDoJSON(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Equal(t, "FORBIDDEN", errorCodeOf(t, body), path)
	}
}

func TestNodeHealth(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodGet, "/health", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-1", body["nodeId"])
	assert.Equal(t, "idle", body["modelStatus"])
}

func TestNodeDevice(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodGet, "/device", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cpu", body["device"])
}

func TestGenerateUnauthenticatedNode(t *testing.T) {
	s, _, _ := newTestNode(t)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/generate", "any-key", GenerateRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCodeOf(t, body))
}

func TestGenerateWrongKey(t *testing.T) {
	s, _, store := newTestNode(t)
	authenticateTestNode(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/generate", "wrong-key", GenerateRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCodeOf(t, body))
}

func TestGenerateNoModelLoaded(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)

	// Let the agent observe its authenticated state
	require.Eventually(t, func() bool {
		resp, body := nodeDoJSON(t, s, http.MethodPost, "/generate", apiKey, GenerateRequest{Prompt: "hi"})
		return resp.StatusCode == http.StatusServiceUnavailable &&
			errorCodeOf(t, body) == "NO_MODEL_LOADED"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGenerateServesLoadedModel(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)
	model := seedTestModel(t, store)
	require.NoError(t, store.AddAssignment(context.Background(), "node-1", model.ModelID))
	waitForReady(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/generate", apiKey, GenerateRequest{Prompt: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo: hi", body["generated_text"])
	assert.Equal(t, "tiny-llama", body["model"])
}

func TestNodeAssignModelQueues(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)
	model := seedTestModel(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/assign-model", apiKey, NodeAssignRequest{
		NodeID:  "node-1",
		ModelID: model.ModelID,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])

	// The reconciliation loop converges on the queued assignment
	waitForReady(t, store)
}

func TestNodeAssignModelAlreadyLoaded(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)
	model := seedTestModel(t, store)
	require.NoError(t, store.AddAssignment(context.Background(), "node-1", model.ModelID))
	waitForReady(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/assign-model", apiKey, NodeAssignRequest{
		NodeID:  "node-1",
		ModelID: model.ModelID,
	})
	assert.Equal(t, http.StatusAlreadyReported, resp.StatusCode)
	assert.Equal(t, "already_loaded", body["status"])
}

func TestNodeAssignModelUnknownModel(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodPost, "/assign-model", apiKey, NodeAssignRequest{
		NodeID:  "node-1",
		ModelID: "ghost",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "MODEL_NOT_FOUND", errorCodeOf(t, body))
}

func TestNodeInfo(t *testing.T) {
	s, _, store := newTestNode(t)
	apiKey := authenticateTestNode(t, store)
	model := seedTestModel(t, store)
	require.NoError(t, store.AddAssignment(context.Background(), "node-1", model.ModelID))
	waitForReady(t, store)

	resp, body := nodeDoJSON(t, s, http.MethodGet, "/info", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "node-1", body["nodeId"])
	assert.Equal(t, "cpu", body["device"])
	assert.Equal(t, "mountain-stream", body["nodeName"])
	assert.Equal(t, "ready", body["modelStatus"])
	assert.Equal(t, model.ModelID, body["activeModelId"])
}

// flakyStore simulates a coordination store outage for credential reads.
type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	down bool
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *flakyStore) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return nil, types.ErrStoreUnavailable(errors.New("connection refused"))
	}
	return s.Store.GetNode(ctx, nodeID)
}

func TestKeyedRoutesDuringStoreOutage(t *testing.T) {
	inner := storage.NewMemoryStore()
	flaky := &flakyStore{Store: inner}
	ag := agent.New("node-1", flaky, stubLoader{}, engine.DeviceCPU, 10*time.Millisecond, nil)

	cfg := config.DefaultConfig()
	s := NewNodeServer(cfg, flaky, ag, metrics.NewPrometheusMetrics("gridserve_node_outage_test"))
	apiKey := authenticateTestNode(t, inner)

	ctx, cancel := context.WithCancel(context.Background())
	go ag.Run(ctx)
	t.Cleanup(cancel)
	require.Eventually(t, ag.Authenticated, 2*time.Second, 10*time.Millisecond)

	// The credential cannot be checked while the store is away, so the
	// answer is Unavailable, not Forbidden.
	flaky.setDown(true)
	resp, body := nodeDoJSON(t, s, http.MethodPost, "/generate", apiKey, GenerateRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "STORE_UNAVAILABLE", errorCodeOf(t, body))
	assert.True(t, ag.Authenticated(), "the outage must not flip the agent to unauthenticated")

	flaky.setDown(false)
	resp, body = nodeDoJSON(t, s, http.MethodPost, "/generate", apiKey, GenerateRequest{Prompt: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NO_MODEL_LOADED", errorCodeOf(t, body))
}
