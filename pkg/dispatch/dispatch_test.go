package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

// fakeNode is an httptest-backed worker serving /generate and /health.
type fakeNode struct {
	t      *testing.T
	server *httptest.Server
	apiKey string
	reply  string

	mu       sync.Mutex
	requests []nodeGenerateRequest
	failWith int // when non-zero, /generate answers this status
}

func newFakeNode(t *testing.T, apiKey, reply string) *fakeNode {
	n := &fakeNode{t: t, apiKey: apiKey, reply: reply}
	mux := http.NewServeMux()
	mux.HandleFunc("/generate", n.handleGenerate)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	n.server = httptest.NewServer(mux)
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-API-Key") != n.apiKey {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(n.t, err)
	var req nodeGenerateRequest
	require.NoError(n.t, json.Unmarshal(body, &req))

	n.mu.Lock()
	n.requests = append(n.requests, req)
	fail := n.failWith
	n.mu.Unlock()

	if fail != 0 {
		w.WriteHeader(fail)
		data, _ := json.Marshal(map[string]interface{}{
			"error": map[string]string{"code": "GENERATION_FAILED", "message": "model crashed"},
		})
		w.Write(data)
		return
	}

	data, _ := json.Marshal(nodeGenerateResponse{GeneratedText: n.reply, Model: "tiny-llama"})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (n *fakeNode) lastRequest() nodeGenerateRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(n.t, n.requests)
	return n.requests[len(n.requests)-1]
}

func (n *fakeNode) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func assertCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var fe *types.FleetError
	require.True(t, errors.As(err, &fe), "expected FleetError, got %v", err)
	assert.Equal(t, code, fe.Code)
}

func seedModel(t *testing.T, store storage.Store) *types.Model {
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

func seedReadyNode(t *testing.T, store storage.Store, nodeID, url, apiKey string, lastUsed int64) {
	t.Helper()
	require.NoError(t, store.PutNode(context.Background(), &types.Node{
		NodeID:          nodeID,
		OwnerUserID:     "user-1",
		NodeName:        nodeID,
		APIKey:          apiKey,
		Status:          types.NodeStatusActive,
		ModelStatus:     types.ModelStatusReady,
		ActiveModelID:   "model-1",
		ActiveModelName: "tiny-llama",
		NodeURL:         url,
		LastUsedAt:      lastUsed,
	}))
}

func TestResolveModel(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	model := seedModel(t, store)
	ctx := context.Background()

	t.Run("by id", func(t *testing.T) {
		got, err := d.ResolveModel(ctx, model.ModelID)
		require.NoError(t, err)
		assert.Equal(t, model.ModelID, got.ModelID)
	})

	t.Run("by name", func(t *testing.T) {
		got, err := d.ResolveModel(ctx, "tiny-llama")
		require.NoError(t, err)
		assert.Equal(t, model.ModelID, got.ModelID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := d.ResolveModel(ctx, "no-such-model")
		assertCode(t, err, types.ErrCodeModelNotFound)
	})
}

func TestSelectNodePrefersLeastRecentlyUsed(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	seedReadyNode(t, store, "node-a", "http://a:8005", "key-a", 200)
	seedReadyNode(t, store, "node-b", "http://b:8005", "key-b", 100)

	node, err := d.SelectNode(context.Background(), "model-1")
	require.NoError(t, err)
	assert.Equal(t, "node-b", node.NodeID)
}

func TestSelectNodeTieBreaksOnNodeID(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	seedReadyNode(t, store, "node-b", "http://b:8005", "key-b", 100)
	seedReadyNode(t, store, "node-a", "http://a:8005", "key-a", 100)

	node, err := d.SelectNode(context.Background(), "model-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", node.NodeID)
}

func TestSelectNodeSkipsNotReady(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	require.NoError(t, store.PutNode(context.Background(), &types.Node{
		NodeID:      "node-a",
		OwnerUserID: "user-1",
		Status:      types.NodeStatusActive,
		ModelStatus: types.ModelStatusDownloading,
		NodeURL:     "http://a:8005",
	}))

	_, err := d.SelectNode(context.Background(), "model-1")
	assertCode(t, err, types.ErrCodeModelNotReady)
}

func TestCompleteForwardsToNode(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	node := newFakeNode(t, "node_abc_key", "hello back from the model")
	seedReadyNode(t, store, "node-a", node.server.URL, "node_abc_key", 0)

	resp, err := d.Complete(context.Background(), &CompletionRequest{
		Model:  "tiny-llama",
		Prompt: "say hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "text_completion", resp.Object)
	assert.Equal(t, "tiny-llama", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello back from the model", resp.Choices[0].Text)
	assert.Equal(t, 0, resp.Choices[0].Index)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, 2, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.TotalTokens)

	sent := node.lastRequest()
	assert.Equal(t, "say hello", sent.Prompt)
	assert.Equal(t, defaultMaxTokens, sent.MaxNewTokens)
	assert.InDelta(t, defaultTemperature, sent.Temperature, 1e-9)
	assert.True(t, sent.DoSample)
}

func TestCompleteZeroTemperatureIsGreedy(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	node := newFakeNode(t, "key", "ok")
	seedReadyNode(t, store, "node-a", node.server.URL, "key", 0)

	zero := 0.0
	_, err := d.Complete(context.Background(), &CompletionRequest{
		Model:       "model-1",
		Prompt:      "hi",
		MaxTokens:   16,
		Temperature: &zero,
	})
	require.NoError(t, err)

	sent := node.lastRequest()
	assert.False(t, sent.DoSample)
	assert.Zero(t, sent.Temperature)
	assert.Equal(t, 16, sent.MaxNewTokens)
}

func TestCompleteRotatesAcrossNodes(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)

	nodeA := newFakeNode(t, "key-a", "from a")
	nodeB := newFakeNode(t, "key-b", "from b")
	seedReadyNode(t, store, "node-a", nodeA.server.URL, "key-a", 100)
	seedReadyNode(t, store, "node-b", nodeB.server.URL, "key-b", 200)

	ctx := context.Background()
	req := &CompletionRequest{Model: "tiny-llama", Prompt: "hi"}

	resp, err := d.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Choices[0].Text)

	// node-a's lastUsedAt advanced past node-b's, so the repeat request
	// lands on node-b
	resp, err = d.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Choices[0].Text)

	assert.Equal(t, 1, nodeA.requestCount())
	assert.Equal(t, 1, nodeB.requestCount())
}

func TestCompleteUnknownModel(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)

	_, err := d.Complete(context.Background(), &CompletionRequest{Model: "ghost", Prompt: "hi"})
	assertCode(t, err, types.ErrCodeModelNotFound)
}

func TestCompleteKnownModelNotHosted(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)

	_, err := d.Complete(context.Background(), &CompletionRequest{Model: "tiny-llama", Prompt: "hi"})
	assertCode(t, err, types.ErrCodeModelNotReady)
}

func TestCompleteUnreachableNode(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	seedReadyNode(t, store, "node-a", "http://127.0.0.1:1", "key", 0)

	_, err := d.Complete(context.Background(), &CompletionRequest{Model: "tiny-llama", Prompt: "hi"})
	assertCode(t, err, types.ErrCodeNodeUnavailable)
}

func TestCompletePassesThroughNodeError(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)
	node := newFakeNode(t, "key", "unused")
	node.failWith = http.StatusInternalServerError
	seedReadyNode(t, store, "node-a", node.server.URL, "key", 0)

	_, err := d.Complete(context.Background(), &CompletionRequest{Model: "tiny-llama", Prompt: "hi"})
	assertCode(t, err, types.ErrCodeGenerationFailed)

	var fe *types.FleetError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "model crashed", fe.Message)
}

func TestHealthAggregatesFleet(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	seedModel(t, store)

	live := newFakeNode(t, "key", "ok")
	seedReadyNode(t, store, "node-a", live.server.URL, "key", 0)
	seedReadyNode(t, store, "node-b", "http://127.0.0.1:1", "key", 0)

	report := d.Health(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "connected", report.Store)
	require.Len(t, report.Nodes, 2)
	assert.True(t, report.Nodes[0].Reachable)
	assert.False(t, report.Nodes[1].Reachable)
}

func TestHealthAllReachable(t *testing.T) {
	store := storage.NewMemoryStore()
	d := New(store, time.Second, time.Second, nil)
	live := newFakeNode(t, "key", "ok")
	seedReadyNode(t, store, "node-a", live.server.URL, "key", 0)

	report := d.Health(context.Background())
	assert.Equal(t, "healthy", report.Status)
}

func TestCompleteRecordsDispatchSelection(t *testing.T) {
	store := storage.NewMemoryStore()
	m := metrics.NewPrometheusMetrics("gridserve_dispatch_test")
	d := New(store, time.Second, time.Second, m)
	seedModel(t, store)
	node := newFakeNode(t, "key", "ok")
	seedReadyNode(t, store, "node-a", node.server.URL, "key", 0)

	_, err := d.Complete(context.Background(), &CompletionRequest{Model: "tiny-llama", Prompt: "hi"})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.GetRegistry(), "gridserve_dispatch_test_dispatch_selections_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
