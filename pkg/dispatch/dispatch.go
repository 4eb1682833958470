// Package dispatch routes completion requests onto ready nodes. The
// dispatcher is stateless: every request resolves the model and the
// serving node from the coordination store, so any router replica can
// serve any request.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/metrics"
	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

const (
	// DefaultGenerationTimeout bounds a forwarded generate call.
	DefaultGenerationTimeout = 300 * time.Second
	// DefaultHealthTimeout bounds a node health probe.
	DefaultHealthTimeout = 10 * time.Second

	defaultMaxTokens   = 512
	defaultTemperature = 0.7
)

// Dispatcher resolves completion requests to nodes and forwards them.
type Dispatcher struct {
	store             storage.Store
	client            *http.Client
	metrics           *metrics.PrometheusMetrics
	generationTimeout time.Duration
	healthTimeout     time.Duration

	now func() time.Time
}

// New creates a dispatcher over the given store. The metrics handle may
// be nil.
func New(store storage.Store, generationTimeout, healthTimeout time.Duration, m *metrics.PrometheusMetrics) *Dispatcher {
	if generationTimeout <= 0 {
		generationTimeout = DefaultGenerationTimeout
	}
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthTimeout
	}
	return &Dispatcher{
		store:             store,
		client:            &http.Client{},
		metrics:           m,
		generationTimeout: generationTimeout,
		healthTimeout:     healthTimeout,
		now:               time.Now,
	}
}

// CompletionRequest is the OpenAI-style request accepted on /completions.
// Temperature is a pointer so an omitted value and an explicit zero
// (greedy decoding) stay distinguishable.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
}

// CompletionChoice is one generated continuation.
type CompletionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

// CompletionUsage carries whitespace-approximated token counts. These
// are not tokenizer counts; they exist so OpenAI-shaped clients get a
// populated usage block.
type CompletionUsage struct {
	CompletionTokens int `json:"completion_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the OpenAI-style completion envelope.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
}

// ResolveModel maps a model reference to a library entry. Exact id
// lookup first, then a linear scan over library entries by human name.
func (d *Dispatcher) ResolveModel(ctx context.Context, ref string) (*types.Model, error) {
	model, err := d.store.GetModel(ctx, ref)
	if err == nil {
		return model, nil
	}
	var fe *types.FleetError
	if !errors.As(err, &fe) || fe.Code != types.ErrCodeModelNotFound {
		return nil, err
	}

	models, err := d.store.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.ModelName == ref {
			return m, nil
		}
	}
	return nil, types.ErrModelNotFound(ref)
}

// SelectNode picks the node serving modelID with the oldest lastUsedAt,
// tie-broken by node id so selection stays deterministic. Fails with
// MODEL_NOT_READY when the model is known but no node serves it.
func (d *Dispatcher) SelectNode(ctx context.Context, modelID string) (*types.Node, error) {
	nodes, err := d.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	var chosen *types.Node
	for _, node := range nodes {
		if !node.Ready() || node.ActiveModelID != modelID {
			continue
		}
		if chosen == nil ||
			node.LastUsedAt < chosen.LastUsedAt ||
			(node.LastUsedAt == chosen.LastUsedAt && node.NodeID < chosen.NodeID) {
			chosen = node
		}
	}
	if chosen == nil {
		return nil, types.ErrModelNotReady(modelID)
	}
	return chosen, nil
}

// Complete resolves, forwards and translates one completion request.
func (d *Dispatcher) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model, err := d.ResolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	node, err := d.SelectNode(ctx, model.ModelID)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.RecordDispatchSelection(node.NodeID)
	}

	params := types.GenerateParams{
		MaxNewTokens: req.MaxTokens,
		Temperature:  defaultTemperature,
		DoSample:     true,
	}
	if params.MaxNewTokens <= 0 {
		params.MaxNewTokens = defaultMaxTokens
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
		// temperature 0 means greedy decoding
		params.DoSample = *req.Temperature > 0
	}

	text, err := d.forward(ctx, node, req.Prompt, params)
	if err != nil {
		return nil, err
	}

	// Usage tracking is best effort: a stale lastUsedAt only skews the
	// next selection, it must not fail a completed generation.
	_ = d.store.TouchNodeUsage(ctx, node.NodeID, d.now())

	completionTokens := len(strings.Fields(text))
	promptTokens := len(strings.Fields(req.Prompt))
	return &CompletionResponse{
		ID:     "req_" + uuid.NewString()[:8],
		Object: "text_completion",
		Model:  req.Model,
		Choices: []CompletionChoice{{
			Text:         text,
			Index:        0,
			FinishReason: "stop",
		}},
		Usage: CompletionUsage{
			CompletionTokens: completionTokens,
			PromptTokens:     promptTokens,
			TotalTokens:      completionTokens + promptTokens,
		},
	}, nil
}

type nodeGenerateRequest struct {
	Prompt       string  `json:"prompt"`
	MaxNewTokens int     `json:"max_new_tokens"`
	Temperature  float64 `json:"temperature"`
	DoSample     bool    `json:"do_sample"`
}

type nodeGenerateResponse struct {
	GeneratedText string `json:"generated_text"`
	Model         string `json:"model"`
}

type nodeErrorEnvelope struct {
	Error struct {
		Code    types.ErrorCode `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// forward sends the generate call to the node, authenticated with the
// node's own key.
func (d *Dispatcher) forward(ctx context.Context, node *types.Node, prompt string, params types.GenerateParams) (string, error) {
	body, err := json.Marshal(nodeGenerateRequest{
		Prompt:       prompt,
		MaxNewTokens: params.MaxNewTokens,
		Temperature:  params.Temperature,
		DoSample:     params.DoSample,
	})
	if err != nil {
		return "", types.NewFleetErrorWithCause(types.ErrCodeInternal, "failed to encode generate request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.generationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.NodeURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", types.NewFleetErrorWithCause(types.ErrCodeInternal, "failed to build generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", node.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", types.ErrNodeUnavailable(node.NodeID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", types.ErrNodeUnavailable(node.NodeID, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", nodeError(node.NodeID, resp.StatusCode, data)
	}

	var out nodeGenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", types.NewFleetErrorWithCause(types.ErrCodeInternal, "malformed node response", err)
	}
	return out.GeneratedText, nil
}

// nodeError translates a node's HTTP error into a FleetError carrying
// the node's own code and message when the body is parseable.
func nodeError(nodeID string, status int, body []byte) *types.FleetError {
	var envelope nodeErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return types.NewFleetError(envelope.Error.Code, envelope.Error.Message).WithDetail("node_id", nodeID)
	}

	switch status {
	case http.StatusForbidden:
		return types.NewFleetError(types.ErrCodeForbidden, "node rejected credentials").WithDetail("node_id", nodeID)
	case http.StatusServiceUnavailable:
		return types.NewFleetError(types.ErrCodeNoModelLoaded, "node has no model loaded").WithDetail("node_id", nodeID)
	default:
		return types.NewFleetError(types.ErrCodeGenerationFailed, fmt.Sprintf("node error: status %d", status)).WithDetail("node_id", nodeID)
	}
}
