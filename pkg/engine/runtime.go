package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gridserve/gridserve/pkg/json"
	"github.com/gridserve/gridserve/pkg/types"
)

// RuntimeLoader drives a local inference runtime process (a
// llama.cpp-style server) over HTTP. The runtime owns the device memory;
// the loader tells it which weights to map and the engine forwards
// generation calls to it.
type RuntimeLoader struct {
	BaseURL    string
	Downloader *HFDownloader
	Client     *http.Client
}

// NewRuntimeLoader creates a loader for the runtime at baseURL, caching
// weights under modelsDir.
func NewRuntimeLoader(baseURL, modelsDir string, downloadTimeout time.Duration) *RuntimeLoader {
	return &RuntimeLoader{
		BaseURL:    baseURL,
		Downloader: &HFDownloader{Dir: modelsDir, Timeout: downloadTimeout},
		Client:     &http.Client{},
	}
}

// EnsureLocal implements Loader.EnsureLocal.
func (l *RuntimeLoader) EnsureLocal(ctx context.Context, sourceID string) (string, error) {
	return l.Downloader.EnsureLocal(ctx, sourceID)
}

// Load implements Loader.Load: instructs the runtime to map the weights
// at path onto device and returns an engine bound to it.
func (l *RuntimeLoader) Load(ctx context.Context, sourceID, path string, device Device) (Engine, error) {
	body, err := json.Marshal(map[string]string{
		"model_path": path,
		"device":     string(device),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.BaseURL+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("runtime failed to load %s: status %d: %s", sourceID, resp.StatusCode, msg)
	}

	return &RuntimeEngine{baseURL: l.BaseURL, client: l.Client}, nil
}

// RuntimeEngine forwards generation calls to the local runtime process.
type RuntimeEngine struct {
	baseURL string
	client  *http.Client
}

type runtimeCompletionRequest struct {
	Prompt      string  `json:"prompt"`
	NPredict    int     `json:"n_predict"`
	Temperature float64 `json:"temperature"`
}

type runtimeCompletionResponse struct {
	Content string `json:"content"`
}

// Generate implements Engine.Generate.
func (e *RuntimeEngine) Generate(ctx context.Context, prompt string, params types.GenerateParams) (string, error) {
	temperature := params.Temperature
	if !params.DoSample {
		// Greedy decoding
		temperature = 0
	}

	body, err := json.Marshal(runtimeCompletionRequest{
		Prompt:      prompt,
		NPredict:    params.MaxNewTokens,
		Temperature: temperature,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("runtime unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation failed: status %d: %s", resp.StatusCode, msg)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var out runtimeCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("malformed runtime response: %w", err)
	}
	return out.Content, nil
}

// Close tells the runtime to release the mapped weights. Best effort:
// an unreachable runtime has nothing left to free.
func (e *RuntimeEngine) Close() error {
	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/unload", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}
