// Package engine abstracts the inference capability a node hosts. The
// node agent drives it through two narrow contracts: a Loader that
// materializes weights and constructs an engine, and the Engine itself,
// which generates text. Everything behind these interfaces is opaque to
// the coordination layer.
package engine

import (
	"context"

	"github.com/gridserve/gridserve/pkg/types"
)

// Engine is a loaded model capable of serving generation requests.
type Engine interface {
	// Generate produces a continuation for prompt.
	Generate(ctx context.Context, prompt string, params types.GenerateParams) (string, error)
	// Close releases the engine and its device memory.
	Close() error
}

// Loader materializes model weights and constructs engines.
type Loader interface {
	// EnsureLocal makes the weights for sourceID available on local
	// disk, fetching them if absent, and returns the local path.
	EnsureLocal(ctx context.Context, sourceID string) (string, error)
	// Load constructs an engine for the weights at path on device.
	Load(ctx context.Context, sourceID, path string, device Device) (Engine, error)
}
