package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// HFDownloader fetches model weights from the Hugging Face hub by
// shelling out to huggingface-cli, mirroring how operators pull weights
// by hand. Downloads are bounded by Timeout; a zero Timeout means no
// bound.
type HFDownloader struct {
	Dir     string
	Timeout time.Duration
}

// EnsureLocal returns the local weights directory for sourceID,
// downloading it first when absent.
func (d *HFDownloader) EnsureLocal(ctx context.Context, sourceID string) (string, error) {
	path := filepath.Join(d.Dir, sanitizeModelPath(sourceID))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "huggingface-cli", "download", sourceID, "--local-dir", path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// A partial download must not be mistaken for a complete one
		os.RemoveAll(path)
		return "", fmt.Errorf("failed to download %s: %w: %s", sourceID, err, strings.TrimSpace(string(output)))
	}

	return path, nil
}

// sanitizeModelPath maps a hub identifier like "org/model" onto a single
// path element under the models directory.
func sanitizeModelPath(sourceID string) string {
	return strings.ReplaceAll(sourceID, "/", "--")
}
