package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateNodeAPIKey mints a node credential of the form
// "node_<node_id_prefix>_<random_hex>". The prefix makes keys
// attributable in logs without exposing the secret part.
func GenerateNodeAPIKey(nodeID string) (string, error) {
	prefix := nodeID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}

	return fmt.Sprintf("node_%s_%s", prefix, hex.EncodeToString(raw)), nil
}
