package types

import "time"

// ModelStatus is the node-local model lifecycle state
type ModelStatus string

const (
	ModelStatusIdle        ModelStatus = "idle"
	ModelStatusQueued      ModelStatus = "queued"
	ModelStatusDownloading ModelStatus = "downloading"
	ModelStatusLoading     ModelStatus = "loading"
	ModelStatusReady       ModelStatus = "ready"
	ModelStatusError       ModelStatus = "error"
)

// Valid reports whether s is a known lifecycle state.
func (s ModelStatus) Valid() bool {
	switch s {
	case ModelStatusIdle, ModelStatusQueued, ModelStatusDownloading,
		ModelStatusLoading, ModelStatusReady, ModelStatusError:
		return true
	}
	return false
}

// NodeStatus is the fleet-level node state
type NodeStatus string

const (
	NodeStatusActive NodeStatus = "active"
)

// Node represents one worker instance in the coordination store.
//
// ActiveModelID is non-empty iff ModelStatus is ready. Readers that see a
// half-written record must re-check ModelStatus before trusting
// ActiveModelID; the status fields are written together but hash field
// reads are not transactional.
type Node struct {
	NodeID          string      `json:"nodeId"`
	OwnerUserID     string      `json:"userId,omitempty"`
	NodeName        string      `json:"nodeName"`
	APIKey          string      `json:"-"`
	Status          NodeStatus  `json:"status"`
	ModelStatus     ModelStatus `json:"modelStatus"`
	ActiveModelID   string      `json:"activeModelId"`
	ActiveModelName string      `json:"activeModelName"`
	NodeURL         string      `json:"nodeUrl"`
	LastUsedAt      int64       `json:"lastUsedAt"` // unix nanoseconds of last successful dispatch
}

// Authenticated reports whether the node has been claimed by an owner.
func (n *Node) Authenticated() bool {
	return n != nil && n.OwnerUserID != ""
}

// Ready reports whether the node is serving the given model right now.
func (n *Node) Ready() bool {
	return n != nil && n.ModelStatus == ModelStatusReady && n.ActiveModelID != ""
}

// TouchUsage stamps the node as dispatched-to at t.
func (n *Node) TouchUsage(t time.Time) {
	n.LastUsedAt = t.UnixNano()
}
