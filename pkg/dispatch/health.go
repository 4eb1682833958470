package dispatch

import (
	"context"
	"net/http"

	"github.com/gridserve/gridserve/pkg/types"
)

// NodeHealth is one node's view in the aggregate health report.
type NodeHealth struct {
	NodeID      string            `json:"nodeId"`
	NodeName    string            `json:"nodeName"`
	ModelStatus types.ModelStatus `json:"modelStatus"`
	ActiveModel string            `json:"activeModel,omitempty"`
	Reachable   bool              `json:"reachable"`
}

// FleetHealth aggregates store and node health for the router's
// health endpoint.
type FleetHealth struct {
	Status string       `json:"status"` // healthy, degraded or unhealthy
	Store  string       `json:"store"`
	Nodes  []NodeHealth `json:"nodes"`
}

// Health probes the store and every known node. A dead store makes the
// fleet unhealthy; unreachable nodes only degrade it.
func (d *Dispatcher) Health(ctx context.Context) *FleetHealth {
	report := &FleetHealth{Status: "healthy", Store: "connected", Nodes: []NodeHealth{}}

	if err := d.store.Ping(ctx); err != nil {
		report.Status = "unhealthy"
		report.Store = "unreachable"
		return report
	}

	nodes, err := d.store.ListNodes(ctx)
	if err != nil {
		report.Status = "unhealthy"
		report.Store = "unreachable"
		return report
	}

	for _, node := range nodes {
		health := NodeHealth{
			NodeID:      node.NodeID,
			NodeName:    node.NodeName,
			ModelStatus: node.ModelStatus,
			ActiveModel: node.ActiveModelName,
			Reachable:   d.probeNode(ctx, node),
		}
		if !health.Reachable && report.Status == "healthy" {
			report.Status = "degraded"
		}
		report.Nodes = append(report.Nodes, health)
	}
	return report
}

func (d *Dispatcher) probeNode(ctx context.Context, node *types.Node) bool {
	if node.NodeURL == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.NodeURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-API-Key", node.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
