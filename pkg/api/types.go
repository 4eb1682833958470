package api

import "github.com/gridserve/gridserve/pkg/types"

// NodeSummary is the external view of a node record. The API key never
// leaves the coordination store through this surface.
type NodeSummary struct {
	NodeID          string            `json:"nodeId"`
	NodeName        string            `json:"nodeName"`
	Status          types.NodeStatus  `json:"status"`
	ModelStatus     types.ModelStatus `json:"modelStatus"`
	ActiveModelID   string            `json:"activeModelId,omitempty"`
	ActiveModelName string            `json:"activeModelName,omitempty"`
	NodeURL         string            `json:"nodeUrl"`
	LastUsedAt      int64             `json:"lastUsedAt"`
}

func newNodeSummary(n *types.Node) NodeSummary {
	return NodeSummary{
		NodeID:          n.NodeID,
		NodeName:        n.NodeName,
		Status:          n.Status,
		ModelStatus:     n.ModelStatus,
		ActiveModelID:   n.ActiveModelID,
		ActiveModelName: n.ActiveModelName,
		NodeURL:         n.NodeURL,
		LastUsedAt:      n.LastUsedAt,
	}
}

// ModelSummary is the external view of a library entry.
type ModelSummary struct {
	ModelID            string `json:"modelId"`
	ModelName          string `json:"modelName"`
	HuggingFaceModelID string `json:"huggingFaceModelId"`
}

func newModelSummary(m *types.Model) ModelSummary {
	return ModelSummary{
		ModelID:            m.ModelID,
		ModelName:          m.ModelName,
		HuggingFaceModelID: m.HuggingFaceModelID,
	}
}

// AuthenticateRequest binds a setup token to an owner.
type AuthenticateRequest struct {
	SetupToken string `json:"setupToken"`
	UserID     string `json:"userId"`
}

// AssignModelRequest places a library model on a node.
type AssignModelRequest struct {
	UserID    string `json:"userId"`
	NodeID    string `json:"nodeId"`
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

// LibraryRequest adds or removes a library entry. ModelID carries the
// external source identifier (the Hugging Face model id); internal ids
// are server-generated on addition.
type LibraryRequest struct {
	UserID    string `json:"userId"`
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
	IsSet     bool   `json:"isSet"`
}

// GenerateRequest is the node-local generation payload.
type GenerateRequest struct {
	Prompt       string   `json:"prompt"`
	MaxNewTokens int      `json:"max_new_tokens"`
	Temperature  *float64 `json:"temperature"`
	DoSample     *bool    `json:"do_sample"`
}

// GenerateResponse is the node-local generation result.
type GenerateResponse struct {
	GeneratedText string `json:"generated_text"`
	Model         string `json:"model"`
}

// NodeAssignRequest is the node-local assignment payload.
type NodeAssignRequest struct {
	NodeID    string `json:"nodeId"`
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}
