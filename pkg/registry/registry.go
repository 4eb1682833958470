// Package registry implements the fleet registry: node authentication,
// per-user model libraries and model-to-node assignment. All state lives
// in the coordination store; the registry itself is stateless and safe
// for concurrent use.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridserve/gridserve/pkg/storage"
	"github.com/gridserve/gridserve/pkg/types"
)

// SetupTokenTTL bounds how long an unclaimed setup token stays valid.
const SetupTokenTTL = 3600 * time.Second

// Registry coordinates node identity and model placement through the store.
type Registry struct {
	store      storage.Store
	publicAddr string // router address embedded in claim URLs

	generateName func() string // test hook
}

// New creates a Registry. publicAddr is the router's reachable address
// used to build setup claim URLs.
func New(store storage.Store, publicAddr string) *Registry {
	return &Registry{
		store:        store,
		publicAddr:   publicAddr,
		generateName: GenerateNodeName,
	}
}

// SetupInfo describes a node's authentication state to a setup caller.
type SetupInfo struct {
	Authenticated bool
	NodeID        string
	UserID        string
	NodeName      string
	SetupToken    string
	SetupURL      string
}

// RequestSetup returns current ownership info for an authenticated node,
// or mints a fresh one-time setup token for an unauthenticated one.
// Idempotent for authenticated nodes; each call on an unauthenticated
// node mints a new token (older unexpired tokens stay claimable).
func (r *Registry) RequestSetup(ctx context.Context, nodeID, nodeURL string) (*SetupInfo, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err == nil && node.Authenticated() {
		return &SetupInfo{
			Authenticated: true,
			NodeID:        node.NodeID,
			UserID:        node.OwnerUserID,
			NodeName:      node.NodeName,
		}, nil
	}
	if err != nil {
		if fe, ok := err.(*types.FleetError); !ok || fe.Code != types.ErrCodeNodeNotFound {
			return nil, err
		}
	}

	token := uuid.NewString()
	name := r.generateName()

	grant := storage.SetupGrant{NodeID: nodeID, NodeName: name, NodeURL: nodeURL}
	if err := r.store.PutSetupToken(ctx, token, grant, SetupTokenTTL); err != nil {
		return nil, err
	}

	return &SetupInfo{
		NodeID:     nodeID,
		NodeName:   name,
		SetupToken: token,
		SetupURL:   fmt.Sprintf("http://%s/setup/%s", r.publicAddr, token),
	}, nil
}

// Authenticate consumes a setup token and binds the node to userID.
// The generated node name is deduplicated within the owner's existing
// nodes. A consumed or expired token fails with TOKEN_NOT_FOUND.
func (r *Registry) Authenticate(ctx context.Context, setupToken, userID string) (*types.Node, error) {
	grant, err := r.store.GetSetupToken(ctx, setupToken)
	if err != nil {
		return nil, err
	}

	nodeName, err := r.uniqueNodeName(ctx, userID, grant.NodeName)
	if err != nil {
		return nil, err
	}

	apiKey, err := GenerateNodeAPIKey(grant.NodeID)
	if err != nil {
		return nil, types.NewFleetErrorWithCause(types.ErrCodeInternal, "failed to mint node api key", err)
	}

	node := &types.Node{
		NodeID:      grant.NodeID,
		OwnerUserID: userID,
		Status:      types.NodeStatusActive,
		NodeName:    nodeName,
		ModelStatus: types.ModelStatusIdle,
		APIKey:      apiKey,
		NodeURL:     grant.NodeURL,
	}

	if err := r.store.PutNode(ctx, node); err != nil {
		return nil, err
	}
	if err := r.store.AddUserNode(ctx, userID, grant.NodeID); err != nil {
		return nil, err
	}

	// Single use: a second authenticate with the same token must fail.
	if err := r.store.DeleteSetupToken(ctx, setupToken); err != nil {
		return nil, err
	}

	return node, nil
}

func (r *Registry) uniqueNodeName(ctx context.Context, userID, name string) (string, error) {
	nodeIDs, err := r.store.UserNodes(ctx, userID)
	if err != nil {
		return "", err
	}

	taken := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := r.store.GetNode(ctx, id)
		if err != nil {
			continue
		}
		taken[node.NodeName] = true
	}

	return dedupeNodeName(name, taken), nil
}

// SetLibraryEntry adds or removes a model in the owner's hosting library.
// Additions generate a model id when the caller does not provide one.
// Removals resolve by source identifier (the public name callers know),
// and fail with MODEL_NOT_FOUND when nothing matches.
func (r *Registry) SetLibraryEntry(ctx context.Context, userID, modelID, modelName, huggingFaceModelID string, isSet bool) (*types.Model, error) {
	if !isSet {
		return nil, r.removeLibraryEntry(ctx, userID, huggingFaceModelID)
	}

	if modelID == "" {
		modelID = uuid.NewString()
	}
	model := &types.Model{
		ModelID:            modelID,
		UserID:             userID,
		ModelName:          modelName,
		HuggingFaceModelID: huggingFaceModelID,
	}

	if err := r.store.PutModel(ctx, model); err != nil {
		return nil, err
	}
	if err := r.store.AddUserModel(ctx, userID, modelID); err != nil {
		return nil, err
	}
	return model, nil
}

func (r *Registry) removeLibraryEntry(ctx context.Context, userID, huggingFaceModelID string) error {
	modelIDs, err := r.store.UserModels(ctx, userID)
	if err != nil {
		return err
	}

	for _, id := range modelIDs {
		model, err := r.store.GetModel(ctx, id)
		if err != nil {
			continue
		}
		if model.HuggingFaceModelID != huggingFaceModelID {
			continue
		}
		if err := r.store.DeleteModel(ctx, id); err != nil {
			return err
		}
		return r.store.RemoveUserModel(ctx, userID, id)
	}

	return types.ErrModelNotFound(huggingFaceModelID)
}

// ListLibrary returns the owner's model library. An empty library is an
// empty slice, not an error.
func (r *Registry) ListLibrary(ctx context.Context, userID string) ([]*types.Model, error) {
	modelIDs, err := r.store.UserModels(ctx, userID)
	if err != nil {
		return nil, err
	}

	models := make([]*types.Model, 0, len(modelIDs))
	for _, id := range modelIDs {
		model, err := r.store.GetModel(ctx, id)
		if err != nil {
			continue
		}
		models = append(models, model)
	}
	return models, nil
}

// ListNodes returns the owner's nodes. An empty fleet is an empty slice,
// not an error.
func (r *Registry) ListNodes(ctx context.Context, userID string) ([]*types.Node, error) {
	nodeIDs, err := r.store.UserNodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	nodes := make([]*types.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := r.store.GetNode(ctx, id)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// AssignModel records the desired placement of a library model on a node.
// The write replaces any previous assignment so exactly one target is in
// flight; the node agent converges on it asynchronously. Re-assigning
// the same model fails with ALREADY_ASSIGNED.
func (r *Registry) AssignModel(ctx context.Context, userID, nodeID, modelID string) error {
	if _, err := r.store.GetNode(ctx, nodeID); err != nil {
		return err
	}

	ownedNodes, err := r.store.UserNodes(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(ownedNodes, nodeID) {
		return types.ErrNodeNotFound(nodeID).WithDetail("reason", "user does not own this node")
	}

	if _, err := r.store.GetModel(ctx, modelID); err != nil {
		return err
	}

	libraryModels, err := r.store.UserModels(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(libraryModels, modelID) {
		return types.ErrModelNotFound(modelID).WithDetail("reason", "model not in user's library")
	}

	assigned, err := r.store.HasAssignment(ctx, nodeID, modelID)
	if err != nil {
		return err
	}
	if assigned {
		return types.NewFleetError(types.ErrCodeAlreadyAssigned, "model already assigned to node").
			WithDetail("node_id", nodeID).
			WithDetail("model_id", modelID)
	}

	// Replace the previous desired state so the convergence target is
	// unambiguous.
	current, err := r.store.Assignments(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, prev := range current {
		if err := r.store.RemoveAssignment(ctx, nodeID, prev); err != nil {
			return err
		}
	}

	return r.store.AddAssignment(ctx, nodeID, modelID)
}

// UnassignModel clears a model from the node's desired state. The agent
// unloads it on its next reconciliation pass.
func (r *Registry) UnassignModel(ctx context.Context, userID, nodeID, modelID string) error {
	ownedNodes, err := r.store.UserNodes(ctx, userID)
	if err != nil {
		return err
	}
	if !contains(ownedNodes, nodeID) {
		return types.ErrNodeNotFound(nodeID).WithDetail("reason", "user does not own this node")
	}
	return r.store.RemoveAssignment(ctx, nodeID, modelID)
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
