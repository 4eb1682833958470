// Package storage defines the coordination store contract shared by the
// router and node processes. The store is the single source of truth for
// all cross-process state; callers hold no authoritative in-process copy.
package storage

import (
	"context"
	"time"

	"github.com/gridserve/gridserve/pkg/types"
)

// SetupGrant is the state bound to an outstanding setup token.
type SetupGrant struct {
	NodeID   string
	NodeName string
	NodeURL  string
}

// Store defines the coordination store operations.
//
// Not-found conditions surface as *types.FleetError with the matching
// code; connectivity failures surface as STORE_UNAVAILABLE with the
// underlying cause attached.
type Store interface {
	// Node records (node:{id} hash)
	PutNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, nodeID string) (*types.Node, error)
	ListNodes(ctx context.Context) ([]*types.Node, error)
	// UpdateModelStatus writes modelStatus, activeModelId and
	// activeModelName in one call so readers never see the fields
	// drift across more than one write.
	UpdateModelStatus(ctx context.Context, nodeID string, status types.ModelStatus, modelID, modelName string) error
	TouchNodeUsage(ctx context.Context, nodeID string, at time.Time) error

	// Ownership (user:{id}:nodes set)
	AddUserNode(ctx context.Context, userID, nodeID string) error
	UserNodes(ctx context.Context, userID string) ([]string, error)

	// Model library (model:{id} hash, user:{id}:models set)
	PutModel(ctx context.Context, model *types.Model) error
	GetModel(ctx context.Context, modelID string) (*types.Model, error)
	ListModels(ctx context.Context) ([]*types.Model, error)
	DeleteModel(ctx context.Context, modelID string) error
	AddUserModel(ctx context.Context, userID, modelID string) error
	RemoveUserModel(ctx context.Context, userID, modelID string) error
	UserModels(ctx context.Context, userID string) ([]string, error)

	// Setup tokens (setup_token:{token} expiring keys, single use)
	PutSetupToken(ctx context.Context, token string, grant SetupGrant, ttl time.Duration) error
	GetSetupToken(ctx context.Context, token string) (*SetupGrant, error)
	DeleteSetupToken(ctx context.Context, token string) error

	// Assignments (node:{id}:models set, the desired state the node
	// agent converges on)
	AddAssignment(ctx context.Context, nodeID, modelID string) error
	RemoveAssignment(ctx context.Context, nodeID, modelID string) error
	Assignments(ctx context.Context, nodeID string) ([]string, error)
	HasAssignment(ctx context.Context, nodeID, modelID string) (bool, error)

	// Health and lifecycle
	Ping(ctx context.Context) error
	Close() error
}
