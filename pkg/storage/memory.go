package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gridserve/gridserve/pkg/types"
)

// MemoryStore provides a non-persistent, in-memory implementation of
// Store with the same semantics as the Redis backend. Used in tests and
// for single-process development setups.
type MemoryStore struct {
	mu          sync.RWMutex
	nodes       map[string]*types.Node
	models      map[string]*types.Model
	userNodes   map[string]map[string]bool
	userModels  map[string]map[string]bool
	assignments map[string]map[string]bool
	tokens      map[string]memoryToken

	now func() time.Time
}

type memoryToken struct {
	grant     SetupGrant
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:       make(map[string]*types.Node),
		models:      make(map[string]*types.Model),
		userNodes:   make(map[string]map[string]bool),
		userModels:  make(map[string]map[string]bool),
		assignments: make(map[string]map[string]bool),
		tokens:      make(map[string]memoryToken),
		now:         time.Now,
	}
}

// SetClock overrides the store's clock. Test hook for token expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutNode writes the full node record.
func (s *MemoryStore) PutNode(ctx context.Context, node *types.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *node
	s.nodes[node.NodeID] = &clone
	return nil
}

// GetNode reads a node record.
func (s *MemoryStore) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, types.ErrNodeNotFound(nodeID)
	}
	clone := *node
	return &clone, nil
}

// ListNodes returns every node record sorted by id.
func (s *MemoryStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*types.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		clone := *node
		nodes = append(nodes, &clone)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// UpdateModelStatus writes the lifecycle fields under one lock.
func (s *MemoryStore) UpdateModelStatus(ctx context.Context, nodeID string, status types.ModelStatus, modelID, modelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		node = &types.Node{NodeID: nodeID}
		s.nodes[nodeID] = node
	}
	node.ModelStatus = status
	node.ActiveModelID = modelID
	node.ActiveModelName = modelName
	return nil
}

// TouchNodeUsage stamps lastUsedAt.
func (s *MemoryStore) TouchNodeUsage(ctx context.Context, nodeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[nodeID]; ok {
		node.LastUsedAt = at.UnixNano()
	}
	return nil
}

// AddUserNode adds a node to the owner's node set.
func (s *MemoryStore) AddUserNode(ctx context.Context, userID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userNodes[userID] == nil {
		s.userNodes[userID] = make(map[string]bool)
	}
	s.userNodes[userID][nodeID] = true
	return nil
}

// UserNodes lists the owner's node ids.
func (s *MemoryStore) UserNodes(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.userNodes[userID]), nil
}

// PutModel writes a library entry.
func (s *MemoryStore) PutModel(ctx context.Context, model *types.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *model
	s.models[model.ModelID] = &clone
	return nil
}

// GetModel reads a library entry.
func (s *MemoryStore) GetModel(ctx context.Context, modelID string) (*types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.models[modelID]
	if !ok {
		return nil, types.ErrModelNotFound(modelID)
	}
	clone := *model
	return &clone, nil
}

// ListModels returns every library entry sorted by id.
func (s *MemoryStore) ListModels(ctx context.Context) ([]*types.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	models := make([]*types.Model, 0, len(s.models))
	for _, model := range s.models {
		clone := *model
		models = append(models, &clone)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
	return models, nil
}

// DeleteModel removes a library entry record.
func (s *MemoryStore) DeleteModel(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, modelID)
	return nil
}

// AddUserModel adds a model to the owner's library set.
func (s *MemoryStore) AddUserModel(ctx context.Context, userID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userModels[userID] == nil {
		s.userModels[userID] = make(map[string]bool)
	}
	s.userModels[userID][modelID] = true
	return nil
}

// RemoveUserModel removes a model from the owner's library set.
func (s *MemoryStore) RemoveUserModel(ctx context.Context, userID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userModels[userID], modelID)
	return nil
}

// UserModels lists the owner's library model ids.
func (s *MemoryStore) UserModels(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.userModels[userID]), nil
}

// PutSetupToken stores a token grant with an expiry.
func (s *MemoryStore) PutSetupToken(ctx context.Context, token string, grant SetupGrant, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = memoryToken{grant: grant, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetSetupToken resolves a token, honoring expiry.
func (s *MemoryStore) GetSetupToken(ctx context.Context, token string) (*SetupGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[token]
	if !ok {
		return nil, types.ErrTokenNotFound()
	}
	if s.now().After(entry.expiresAt) {
		delete(s.tokens, token)
		return nil, types.ErrTokenNotFound()
	}
	grant := entry.grant
	return &grant, nil
}

// DeleteSetupToken consumes a token.
func (s *MemoryStore) DeleteSetupToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

// AddAssignment adds a model to the node's desired-state set.
func (s *MemoryStore) AddAssignment(ctx context.Context, nodeID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignments[nodeID] == nil {
		s.assignments[nodeID] = make(map[string]bool)
	}
	s.assignments[nodeID][modelID] = true
	return nil
}

// RemoveAssignment removes a model from the node's desired-state set.
func (s *MemoryStore) RemoveAssignment(ctx context.Context, nodeID, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments[nodeID], modelID)
	return nil
}

// Assignments lists the node's assigned model ids in stable order.
func (s *MemoryStore) Assignments(ctx context.Context, nodeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.assignments[nodeID]), nil
}

// HasAssignment reports whether the model is assigned to the node.
func (s *MemoryStore) HasAssignment(ctx context.Context, nodeID, modelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignments[nodeID][modelID], nil
}

// Ping implements Store.Ping (always healthy).
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.Close (no-op).
func (s *MemoryStore) Close() error { return nil }

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
