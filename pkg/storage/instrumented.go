package storage

import (
	"context"
	"time"

	"github.com/gridserve/gridserve/pkg/types"
)

// OperationRecorder receives the outcome of every store call.
// *metrics.PrometheusMetrics satisfies it.
type OperationRecorder interface {
	RecordStoreOperation(operation string, success bool, duration time.Duration)
}

// InstrumentedStore decorates a Store with per-operation outcome and
// latency recording. It adds no behavior of its own; every call
// delegates to the wrapped store.
type InstrumentedStore struct {
	inner Store
	rec   OperationRecorder
}

// NewInstrumentedStore wraps inner so every operation is reported to rec.
func NewInstrumentedStore(inner Store, rec OperationRecorder) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, rec: rec}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.rec.RecordStoreOperation(op, err == nil, time.Since(start))
}

func (s *InstrumentedStore) PutNode(ctx context.Context, node *types.Node) error {
	start := time.Now()
	err := s.inner.PutNode(ctx, node)
	s.observe("put_node", start, err)
	return err
}

func (s *InstrumentedStore) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	start := time.Now()
	node, err := s.inner.GetNode(ctx, nodeID)
	s.observe("get_node", start, err)
	return node, err
}

func (s *InstrumentedStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	start := time.Now()
	nodes, err := s.inner.ListNodes(ctx)
	s.observe("list_nodes", start, err)
	return nodes, err
}

func (s *InstrumentedStore) UpdateModelStatus(ctx context.Context, nodeID string, status types.ModelStatus, modelID, modelName string) error {
	start := time.Now()
	err := s.inner.UpdateModelStatus(ctx, nodeID, status, modelID, modelName)
	s.observe("update_model_status", start, err)
	return err
}

func (s *InstrumentedStore) TouchNodeUsage(ctx context.Context, nodeID string, at time.Time) error {
	start := time.Now()
	err := s.inner.TouchNodeUsage(ctx, nodeID, at)
	s.observe("touch_node_usage", start, err)
	return err
}

func (s *InstrumentedStore) AddUserNode(ctx context.Context, userID, nodeID string) error {
	start := time.Now()
	err := s.inner.AddUserNode(ctx, userID, nodeID)
	s.observe("add_user_node", start, err)
	return err
}

func (s *InstrumentedStore) UserNodes(ctx context.Context, userID string) ([]string, error) {
	start := time.Now()
	nodes, err := s.inner.UserNodes(ctx, userID)
	s.observe("user_nodes", start, err)
	return nodes, err
}

func (s *InstrumentedStore) PutModel(ctx context.Context, model *types.Model) error {
	start := time.Now()
	err := s.inner.PutModel(ctx, model)
	s.observe("put_model", start, err)
	return err
}

func (s *InstrumentedStore) GetModel(ctx context.Context, modelID string) (*types.Model, error) {
	start := time.Now()
	model, err := s.inner.GetModel(ctx, modelID)
	s.observe("get_model", start, err)
	return model, err
}

func (s *InstrumentedStore) ListModels(ctx context.Context) ([]*types.Model, error) {
	start := time.Now()
	models, err := s.inner.ListModels(ctx)
	s.observe("list_models", start, err)
	return models, err
}

func (s *InstrumentedStore) DeleteModel(ctx context.Context, modelID string) error {
	start := time.Now()
	err := s.inner.DeleteModel(ctx, modelID)
	s.observe("delete_model", start, err)
	return err
}

func (s *InstrumentedStore) AddUserModel(ctx context.Context, userID, modelID string) error {
	start := time.Now()
	err := s.inner.AddUserModel(ctx, userID, modelID)
	s.observe("add_user_model", start, err)
	return err
}

func (s *InstrumentedStore) RemoveUserModel(ctx context.Context, userID, modelID string) error {
	start := time.Now()
	err := s.inner.RemoveUserModel(ctx, userID, modelID)
	s.observe("remove_user_model", start, err)
	return err
}

func (s *InstrumentedStore) UserModels(ctx context.Context, userID string) ([]string, error) {
	start := time.Now()
	models, err := s.inner.UserModels(ctx, userID)
	s.observe("user_models", start, err)
	return models, err
}

func (s *InstrumentedStore) PutSetupToken(ctx context.Context, token string, grant SetupGrant, ttl time.Duration) error {
	start := time.Now()
	err := s.inner.PutSetupToken(ctx, token, grant, ttl)
	s.observe("put_setup_token", start, err)
	return err
}

func (s *InstrumentedStore) GetSetupToken(ctx context.Context, token string) (*SetupGrant, error) {
	start := time.Now()
	grant, err := s.inner.GetSetupToken(ctx, token)
	s.observe("get_setup_token", start, err)
	return grant, err
}

func (s *InstrumentedStore) DeleteSetupToken(ctx context.Context, token string) error {
	start := time.Now()
	err := s.inner.DeleteSetupToken(ctx, token)
	s.observe("delete_setup_token", start, err)
	return err
}

func (s *InstrumentedStore) AddAssignment(ctx context.Context, nodeID, modelID string) error {
	start := time.Now()
	err := s.inner.AddAssignment(ctx, nodeID, modelID)
	s.observe("add_assignment", start, err)
	return err
}

func (s *InstrumentedStore) RemoveAssignment(ctx context.Context, nodeID, modelID string) error {
	start := time.Now()
	err := s.inner.RemoveAssignment(ctx, nodeID, modelID)
	s.observe("remove_assignment", start, err)
	return err
}

func (s *InstrumentedStore) Assignments(ctx context.Context, nodeID string) ([]string, error) {
	start := time.Now()
	assignments, err := s.inner.Assignments(ctx, nodeID)
	s.observe("assignments", start, err)
	return assignments, err
}

func (s *InstrumentedStore) HasAssignment(ctx context.Context, nodeID, modelID string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.HasAssignment(ctx, nodeID, modelID)
	s.observe("has_assignment", start, err)
	return ok, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.observe("ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
