package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridserve/gridserve/pkg/types"
)

type recordedOp struct {
	operation string
	success   bool
}

type captureRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *captureRecorder) RecordStoreOperation(operation string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{operation: operation, success: success})
}

func (r *captureRecorder) find(operation string) (recordedOp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range r.ops {
		if op.operation == operation {
			return op, true
		}
	}
	return recordedOp{}, false
}

func TestInstrumentedStoreRecordsOutcomes(t *testing.T) {
	rec := &captureRecorder{}
	store := NewInstrumentedStore(NewMemoryStore(), rec)
	ctx := context.Background()

	require.NoError(t, store.PutNode(ctx, &types.Node{NodeID: "node-1"}))
	put, ok := rec.find("put_node")
	require.True(t, ok)
	assert.True(t, put.success)

	node, err := store.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", node.NodeID)
	get, ok := rec.find("get_node")
	require.True(t, ok)
	assert.True(t, get.success)
}

func TestInstrumentedStoreRecordsFailures(t *testing.T) {
	rec := &captureRecorder{}
	store := NewInstrumentedStore(NewMemoryStore(), rec)

	_, err := store.GetModel(context.Background(), "ghost")
	require.Error(t, err)

	get, ok := rec.find("get_model")
	require.True(t, ok)
	assert.False(t, get.success)
}

func TestInstrumentedStorePassesThrough(t *testing.T) {
	rec := &captureRecorder{}
	store := NewInstrumentedStore(NewMemoryStore(), rec)
	ctx := context.Background()

	require.NoError(t, store.AddAssignment(ctx, "node-1", "model-1"))
	assignments, err := store.Assignments(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-1"}, assignments)

	ok, err := store.HasAssignment(ctx, "node-1", "model-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
