package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridserve/gridserve/pkg/types"
)

func TestNodeRecordRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	node := &types.Node{
		NodeID:      "node-1",
		OwnerUserID: "user-1",
		NodeName:    "mountain-stream",
		APIKey:      "node_node-1_deadbeef",
		Status:      types.NodeStatusActive,
		ModelStatus: types.ModelStatusIdle,
		NodeURL:     "http://10.0.0.5:8005",
	}
	require.NoError(t, s.PutNode(ctx, node))

	got, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, node, got)

	// Mutating the returned record must not leak into the store
	got.NodeName = "changed"
	again, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "mountain-stream", again.NodeName)
}

func TestGetNodeNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetNode(context.Background(), "ghost")
	require.Error(t, err)

	var fe *types.FleetError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, types.ErrCodeNodeNotFound, fe.Code)
}

func TestUpdateModelStatusWritesFieldsTogether(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutNode(ctx, &types.Node{NodeID: "node-1", ModelStatus: types.ModelStatusIdle}))
	require.NoError(t, s.UpdateModelStatus(ctx, "node-1", types.ModelStatusReady, "model-1", "demo-model"))

	node, err := s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelStatusReady, node.ModelStatus)
	assert.Equal(t, "model-1", node.ActiveModelID)
	assert.Equal(t, "demo-model", node.ActiveModelName)

	require.NoError(t, s.UpdateModelStatus(ctx, "node-1", types.ModelStatusError, "", ""))
	node, err = s.GetNode(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelStatusError, node.ModelStatus)
	assert.Empty(t, node.ActiveModelID)
	assert.Empty(t, node.ActiveModelName)
}

func TestSetupTokenExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.Now()
	s.SetClock(func() time.Time { return current })

	grant := SetupGrant{NodeID: "node-1", NodeName: "forest-breeze", NodeURL: "http://n1:8005"}
	require.NoError(t, s.PutSetupToken(ctx, "tok", grant, time.Hour))

	got, err := s.GetSetupToken(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, grant, *got)

	// Past the TTL the token behaves as if it never existed
	current = current.Add(time.Hour + time.Second)
	_, err = s.GetSetupToken(ctx, "tok")
	var fe *types.FleetError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, types.ErrCodeTokenNotFound, fe.Code)
}

func TestSetupTokenDeleteConsumes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.PutSetupToken(ctx, "tok", SetupGrant{NodeID: "node-1"}, time.Hour))
	require.NoError(t, s.DeleteSetupToken(ctx, "tok"))

	_, err := s.GetSetupToken(ctx, "tok")
	require.Error(t, err)
}

func TestAssignmentSetOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.HasAssignment(ctx, "node-1", "model-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddAssignment(ctx, "node-1", "model-b"))
	require.NoError(t, s.AddAssignment(ctx, "node-1", "model-a"))

	ids, err := s.Assignments(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a", "model-b"}, ids, "assignments must come back in stable order")

	require.NoError(t, s.RemoveAssignment(ctx, "node-1", "model-a"))
	ids, err = s.Assignments(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-b"}, ids)
}

func TestUserSetsAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AddUserNode(ctx, "user-1", "node-1"))
	require.NoError(t, s.AddUserModel(ctx, "user-1", "model-1"))

	nodes, err := s.UserNodes(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	models, err := s.UserModels(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, models, "unknown user owns nothing, not an error")
}

func TestModelLibraryRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	model := &types.Model{
		ModelID:            "model-1",
		UserID:             "user-1",
		ModelName:          "demo-model",
		HuggingFaceModelID: "org/demo-model",
	}
	require.NoError(t, s.PutModel(ctx, model))

	got, err := s.GetModel(ctx, "model-1")
	require.NoError(t, err)
	assert.Equal(t, model, got)

	require.NoError(t, s.DeleteModel(ctx, "model-1"))
	_, err = s.GetModel(ctx, "model-1")
	require.Error(t, err)
}
