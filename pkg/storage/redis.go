package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridserve/gridserve/pkg/types"
)

// RedisStore implements Store on a Redis-compatible server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreConfig holds Redis-specific configuration
type RedisStoreConfig struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore creates a Redis-backed coordination store.
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: config.KeyPrefix}, nil
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// PutNode writes the full node record.
func (s *RedisStore) PutNode(ctx context.Context, node *types.Node) error {
	fields := map[string]interface{}{
		"nodeId":          node.NodeID,
		"userId":          node.OwnerUserID,
		"status":          string(node.Status),
		"nodeName":        node.NodeName,
		"modelStatus":     string(node.ModelStatus),
		"activeModelId":   node.ActiveModelID,
		"activeModelName": node.ActiveModelName,
		"apiKey":          node.APIKey,
		"nodeUrl":         node.NodeURL,
		"lastUsedAt":      strconv.FormatInt(node.LastUsedAt, 10),
	}
	if err := s.client.HSet(ctx, s.key("node", node.NodeID), fields).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// GetNode reads a node record. Returns NODE_NOT_FOUND for unknown ids.
func (s *RedisStore) GetNode(ctx context.Context, nodeID string) (*types.Node, error) {
	data, err := s.client.HGetAll(ctx, s.key("node", nodeID)).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	if len(data) == 0 {
		return nil, types.ErrNodeNotFound(nodeID)
	}
	return nodeFromHash(data), nil
}

// ListNodes returns every node record in the store.
func (s *RedisStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	keys, err := s.client.Keys(ctx, s.key("node", "*")).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}

	nodes := make([]*types.Node, 0, len(keys))
	for _, key := range keys {
		// node:{id}:models assignment sets share the node:* pattern
		if strings.HasSuffix(key, ":models") {
			continue
		}
		data, err := s.client.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		nodes = append(nodes, nodeFromHash(data))
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}

// UpdateModelStatus writes the three lifecycle fields in a single HSet.
func (s *RedisStore) UpdateModelStatus(ctx context.Context, nodeID string, status types.ModelStatus, modelID, modelName string) error {
	fields := map[string]interface{}{
		"modelStatus":     string(status),
		"activeModelId":   modelID,
		"activeModelName": modelName,
	}
	if err := s.client.HSet(ctx, s.key("node", nodeID), fields).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// TouchNodeUsage stamps the node's lastUsedAt for LRU dispatch balancing.
func (s *RedisStore) TouchNodeUsage(ctx context.Context, nodeID string, at time.Time) error {
	err := s.client.HSet(ctx, s.key("node", nodeID), "lastUsedAt", strconv.FormatInt(at.UnixNano(), 10)).Err()
	if err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// AddUserNode adds a node to the owner's node set.
func (s *RedisStore) AddUserNode(ctx context.Context, userID, nodeID string) error {
	if err := s.client.SAdd(ctx, s.key("user", userID, "nodes"), nodeID).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// UserNodes lists the owner's node ids.
func (s *RedisStore) UserNodes(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.key("user", userID, "nodes")).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutModel writes a library entry.
func (s *RedisStore) PutModel(ctx context.Context, model *types.Model) error {
	fields := map[string]interface{}{
		"modelId":            model.ModelID,
		"userId":             model.UserID,
		"modelName":          model.ModelName,
		"huggingFaceModelId": model.HuggingFaceModelID,
	}
	if err := s.client.HSet(ctx, s.key("model", model.ModelID), fields).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// GetModel reads a library entry. Returns MODEL_NOT_FOUND for unknown ids.
func (s *RedisStore) GetModel(ctx context.Context, modelID string) (*types.Model, error) {
	data, err := s.client.HGetAll(ctx, s.key("model", modelID)).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	if len(data) == 0 {
		return nil, types.ErrModelNotFound(modelID)
	}
	return &types.Model{
		ModelID:            data["modelId"],
		UserID:             data["userId"],
		ModelName:          data["modelName"],
		HuggingFaceModelID: data["huggingFaceModelId"],
	}, nil
}

// ListModels returns every library entry in the store.
func (s *RedisStore) ListModels(ctx context.Context) ([]*types.Model, error) {
	keys, err := s.client.Keys(ctx, s.key("model", "*")).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}

	models := make([]*types.Model, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		models = append(models, &types.Model{
			ModelID:            data["modelId"],
			UserID:             data["userId"],
			ModelName:          data["modelName"],
			HuggingFaceModelID: data["huggingFaceModelId"],
		})
	}

	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
	return models, nil
}

// DeleteModel removes a library entry record.
func (s *RedisStore) DeleteModel(ctx context.Context, modelID string) error {
	if err := s.client.Del(ctx, s.key("model", modelID)).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// AddUserModel adds a model to the owner's library set.
func (s *RedisStore) AddUserModel(ctx context.Context, userID, modelID string) error {
	if err := s.client.SAdd(ctx, s.key("user", userID, "models"), modelID).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// RemoveUserModel removes a model from the owner's library set.
func (s *RedisStore) RemoveUserModel(ctx context.Context, userID, modelID string) error {
	if err := s.client.SRem(ctx, s.key("user", userID, "models"), modelID).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// UserModels lists the owner's library model ids.
func (s *RedisStore) UserModels(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.key("user", userID, "models")).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutSetupToken stores a token grant under the expiring token keys.
func (s *RedisStore) PutSetupToken(ctx context.Context, token string, grant SetupGrant, ttl time.Duration) error {
	pipe := s.client.Pipeline()
	pipe.SetEx(ctx, s.key("setup_token", token), grant.NodeID, ttl)
	pipe.SetEx(ctx, s.key("setup_token_name", token), grant.NodeName, ttl)
	pipe.SetEx(ctx, s.key("setup_node_url", token), grant.NodeURL, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// GetSetupToken resolves a token. Returns TOKEN_NOT_FOUND once the token
// has expired or been consumed.
func (s *RedisStore) GetSetupToken(ctx context.Context, token string) (*SetupGrant, error) {
	nodeID, err := s.client.Get(ctx, s.key("setup_token", token)).Result()
	if err == redis.Nil {
		return nil, types.ErrTokenNotFound()
	}
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}

	name, err := s.client.Get(ctx, s.key("setup_token_name", token)).Result()
	if err != nil && err != redis.Nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	url, err := s.client.Get(ctx, s.key("setup_node_url", token)).Result()
	if err != nil && err != redis.Nil {
		return nil, types.ErrStoreUnavailable(err)
	}

	return &SetupGrant{NodeID: nodeID, NodeName: name, NodeURL: url}, nil
}

// DeleteSetupToken consumes a token.
func (s *RedisStore) DeleteSetupToken(ctx context.Context, token string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key("setup_token", token))
	pipe.Del(ctx, s.key("setup_token_name", token))
	pipe.Del(ctx, s.key("setup_node_url", token))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// AddAssignment adds a model to the node's desired-state set.
func (s *RedisStore) AddAssignment(ctx context.Context, nodeID, modelID string) error {
	if err := s.client.SAdd(ctx, s.key("node", nodeID, "models"), modelID).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// RemoveAssignment removes a model from the node's desired-state set.
func (s *RedisStore) RemoveAssignment(ctx context.Context, nodeID, modelID string) error {
	if err := s.client.SRem(ctx, s.key("node", nodeID, "models"), modelID).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// Assignments lists the node's assigned model ids in stable order.
func (s *RedisStore) Assignments(ctx context.Context, nodeID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.key("node", nodeID, "models")).Result()
	if err != nil {
		return nil, types.ErrStoreUnavailable(err)
	}
	sort.Strings(ids)
	return ids, nil
}

// HasAssignment reports whether the model is already assigned to the node.
func (s *RedisStore) HasAssignment(ctx context.Context, nodeID, modelID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key("node", nodeID, "models"), modelID).Result()
	if err != nil {
		return false, types.ErrStoreUnavailable(err)
	}
	return ok, nil
}

// Ping implements Store.Ping.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return types.ErrStoreUnavailable(err)
	}
	return nil
}

// Close implements Store.Close.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func nodeFromHash(data map[string]string) *types.Node {
	lastUsed, _ := strconv.ParseInt(data["lastUsedAt"], 10, 64)
	return &types.Node{
		NodeID:          data["nodeId"],
		OwnerUserID:     data["userId"],
		Status:          types.NodeStatus(data["status"]),
		NodeName:        data["nodeName"],
		ModelStatus:     types.ModelStatus(data["modelStatus"]),
		ActiveModelID:   data["activeModelId"],
		ActiveModelName: data["activeModelName"],
		APIKey:          data["apiKey"],
		NodeURL:         data["nodeUrl"],
		LastUsedAt:      lastUsed,
	}
}
