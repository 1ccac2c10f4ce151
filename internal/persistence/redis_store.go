package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/botflow/pkg/api"
)

// RedisStore persists executions and contact attributes in Redis.
// It uses a simple key structure:
//
//	<prefix>exec:<id>             => JSON-encoded execution payload
//	<prefix>idx:all               => SET of all execution IDs
//	<prefix>idx:flow:<flow>       => SET of execution IDs for a flow
//	<prefix>idx:status:<status>   => SET of execution IDs for a status
//	<prefix>idx:contact:<id>      => SET of execution IDs for a contact
//	<prefix>lease:<id>            => lease owner, with TTL
//	<prefix>attr:<contact>        => HASH of attribute key to JSON record
//
// The indexes are best-effort; they are always updated on Save/Update,
// and list operations filter by the decoded payload.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ ExecutionStore = (*RedisStore)(nil)
	_ AttributeStore = (*RedisStore)(nil)
)

type redisExecutionPayload struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flow_id"`
	BotID         string          `json:"bot_id"`
	ContactID     string          `json:"contact_id"`
	CurrentNodeID string          `json:"current_node_id"`
	Status        string          `json:"status"`
	State         json.RawMessage `json:"state,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailedNodeID  string          `json:"failed_node_id,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "botflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "botflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyExecution(id string) string {
	return r.prefix + "exec:" + id
}

func (r *RedisStore) keyLease(id string) string {
	return r.prefix + "lease:" + id
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyFlow(flowID string) string {
	return r.prefix + "idx:flow:" + flowID
}

func (r *RedisStore) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisStore) keyContact(contactID string) string {
	return r.prefix + "idx:contact:" + contactID
}

func (r *RedisStore) keyAttributes(contactID string) string {
	return r.prefix + "attr:" + contactID
}

func (r *RedisStore) writeExecution(ctx context.Context, exec *api.FlowExecution) error {
	data, err := encodeRedisExecution(exec)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.keyExecution(exec.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates are best-effort; stale entries may remain after a
	// status change, list operations re-check the payload.
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), exec.ID)
	pipe.SAdd(ctx, r.keyFlow(exec.FlowID), exec.ID)
	pipe.SAdd(ctx, r.keyStatus(exec.Status), exec.ID)
	pipe.SAdd(ctx, r.keyContact(exec.ContactID), exec.ID)
	_, _ = pipe.Exec(ctx)

	return nil
}

func (r *RedisStore) SaveExecution(ctx context.Context, exec *api.FlowExecution) error {
	return r.writeExecution(ctx, exec)
}

func (r *RedisStore) UpdateExecution(ctx context.Context, exec *api.FlowExecution) error {
	exists, err := r.client.Exists(ctx, r.keyExecution(exec.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrExecutionNotFound
	}
	return r.writeExecution(ctx, exec)
}

func (r *RedisStore) GetExecution(ctx context.Context, id string) (*api.FlowExecution, error) {
	data, err := r.client.Get(ctx, r.keyExecution(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return decodeRedisExecution(data)
}

func (r *RedisStore) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.FlowExecution, error) {
	var ids []string
	var err error

	switch {
	case filter.FlowID != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx, r.keyFlow(filter.FlowID), r.keyStatus(filter.Status)).Result()
	case filter.FlowID != "":
		ids, err = r.client.SMembers(ctx, r.keyFlow(filter.FlowID)).Result()
	case filter.ContactID != "":
		ids, err = r.client.SMembers(ctx, r.keyContact(filter.ContactID)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	execs, err := r.fetchExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []*api.FlowExecution
	for _, exec := range execs {
		if !matchExecution(exec, filter) {
			continue
		}
		out = append(out, exec)
	}
	sortExecutions(out)
	return out, nil
}

func (r *RedisStore) ActiveExecutionForContact(ctx context.Context, contactID string) (*api.FlowExecution, error) {
	ids, err := r.client.SMembers(ctx, r.keyContact(contactID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	execs, err := r.fetchExecutions(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortExecutions(execs)
	for _, exec := range execs {
		if exec.ContactID == contactID && !exec.Status.Terminal() {
			return exec, nil
		}
	}
	return nil, ErrExecutionNotFound
}

func (r *RedisStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.SMembers(ctx, r.keyAll()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	execs, err := r.fetchExecutions(ctx, ids)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, exec := range execs {
		if !exec.Status.Terminal() || !exec.UpdatedAt.Before(cutoff) {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.keyExecution(exec.ID))
		pipe.SRem(ctx, r.keyAll(), exec.ID)
		pipe.SRem(ctx, r.keyFlow(exec.FlowID), exec.ID)
		pipe.SRem(ctx, r.keyStatus(exec.Status), exec.ID)
		pipe.SRem(ctx, r.keyContact(exec.ContactID), exec.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *RedisStore) fetchExecutions(ctx context.Context, ids []string) ([]*api.FlowExecution, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyExecution(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var execs []*api.FlowExecution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		exec, err := decodeRedisExecution(data)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

func encodeRedisExecution(exec *api.FlowExecution) ([]byte, error) {
	state, err := EncodeState(exec.State)
	if err != nil {
		return nil, err
	}
	payload := redisExecutionPayload{
		ID:            exec.ID,
		FlowID:        exec.FlowID,
		BotID:         exec.BotID,
		ContactID:     exec.ContactID,
		CurrentNodeID: exec.CurrentNodeID,
		Status:        string(exec.Status),
		State:         state,
		Error:         exec.Error,
		FailedNodeID:  exec.FailedNodeID,
		CreatedAt:     exec.CreatedAt.UnixNano(),
		UpdatedAt:     exec.UpdatedAt.UnixNano(),
	}
	return json.Marshal(payload)
}

func decodeRedisExecution(data []byte) (*api.FlowExecution, error) {
	if len(data) == 0 {
		return nil, ErrExecutionNotFound
	}
	var payload redisExecutionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	state, err := DecodeState(payload.State)
	if err != nil {
		return nil, err
	}
	return &api.FlowExecution{
		ID:            payload.ID,
		FlowID:        payload.FlowID,
		BotID:         payload.BotID,
		ContactID:     payload.ContactID,
		CurrentNodeID: payload.CurrentNodeID,
		Status:        api.Status(payload.Status),
		State:         state,
		Error:         payload.Error,
		FailedNodeID:  payload.FailedNodeID,
		CreatedAt:     time.Unix(0, payload.CreatedAt),
		UpdatedAt:     time.Unix(0, payload.UpdatedAt),
	}, nil
}

var (
	// Lua script for acquiring a lease with re-entrant behavior for the
	// same owner. Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for renewing a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	exists, err := r.client.Exists(ctx, r.keyExecution(executionID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrExecutionNotFound
	}
	res, err := r.client.Eval(ctx, redisLeaseAcquireLua, []string{r.keyLease(executionID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	return luaBool(res), nil
}

func (r *RedisStore) RenewLease(ctx context.Context, executionID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseRenewLua, []string{r.keyLease(executionID)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if !luaBool(res) {
		return api.ErrConcurrentStep
	}
	return nil
}

func (r *RedisStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	// Idempotent: a missing lease is a successful release.
	_, err := r.client.Eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(executionID)}, owner).Result()
	return err
}

func luaBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

func (r *RedisStore) SetAttribute(ctx context.Context, attr api.ContactAttribute) error {
	if attr.UpdatedAt.IsZero() {
		attr.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(attr)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.keyAttributes(attr.ContactID), attr.Key, data).Err()
}

func (r *RedisStore) GetAttribute(ctx context.Context, contactID, key string) (api.ContactAttribute, bool, error) {
	data, err := r.client.HGet(ctx, r.keyAttributes(contactID), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.ContactAttribute{}, false, nil
		}
		return api.ContactAttribute{}, false, err
	}
	var attr api.ContactAttribute
	if err := json.Unmarshal(data, &attr); err != nil {
		return api.ContactAttribute{}, false, err
	}
	return attr, true, nil
}

func (r *RedisStore) ListAttributes(ctx context.Context, contactID string) (map[string]api.ContactAttribute, error) {
	raw, err := r.client.HGetAll(ctx, r.keyAttributes(contactID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]api.ContactAttribute, len(raw))
	for key, data := range raw {
		var attr api.ContactAttribute
		if err := json.Unmarshal([]byte(data), &attr); err != nil {
			return nil, err
		}
		out[key] = attr
	}
	return out, nil
}

func sortExecutions(execs []*api.FlowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].ID < execs[j].ID
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
}
