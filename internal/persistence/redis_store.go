package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/petrijr/taskflow/pkg/api"
)

// RedisStore is a StateStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>item:<id>      => HASH {rev, status, claimed_by, claimed_at, updated_at, doc}
//	<prefix>hist:<id>      => LIST of JSON history entries, oldest first
//	<prefix>idx:all        => SET of all work item IDs
//	<prefix>rr:<group>     => STRING last user picked for the group
//
// Every mutation runs as a single Lua script, so the item hash and its
// history list change together. The claim fields live outside doc so the
// claim script can test and set them without decoding JSON.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ StateStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. prefix defaults to "taskflow:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "taskflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyItem(id string) string {
	return r.prefix + "item:" + id
}

func (r *RedisStore) keyHistory(id string) string {
	return r.prefix + "hist:" + id
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyRotation(groupID string) string {
	return r.prefix + "rr:" + groupID
}

// redisItemDoc holds the fields that only change through full transitions.
type redisItemDoc struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflowId"`
	ObjectType    string          `json:"objectType,omitempty"`
	CurrentTaskID string          `json:"currentTaskId"`
	Priority      int             `json:"priority"`
	ObjectData    json.RawMessage `json:"objectData,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	CompletedAt   int64           `json:"completedAt,omitempty"`
}

type redisHistoryDoc struct {
	TaskID     string `json:"taskId"`
	TaskName   string `json:"taskName,omitempty"`
	Action     string `json:"action"`
	RouteLabel string `json:"routeLabel,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Notes      string `json:"notes,omitempty"`
	At         int64  `json:"at"`
}

const (
	// KEYS: item, history, index. ARGV: id, status, claimed_by, claimed_at,
	// updated_at, doc, entries... Returns 1 when created, 0 when the id is taken.
	redisCreateLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'rev', 1, 'status', ARGV[2], 'claimed_by', ARGV[3],
	'claimed_at', ARGV[4], 'updated_at', ARGV[5], 'doc', ARGV[6])
redis.call('SADD', KEYS[3], ARGV[1])
for i = 7, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
return 1
`

	// KEYS: item, history. ARGV: expected rev, status, claimed_by, claimed_at,
	// updated_at, doc, entries... Returns 1 on success, 0 on a stale
	// revision, -1 when the item is missing.
	redisApplyLua = `
local rev = redis.call('HGET', KEYS[1], 'rev')
if not rev then
	return -1
end
if rev ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'claimed_by', ARGV[3],
	'claimed_at', ARGV[4], 'updated_at', ARGV[5], 'doc', ARGV[6])
redis.call('HINCRBY', KEYS[1], 'rev', 1)
for i = 7, #ARGV do
	redis.call('RPUSH', KEYS[2], ARGV[i])
end
return 1
`

	// KEYS: item, history. ARGV: user, at, entry. Returns the item hash as
	// a flat field/value array on success, -1 when missing, -2 when not
	// active and -3 when already claimed.
	redisClaimLua = `
local cur = redis.call('HMGET', KEYS[1], 'status', 'claimed_by')
if not cur[1] then
	return -1
end
if cur[1] ~= 'active' then
	return -2
end
if cur[2] and cur[2] ~= '' then
	return -3
end
redis.call('HSET', KEYS[1], 'claimed_by', ARGV[1], 'claimed_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'rev', 1)
redis.call('RPUSH', KEYS[2], ARGV[3])
return redis.call('HGETALL', KEYS[1])
`

	// KEYS: pointer. ARGV: members in rotation order. Returns the next member.
	redisRotateLua = `
local last = redis.call('GET', KEYS[1])
local next = ARGV[1]
if last then
	for i = 1, #ARGV do
		if ARGV[i] == last then
			if i < #ARGV then
				next = ARGV[i + 1]
			end
			break
		end
	end
end
redis.call('SET', KEYS[1], next)
return next
`
)

func encodeRedisItem(item *api.WorkItem) ([]any, error) {
	data, err := EncodeData(item.ObjectData)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(redisItemDoc{
		ID:            item.ID,
		WorkflowID:    item.WorkflowID,
		ObjectType:    item.ObjectType,
		CurrentTaskID: item.CurrentTaskID,
		Priority:      item.Priority,
		ObjectData:    data,
		CreatedAt:     item.CreatedAt.UnixNano(),
		CompletedAt:   unixNanos(item.CompletedAt),
	})
	if err != nil {
		return nil, err
	}
	return []any{
		string(item.Status),
		item.ClaimedByID,
		unixNanos(item.ClaimedAt),
		item.UpdatedAt.UnixNano(),
		string(doc),
	}, nil
}

func encodeRedisHistory(entries []api.HistoryEntry) ([]any, error) {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(redisHistoryDoc{
			TaskID:     e.TaskID,
			TaskName:   e.TaskName,
			Action:     string(e.Action),
			RouteLabel: e.RouteLabel,
			UserID:     e.UserID,
			Notes:      e.Notes,
			At:         e.At.UnixNano(),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func decodeRedisItem(fields map[string]string) (*api.WorkItem, error) {
	var doc redisItemDoc
	if err := json.Unmarshal([]byte(fields["doc"]), &doc); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	data, err := DecodeData(doc.ObjectData)
	if err != nil {
		return nil, err
	}

	rev, err := cast.ToInt64E(fields["rev"])
	if err != nil {
		return nil, fmt.Errorf("decode revision: %w", err)
	}
	claimedAt := cast.ToInt64(fields["claimed_at"])
	updatedAt := cast.ToInt64(fields["updated_at"])

	return &api.WorkItem{
		ID:            doc.ID,
		WorkflowID:    doc.WorkflowID,
		ObjectType:    doc.ObjectType,
		CurrentTaskID: doc.CurrentTaskID,
		Status:        api.Status(fields["status"]),
		Priority:      doc.Priority,
		ObjectData:    data,
		ClaimedByID:   fields["claimed_by"],
		ClaimedAt:     fromUnixNanos(claimedAt),
		CreatedAt:     time.Unix(0, doc.CreatedAt),
		UpdatedAt:     time.Unix(0, updatedAt),
		CompletedAt:   fromUnixNanos(doc.CompletedAt),
		Revision:      rev,
	}, nil
}

func (r *RedisStore) CreateWorkItem(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	fields, err := encodeRedisItem(item)
	if err != nil {
		return err
	}
	hist, err := encodeRedisHistory(entries)
	if err != nil {
		return err
	}
	args := append(append([]any{item.ID}, fields...), hist...)

	res, err := r.client.Eval(ctx, redisCreateLua,
		[]string{r.keyItem(item.ID), r.keyHistory(item.ID), r.keyAll()}, args...).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrWorkItemExists
	}
	item.Revision = 1
	return nil
}

func (r *RedisStore) GetWorkItem(ctx context.Context, id string) (*api.WorkItem, error) {
	fields, err := r.client.HGetAll(ctx, r.keyItem(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, api.ErrWorkItemNotFound
	}
	return decodeRedisItem(fields)
}

func (r *RedisStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*api.WorkItem, error) {
	ids, err := r.client.SMembers(ctx, r.keyAll()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keyItem(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var items []*api.WorkItem
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		item, err := decodeRedisItem(fields)
		if err != nil {
			return nil, err
		}
		if filter.Match(item) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (r *RedisStore) ApplyTransition(ctx context.Context, item *api.WorkItem, entries []api.HistoryEntry) error {
	fields, err := encodeRedisItem(item)
	if err != nil {
		return err
	}
	hist, err := encodeRedisHistory(entries)
	if err != nil {
		return err
	}
	args := append(append([]any{item.Revision}, fields...), hist...)

	res, err := r.client.Eval(ctx, redisApplyLua,
		[]string{r.keyItem(item.ID), r.keyHistory(item.ID)}, args...).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return api.ErrWorkItemNotFound
	case 0:
		return api.ErrConcurrentUpdate
	}
	item.Revision++
	return nil
}

func (r *RedisStore) ClaimWorkItem(ctx context.Context, id, userID string, at time.Time, entry api.HistoryEntry) (*api.WorkItem, error) {
	hist, err := encodeRedisHistory([]api.HistoryEntry{entry})
	if err != nil {
		return nil, err
	}

	res, err := r.client.Eval(ctx, redisClaimLua,
		[]string{r.keyItem(id), r.keyHistory(id)}, userID, at.UnixNano(), hist[0]).Result()
	if err != nil {
		return nil, err
	}

	switch v := res.(type) {
	case int64:
		switch v {
		case -1:
			return nil, api.ErrWorkItemNotFound
		case -2:
			return nil, api.ErrNotActive
		default:
			return nil, api.ErrAlreadyClaimed
		}
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return decodeRedisItem(fields)
	default:
		return nil, fmt.Errorf("unexpected claim reply %T", res)
	}
}

func (r *RedisStore) ListHistory(ctx context.Context, workItemID string) ([]api.HistoryEntry, error) {
	raw, err := r.client.LRange(ctx, r.keyHistory(workItemID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]api.HistoryEntry, 0, len(raw))
	for i, s := range raw {
		var doc redisHistoryDoc
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, api.HistoryEntry{
			Seq:        int64(i + 1),
			WorkItemID: workItemID,
			TaskID:     doc.TaskID,
			TaskName:   doc.TaskName,
			Action:     api.Action(doc.Action),
			RouteLabel: doc.RouteLabel,
			UserID:     doc.UserID,
			Notes:      doc.Notes,
			At:         time.Unix(0, doc.At),
		})
	}
	return out, nil
}

func (r *RedisStore) NextRoundRobin(ctx context.Context, groupID string, members []string) (string, error) {
	if len(members) == 0 {
		return "", nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.Eval(ctx, redisRotateLua, []string{r.keyRotation(groupID)}, args...).Text()
}
