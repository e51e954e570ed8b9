package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/conduit/pkg/api"
)

// RedisStore implements every repository interface on Redis.
// It uses the following key structure:
//
//	<prefix>flow:<ref>             => HASH revision -> gob-encoded api.Flow
//	<prefix>idx:flows              => SET of flow refs
//	<prefix>exec:<id>              => HASH {version, state, body}
//	<prefix>idx:execs              => SET of execution IDs
//	<prefix>run:<jobID>            => HASH {owner, body}
//	<prefix>idx:run:all            => SET of running job IDs
//	<prefix>idx:run:worker:<id>    => SET of running job IDs per worker
//	<prefix>inst:<id>              => HASH {seq, last_seen, body}
//	<prefix>idx:insts              => SET of worker instance IDs
//	<prefix>win:<key>              => HASH {version, end, body}
//	<prefix>idx:wins               => SET of window keys
//
// Compare-and-set writes run as Lua scripts; window updates use
// WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ FlowRepository      = (*RedisStore)(nil)
	_ ExecutionRepository = (*RedisStore)(nil)
	_ RunningStore        = (*RedisStore)(nil)
	_ WorkerInstanceStore = (*RedisStore)(nil)
	_ WindowStore         = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "conduit:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conduit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Persistence returns s behind every repository interface.
func (s *RedisStore) Persistence() Persistence {
	return Persistence{Flows: s, Executions: s, Running: s, Instances: s, Windows: s}
}

func (s *RedisStore) keyFlow(ref api.FlowRef) string { return s.prefix + "flow:" + refKey(ref) }
func (s *RedisStore) keyFlows() string { return s.prefix + "idx:flows" }
func (s *RedisStore) keyExec(id string) string { return s.prefix + "exec:" + id }
func (s *RedisStore) keyExecs() string { return s.prefix + "idx:execs" }
func (s *RedisStore) keyRun(jobID string) string { return s.prefix + "run:" + jobID }
func (s *RedisStore) keyRunAll() string { return s.prefix + "idx:run:all" }
func (s *RedisStore) keyRunWorker(id string) string { return s.prefix + "idx:run:worker:" + id }
func (s *RedisStore) keyInstance(id string) string { return s.prefix + "inst:" + id }
func (s *RedisStore) keyInstances() string { return s.prefix + "idx:insts" }
func (s *RedisStore) keyWindow(key string) string { return s.prefix + "win:" + key }
func (s *RedisStore) keyWindows() string { return s.prefix + "idx:wins" }

func refKey(ref api.FlowRef) string {
	return ref.Tenant + "|" + ref.Namespace + "|" + ref.ID
}

func parseRefKey(k string) api.FlowRef {
	parts := strings.SplitN(k, "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return api.FlowRef{Tenant: parts[0], Namespace: parts[1], ID: parts[2]}
}

const (
	// Creates an execution unless it exists. Returns 1 if created.
	redisExecCreateLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'state', ARGV[2], 'body', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`

	// Updates an execution if its version matches. Returns 1 on success,
	// 0 on a version mismatch and -1 when the execution does not exist.
	redisExecUpdateLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'state', ARGV[3], 'body', ARGV[4])
return 1
`

	// Creates a running record unless one exists. Returns 1 if claimed.
	redisClaimLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'body', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`

	// Deletes a running record owned by ARGV[1]. Returns 1 if released,
	// 0 when missing and -1 when owned by someone else.
	redisReleaseLua = `
local cur = redis.call('HGET', KEYS[1], 'owner')
if not cur then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 0
end
if cur ~= ARGV[1] then
	return -1
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`

	// Stores an instance unless the stored one has a higher seq.
	redisUpsertInstanceLua = `
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'last_seen', ARGV[2], 'body', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`

	// Removes an instance if last_seen still matches. Returns 1 if removed.
	redisRemoveInstanceLua = `
local cur = redis.call('HGET', KEYS[1], 'last_seen')
if not cur or cur ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`
)

func scriptInt(res any) (int64, error) {
	switch v := res.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script result type %T", res)
	}
}

func (s *RedisStore) SaveFlow(ctx context.Context, flow api.Flow) (api.Flow, error) {
	ref := flow.Ref()
	auto := flow.Revision == 0
	for attempt := 0; attempt < maxWindowRetries; attempt++ {
		if auto {
			revs, err := s.client.HKeys(ctx, s.keyFlow(ref)).Result()
			if err != nil {
				return api.Flow{}, err
			}
			flow.Revision = maxRevision(revs) + 1
		}
		body, err := EncodeValue(flow)
		if err != nil {
			return api.Flow{}, err
		}
		ok, err := s.client.HSetNX(ctx, s.keyFlow(ref), strconv.Itoa(flow.Revision), body).Result()
		if err != nil {
			return api.Flow{}, err
		}
		if ok {
			if err := s.client.SAdd(ctx, s.keyFlows(), refKey(ref)).Err(); err != nil {
				return api.Flow{}, err
			}
			return flow, nil
		}
		if !auto {
			break
		}
	}
	return api.Flow{}, fmt.Errorf("%w: flow %s revision %d exists", ErrConflict, ref, flow.Revision)
}

func maxRevision(revs []string) int {
	max := 0
	for _, r := range revs {
		if n, err := strconv.Atoi(r); err == nil && n > max {
			max = n
		}
	}
	return max
}

func (s *RedisStore) GetFlow(ctx context.Context, ref api.FlowRef) (api.Flow, error) {
	revs, err := s.client.HKeys(ctx, s.keyFlow(ref)).Result()
	if err != nil {
		return api.Flow{}, err
	}
	if len(revs) == 0 {
		return api.Flow{}, fmt.Errorf("%w: %s", ErrFlowNotFound, ref)
	}
	return s.GetFlowRevision(ctx, ref, maxRevision(revs))
}

func (s *RedisStore) GetFlowRevision(ctx context.Context, ref api.FlowRef, revision int) (api.Flow, error) {
	body, err := s.client.HGet(ctx, s.keyFlow(ref), strconv.Itoa(revision)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.Flow{}, fmt.Errorf("%w: %s revision %d", ErrFlowNotFound, ref, revision)
	}
	if err != nil {
		return api.Flow{}, err
	}
	return DecodeValue[api.Flow](body)
}

func (s *RedisStore) ListFlows(ctx context.Context) ([]api.Flow, error) {
	refs, err := s.client.SMembers(ctx, s.keyFlows()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(refs)
	out := make([]api.Flow, 0, len(refs))
	for _, k := range refs {
		f, err := s.GetFlow(ctx, parseRefKey(k))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *RedisStore) SaveExecution(ctx context.Context, exec *api.Execution) error {
	exec.Version = 1
	body, err := EncodeValue(*exec)
	if err != nil {
		return err
	}
	res, err := s.client.Eval(ctx, redisExecCreateLua, []string{s.keyExec(exec.ID), s.keyExecs()},
		exec.Version, string(exec.State.Current), body, exec.ID).Result()
	if err != nil {
		return err
	}
	n, err := scriptInt(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: execution %s exists", ErrConflict, exec.ID)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	vals, err := s.client.HMGet(ctx, s.keyExec(id), "version", "body").Result()
	if err != nil {
		return nil, err
	}
	if vals[1] == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	body, _ := vals[1].(string)
	exec, err := DecodeValue[api.Execution]([]byte(body))
	if err != nil {
		return nil, err
	}
	if v, ok := vals[0].(string); ok {
		exec.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	prev := exec.Version
	exec.Version = prev + 1
	body, err := EncodeValue(*exec)
	if err != nil {
		exec.Version = prev
		return err
	}
	res, err := s.client.Eval(ctx, redisExecUpdateLua, []string{s.keyExec(exec.ID)},
		strconv.FormatInt(prev, 10), strconv.FormatInt(exec.Version, 10), string(exec.State.Current), body).Result()
	if err != nil {
		exec.Version = prev
		return err
	}
	n, err := scriptInt(res)
	if err != nil {
		exec.Version = prev
		return err
	}
	switch n {
	case 1:
		return nil
	case -1:
		exec.Version = prev
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	default:
		exec.Version = prev
		return fmt.Errorf("%w: execution %s version %d is stale", ErrConflict, exec.ID, prev)
	}
}

func (s *RedisStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	ids, err := s.client.SMembers(ctx, s.keyExecs()).Result()
	if err != nil {
		return nil, err
	}
	var out []*api.Execution
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.matches(exec) {
			out = append(out, exec)
		}
	}
	sortExecutions(out)
	return out, nil
}

func (s *RedisStore) Claim(ctx context.Context, rec api.WorkerTaskRunning) (bool, error) {
	body, err := EncodeValue(rec)
	if err != nil {
		return false, err
	}
	res, err := s.client.Eval(ctx, redisClaimLua,
		[]string{s.keyRun(rec.JobID), s.keyRunAll(), s.keyRunWorker(rec.WorkerID)},
		rec.WorkerID, body, rec.JobID).Result()
	if err != nil {
		return false, err
	}
	n, err := scriptInt(res)
	return n == 1, err
}

func (s *RedisStore) Release(ctx context.Context, jobID, workerID string) error {
	res, err := s.client.Eval(ctx, redisReleaseLua,
		[]string{s.keyRun(jobID), s.keyRunAll(), s.keyRunWorker(workerID)},
		workerID, jobID).Result()
	if err != nil {
		return err
	}
	n, err := scriptInt(res)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: job %s", ErrNotOwner, jobID)
	}
	return nil
}

func (s *RedisStore) GetRunning(ctx context.Context, jobID string) (api.WorkerTaskRunning, bool, error) {
	body, err := s.client.HGet(ctx, s.keyRun(jobID), "body").Bytes()
	if errors.Is(err, redis.Nil) {
		return api.WorkerTaskRunning{}, false, nil
	}
	if err != nil {
		return api.WorkerTaskRunning{}, false, err
	}
	rec, err := DecodeValue[api.WorkerTaskRunning](body)
	return rec, err == nil, err
}

func (s *RedisStore) ListByWorker(ctx context.Context, workerID string) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, s.keyRunWorker(workerID))
}

func (s *RedisStore) ListRunning(ctx context.Context) ([]api.WorkerTaskRunning, error) {
	return s.listRunning(ctx, s.keyRunAll())
}

func (s *RedisStore) listRunning(ctx context.Context, index string) ([]api.WorkerTaskRunning, error) {
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	var out []api.WorkerTaskRunning
	for _, id := range ids {
		rec, ok, err := s.GetRunning(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sortRunning(out)
	return out, nil
}

func (s *RedisStore) UpsertInstance(ctx context.Context, inst api.WorkerInstance) error {
	body, err := EncodeValue(inst)
	if err != nil {
		return err
	}
	return s.client.Eval(ctx, redisUpsertInstanceLua,
		[]string{s.keyInstance(inst.ID), s.keyInstances()},
		inst.Seq, inst.LastSeen.UnixNano(), body, inst.ID).Err()
}

func (s *RedisStore) ListInstances(ctx context.Context) ([]api.WorkerInstance, error) {
	ids, err := s.client.SMembers(ctx, s.keyInstances()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	var out []api.WorkerInstance
	for _, id := range ids {
		body, err := s.client.HGet(ctx, s.keyInstance(id), "body").Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		inst, err := DecodeValue[api.WorkerInstance](body)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *RedisStore) RemoveInstance(ctx context.Context, id string, lastSeen time.Time) (bool, error) {
	res, err := s.client.Eval(ctx, redisRemoveInstanceLua,
		[]string{s.keyInstance(id), s.keyInstances()},
		strconv.FormatInt(lastSeen.UnixNano(), 10), id).Result()
	if err != nil {
		return false, err
	}
	n, err := scriptInt(res)
	return n == 1, err
}

func (s *RedisStore) GetWindow(ctx context.Context, key string) (Window, bool, error) {
	return s.readWindow(ctx, s.client, key)
}

func (s *RedisStore) readWindow(ctx context.Context, c redis.Cmdable, key string) (Window, bool, error) {
	vals, err := c.HMGet(ctx, s.keyWindow(key), "version", "body").Result()
	if err != nil {
		return Window{}, false, err
	}
	if vals[1] == nil {
		return Window{}, false, nil
	}
	body, _ := vals[1].(string)
	w, err := DecodeValue[Window]([]byte(body))
	if err != nil {
		return Window{}, false, err
	}
	if v, ok := vals[0].(string); ok {
		w.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	return w, true, nil
}

func (s *RedisStore) UpdateWindow(ctx context.Context, key string, fn func(Window, bool) (Window, bool, error)) (Window, error) {
	wkey := s.keyWindow(key)
	var result Window
	txf := func(tx *redis.Tx) error {
		cur, exists, err := s.readWindow(ctx, tx, key)
		if err != nil {
			return err
		}
		next, keep, err := fn(cur, exists)
		if err != nil {
			return err
		}
		result = next
		if !keep {
			if !exists {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, wkey)
				pipe.SRem(ctx, s.keyWindows(), key)
				return nil
			})
			return err
		}
		next.Key = key
		next.Version = cur.Version + 1
		body, err := EncodeValue(next)
		if err != nil {
			return err
		}
		result = next
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, wkey, "version", next.Version, "end", next.End.UnixNano(), "body", body)
			pipe.SAdd(ctx, s.keyWindows(), key)
			return nil
		})
		return err
	}

	for i := 0; i < maxWindowRetries; i++ {
		err := s.client.Watch(ctx, txf, wkey)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return Window{}, err
		}
	}
	return Window{}, fmt.Errorf("%w: window %s", ErrConflict, key)
}

func (s *RedisStore) DeleteWindow(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyWindow(key))
	pipe.SRem(ctx, s.keyWindows(), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteExpiredWindows(ctx context.Context, now time.Time) (int, error) {
	keys, err := s.client.SMembers(ctx, s.keyWindows()).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		end, err := s.client.HGet(ctx, s.keyWindow(key), "end").Int64()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, s.keyWindows(), key)
			continue
		}
		if err != nil {
			return n, err
		}
		if end < now.UnixNano() {
			if err := s.DeleteWindow(ctx, key); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
