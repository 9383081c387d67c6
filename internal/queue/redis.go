package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const recurringSetKey = "dq:recurring"

// Each queue keeps a sorted set of keys scored by fire time and a hash of
// entry bodies. The braces pin both keys of a queue to one cluster slot.
func dueKey(queue string) string     { return "dq:{" + queue + "}:due" }
func entriesKey(queue string) string { return "dq:{" + queue + "}:entries" }
func recurringKey(name string) string {
	return "dq:recurring:" + name
}

var insertScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS come in (due, entries) pairs, one pair per queue.
var claimScript = redis.NewScript(`
local bestKey, bestIdx, bestScore = nil, 0, nil
for i = 1, #KEYS, 2 do
  local r = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
  if r[1] then
    local score = tonumber(r[2])
    if bestScore == nil or score < bestScore then
      bestKey, bestIdx, bestScore = r[1], i, score
    end
  end
end
if bestKey == nil then
  return false
end
redis.call('ZREM', KEYS[bestIdx], bestKey)
local body = redis.call('HGET', KEYS[bestIdx + 1], bestKey)
redis.call('HDEL', KEYS[bestIdx + 1], bestKey)
return {bestIdx, bestKey, body}
`)

var advanceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'next_run') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'next_run', ARGV[2], 'last_run', ARGV[3])
return 1
`)

// next_run is kept when the entry exists with the same cron expression, so a
// restart does not skip a tick that came due while no process was running.
var upsertRecurringScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'cron_expr')
redis.call('HSET', KEYS[1], 'queue', ARGV[2], 'cron_expr', ARGV[3], 'payload', ARGV[4])
if cur ~= ARGV[3] or redis.call('HEXISTS', KEYS[1], 'next_run') == 0 then
  redis.call('HSET', KEYS[1], 'next_run', ARGV[5])
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

type entryBody struct {
	Payload   []byte `json:"payload,omitempty"`
	FireAt    int64  `json:"fire_at"`
	CreatedAt int64  `json:"created_at"`
}

type redisStore struct {
	client redis.UniversalClient
}

// NewRedisStore keeps entries in Redis. Insert and Claim are Lua scripts, so
// every process sharing the server sees one atomic pop per entry.
func NewRedisStore(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Insert(ctx context.Context, e Entry) error {
	body, err := json.Marshal(entryBody{Payload: e.Payload, FireAt: e.FireAt.UnixMilli(), CreatedAt: e.CreatedAt.UnixMilli()})
	if err != nil {
		return err
	}
	n, err := insertScript.Run(ctx, s.client,
		[]string{dueKey(e.Queue), entriesKey(e.Queue)},
		e.Key, e.FireAt.UnixMilli(), body,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, queue, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, dueKey(queue), key)
		pipe.HDel(ctx, entriesKey(queue), key)
		return nil
	})
	return err
}

func (s *redisStore) Get(ctx context.Context, queue, key string) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, entriesKey(queue), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(queue, key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *redisStore) Claim(ctx context.Context, queues []string, now time.Time) (Entry, error) {
	if len(queues) == 0 {
		return Entry{}, ErrEmpty
	}
	keys := make([]string, 0, len(queues)*2)
	for _, q := range queues {
		keys = append(keys, dueKey(q), entriesKey(q))
	}
	res, err := claimScript.Run(ctx, s.client, keys, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrEmpty
	}
	if err != nil {
		return Entry{}, err
	}
	if len(res) != 3 {
		return Entry{}, fmt.Errorf("unexpected claim reply of %d elements", len(res))
	}
	idx, _ := res[0].(int64)
	key, _ := res[1].(string)
	body, _ := res[2].(string)
	qi := int(idx-1) / 2
	if qi < 0 || qi >= len(queues) {
		return Entry{}, fmt.Errorf("claim reply names unknown queue index %d", idx)
	}
	return decodeEntry(queues[qi], key, []byte(body))
}

func (s *redisStore) UpsertRecurring(ctx context.Context, r Recurring) error {
	return upsertRecurringScript.Run(ctx, s.client,
		[]string{recurringKey(r.Name), recurringSetKey},
		r.Name, r.Queue, r.CronExpr, r.Payload, strconv.FormatInt(r.NextRun.UnixMilli(), 10),
	).Err()
}

func (s *redisStore) ListRecurring(ctx context.Context) ([]Recurring, error) {
	names, err := s.client.SMembers(ctx, recurringSetKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HGetAll(ctx, recurringKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Recurring, 0, len(names))
	for i, name := range names {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		r := Recurring{
			Name:     name,
			Queue:    fields["queue"],
			CronExpr: fields["cron_expr"],
			Payload:  []byte(fields["payload"]),
		}
		if v, err := strconv.ParseInt(fields["next_run"], 10, 64); err == nil {
			r.NextRun = time.UnixMilli(v).UTC()
		}
		if v, err := strconv.ParseInt(fields["last_run"], 10, 64); err == nil {
			t := time.UnixMilli(v).UTC()
			r.LastRun = &t
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *redisStore) DueRecurring(ctx context.Context, now time.Time) ([]Recurring, error) {
	all, err := s.ListRecurring(ctx)
	if err != nil {
		return nil, err
	}
	var due []Recurring
	for _, r := range all {
		if !r.NextRun.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	return due, nil
}

func (s *redisStore) AdvanceRecurring(ctx context.Context, name string, prevNext, lastRun, nextRun time.Time) (bool, error) {
	n, err := advanceScript.Run(ctx, s.client, []string{recurringKey(name)},
		strconv.FormatInt(prevNext.UnixMilli(), 10),
		strconv.FormatInt(nextRun.UnixMilli(), 10),
		strconv.FormatInt(lastRun.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func decodeEntry(queue, key string, raw []byte) (Entry, error) {
	var b entryBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return Entry{}, fmt.Errorf("decode entry %s/%s: %w", queue, key, err)
	}
	return Entry{
		Queue:     queue,
		Key:       key,
		Payload:   b.Payload,
		FireAt:    time.UnixMilli(b.FireAt).UTC(),
		CreatedAt: time.UnixMilli(b.CreatedAt).UTC(),
	}, nil
}
