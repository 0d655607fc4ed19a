package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relay/internal/queue"
)

// Key layout, all under Prefix:
//
//	{p}:job:{id}           job JSON while the job is live
//	{p}:{kind}:wait:{lane} list of ids, LPUSH in, RPOP out
//	{p}:{kind}:delayed     zset "lane|id" scored by run-at millis
//	{p}:{kind}:active      zset id scored by lease deadline millis
//	{p}:{kind}:completed   list of finished job JSON, newest first
//	{p}:{kind}:failed      list of failed job JSON, newest first
type Broker struct {
	Client redis.UniversalClient
	Prefix string
	Opts   queue.Options
	Log    *slog.Logger
	Now    func() time.Time

	mu       sync.Mutex
	lastReap map[string]time.Time
}

var _ queue.Broker = (*Broker)(nil)

func New(client redis.UniversalClient, prefix string, opts queue.Options, log *slog.Logger) *Broker {
	if prefix == "" {
		prefix = "relay"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		Client:   client,
		Prefix:   prefix,
		Opts:     opts.WithDefaults(),
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		lastReap: make(map[string]time.Time),
	}
}

func (b *Broker) Name() string { return "redis" }

func (b *Broker) jobKey(id string) string { return b.Prefix + ":job:" + id }
func (b *Broker) waitPrefix(kind string) string {
	return b.Prefix + ":" + kind + ":wait:"
}
func (b *Broker) key(kind, suffix string) string { return b.Prefix + ":" + kind + ":" + suffix }

func (b *Broker) Push(ctx context.Context, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.jobKey(job.ID), data, 0)
		pipe.LPush(ctx, b.waitPrefix(job.Kind)+string(job.Lane), job.ID)
		return nil
	})
	return err
}

// reserveScript promotes due delayed jobs, then pops the first lane with
// work and leases the job.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 100)
for _, m in ipairs(due) do
  local sep = string.find(m, '|', 1, true)
  if sep then
    redis.call('LPUSH', ARGV[3] .. string.sub(m, 1, sep - 1), string.sub(m, sep + 1))
  end
  redis.call('ZREM', KEYS[1], m)
end
for i = 3, #KEYS do
  local id = redis.call('RPOP', KEYS[i])
  while id do
    local data = redis.call('GET', ARGV[4] .. id)
    if data then
      redis.call('ZADD', KEYS[2], now + lease, id)
      return {id, data}
    end
    id = redis.call('RPOP', KEYS[i])
  end
end
return false
`)

func (b *Broker) Reserve(ctx context.Context, kind string, lanes []queue.Lane) (*queue.Job, error) {
	b.maybeReap(ctx, kind)

	now := b.Now()
	keys := []string{b.key(kind, "delayed"), b.key(kind, "active")}
	for _, l := range lanes {
		keys = append(keys, b.waitPrefix(kind)+string(l))
	}
	res, err := reserveScript.Run(ctx, b.Client, keys,
		now.UnixMilli(), b.Opts.LockDuration.Milliseconds(), b.waitPrefix(kind), b.Prefix+":job:").Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("reserve %s: unexpected reply %v", kind, res)
	}
	data, _ := res[1].(string)

	var job queue.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		id, _ := res[0].(string)
		b.Log.Error("redis job undecodable, dropping", "kind", kind, "job_id", id, "err", err)
		b.Client.ZRem(ctx, b.key(kind, "active"), id)
		b.Client.Del(ctx, b.jobKey(id))
		return nil, nil
	}
	job.Attempt++
	job.State = queue.StateActive
	job.UpdatedAt = now
	if err := b.save(ctx, b.Client, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (b *Broker) save(ctx context.Context, c redis.Cmdable, job *queue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.Set(ctx, b.jobKey(job.ID), data, 0).Err()
}

func (b *Broker) Complete(ctx context.Context, job *queue.Job) error {
	job.State = queue.StateCompleted
	job.UpdatedAt = b.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	list := b.key(job.Kind, "completed")
	_, err = b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Kind, "active"), job.ID)
		pipe.Del(ctx, b.jobKey(job.ID))
		pipe.LPush(ctx, list, data)
		pipe.LTrim(ctx, list, 0, int64(b.Opts.KeepCompleted-1))
		return nil
	})
	return err
}

func (b *Broker) Retry(ctx context.Context, job *queue.Job, delay time.Duration) error {
	now := b.Now()
	job.State = queue.StatePending
	job.UpdatedAt = now
	job.RunAt = now.Add(delay)
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Kind, "active"), job.ID)
		pipe.Set(ctx, b.jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, b.key(job.Kind, "delayed"), redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: string(job.Lane) + "|" + job.ID,
		})
		return nil
	})
	return err
}

func (b *Broker) Fail(ctx context.Context, job *queue.Job, cause error) error {
	job.State = queue.StateFailed
	job.UpdatedAt = b.Now()
	if cause != nil {
		job.LastError = cause.Error()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	list := b.key(job.Kind, "failed")
	_, err = b.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Kind, "active"), job.ID)
		pipe.Del(ctx, b.jobKey(job.ID))
		pipe.LPush(ctx, list, data)
		pipe.LTrim(ctx, list, 0, int64(b.Opts.KeepFailed-1))
		pipe.Expire(ctx, list, b.Opts.FailedTTL)
		return nil
	})
	return err
}

// maybeReap requeues jobs whose lease expired, at most every half lock period per kind.
func (b *Broker) maybeReap(ctx context.Context, kind string) {
	now := b.Now()
	b.mu.Lock()
	last := b.lastReap[kind]
	due := now.Sub(last) >= b.Opts.LockDuration/2
	if due {
		b.lastReap[kind] = now
	}
	b.mu.Unlock()
	if !due {
		return
	}
	if _, err := b.ReapStalled(ctx, kind); err != nil {
		b.Log.Warn("redis reap stalled jobs failed", "kind", kind, "err", err)
	}
}

// ReapStalled moves jobs whose lease has expired back to their lane, or to
// failed when they have no attempts left. It returns how many it moved.
func (b *Broker) ReapStalled(ctx context.Context, kind string) (int, error) {
	now := b.Now()
	active := b.key(kind, "active")
	ids, err := b.Client.ZRangeByScore(ctx, active, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		// Whoever removes the lease owns the requeue.
		removed, err := b.Client.ZRem(ctx, active, id).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		data, err := b.Client.Get(ctx, b.jobKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, err
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			b.Client.Del(ctx, b.jobKey(id))
			continue
		}

		stalled := fmt.Errorf("lock expired after %s", b.Opts.LockDuration)
		if job.Attempt >= job.MaxAttempts {
			err = b.Fail(ctx, &job, stalled)
		} else {
			job.LastError = stalled.Error()
			err = b.Retry(ctx, &job, 0)
		}
		if err != nil {
			return n, err
		}
		b.Log.Warn("stalled job requeued", "kind", kind, "job_id", id, "attempt", job.Attempt, "state", job.State)
		n++
	}
	return n, nil
}

func (b *Broker) List(ctx context.Context, kind string, state queue.State, limit int) ([]*queue.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	switch state {
	case queue.StateCompleted, queue.StateFailed:
		raw, err := b.Client.LRange(ctx, b.key(kind, strings.ToLower(string(state))), 0, stop).Result()
		if err != nil {
			return nil, err
		}
		return decodeAll(raw), nil
	case queue.StatePending:
		var ids []string
		for _, l := range queue.Lanes {
			got, err := b.Client.LRange(ctx, b.waitPrefix(kind)+string(l), 0, -1).Result()
			if err != nil {
				return nil, err
			}
			// Oldest sits at the tail.
			for i := len(got) - 1; i >= 0; i-- {
				ids = append(ids, got[i])
			}
		}
		if limit > 0 && len(ids) > limit {
			ids = ids[:limit]
		}
		return b.load(ctx, ids)
	case queue.StateActive:
		ids, err := b.Client.ZRange(ctx, b.key(kind, "active"), 0, stop).Result()
		if err != nil {
			return nil, err
		}
		return b.load(ctx, ids)
	}
	return nil, fmt.Errorf("unknown job state %q", state)
}

func (b *Broker) load(ctx context.Context, ids []string) ([]*queue.Job, error) {
	if len(ids) == 0 {
		return []*queue.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(id)
	}
	vals, err := b.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			raw = append(raw, s)
		}
	}
	return decodeAll(raw), nil
}

func decodeAll(raw []string) []*queue.Job {
	out := make([]*queue.Job, 0, len(raw))
	for _, s := range raw {
		var j queue.Job
		if err := json.Unmarshal([]byte(s), &j); err == nil {
			out = append(out, &j)
		}
	}
	return out
}

func (b *Broker) Stats(ctx context.Context, kind string) (queue.Stats, error) {
	var (
		waits     []*redis.IntCmd
		delayed   *redis.IntCmd
		active    *redis.IntCmd
		completed *redis.IntCmd
		failed    *redis.IntCmd
	)
	_, err := b.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, l := range queue.Lanes {
			waits = append(waits, pipe.LLen(ctx, b.waitPrefix(kind)+string(l)))
		}
		delayed = pipe.ZCard(ctx, b.key(kind, "delayed"))
		active = pipe.ZCard(ctx, b.key(kind, "active"))
		completed = pipe.LLen(ctx, b.key(kind, "completed"))
		failed = pipe.LLen(ctx, b.key(kind, "failed"))
		return nil
	})
	if err != nil {
		return queue.Stats{}, err
	}
	st := queue.Stats{
		Delayed:   int(delayed.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
	}
	for _, w := range waits {
		st.Waiting += int(w.Val())
	}
	return st, nil
}

func (b *Broker) Ping(ctx context.Context) error { return b.Client.Ping(ctx).Err() }

// Close is a no-op; the client is shared and closed by its owner.
func (b *Broker) Close() error { return nil }
