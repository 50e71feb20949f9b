// Package kvlock implements the per-document render lock and global
// active-job counter on top of Redis, using Lua scripts for the
// compare-and-swap and owner-checked release recipes that a plain
// GET/SET pair cannot express atomically.
package kvlock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Outcome is the result of an Acquire call.
type Outcome string

const (
	Acquired    Outcome = "acquired"
	Busy        Outcome = "busy"
	Throttled   Outcome = "throttled"
	Unavailable Outcome = "unavailable"
)

// AcquireResult carries the outcome plus whatever context it implies.
type AcquireResult struct {
	Outcome Outcome
	Holder  string
	Active  int64
}

// Lock manages the render-lock/active-counter/member-key triple described
// in spec.md §4.1's admission recipe.
type Lock struct {
	rdb *redis.Client
}

// New builds a Lock bound to an existing Redis client.
func New(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

func lockKey(documentID string) string  { return "vector:render:lock:" + documentID }
func memberKey(jobID string) string     { return "vector:render:active:" + jobID }
const activeCounterKey = "vector:render:active"

// acquireScript implements the admission recipe: busy if held, throttled
// if the active counter is at MAX_ACTIVE (when MAX_ACTIVE>0), otherwise
// sets the lock, increments the counter and marks membership — all
// atomically, so retries under contention cannot double-increment.
var acquireScript = redis.NewScript(`
local lock_key = KEYS[1]
local active_ctr = KEYS[2]
local member_key = KEYS[3]
local job_id = ARGV[1]
local ttl = tonumber(ARGV[2])
local max_active = tonumber(ARGV[3])

local holder = redis.call("GET", lock_key)
if holder then
  return {"busy", holder}
end

if max_active > 0 then
  local active = tonumber(redis.call("GET", active_ctr) or "0")
  if active >= max_active then
    return {"throttled", tostring(active)}
  end
end

redis.call("SET", lock_key, job_id, "EX", ttl)
local active = redis.call("INCR", active_ctr)
redis.call("SET", member_key, "1", "EX", ttl)
return {"acquired", tostring(active)}
`)

// releaseScript deletes the lock only if still owned by jobID, and
// decrements the active counter only if this job's membership key is
// still present — guarding against double-decrement on retried releases.
var releaseScript = redis.NewScript(`
local lock_key = KEYS[1]
local active_ctr = KEYS[2]
local member_key = KEYS[3]
local job_id = ARGV[1]

local holder = redis.call("GET", lock_key)
if holder == job_id then
  redis.call("DEL", lock_key)
end

if redis.call("GET", member_key) then
  redis.call("DEL", member_key)
  redis.call("DECR", active_ctr)
end

return "ok"
`)

// Acquire attempts to take the per-document render lock for jobID.
// ttl must exceed the worst-case render+merge time; maxActive<=0 disables
// the global concurrency cap.
func (l *Lock) Acquire(ctx context.Context, documentID, jobID string, ttl time.Duration, maxActive int) (AcquireResult, error) {
	keys := []string{lockKey(documentID), activeCounterKey, memberKey(jobID)}
	res, err := acquireScript.Run(ctx, l.rdb, keys, jobID, int64(ttl.Seconds()), maxActive).Result()
	if err != nil {
		return AcquireResult{Outcome: Unavailable}, err
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return AcquireResult{Outcome: Unavailable}, fmt.Errorf("kvlock: unexpected acquire script result %#v", res)
	}
	status, _ := arr[0].(string)
	second, _ := arr[1].(string)

	switch Outcome(status) {
	case Busy:
		return AcquireResult{Outcome: Busy, Holder: second}, nil
	case Throttled:
		return AcquireResult{Outcome: Throttled, Active: parseInt64(second)}, nil
	case Acquired:
		return AcquireResult{Outcome: Acquired, Holder: jobID, Active: parseInt64(second)}, nil
	default:
		return AcquireResult{Outcome: Unavailable}, fmt.Errorf("kvlock: unknown acquire status %q", status)
	}
}

// Release drops the lock and decrements the active counter, both
// owner/membership-checked. Errors are the caller's to decide whether to
// swallow; per spec.md §7 lock-release failures are swallowed by the
// scheduler so the reaper can reclaim abandoned locks.
func (l *Lock) Release(ctx context.Context, documentID, jobID string) error {
	keys := []string{lockKey(documentID), activeCounterKey, memberKey(jobID)}
	return releaseScript.Run(ctx, l.rdb, keys, jobID).Err()
}

// Holder returns the current lock holder's job id, if any.
func (l *Lock) Holder(ctx context.Context, documentID string) (string, error) {
	v, err := l.rdb.Get(ctx, lockKey(documentID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func parseInt64(s string) int64 {
	var v int64
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}
