// Package quota implements the two-tier print-quota consumption engine:
// a Redis fast path with request-id idempotency and cache-miss recovery,
// falling back to an optimistic durable-store update when Redis is
// unavailable at any step.
package quota

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/vectorprint/internal/apperr"
	"github.com/local/vectorprint/internal/metadata"
	"github.com/local/vectorprint/internal/metrics"
)

// Store is the durable metadata-store dependency for DocumentAccess
// records, implemented by internal/metastore.
type Store interface {
	// GetAccess returns the grant for (documentID, userID), or nil if none exists.
	GetAccess(ctx context.Context, documentID, userID string) (*metadata.DocumentAccess, error)
	// WriteBehindIncrement increments printsUsed and sets lastPrintAt=now,
	// filtered by revoked=false. Best-effort; errors are not fatal to a
	// caller whose fast-path decrement already succeeded.
	WriteBehindIncrement(ctx context.Context, documentID, userID string) error
	// OptimisticConsume atomically requires {revoked=false, printsUsed <
	// printQuota}, then increments printsUsed and sets lastPrintAt=now.
	// matched=false means the conditional update touched no document.
	OptimisticConsume(ctx context.Context, documentID, userID string) (matched bool, err error)
}

// Engine enforces per-(document,user) print quotas with idempotent
// consumption, per spec.md §4.2.
type Engine struct {
	rdb            *redis.Client
	store          Store
	idempotencyTTL time.Duration
}

// New builds an Engine. idempotencyTTL defaults to 300s if non-positive.
func New(rdb *redis.Client, store Store, idempotencyTTL time.Duration) *Engine {
	if idempotencyTTL <= 0 {
		idempotencyTTL = 300 * time.Second
	}
	return &Engine{rdb: rdb, store: store, idempotencyTTL: idempotencyTTL}
}

func quotaKey(documentID, userID string) string {
	return fmt.Sprintf("print_quota:%s:%s", documentID, userID)
}

func reqKey(documentID, userID, requestID string) string {
	return fmt.Sprintf("print_req:%s:%s:%s", documentID, userID, requestID)
}

// decrementScript implements the atomic decrement recipe from spec.md
// §4.2: -2 means cache miss, -1 means denied, otherwise the remaining
// count after decrementing.
var decrementScript = redis.NewScript(`
local quota_key = KEYS[1]
local remaining = redis.call("HGET", quota_key, "remaining")
if not remaining then
  return -2
end
remaining = tonumber(remaining)
if remaining <= 0 then
  return -1
end
redis.call("HINCRBY", quota_key, "remaining", -1)
return remaining - 1
`)

// Consume decrements the user's remaining prints for (documentID, userID)
// by exactly one, or fails with a precise apperr.Kind. A given requestID
// never consumes more than once within the idempotency window.
func (e *Engine) Consume(ctx context.Context, documentID, userID, requestID string) error {
	if requestID == "" {
		return apperr.New(apperr.BadRequest, "requestId is required")
	}

	rk := reqKey(documentID, userID, requestID)
	qk := quotaKey(documentID, userID)

	set, err := e.rdb.SetNX(ctx, rk, "1", e.idempotencyTTL).Result()
	if err != nil {
		return e.fallback(ctx, documentID, userID)
	}
	if !set {
		metrics.IncQuotaDecision("granted")
		return nil
	}

	res, err := decrementScript.Run(ctx, e.rdb, []string{qk}).Result()
	if err != nil {
		return e.fallback(ctx, documentID, userID)
	}
	remaining, ok := res.(int64)
	if !ok {
		return e.fallback(ctx, documentID, userID)
	}

	switch remaining {
	case -2:
		return e.recoverFromCacheMiss(ctx, documentID, userID, qk, rk)
	case -1:
		e.rdb.Del(ctx, rk)
		metrics.IncQuotaDecision("limit")
		return apperr.New(apperr.Limit, "print quota exceeded")
	default:
		e.writeBehind(ctx, documentID, userID)
		metrics.IncQuotaDecision("granted")
		return nil
	}
}

// recoverFromCacheMiss backfills the quota hash from the durable store
// and retries the decrement exactly once, per spec.md §4.2 step 3.
func (e *Engine) recoverFromCacheMiss(ctx context.Context, documentID, userID, qk, rk string) error {
	metrics.IncQuotaCacheMissRecovery()
	access, err := e.store.GetAccess(ctx, documentID, userID)
	if err != nil {
		return e.fallback(ctx, documentID, userID)
	}
	if access == nil {
		metrics.IncQuotaDecision("no_access")
		return apperr.New(apperr.NoAccess, "no grant for this document")
	}
	if access.Revoked {
		metrics.IncQuotaDecision("revoked")
		return apperr.New(apperr.Revoked, "grant revoked")
	}

	legacy := int64(0)
	if access.LegacyUsedPrints != nil {
		legacy = *access.LegacyUsedPrints
	}
	used := access.PrintsUsed
	if legacy > used {
		used = legacy
	}
	remaining := access.PrintQuota - used
	if remaining < 0 {
		remaining = 0
	}

	if err := e.rdb.HSet(ctx, qk, "remaining", remaining).Err(); err != nil {
		return e.fallback(ctx, documentID, userID)
	}

	res, err := decrementScript.Run(ctx, e.rdb, []string{qk}).Result()
	if err != nil {
		return e.fallback(ctx, documentID, userID)
	}
	v, ok := res.(int64)
	if !ok {
		return e.fallback(ctx, documentID, userID)
	}

	switch v {
	case -1:
		e.rdb.Del(ctx, rk)
		metrics.IncQuotaDecision("limit")
		return apperr.New(apperr.Limit, "print quota exceeded")
	case -2:
		return e.fallback(ctx, documentID, userID)
	default:
		e.writeBehind(ctx, documentID, userID)
		metrics.IncQuotaDecision("granted")
		return nil
	}
}

func (e *Engine) writeBehind(ctx context.Context, documentID, userID string) {
	_ = e.store.WriteBehindIncrement(ctx, documentID, userID)
}

// fallback performs the durable optimistic consume used whenever the
// cache path is unreachable at any transport step.
func (e *Engine) fallback(ctx context.Context, documentID, userID string) error {
	matched, err := e.store.OptimisticConsume(ctx, documentID, userID)
	if err != nil {
		return apperr.Wrap(apperr.CacheUnavailable, "durable quota consume failed", err)
	}
	if matched {
		metrics.IncQuotaDecision("granted")
		return nil
	}

	access, err := e.store.GetAccess(ctx, documentID, userID)
	if err != nil || access == nil {
		metrics.IncQuotaDecision("no_access")
		return apperr.New(apperr.NoAccess, "no grant for this document")
	}
	if access.Revoked {
		metrics.IncQuotaDecision("revoked")
		return apperr.New(apperr.Revoked, "grant revoked")
	}
	metrics.IncQuotaDecision("limit")
	return apperr.New(apperr.Limit, "print quota exceeded")
}
