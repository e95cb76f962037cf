// Copyright 2025 James Ross
package queuebackend

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// DistributedBackend is the queue_backend=distributed implementation: Redis
// sorted sets hold the authoritative ready-queue and counters so multiple
// scheduler processes can share one queue, while each process mirrors ready
// entries into a local heap (itemHeap) to avoid re-querying Redis on every
// dispatch-loop tick. A short-TTL advisory lock taken per job in
// BeforeJobRun keeps two processes from running the same job (spec §4.3's
// "single dispatcher owns the advisory lock at a time" requirement). The
// lock is not renewed: it lapses after lockTTL unless OnJobDone deletes it
// first.
type DistributedBackend struct {
	client    *redis.Client
	keyPrefix string
	lockTTL   time.Duration

	mu     sync.Mutex
	mirror itemHeap
	seq    int64
	wake   chan struct{}
}

const (
	distLockTTL = 10 * time.Second
)

func NewDistributedBackend(client *redis.Client, keyPrefix string) *DistributedBackend {
	if keyPrefix == "" {
		keyPrefix = "dbo"
	}
	return &DistributedBackend{
		client:    client,
		keyPrefix: keyPrefix,
		lockTTL:   distLockTTL,
		wake:      make(chan struct{}),
	}
}

func (b *DistributedBackend) k(parts ...string) string {
	out := b.keyPrefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func (b *DistributedBackend) notifyLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *DistributedBackend) Wake() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wake
}

// Submit applies backpressure against the shared ready-set depth, persists
// the item to Redis (hash for payload + sorted set for ordering), and
// increments the owner's queued/today counters atomically via pipeline.
func (b *DistributedBackend) Submit(item QueueItem) (string, string, error) {
	ctx := context.Background()
	depth, err := b.Depth()
	if err != nil {
		return "", "", err
	}

	effMode, delay, reason := ApplyBackpressure(item.Mode, depth, b.backpressureThreshold(ctx))
	item.Mode = effMode
	if delay > 0 {
		item.AvailableAt = item.AvailableAt.Add(delay)
	}

	b.mu.Lock()
	b.seq++
	item.Seq = b.seq
	b.mu.Unlock()

	today := item.CreatedAt.UTC().Format("2006-01-02")
	payloadKey := b.k("job", item.JobID)
	score := float64(item.AvailableAt.UnixNano())

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, payloadKey, map[string]any{
		"owner_id":     item.OwnerID,
		"mode":         effMode,
		"priority":     item.Priority,
		"available_at": item.AvailableAt.Format(time.RFC3339Nano),
		"created_at":   item.CreatedAt.Format(time.RFC3339Nano),
		"seq":          item.Seq,
	})
	pipe.ZAdd(ctx, b.k("ready"), redis.Z{Score: score, Member: item.JobID})
	pipe.Incr(ctx, b.k("user", item.OwnerID, "queued"))
	pipe.Incr(ctx, b.k("user", item.OwnerID, "today", today))
	pipe.Expire(ctx, b.k("user", item.OwnerID, "today", today), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", "", apperr.PersistFailed(fmt.Sprintf("submit job %s", item.JobID), err)
	}

	b.mu.Lock()
	cp := item
	heap.Push(&b.mirror, &cp)
	b.notifyLocked()
	b.mu.Unlock()

	return effMode, reason, nil
}

// backpressureThreshold reads the configured Q-max from Redis, defaulting
// to a high value (effectively disabling backpressure) if unset. Nothing in
// this module writes that key, so scheduler.backpressure_q_max does not
// reach this backend and backpressure stays off unless the key is set in
// Redis from outside.
func (b *DistributedBackend) backpressureThreshold(ctx context.Context) int {
	v, err := b.client.Get(ctx, b.k("config", "backpressure_qmax")).Int()
	if err != nil {
		return 1 << 30
	}
	return v
}

func (b *DistributedBackend) Counters(userID string) (UserCounters, error) {
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")
	pipe := b.client.TxPipeline()
	running := pipe.Get(ctx, b.k("user", userID, "running"))
	queued := pipe.Get(ctx, b.k("user", userID, "queued"))
	day := pipe.Get(ctx, b.k("user", userID, "today", today))
	_, _ = pipe.Exec(ctx)

	return UserCounters{
		Running: intOrZero(running),
		Queued:  intOrZero(queued),
		Today:   intOrZero(day),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}

func (b *DistributedBackend) GlobalCounters() (GlobalCounters, error) {
	ctx := context.Background()
	v, err := b.client.Get(ctx, b.k("global", "high_running")).Int()
	if err != nil {
		v = 0
	}
	return GlobalCounters{HighRunning: v}, nil
}

func (b *DistributedBackend) SetPriority(jobID string, newPriority int) error {
	ctx := context.Background()
	exists, err := b.client.Exists(ctx, b.k("job", jobID)).Result()
	if err != nil {
		return apperr.PersistFailed("check job exists", err)
	}
	if exists == 0 {
		return apperr.NotFound("job not queued")
	}
	if err := b.client.HSet(ctx, b.k("job", jobID), "priority", newPriority).Err(); err != nil {
		return apperr.PersistFailed("set job priority", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if idx := indexOf(b.mirror, jobID); idx >= 0 {
		b.mirror[idx].Priority = newPriority
		heap.Fix(&b.mirror, idx)
	}
	b.notifyLocked()
	return nil
}

func (b *DistributedBackend) Cancel(jobID string) (bool, error) {
	ctx := context.Background()
	removed, err := b.client.ZRem(ctx, b.k("ready"), jobID).Result()
	if err != nil {
		return false, apperr.PersistFailed("cancel job", err)
	}
	if removed == 0 {
		return false, nil
	}

	ownerID, _ := b.client.HGet(ctx, b.k("job", jobID), "owner_id").Result()
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.k("job", jobID))
	if ownerID != "" {
		pipe.Decr(ctx, b.k("user", ownerID, "queued"))
	}
	_, _ = pipe.Exec(ctx)

	b.mu.Lock()
	if idx := indexOf(b.mirror, jobID); idx >= 0 {
		heap.Remove(&b.mirror, idx)
	}
	b.notifyLocked()
	b.mu.Unlock()

	return true, nil
}

// BeforeJobRun acquires a short-TTL advisory lock so only one scheduler
// process runs a given job; callers that lose the race requeue with backoff.
func (b *DistributedBackend) BeforeJobRun(jobID, userID, mode string) (bool, error) {
	ctx := context.Background()
	token := uuid.NewString()
	ok, err := b.client.SetNX(ctx, b.k("lock", jobID), token, b.lockTTL).Result()
	if err != nil {
		return false, apperr.PersistFailed("acquire before_job_run lock", err)
	}
	return ok, nil
}

func (b *DistributedBackend) OnJobDone(jobID, ownerID, mode string) error {
	ctx := context.Background()
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.k("lock", jobID))
	pipe.Decr(ctx, b.k("user", ownerID, "running"))
	if mode == "high" {
		pipe.Decr(ctx, b.k("global", "high_running"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.PersistFailed("on_job_done", err)
	}
	b.mu.Lock()
	b.notifyLocked()
	b.mu.Unlock()
	return nil
}

// Next pops the earliest-available ready job from the local mirror. The
// mirror is refreshed lazily from Redis when empty so a freshly-started
// scheduler picks up items submitted by another process.
func (b *DistributedBackend) Next() (*QueueItem, bool, error) {
	if err := b.refillMirrorIfEmpty(); err != nil {
		return nil, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mirror.Len() == 0 {
		return nil, false, nil
	}
	head := b.mirror[0]
	if head.AvailableAt.After(time.Now()) {
		return nil, false, nil
	}
	item := heap.Pop(&b.mirror).(*QueueItem)

	ctx := context.Background()
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.k("ready"), item.JobID)
	pipe.Del(ctx, b.k("job", item.JobID))
	pipe.Decr(ctx, b.k("user", item.OwnerID, "queued"))
	pipe.Incr(ctx, b.k("user", item.OwnerID, "running"))
	if item.Mode == "high" {
		pipe.Incr(ctx, b.k("global", "high_running"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, apperr.PersistFailed("dequeue job", err)
	}

	cp := *item
	return &cp, true, nil
}

func (b *DistributedBackend) refillMirrorIfEmpty() error {
	b.mu.Lock()
	needsRefill := b.mirror.Len() == 0
	b.mu.Unlock()
	if !needsRefill {
		return nil
	}

	ctx := context.Background()
	ids, err := b.client.ZRangeByScore(ctx, b.k("ready"), &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: 256}).Result()
	if err != nil || len(ids) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if indexOf(b.mirror, id) >= 0 {
			continue
		}
		vals, err := b.client.HGetAll(ctx, b.k("job", id)).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		item := hydrateItem(id, vals)
		b.seq++
		item.Seq = b.seq
		heap.Push(&b.mirror, &item)
	}
	return nil
}

func hydrateItem(jobID string, vals map[string]string) QueueItem {
	availableAt, _ := time.Parse(time.RFC3339Nano, vals["available_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])
	priority := 0
	fmt.Sscanf(vals["priority"], "%d", &priority)
	return QueueItem{
		JobID:       jobID,
		OwnerID:     vals["owner_id"],
		Mode:        vals["mode"],
		Priority:    priority,
		AvailableAt: availableAt,
		CreatedAt:   createdAt,
	}
}

func (b *DistributedBackend) PeekAvailableAt() (time.Time, bool, error) {
	if err := b.refillMirrorIfEmpty(); err != nil {
		return time.Time{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mirror.Len() == 0 {
		return time.Time{}, false, nil
	}
	return b.mirror[0].AvailableAt, true, nil
}

func (b *DistributedBackend) Depth() (int, error) {
	ctx := context.Background()
	n, err := b.client.ZCard(ctx, b.k("ready")).Result()
	if err != nil {
		return 0, apperr.PersistFailed("get queue depth", err)
	}
	return int(n), nil
}
