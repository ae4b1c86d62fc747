package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

// PublishTracker guards the publish side effect: at most one publish per
// training id may be in flight at a time. Membership is advisory only; the
// durable "was this published" answer lives on the TrainedModel record.
type PublishTracker interface {
	// TryBeginPublish claims the id for publishing. False means a publish is
	// already ongoing or already completed.
	TryBeginPublish(trainingID string) bool
	// FinishPublish releases the claim; succeeded=false re-permits a retry.
	FinishPublish(trainingID string, succeeded bool)
	IsPublishing(trainingID string) bool
	IsPublished(trainingID string) bool
}

type memoryPublishTracker struct {
	mu        sync.Mutex
	ongoing   map[string]struct{}
	completed map[string]struct{}
}

// NewMemoryPublishTracker holds both idempotency sets for the lifetime of the
// process. A restart forgets them, which is safe: the next status poll
// re-derives "needs upload" from the persisted model record.
func NewMemoryPublishTracker() PublishTracker {
	return &memoryPublishTracker{
		ongoing:   map[string]struct{}{},
		completed: map[string]struct{}{},
	}
}

func (t *memoryPublishTracker) TryBeginPublish(trainingID string) bool {
	if trainingID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ongoing[trainingID]; ok {
		return false
	}
	if _, ok := t.completed[trainingID]; ok {
		return false
	}
	t.ongoing[trainingID] = struct{}{}
	return true
}

func (t *memoryPublishTracker) FinishPublish(trainingID string, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ongoing, trainingID)
	if succeeded {
		t.completed[trainingID] = struct{}{}
	}
}

func (t *memoryPublishTracker) IsPublishing(trainingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ongoing[trainingID]
	return ok
}

func (t *memoryPublishTracker) IsPublished(trainingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.completed[trainingID]
	return ok
}

// redisPublishTracker is the multi-instance variant: the claim is a SETNX key
// so only one process in the fleet wins. The ongoing key carries a TTL as a
// crash backstop; the completed key does not expire.
type redisPublishTracker struct {
	log        *logger.Logger
	rdb        *redis.Client
	ongoingTTL time.Duration
}

func NewRedisPublishTracker(baseLog *logger.Logger, addr, password string, db int) (PublishTracker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisPublishTracker{
		log:        baseLog.With("service", "RedisPublishTracker"),
		rdb:        rdb,
		ongoingTTL: 15 * time.Minute,
	}, nil
}

func (t *redisPublishTracker) ongoingKey(id string) string   { return "publish:ongoing:" + id }
func (t *redisPublishTracker) completedKey(id string) string { return "publish:completed:" + id }

func (t *redisPublishTracker) TryBeginPublish(trainingID string) bool {
	if trainingID == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done, err := t.rdb.Exists(ctx, t.completedKey(trainingID)).Result()
	if err != nil {
		t.log.Warn("Redis exists check failed, refusing publish claim", "training_id", trainingID, "error", err)
		return false
	}
	if done > 0 {
		return false
	}
	ok, err := t.rdb.SetNX(ctx, t.ongoingKey(trainingID), "1", t.ongoingTTL).Result()
	if err != nil {
		t.log.Warn("Redis SETNX failed, refusing publish claim", "training_id", trainingID, "error", err)
		return false
	}
	return ok
}

func (t *redisPublishTracker) FinishPublish(trainingID string, succeeded bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if succeeded {
		if err := t.rdb.Set(ctx, t.completedKey(trainingID), "1", 0).Err(); err != nil {
			t.log.Warn("Redis set completed failed", "training_id", trainingID, "error", err)
		}
	}
	if err := t.rdb.Del(ctx, t.ongoingKey(trainingID)).Err(); err != nil {
		t.log.Warn("Redis del ongoing failed", "training_id", trainingID, "error", err)
	}
}

func (t *redisPublishTracker) IsPublishing(trainingID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := t.rdb.Exists(ctx, t.ongoingKey(trainingID)).Result()
	return err == nil && n > 0
}

func (t *redisPublishTracker) IsPublished(trainingID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := t.rdb.Exists(ctx, t.completedKey(trainingID)).Result()
	return err == nil && n > 0
}
