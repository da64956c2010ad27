package audiosession

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StaleStreamAge is the reaper's deletion SLA: a stream whose last entry is
// older than this is deleted outright regardless of unread entries (spec §9
// Open Question #2 — kept fixed in this pass; exposed as a named constant so
// a future config surface can override it).
const StaleStreamAge = 1 * time.Hour

// IdleConsumerAge is how long a pending-free consumer may sit idle before
// the reaper removes it from its group.
const IdleConsumerAge = 5 * time.Minute

// cleanupConsumer is the name under which the reaper claims and acks
// abandoned pending entries before deleting the owning consumer.
const cleanupConsumer = "cleanup-worker"

// Reaper implements the stuck-consumer reaping routine of spec §4.4: an
// operational sweep over every audio:stream:* key, invoked externally (cron,
// CLI, admin endpoint) rather than scheduled by this package itself.
type Reaper struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewReaper wraps an existing Redis client.
func NewReaper(rdb redis.UniversalClient) *Reaper {
	return &Reaper{rdb: rdb, now: time.Now}
}

// SweepResult summarizes one Sweep invocation.
type SweepResult struct {
	StreamsDeleted    []string
	ConsumersEvicted  int
	PendingReclaimed  int
}

// Sweep scans every audio:stream:* key and applies the reaping policy: empty
// or stale streams are deleted outright; otherwise each consumer group's
// idle, pending-free consumers are evicted, and any pending entries held by
// any consumer, idle or not, are reclaimed under cleanupConsumer and acked so
// they are not lost.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, "audio:stream:*", 100).Result()
		if err != nil {
			return result, fmt.Errorf("audiosession: scan streams: %w", err)
		}
		for _, key := range keys {
			if err := r.sweepStream(ctx, key, &result); err != nil {
				slog.Warn("audiosession: sweep stream failed", "stream", key, "error", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

func (r *Reaper) sweepStream(ctx context.Context, key string, result *SweepResult) error {
	length, err := r.rdb.XLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("xlen: %w", err)
	}
	if length == 0 {
		if err := r.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("del empty stream: %w", err)
		}
		result.StreamsDeleted = append(result.StreamsDeleted, key)
		return nil
	}

	last, err := r.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return fmt.Errorf("xrevrange: %w", err)
	}
	if len(last) > 0 {
		ts, err := entryTimestamp(last[0].ID)
		if err == nil && r.now().Sub(ts) > StaleStreamAge {
			if err := r.rdb.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("del stale stream: %w", err)
			}
			result.StreamsDeleted = append(result.StreamsDeleted, key)
			return nil
		}
	}

	groups, err := r.rdb.XInfoGroups(ctx, key).Result()
	if err != nil {
		// No consumer group yet on this stream; nothing further to reap.
		return nil
	}
	for _, group := range groups {
		if err := r.sweepGroup(ctx, key, group.Name, result); err != nil {
			slog.Warn("audiosession: sweep group failed", "stream", key, "group", group.Name, "error", err)
		}
	}
	return nil
}

func (r *Reaper) sweepGroup(ctx context.Context, stream, group string, result *SweepResult) error {
	consumers, err := r.rdb.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return fmt.Errorf("xinfo consumers: %w", err)
	}
	for _, c := range consumers {
		if c.Pending > 0 {
			if err := r.reclaimPending(ctx, stream, group, c.Name, result); err != nil {
				slog.Warn("audiosession: reclaim pending failed", "stream", stream, "consumer", c.Name, "error", err)
			}
			continue
		}
		if time.Duration(c.Idle) > IdleConsumerAge {
			if err := r.rdb.XGroupDelConsumer(ctx, stream, group, c.Name).Err(); err != nil {
				return fmt.Errorf("delconsumer %q: %w", c.Name, err)
			}
			result.ConsumersEvicted++
		}
	}
	return nil
}

// reclaimPending claims every pending entry consumer is still holding under
// cleanupConsumer and acks it, so the entry is neither lost nor reprocessed
// forever by a dead worker. It is called for every consumer with pending
// entries, regardless of how long that consumer has been idle.
func (r *Reaper) reclaimPending(ctx context.Context, stream, group, consumer string, result *SweepResult) error {
	pending, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		Start:    "-",
		End:      "+",
		Count:    1000,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	claimed, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: cleanupConsumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	for _, msg := range claimed {
		if err := r.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
			slog.Warn("audiosession: ack reclaimed entry failed", "stream", stream, "id", msg.ID, "error", err)
			continue
		}
		result.PendingReclaimed++
	}
	return nil
}

// entryTimestamp extracts the millisecond timestamp Redis stream ids embed
// as their prefix ("<ms>-<seq>").
func entryTimestamp(id string) (time.Time, error) {
	var ms int64
	var seq int64
	if _, err := fmt.Sscanf(id, "%d-%d", &ms, &seq); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
