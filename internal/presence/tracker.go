package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for per-room presence hashes.
	KeyPrefix = "presence:"

	// TTL is the default lifetime of a room's presence hash without a write
	// or Refresh. It clears records left behind by a gateway that died
	// without untracking; live gateways refresh well within it.
	TTL = 1 * time.Hour
)

// Tracker stores presence records in one Redis hash per room. Each field is
// "<identity>/<ref>" and holds the JSON-encoded Record.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTracker creates a Tracker connected to Redis at addr with the default TTL.
func NewTracker(addr string) (*Tracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Tracker{client: client, ttl: TTL}, nil
}

// NewTrackerFromClient wraps an existing Redis client.
func NewTrackerFromClient(client *redis.Client) *Tracker {
	return &Tracker{client: client, ttl: TTL}
}

// SetTTL changes the lifetime applied to room hashes. Non-positive values
// are ignored.
func (t *Tracker) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		t.ttl = ttl
	}
}

// Client returns the underlying Redis client so other components can share
// the connection pool.
func (t *Tracker) Client() *redis.Client {
	return t.client
}

// Track registers rec under identity key in roomID and refreshes the room's TTL.
func (t *Tracker) Track(ctx context.Context, roomID, key string, rec Record) error {
	if key == "" || rec.Ref == "" {
		return fmt.Errorf("presence: track requires identity and ref")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}

	hkey := KeyPrefix + roomID
	pipe := t.client.Pipeline()
	pipe.HSet(ctx, hkey, field(key, rec.Ref), data)
	pipe.Expire(ctx, hkey, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track %s in %s: %w", key, roomID, err)
	}
	return nil
}

// Untrack removes one connection's record and refreshes the room's TTL for
// the records that remain. Removing an unknown record is a no-op.
func (t *Tracker) Untrack(ctx context.Context, roomID, key, ref string) error {
	hkey := KeyPrefix + roomID
	pipe := t.client.Pipeline()
	pipe.HDel(ctx, hkey, field(key, ref))
	pipe.Expire(ctx, hkey, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: untrack %s in %s: %w", key, roomID, err)
	}
	return nil
}

// Refresh extends the room's TTL without changing its records. Rooms whose
// consumers stay connected call it periodically so long-lived records do
// not expire. Refreshing a room with no records is a no-op.
func (t *Tracker) Refresh(ctx context.Context, roomID string) error {
	if err := t.client.Expire(ctx, KeyPrefix+roomID, t.ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh %s: %w", roomID, err)
	}
	return nil
}

// Snapshot returns the room's presence state. Records of one identity are
// ordered by join time, and identities by their earliest record.
func (t *Tracker) Snapshot(ctx context.Context, roomID string) (Snapshot, error) {
	fields, err := t.client.HGetAll(ctx, KeyPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot %s: %w", roomID, err)
	}
	return buildSnapshot(fields), nil
}

// Close closes the underlying Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}

func field(key, ref string) string {
	return key + "/" + ref
}

// buildSnapshot groups raw hash fields by identity. Fields whose value fails
// to decode are dropped.
func buildSnapshot(fields map[string]string) Snapshot {
	byKey := make(map[string][]Record)
	for f, raw := range fields {
		i := strings.LastIndexByte(f, '/')
		if i < 0 {
			continue
		}
		key := f[:i]
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		byKey[key] = append(byKey[key], rec)
	}

	snap := make(Snapshot, 0, len(byKey))
	for key, recs := range byKey {
		sort.Slice(recs, func(a, b int) bool {
			return recordBefore(recs[a], recs[b])
		})
		snap = append(snap, Entry{Key: key, Records: recs})
	}
	sort.Slice(snap, func(a, b int) bool {
		ra, rb := snap[a].Records[0], snap[b].Records[0]
		if !ra.JoinedAt.Equal(rb.JoinedAt) {
			return ra.JoinedAt.Before(rb.JoinedAt)
		}
		return snap[a].Key < snap[b].Key
	})
	return snap
}

func recordBefore(a, b Record) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.Ref < b.Ref
}
