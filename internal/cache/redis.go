// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list holding game action records for the historian.
const DefaultQueueName = "ttt_actions"

// ActionRecord is one accepted game action as seen by the historian.
type ActionRecord struct {
	GameID        uuid.UUID      `json:"game_id"`
	ActionIndex   int            `json:"action_index"`
	ActorUserID   uuid.UUID      `json:"actor_user_id"`
	ActionType    string         `json:"action_type"`
	ActionPayload map[string]any `json:"action_payload"`
	Timestamp     int64          `json:"timestamp"`
}

// Connect opens a client and pings it once.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ActionQueue is a Redis list used as a FIFO between the game server and the historian.
type ActionQueue struct {
	rdb  *redis.Client
	name string
}

// NewActionQueue binds a queue name to a client. An empty name uses DefaultQueueName.
func NewActionQueue(rdb *redis.Client, name string) *ActionQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &ActionQueue{rdb: rdb, name: name}
}

// Name returns the Redis key of the queue.
func (q *ActionQueue) Name() string { return q.name }

// Push serializes the record and appends it to the queue.
func (q *ActionQueue) Push(ctx context.Context, record ActionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal ActionRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It returns nil, nil when the wait
// timed out with nothing queued.
func (q *ActionQueue) Pop(ctx context.Context, timeout time.Duration) (*ActionRecord, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("BLPop %s: %w", q.name, err)
	}
	// res[0] is the key, res[1] the payload
	if len(res) < 2 {
		return nil, nil
	}
	var record ActionRecord
	if err := json.Unmarshal([]byte(res[1]), &record); err != nil {
		return nil, fmt.Errorf("invalid action record: %w", err)
	}
	return &record, nil
}
