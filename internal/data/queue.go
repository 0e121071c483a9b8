package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PulseGuard/internal/conf"
	"PulseGuard/internal/model"
	pkglog "PulseGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultVisibilityTimeout = 30 * time.Second

// Message bodies live in a hash; the pending sorted set scores each id with the unix-ms
// time at which it becomes visible. Claiming a message pushes its score past the
// visibility timeout, so a crashed worker's messages come back on their own.
// Every claim writes a fresh token to the claims hash and returns id, token, body triples.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for i, id in ipairs(ids) do
  local body = redis.call('HGET', KEYS[2], id)
  if body then
    local token = ARGV[4] .. ':' .. i
    redis.call('ZADD', KEYS[1], ARGV[2], id)
    redis.call('HSET', KEYS[3], id, token)
    table.insert(out, id)
    table.insert(out, token)
    table.insert(out, body)
  else
    redis.call('ZREM', KEYS[1], id)
    redis.call('HDEL', KEYS[3], id)
  end
end
return out
`)

// The settle scripts return 0 when the caller no longer holds the claim. An empty token
// settles a message that was never received.
var ackScript = redis.NewScript(`
if ARGV[2] ~= '' and redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return 1
`)

// releaseScript rewrites a claimed message and reschedules it. Settled messages are left alone.
var releaseScript = redis.NewScript(`
if ARGV[4] ~= '' and redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[4] then
  return 0
end
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  return 1
end
return 0
`)

var deadLetterScript = redis.NewScript(`
if ARGV[3] ~= '' and redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[3] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

var redriveScript = redis.NewScript(`
if redis.call('LREM', KEYS[3], 1, ARGV[1]) == 1 then
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

// RedisQueue implements biz.QueueRepo: an at-least-once queue with visibility timeouts
// and a dead-letter list.
type RedisQueue struct {
	rdb        *redis.Client
	visibility time.Duration
	// keys: pending zset, messages hash, dead-letter id list, dead-letter hash, claims hash
	pendingKey    string
	messagesKey   string
	deadKey       string
	deadBodiesKey string
	claimsKey     string
	now           func() time.Time
	log           *pkglog.LogHelper
}

// NewRedisQueue creates the durable queue. Keys share a hash tag so the scripts work on a cluster.
func NewRedisQueue(d *Data, c *conf.Resilience, logger log.Logger) *RedisQueue {
	name := "metrics"
	visibility := defaultVisibilityTimeout
	if c != nil && c.Queue != nil {
		if c.Queue.Name != "" {
			name = c.Queue.Name
		}
		if c.Queue.VisibilityTimeout > 0 {
			visibility = c.Queue.VisibilityTimeout
		}
	}
	prefix := "queue:{" + name + "}"
	return &RedisQueue{
		rdb:           d.redisClient,
		visibility:    visibility,
		pendingKey:    prefix + ":pending",
		messagesKey:   prefix + ":messages",
		deadKey:       prefix + ":dead",
		deadBodiesKey: prefix + ":dead:messages",
		claimsKey:     prefix + ":claims",
		now:           time.Now,
		log:           pkglog.NewLogHelper(logger),
	}
}

var errNoRedis = errors.New("redis client is nil")

func (q *RedisQueue) keys() []string {
	return []string{q.pendingKey, q.messagesKey, q.deadKey, q.deadBodiesKey, q.claimsKey}
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Enqueue stores msg and makes it visible immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *model.QueueMessage) error {
	if q.rdb == nil {
		return errNoRedis
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messagesKey, msg.ID, body)
		pipe.ZAdd(ctx, q.pendingKey, redis.Z{Score: float64(millis(q.now())), Member: msg.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", msg.ID, err)
	}
	q.log.Redis("message enqueued", "message_id", msg.ID)
	return nil
}

// Receive claims up to n visible messages. Each returned message carries the receipt
// handle of its claim. Bodies that cannot be decoded are dead-lettered instead of returned.
func (q *RedisQueue) Receive(ctx context.Context, n int) ([]*model.QueueMessage, error) {
	if q.rdb == nil {
		return nil, errNoRedis
	}
	now := q.now()
	claimed, err := claimScript.Run(ctx, q.rdb, []string{q.pendingKey, q.messagesKey, q.claimsKey},
		millis(now), millis(now.Add(q.visibility)), n, uuid.NewString()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	msgs := make([]*model.QueueMessage, 0, len(claimed)/3)
	for i := 0; i+2 < len(claimed); i += 3 {
		id, token, body := claimed[i], claimed[i+1], claimed[i+2]
		var msg model.QueueMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			q.deadLetterUndecodable(ctx, id, token, err)
			continue
		}
		msg.ID = id
		msg.ReceiptHandle = token
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (q *RedisQueue) deadLetterUndecodable(ctx context.Context, id, token string, decodeErr error) {
	now := q.now().UTC()
	msg := &model.QueueMessage{
		ID:             id,
		ReceiptHandle:  token,
		LastError:      fmt.Sprintf("undecodable message body: %v", decodeErr),
		DeadLetteredAt: &now,
	}
	if err := q.DeadLetter(ctx, msg); err != nil {
		q.log.Errorw("msg", "failed to dead-letter undecodable queue message", "message_id", id, "error", err)
		return
	}
	q.log.DeadLetter("undecodable queue message dead-lettered", "message_id", id, "error", decodeErr)
}

// Ack deletes a processed message. It is a no-op when msg's claim has expired and
// another receiver holds the message.
func (q *RedisQueue) Ack(ctx context.Context, msg *model.QueueMessage) error {
	if q.rdb == nil {
		return errNoRedis
	}
	n, err := ackScript.Run(ctx, q.rdb, q.keys(), msg.ID, msg.ReceiptHandle).Int()
	if err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}
	if n == 0 {
		q.claimLost("ack", msg.ID)
	}
	return nil
}

// Release stores msg, including its attempt count, and makes it visible after delay.
func (q *RedisQueue) Release(ctx context.Context, msg *model.QueueMessage, delay time.Duration) error {
	if q.rdb == nil {
		return errNoRedis
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	n, err := releaseScript.Run(ctx, q.rdb, q.keys(), msg.ID, body, millis(q.now().Add(delay)), msg.ReceiptHandle).Int()
	if err != nil {
		return fmt.Errorf("failed to release message %s: %w", msg.ID, err)
	}
	if n == 0 {
		q.claimLost("release", msg.ID)
	}
	return nil
}

// DeadLetter moves msg from the main queue to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *model.QueueMessage) error {
	if q.rdb == nil {
		return errNoRedis
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	n, err := deadLetterScript.Run(ctx, q.rdb, q.keys(), msg.ID, body, msg.ReceiptHandle).Int()
	if err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", msg.ID, err)
	}
	if n == 0 {
		q.claimLost("dead-letter", msg.ID)
	}
	return nil
}

func (q *RedisQueue) claimLost(op, id string) {
	q.log.Warnw("msg", "queue message not settled, claim expired or message already settled",
		"operation", op,
		"message_id", id)
}

// ListDeadLetters returns up to limit dead letters, newest first.
func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]*model.QueueMessage, error) {
	if q.rdb == nil {
		return nil, errNoRedis
	}
	ids, err := q.rdb.LRange(ctx, q.deadKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []*model.QueueMessage{}, nil
	}

	bodies, err := q.rdb.HMGet(ctx, q.deadBodiesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	msgs := make([]*model.QueueMessage, 0, len(bodies))
	for _, b := range bodies {
		body, ok := b.(string)
		if !ok {
			continue
		}
		var msg model.QueueMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Redrive moves up to limit of the oldest dead letters back to the main queue with a
// fresh attempt count. It returns how many were moved.
func (q *RedisQueue) Redrive(ctx context.Context, limit int) (int, error) {
	dead, err := q.oldestDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, msg := range dead {
		msg.AttemptCount = 0
		msg.LastError = ""
		msg.DeadLetteredAt = nil
		body, err := json.Marshal(msg)
		if err != nil {
			return moved, fmt.Errorf("failed to marshal queue message: %w", err)
		}
		n, err := redriveScript.Run(ctx, q.rdb, q.keys(), msg.ID, body, millis(q.now())).Int()
		if err != nil {
			return moved, fmt.Errorf("failed to redrive message %s: %w", msg.ID, err)
		}
		moved += n
	}
	return moved, nil
}

func (q *RedisQueue) oldestDeadLetters(ctx context.Context, limit int) ([]*model.QueueMessage, error) {
	if q.rdb == nil {
		return nil, errNoRedis
	}
	ids, err := q.rdb.LRange(ctx, q.deadKey, -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bodies, err := q.rdb.HMGet(ctx, q.deadBodiesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	msgs := make([]*model.QueueMessage, 0, len(ids))
	for i, b := range bodies {
		body, ok := b.(string)
		if !ok {
			// Body missing: the bare id is redriven and the processor dead-letters it again.
			msgs = append(msgs, &model.QueueMessage{ID: ids[i]})
			continue
		}
		var msg model.QueueMessage
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			msgs = append(msgs, &model.QueueMessage{ID: ids[i]})
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// Depth reports the number of pending and dead-lettered messages.
func (q *RedisQueue) Depth(ctx context.Context) (model.QueueDepth, error) {
	if q.rdb == nil {
		return model.QueueDepth{}, errNoRedis
	}
	pipe := q.rdb.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueDepth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return model.QueueDepth{Pending: pending.Val(), DeadLetter: dead.Val()}, nil
}
