package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each session as a Redis list of JSON-encoded turns.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRedisStore connects to redisURL. Keys are prefixed with namespace
// (the memory key), e.g. "chat_history:session:<id>".
func NewRedisStore(redisURL, namespace string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis memory connected", zap.String("namespace", namespace))
	return &RedisStore{rdb: rdb, namespace: namespace, logger: logger}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.namespace + ":session:" + sessionID
}

func (s *RedisStore) sessionsKey() string {
	return s.namespace + ":sessions"
}

// CreateIfAbsent implements Store. Sessions are tracked in a set so that an
// empty session still exists.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	if err := s.rdb.SAdd(ctx, s.sessionsKey(), sessionID).Err(); err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return nil
}

// Append implements Store. All turns go in one MULTI/EXEC transaction.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	turns = append([]Turn(nil), turns...)
	if err := prepare(sessionID, turns); err != nil {
		return err
	}
	values := make([]interface{}, len(turns))
	for i, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values[i] = string(data)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.sessionsKey(), sessionID)
		if len(values) > 0 {
			pipe.RPush(ctx, s.key(sessionID), values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to %s: %w", s.key(sessionID), err)
	}
	s.logger.Debug("turns appended", zap.String("session", sessionID), zap.Int("count", len(turns)))
	return nil
}

// Recall implements Store.
func (s *RedisStore) Recall(ctx context.Context, sessionID string, limit int) (History, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.rdb.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return History{}, fmt.Errorf("recall %s: %w", s.key(sessionID), err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			s.logger.Warn("skipping corrupt turn", zap.String("session", sessionID), zap.Error(err))
			continue
		}
		turns = append(turns, t)
	}
	return History{turns: turns}, nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
