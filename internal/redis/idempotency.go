package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// idempotencyTTL is how long a completed intake result is remembered for
	// a client-provided Idempotency-Key.
	idempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation while the first request with a key
	// is still in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision while the first
// request is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached outcome for an idempotent intake
// request.
type IdempotencyResult struct {
	EventID    string `json:"event_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// IdempotencyService deduplicates intake requests using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(idempotencyKey string) string {
	return fmt.Sprintf("notify:idem:%s", idempotencyKey)
}

// Check retrieves a cached result for an idempotency key. Returns (nil, nil)
// if the key is new, (result, nil) if a completed result is cached, or
// ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("event_id", result.EventID),
	)

	return &result, nil
}

// Store saves the result of a successfully accepted request.
func (s *IdempotencyService) Store(ctx context.Context, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, idempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX. Returns true if the lock
// was acquired, false if the key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, idempotencyKey string) (bool, error) {
	key := s.buildKey(idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// CheckOrReserve atomically checks for an existing result or reserves the
// key. Returns the cached result if found, nil if reserved successfully, or
// ErrDuplicateRequest on a concurrent in-flight request.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}

// Release drops a reservation after a failed insert so the client can retry.
func (s *IdempotencyService) Release(ctx context.Context, idempotencyKey string) error {
	return s.client.rdb.Del(ctx, s.buildKey(idempotencyKey)).Err()
}
