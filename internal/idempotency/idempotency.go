// Package idempotency implements the replay-safe request cache from spec
// §4.3. Records are Redis hashes keyed by {scope, actor, idempotencyKey},
// the same HSet/HGetAll shape the teacher's billing.Session uses for its
// compute-billing sessions.
package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "idempotency:"
	defaultTTL = 24 * time.Hour
)

// Outcome enumerates the three lookup results from spec §4.3.
type Outcome int

const (
	Miss Outcome = iota
	Replay
	Conflict
)

// Record is what gets stored and replayed back on a repeat request.
type Record struct {
	RequestHash string
	Status      int
	Body        []byte
	Headers     map[string]string
	CreatedAt   time.Time
}

// Store is the Redis-backed idempotency cache.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: defaultTTL}
}

func recordKey(scope, actor, key string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, scope, actor, key)
}

// Lookup returns Miss if no record exists, Replay with the stored record if
// the same requestHash was seen before, or Conflict if the key was reused
// with a different requestHash.
func (s *Store) Lookup(ctx context.Context, scope, actor, key, requestHash string) (Outcome, *Record, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(scope, actor, key)).Result()
	if err != nil {
		return Miss, nil, fmt.Errorf("idempotency: lookup %s/%s/%s: %w", scope, actor, key, err)
	}
	if len(vals) == 0 {
		return Miss, nil, nil
	}

	if vals["request_hash"] != requestHash {
		return Conflict, nil, nil
	}

	status := 0
	fmt.Sscanf(vals["status"], "%d", &status)

	body, err := base64.StdEncoding.DecodeString(vals["body"])
	if err != nil {
		return Miss, nil, fmt.Errorf("idempotency: decode body: %w", err)
	}

	var headers map[string]string
	if raw := vals["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return Miss, nil, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])

	return Replay, &Record{
		RequestHash: requestHash,
		Status:      status,
		Body:        body,
		Headers:     headers,
		CreatedAt:   createdAt,
	}, nil
}

// Save persists a completed response for future replay.
func (s *Store) Save(ctx context.Context, scope, actor, key, requestHash string, status int, body []byte, headers map[string]string) error {
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("idempotency: marshal headers: %w", err)
	}

	recKey := recordKey(scope, actor, key)
	if err := s.rdb.HSet(ctx, recKey,
		"request_hash", requestHash,
		"status", status,
		"body", base64.StdEncoding.EncodeToString(body),
		"headers", string(headerJSON),
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("idempotency: save %s: %w", recKey, err)
	}
	return s.rdb.Expire(ctx, recKey, s.ttl).Err()
}
