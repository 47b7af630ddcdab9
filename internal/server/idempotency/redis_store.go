package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/server/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record in a hash that expires natively after ttl.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: "idem", ttl: ttl}
}

// redisKey hashes the length-prefixed parts, so user-chosen keys and paths
// cannot shift into each other.
func (s *RedisStore) redisKey(key, method, path string) string {
	h := sha256.New()
	for _, part := range []string{method, path, key} {
		h.Write([]byte(strconv.Itoa(len(part)) + ":" + part))
	}
	return s.prefix + ":" + hex.EncodeToString(h.Sum(nil))
}

func (s *RedisStore) Get(ctx context.Context, key, method, path string) (*models.IdempotencyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key, method, path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}
	if len(fields) == 0 {
		return nil, common.ErrorNotFound
	}

	status, err := strconv.Atoi(fields["status"])
	if err != nil {
		return nil, fmt.Errorf("parse replay status: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(fields["body"])
	if err != nil {
		return nil, fmt.Errorf("decode replay body: %w", err)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &models.IdempotencyRecord{
		Key:            key,
		Method:         method,
		Path:           path,
		Fingerprint:    fields["fingerprint"],
		ResponseStatus: status,
		ContentType:    fields["content_type"],
		ResponseBody:   body,
		CreatedAt:      time.Unix(createdAt, 0).UTC(),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *models.IdempotencyRecord) error {
	k := s.redisKey(rec.Key, rec.Method, rec.Path)
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k,
			"fingerprint", rec.Fingerprint,
			"status", rec.ResponseStatus,
			"content_type", rec.ContentType,
			"body", base64.StdEncoding.EncodeToString(rec.ResponseBody),
			"created_at", createdAt.Unix(),
		)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis expires keys itself.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
