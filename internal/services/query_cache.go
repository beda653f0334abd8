package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionNamespace prefixes every cached transaction listing.
const TransactionNamespace = "transaction"

// QueryCache stores query results in redis. Every key written is recorded in
// a per-namespace SET so a namespace can be invalidated by enumeration.
type QueryCache struct {
	client   *redis.Client
	ttl      time.Duration
	logger   *zap.Logger
	claimKey func(index string) string
}

func NewQueryCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &QueryCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "query_cache")),
	}
	// an index is moved here while it is being invalidated
	c.claimKey = func(index string) string {
		return index + ":invalidating:" + uuid.NewString()
	}
	return c
}

func indexKey(namespace string) string {
	return "cache:index:" + namespace
}

// CacheKey derives the deterministic listing key for one user, filter and
// ordering.
func CacheKey(userID string, filter TransactionFilter, ordering Ordering) string {
	parts := []string{
		userID,
		filter.AccountID,
		filter.Type,
		formatDate(filter.Start),
		formatDate(filter.End),
		ordering.String(),
	}
	return fmt.Sprintf("%s:%016x", TransactionNamespace, xxhash.Sum64String(strings.Join(parts, "\x1f")))
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// Get loads key into dest. A miss returns false with a nil error.
func (c *QueryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes value under key with the cache TTL and indexes the key in its
// namespace.
func (c *QueryCache) Set(ctx context.Context, namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}

	_, err = c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, string(data), c.ttl)
		pipe.SAdd(ctx, indexKey(namespace), key)
		pipe.Expire(ctx, indexKey(namespace), c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// InvalidateNamespace deletes every indexed key of namespace and the index
// itself. The index is first renamed away atomically, so a Set racing with
// the invalidation lands in a fresh index instead of one about to be deleted.
func (c *QueryCache) InvalidateNamespace(ctx context.Context, namespace string) error {
	index := indexKey(namespace)
	claimed := c.claimKey(index)

	if err := c.client.Rename(ctx, index, claimed).Err(); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("cache index %s: %w", namespace, err)
	}

	keys, err := c.client.SMembers(ctx, claimed).Result()
	if err != nil {
		return fmt.Errorf("cache index %s: %w", namespace, err)
	}

	if err := c.client.Del(ctx, append(keys, claimed)...).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", namespace, err)
	}
	c.logger.Debug("cache namespace invalidated",
		zap.String("namespace", namespace),
		zap.Int("keys", len(keys)),
	)
	return nil
}

// isNoSuchKey reports the error RENAME returns for a missing source key.
func isNoSuchKey(err error) bool {
	return strings.Contains(err.Error(), "no such key")
}
