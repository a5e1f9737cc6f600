package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"github.com/raaihank/record-sentinel/internal/privacy"
	"go.uber.org/zap"
)

// Vault keeps the token -> original mapping of reversible redactions in Redis.
// Keys are scoped per tenant and expire after the configured TTL.
type Vault struct {
	client *redis.Client
	config Config
	logger *logger.Logger
	hits   atomic.Int64
	misses atomic.Int64
	now    func() time.Time
}

// New connects to Redis and returns a vault
func New(config Config, log *logger.Logger) (*Vault, error) {
	var opts *redis.Options
	if strings.HasPrefix(config.Addr, "redis://") || strings.HasPrefix(config.Addr, "rediss://") {
		parsed, err := redis.ParseURL(config.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: config.Addr, Password: config.Password, DB: config.DB}
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	v := NewWithClient(redis.NewClient(opts), config, log)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	v.logger.Info("Token vault initialized successfully",
		zap.String("redis", maskRedisURL(config.Addr)),
		zap.Duration("ttl", config.TTL))
	return v, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, config Config, log *logger.Logger) *Vault {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "sentinel:vault:"
	}
	return &Vault{
		client: client,
		config: config,
		logger: log.WithComponent("vault"),
		now:    time.Now,
	}
}

func (v *Vault) key(tenantID, token string) string {
	return v.config.KeyPrefix + tenantID + ":" + token
}

// Store saves every token of a reversible mapping in one pipeline. Tokens
// expire after ttl, or after the configured TTL when ttl is not positive.
func (v *Vault) Store(ctx context.Context, tenantID string, mapping map[string]string, ttl time.Duration) error {
	if len(mapping) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = v.config.TTL
	}

	pipe := v.client.Pipeline()
	storedAt := v.now().UTC()
	for token, original := range mapping {
		data, err := json.Marshal(Entry{TenantID: tenantID, Original: original, StoredAt: storedAt})
		if err != nil {
			return fmt.Errorf("failed to marshal vault entry: %w", err)
		}
		pipe.Set(ctx, v.key(tenantID, token), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordVaultOperation("store", "error")
		v.logger.Error("Vault store failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return fmt.Errorf("failed to store tokens: %w", err)
	}

	metrics.RecordVaultOperation("store", "ok")
	v.logger.Debug("Tokens stored",
		zap.String("tenant_id", tenantID),
		zap.Int("tokens", len(mapping)),
		zap.Duration("ttl", ttl))
	return nil
}

// Detokenize returns the original value behind a token
func (v *Vault) Detokenize(ctx context.Context, tenantID, token string) (string, error) {
	data, err := v.client.Get(ctx, v.key(tenantID, token)).Result()
	if errors.Is(err, redis.Nil) {
		v.misses.Add(1)
		metrics.RecordVaultOperation("detokenize", "miss")
		return "", ErrTokenNotFound
	}
	if err != nil {
		metrics.RecordVaultOperation("detokenize", "error")
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// Delete corrupted entry
		v.client.Del(ctx, v.key(tenantID, token))
		metrics.RecordVaultOperation("detokenize", "error")
		return "", fmt.Errorf("corrupted vault entry: %w", err)
	}

	v.hits.Add(1)
	metrics.RecordVaultOperation("detokenize", "hit")
	return entry.Original, nil
}

// Restore replaces every known token in text with its original value. Unknown
// or expired tokens are left in place and counted in missing.
func (v *Vault) Restore(ctx context.Context, tenantID, text string) (restored string, missing int, err error) {
	tokens := privacy.FindTokens(text)
	if len(tokens) == 0 {
		return text, 0, nil
	}

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = v.key(tenantID, t)
	}
	values, err := v.client.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.RecordVaultOperation("restore", "error")
		return "", 0, fmt.Errorf("failed to read tokens: %w", err)
	}

	mapping := make(map[string]string, len(tokens))
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			missing++
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			missing++
			continue
		}
		mapping[tokens[i]] = entry.Original
	}

	v.hits.Add(int64(len(mapping)))
	v.misses.Add(int64(missing))
	metrics.RecordVaultOperation("restore", "ok")
	return privacy.Restore(text, mapping), missing, nil
}

// Purge removes every token stored for a tenant
func (v *Vault) Purge(ctx context.Context, tenantID string) (int, error) {
	pattern := v.key(tenantID, "*")

	// Use SCAN to find all keys with our prefix
	iter := v.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan vault keys: %w", err)
	}

	// Delete keys in batches
	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := v.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			v.logger.Error("Failed to delete vault keys", zap.Error(err))
			return 0, fmt.Errorf("failed to delete vault keys: %w", err)
		}
	}

	metrics.RecordVaultOperation("purge", "ok")
	v.logger.Info("Tenant tokens purged",
		zap.String("tenant_id", tenantID),
		zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Stats returns lookup statistics and the number of stored keys
func (v *Vault) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   v.hits.Load(),
		Misses: v.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	keys, err := v.client.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis key count: %w", err)
	}
	stats.TotalKeys = keys
	return stats, nil
}

// Ping checks the Redis connection
func (v *Vault) Ping(ctx context.Context) error {
	return v.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (v *Vault) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	start := strings.Index(url, "://") + len("://")
	if start < len("://") || start > at {
		start = 0
	}
	colon := strings.LastIndex(url[start:at], ":")
	if colon < 0 {
		return url
	}
	return url[:start+colon+1] + "***" + url[at:]
}
