package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const DefaultCacheTTL = 6 * time.Hour

// TrialCache holds recently retrieved trial records keyed by NCT id.
type TrialCache interface {
	Get(ctx context.Context, nctID string) (clinical.TrialRecord, bool, error)
	Set(ctx context.Context, trial clinical.TrialRecord) error
}

// MemoryCache is a process-local TrialCache.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{c: gocache.New(ttl, 10*time.Minute)}
}

func (m *MemoryCache) Get(_ context.Context, nctID string) (clinical.TrialRecord, bool, error) {
	v, ok := m.c.Get(nctID)
	if !ok {
		return clinical.TrialRecord{}, false, nil
	}
	tr, ok := v.(clinical.TrialRecord)
	return tr, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, trial clinical.TrialRecord) error {
	m.c.SetDefault(trial.NCTID, trial)
	return nil
}

// RedisCache shares trial records between processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func NewRedisCache(cfg RedisConfig) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisCacheWithClient(client, cfg.TTL)
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "trialsense:trial:"}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) Get(ctx context.Context, nctID string) (clinical.TrialRecord, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+nctID).Bytes()
	if errors.Is(err, redis.Nil) {
		return clinical.TrialRecord{}, false, nil
	}
	if err != nil {
		return clinical.TrialRecord{}, false, fmt.Errorf("redis get %s: %w", nctID, err)
	}
	var tr clinical.TrialRecord
	if err := json.Unmarshal(b, &tr); err != nil {
		return clinical.TrialRecord{}, false, fmt.Errorf("decode cached trial %s: %w", nctID, err)
	}
	return tr, true, nil
}

func (r *RedisCache) Set(ctx context.Context, trial clinical.TrialRecord) error {
	b, err := json.Marshal(trial)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+trial.NCTID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", trial.NCTID, err)
	}
	return nil
}
