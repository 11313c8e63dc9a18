// Package cache реализует журнал аномалий и кэш глобального индекса в Redis
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"guardstat-service/internal/models"
)

const (
	// AnomalyLogKey hash журнала аномалий: поле "host|epoch", значение - метка
	AnomalyLogKey = "anomalies:log"
	// GlobalIndexKey hash снимка глобального индекса: поле epoch, значение - процент
	GlobalIndexKey = "anomalies:global_index"
	// DefaultIndexTTL время жизни снимка глобального индекса
	DefaultIndexTTL = 6 * time.Hour
)

// RedisCache реализует журнал аномалий в Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache создает новое подключение к Redis
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// RecordBatch добавляет записи одним pipeline и возвращает число новых.
// Первая запись для (host, epoch) не перезаписывается.
func (r *RedisCache) RecordBatch(ctx context.Context, recs []models.AnomalyRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.BoolCmd, 0, len(recs))
	for _, rec := range recs {
		cmds = append(cmds, pipe.HSetNX(ctx, AnomalyLogKey, rec.Key(), rec.Label))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to record anomalies: %w", err)
	}

	added := 0
	for _, c := range cmds {
		if c.Val() {
			added++
		}
	}
	return added, nil
}

// Lookup возвращает метку из журнала для (host, epoch)
func (r *RedisCache) Lookup(ctx context.Context, host string, epoch int64) (string, bool, error) {
	label, err := r.client.HGet(ctx, AnomalyLogKey, models.AnomalyKey(host, epoch)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lookup anomaly: %w", err)
	}
	return label, true, nil
}

// Entries возвращает весь журнал аномалий
func (r *RedisCache) Entries(ctx context.Context) (map[string]string, error) {
	entries, err := r.client.HGetAll(ctx, AnomalyLogKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read anomaly log: %w", err)
	}
	return entries, nil
}

// SaveGlobalIndex сохраняет снимок глобального индекса с TTL
func (r *RedisCache) SaveGlobalIndex(ctx context.Context, index map[int64]float64, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}

	values := make(map[string]interface{}, len(index))
	for epoch, pct := range index {
		values[strconv.FormatInt(epoch, 10)] = strconv.FormatFloat(pct, 'f', -1, 64)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, GlobalIndexKey)
	if len(values) > 0 {
		pipe.HSet(ctx, GlobalIndexKey, values)
		pipe.Expire(ctx, GlobalIndexKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache global index: %w", err)
	}
	return nil
}

// LoadGlobalIndex читает снимок глобального индекса; false, если его нет
func (r *RedisCache) LoadGlobalIndex(ctx context.Context) (map[int64]float64, bool, error) {
	raw, err := r.client.HGetAll(ctx, GlobalIndexKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to load global index: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	index := make(map[int64]float64, len(raw))
	for k, v := range raw {
		epoch, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("bad epoch %q in global index: %w", k, err)
		}
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, false, fmt.Errorf("bad percent %q in global index: %w", v, err)
		}
		index[epoch] = pct
	}
	return index, true, nil
}

// InvalidateGlobalIndex удаляет снимок глобального индекса
func (r *RedisCache) InvalidateGlobalIndex(ctx context.Context) error {
	return r.client.Del(ctx, GlobalIndexKey).Err()
}

// Ping проверяет соединение с Redis
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close закрывает соединение
func (r *RedisCache) Close() error {
	return r.client.Close()
}
