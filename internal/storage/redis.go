package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"jobintel-go/internal/config"
	"jobintel-go/internal/constants"
	"jobintel-go/internal/tracing"
	"jobintel-go/internal/types"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("jobintel-go/storage/redis")

// Redis操作前缀采样率配置
var redisKeySamplingRates = map[string]float64{
	"ji:job:":    0.25, // 岗位去重相关操作采样25%
	"ji:emb:":    0.05, // 向量缓存操作采样5%
	"ji:score:":  0.1,  // 评分缓存操作采样10%
	"ji:spam:":   0.1,  // 欺诈分析缓存操作采样10%
	"ji:search:": 0.05, // 搜索会话缓存采样5%
	"ji:quota:":  0.01, // 配额计数器操作采样1%
	"ji:lock:":   0.5,  // 锁操作采样50%
}

var (
	rnd      *rand.Rand
	rndMutex sync.Mutex
)

func init() {
	source := rand.NewSource(time.Now().UnixNano())
	rnd = rand.New(source)
}

// shouldSampleRedisOp 根据key前缀决定是否需要创建span
func shouldSampleRedisOp(key string) bool {
	if key == "" {
		return false
	}

	for prefix, rate := range redisKeySamplingRates {
		if strings.HasPrefix(key, prefix) {
			return randFloat() < rate
		}
	}

	// 默认采样率5%
	return randFloat() < 0.05
}

func randFloat() float64 {
	rndMutex.Lock()
	defer rndMutex.Unlock()
	return rnd.Float64()
}

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 重试设置
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{
		Client: client,
		config: cfg,
	}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// CheckAndSetContentHash 原子地检查内容哈希是否已存在，不存在则登记并建立
// 哈希到岗位ID的映射。返回 (是否已存在, 已存在时关联的岗位ID)。
func (r *Redis) CheckAndSetContentHash(ctx context.Context, contentHash string, jobID string) (bool, string, error) {
	ctx, span := redisTracer.Start(ctx, "Redis.CheckAndSetContentHash",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemRedis,
		attribute.String("db.redis.database", fmt.Sprintf("%d", r.config.DB)),
		attribute.String("net.peer.name", r.config.Address),
		attribute.String("db.operation", "EVAL"),
		attribute.String("db.redis.key", constants.KeyCanonicalDedupSet),
		attribute.String("db.redis.member", contentHash),
	)

	if r.Client == nil {
		err := fmt.Errorf("redis client is not initialized")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	setKey := constants.KeyCanonicalDedupSet
	mapKey := fmt.Sprintf(constants.KeyCanonicalHashToJobID, contentHash)
	expiry := int64(constants.DedupSetTTL.Seconds())

	// Lua脚本保证检查+登记的原子性：
	// 已存在时返回映射中的岗位ID，不存在时登记哈希和映射并返回空串
	script := `
		local exists = redis.call('SISMEMBER', KEYS[1], ARGV[1])
		if exists == 1 then
			local owner = redis.call('GET', KEYS[2])
			return {1, owner or ''}
		end
		redis.call('SADD', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[3])
		redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
		return {0, ''}
	`

	res, err := r.Client.Eval(ctx, script, []string{setKey, mapKey}, contentHash, jobID, expiry).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", fmt.Errorf("执行原子检查和登记操作失败: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		err := fmt.Errorf("意外的Redis返回类型: %T", res)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, "", err
	}

	existsVal, _ := vals[0].(int64)
	ownerID, _ := vals[1].(string)
	exists := existsVal == 1

	span.SetAttributes(attribute.Bool("already_exists", exists))
	span.SetStatus(codes.Ok, "")

	return exists, ownerID, nil
}

// RemoveContentHash 从去重集合中移除内容哈希（岗位被删除时调用）
func (r *Redis) RemoveContentHash(ctx context.Context, contentHash string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	pipe := r.Client.Pipeline()
	pipe.SRem(ctx, constants.KeyCanonicalDedupSet, contentHash)
	pipe.Del(ctx, fmt.Sprintf(constants.KeyCanonicalHashToJobID, contentHash))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("从去重集合中移除哈希失败: %w", err)
	}
	return nil
}

// SetEmbeddingVector 将岗位向量和模型版本存入 Redis HASH（热层缓存）。
// 使用 HASH 可以将向量和模型版本存在同一个 key 下，便于管理。
func (r *Redis) SetEmbeddingVector(ctx context.Context, jobID string, vector []float64, modelVersion string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}

	cacheKey := fmt.Sprintf(constants.KeyEmbeddingVector, jobID)

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("序列化向量失败: %w", err)
	}

	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, cacheKey, "vector", vectorJSON)
	pipe.HSet(ctx, cacheKey, "model_version", modelVersion)
	pipe.Expire(ctx, cacheKey, constants.EmbeddingHotTTL)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("设置岗位向量缓存失败: %w", err)
	}
	return nil
}

// GetEmbeddingVector 从 Redis HASH 中获取岗位向量和模型版本。
func (r *Redis) GetEmbeddingVector(ctx context.Context, jobID string) ([]float64, string, error) {
	if r.Client == nil {
		return nil, "", fmt.Errorf("redis client is not initialized")
	}

	cacheKey := fmt.Sprintf(constants.KeyEmbeddingVector, jobID)

	vals, err := r.Client.HMGet(ctx, cacheKey, "vector", "model_version").Result()
	if err != nil {
		return nil, "", err
	}

	if len(vals) < 2 {
		return nil, "", ErrNotFound
	}

	if vals[0] == nil {
		return nil, "", fmt.Errorf("未找到岗位向量缓存，jobID=%s: %w", jobID, ErrNotFound)
	}
	vectorJSON, ok := vals[0].(string)
	if !ok || vectorJSON == "" {
		return nil, "", fmt.Errorf("向量缓存格式错误")
	}
	var vector []float64
	if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
		return nil, "", fmt.Errorf("反序列化向量失败: %w", err)
	}

	if vals[1] == nil {
		return vector, "", fmt.Errorf("向量模型版本未找到")
	}
	modelVersion, ok := vals[1].(string)
	if !ok {
		return vector, "", fmt.Errorf("向量模型版本格式错误")
	}

	return vector, modelVersion, nil
}

// Get 获取键的值
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span

	// 根据key前缀决定是否创建span
	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Get", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", "GET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
			// 设置标志位，表示不要在子span中传播，避免与redisotel hook产生的span重复
			attribute.Bool("otel.propagate_to_child", false),
		)
	}

	val, err := r.Client.Get(ctx, key).Result()

	if span != nil {
		if err != nil {
			// 对于key不存在的情况，不应该算作错误
			if err == redis.Nil {
				span.SetStatus(codes.Ok, "key not found")
				span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return "", err
		}

		span.SetAttributes(
			attribute.Bool("db.redis.key_exists", true),
			attribute.Int("db.redis.value_length", len(val)),
		)
		span.SetStatus(codes.Ok, "")
	}

	return val, err
}

// Set 设置键的值
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis客户端未初始化")
	}

	var span trace.Span

	if shouldSampleRedisOp(key) {
		ctx, span = redisTracer.Start(ctx, "Redis.Set", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()

		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", "SET"),
			attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
			attribute.Int("db.redis.value_length", len(value)),
			attribute.Bool("otel.propagate_to_child", false),
		)

		if expiration > 0 {
			span.SetAttributes(attribute.Int64("db.redis.expiration_ms", expiration.Milliseconds()))
		}
	}

	err := r.Client.Set(ctx, key, value, expiration).Err()

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// SetJSON 将对象序列化为JSON后写入
func (r *Redis) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化缓存对象失败: %w", err)
	}
	return r.Set(ctx, key, string(data), expiration)
}

// GetJSON 读取键并反序列化到目标对象
func (r *Redis) GetJSON(ctx context.Context, key string, target interface{}) error {
	val, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return fmt.Errorf("反序列化缓存对象失败: %w", err)
	}
	return nil
}

// CacheSearchResults 将完整的、排序后的搜索结果岗位ID列表缓存到Redis的ZSET中。
func (r *Redis) CacheSearchResults(ctx context.Context, sessionKey string, results []types.SearchResult, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	if len(results) == 0 {
		return nil // 不缓存空结果
	}

	pipe := r.Client.Pipeline()

	// 先删除旧的key，确保缓存是最新的
	pipe.Del(ctx, sessionKey)

	members := make([]redis.Z, len(results))
	for i, res := range results {
		members[i] = redis.Z{
			// 使用倒序排名作为分数，分数越高，排名越靠前
			// 这样 ZREVRANGE 就可以直接按分数从高到低取出，即按原始排名
			Score:  float64(len(results) - i),
			Member: res.JobID,
		}
	}

	pipe.ZAdd(ctx, sessionKey, members...)
	pipe.Expire(ctx, sessionKey, ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedSearchResults 从Redis ZSET中获取分页的搜索结果。
func (r *Redis) GetCachedSearchResults(ctx context.Context, sessionKey string, cursor, limit int64) (jobIDs []string, totalCount int64, err error) {
	ctx, span := redisTracer.Start(ctx, "GetCachedSearchResults", trace.WithAttributes(
		semconv.DBSystemRedis,
		attribute.String("redis.key", tracing.SafeRedisKey(sessionKey)),
		attribute.Int64("redis.cursor", cursor),
		attribute.Int64("redis.limit", limit),
	))
	defer span.End()

	pipe := r.Client.Pipeline()
	countCmd := pipe.ZCard(ctx, sessionKey)
	// 使用 ZRevRange 以确保按分数从高到低排序
	rangeCmd := pipe.ZRevRange(ctx, sessionKey, cursor, cursor+limit-1)
	_, err = pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		return nil, 0, err
	}

	jobIDs, err = rangeCmd.Result()
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to get search result job IDs: %w", err)
	}

	totalCount, err = countCmd.Result()
	if err != nil {
		return jobIDs, 0, err
	}

	return jobIDs, totalCount, nil
}

// IncrQuotaCounter 原子地递增配额计数器，超过限制时不递增并返回false。
// 首次创建时设置窗口过期时间。返回 (是否允许, 递增后的值)。
func (r *Redis) IncrQuotaCounter(ctx context.Context, counterKey string, cost int64, limit int64, window time.Duration) (bool, int64, error) {
	if r.Client == nil {
		return false, 0, fmt.Errorf("redis client is not initialized")
	}

	// Lua脚本：检查递增后是否超限，超限则回退拒绝
	script := `
		local current = tonumber(redis.call('GET', KEYS[1]) or '0')
		local cost = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		if current + cost > limit then
			return {0, current}
		end
		local newval = redis.call('INCRBY', KEYS[1], cost)
		if newval == cost then
			redis.call('EXPIRE', KEYS[1], ARGV[3])
		end
		return {1, newval}
	`

	res, err := r.Client.Eval(ctx, script, []string{counterKey}, cost, limit, int64(window.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("执行配额计数脚本失败: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("意外的Redis返回类型: %T", res)
	}

	allowedVal, _ := vals[0].(int64)
	newVal, _ := vals[1].(int64)
	return allowedVal == 1, newVal, nil
}

// DecrQuotaCounter 回退配额计数（调用失败时归还额度）
func (r *Redis) DecrQuotaCounter(ctx context.Context, counterKey string, cost int64) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.DecrBy(ctx, counterKey, cost).Err()
}

// AcquireLock 尝试获取一个分布式锁
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	// 生成一个随机值作为锁的持有者标识
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	// 尝试设置一个带过期时间的key，NX保证了原子性
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return lockValue, nil
	}
	// 未能获取锁
	return "", nil
}

// ReleaseLock 释放一个分布式锁，使用Lua脚本保证原子性
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("redis client is not initialized")
	}
	// Lua脚本: 如果key存在且值匹配，则删除key
	script := `
        if redis.call("get", KEYS[1]) == ARGV[1] then
            return redis.call("del", KEYS[1])
        else
            return 0
        end
    `
	res, err := r.Client.Eval(ctx, script, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}

	if released, ok := res.(int64); ok && released == 1 {
		return true, nil
	}

	return false, nil // 锁不存在或不属于当前持有者
}
