package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"craftsmen-api/internal/engine"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL：CACHE_TTL_S 未配置时的缓存时长
const DefaultCacheTTL = 300 * time.Second

// 文档注释：响应缓存（Redis），按引擎代数分区
// 约束：rc 为 nil 时所有操作为空操作；Redis 错误按未命中处理，不影响主流程
type Cache struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewCache(rc *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rc: rc, ttl: ttl}
}

func (c *Cache) Enabled() bool { return c != nil && c.rc != nil }

// cacheKey：craftsmen:<epoch>:<generation>:<postcode>:<sort>:<page>；未分页接口的 page 为 all
// 约束：epoch 每次启动重新生成，重启或多副本共享 Redis 时不会命中别的进程写入的条目
func cacheKey(epoch string, gen uint64, code uint32, mode engine.SortMode, page string) string {
	return "craftsmen:" + epoch + ":" + strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(uint64(code), 10) + ":" + mode.String() + ":" + page
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.Enabled() {
		return nil, false
	}
	b, err := c.rc.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.L().Warn("cache_get_error", "key", key, "err", err)
		}
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return b, true
}

func (c *Cache) Set(ctx context.Context, key string, body []byte) {
	if !c.Enabled() {
		return
	}
	if err := c.rc.Set(ctx, key, body, c.ttl).Err(); err != nil {
		logger.L().Warn("cache_set_error", "key", key, "err", err)
	}
}
