package health

import (
	"context"
	"fmt"
	"time"

	redisstorage "github.com/uplift-tools/deskd/internal/storage/redis"
)

// RedisChecker 缓存后端检查器。
// 选了redis后端说明缓存要跨实例共享，失联判不健康。
type RedisChecker struct {
	client *redisstorage.Client
}

// NewRedisChecker 创建缓存后端检查器
func NewRedisChecker(client *redisstorage.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

// Check ping缓存后端并上报连接池统计
func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.client.HealthCheck(ctx); err != nil {
		return unhealthy(start, fmt.Sprintf("ping failed: %v", err))
	}

	stats := c.client.PoolStats()
	res := healthy(start, "ok")
	res.Details = map[string]interface{}{
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"hits":        stats.Hits,
		"misses":      stats.Misses,
		"timeouts":    stats.Timeouts,
	}
	return res
}
