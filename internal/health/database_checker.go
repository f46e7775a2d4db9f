package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseChecker 活动事件库检查器。
// 事件库失联意味着坐站事件丢持久化、重启后无法回放，判不健康；
// 池子打满只是降级，追加写会排队但还能走。
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

// NewDatabaseChecker 创建事件库检查器
func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

func (c *DatabaseChecker) Name() string { return "database" }

// Check ping事件库并上报连接池水位
func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pool.Ping(ctx); err != nil {
		return unhealthy(start, fmt.Sprintf("ping failed: %v", err))
	}

	stat := c.pool.Stat()
	res := healthy(start, "ok")
	if stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns() {
		res = degraded(start, "connection pool saturated")
	}
	res.Details = map[string]interface{}{
		"total_conns":    stat.TotalConns(),
		"idle_conns":     stat.IdleConns(),
		"acquired_conns": stat.AcquiredConns(),
		"max_conns":      stat.MaxConns(),
	}
	return res
}
