package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 挂载健康检查路由
// /health/ready 供编排系统摘挂流量；/health/live 只探进程存活；
// /health 返回逐组件明细（含桌子链路状态），排障时直接看这个。
func RegisterHTTPRoutes(r *gin.Engine, agg *Aggregator) {
	g := r.Group("/health")

	g.GET("/ready", func(c *gin.Context) {
		if !agg.Ready(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})

	g.GET("/live", func(c *gin.Context) {
		if !agg.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"alive": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"alive": true})
	})

	g.GET("", func(c *gin.Context) {
		report := agg.Report(c.Request.Context())
		code := http.StatusOK
		// 降级仍返回200：桌子离线不该把整个服务摘掉
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, report)
	})
}
