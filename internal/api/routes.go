package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/uplift-tools/deskd/internal/api/middleware"
)

// RegisterRoutes 注册控制API路由
func RegisterRoutes(r *gin.Engine, svc DeskService, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || svc == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := NewHandler(svc, logger)

	api := r.Group("/api")
	if authCfg.Enabled {
		api.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	}

	api.GET("/status", handler.GetStatus)
	api.POST("/connect", handler.Connect)
	api.POST("/disconnect", handler.Disconnect)
	api.POST("/move", handler.Move)
	api.POST("/stop", handler.Stop)
	api.POST("/preset/:slot", handler.Preset)
	api.GET("/stats/daily", handler.GetDailyStats)
	api.GET("/stats/hourly", handler.GetHourlyStats)
	api.GET("/stats/snapshots", handler.GetSnapshots)
	api.GET("/desks", handler.GetDesks)
	api.GET("/desks/:address", handler.GetDesk)
	api.DELETE("/cache", handler.InvalidateCache)

	logger.Info("control routes registered", zap.Int("endpoints", 12))
}
