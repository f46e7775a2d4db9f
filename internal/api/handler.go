package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uplift-tools/deskd/internal/activity"
	"github.com/uplift-tools/deskd/internal/app"
	"github.com/uplift-tools/deskd/internal/discovery"
	"github.com/uplift-tools/deskd/internal/dispatch"
	"github.com/uplift-tools/deskd/internal/session"
	"github.com/uplift-tools/deskd/internal/storage/models"
)

// DeskService 控制API依赖的引擎能力
type DeskService interface {
	Status() app.Status
	Connect(ctx context.Context) error
	Disconnect() error
	Move(ctx context.Context, direction string) error
	Stop(ctx context.Context) error
	Preset(ctx context.Context, slot int) error
	DailyStats(date time.Time) activity.DailyStat
	HourlyStats(date time.Time) []activity.HourlyStat
	InvalidateCache(ctx context.Context) error
	Desks(ctx context.Context, limit, offset int) ([]models.Desk, error)
	DeskByAddress(ctx context.Context, address string) (*models.Desk, error)
	DailySnapshots(ctx context.Context, limit int) ([]models.DailySnapshot, error)
	DailySnapshot(ctx context.Context, day time.Time) (*models.DailySnapshot, error)
}

// Handler 控制API处理器
type Handler struct {
	svc DeskService
	log *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(svc DeskService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

// GetStatus 当前状态快照
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// Connect 发现并连接桌子
func (h *Handler) Connect(c *gin.Context) {
	if err := h.svc.Connect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Status())
}

// Disconnect 断开当前连接
func (h *Handler) Disconnect(c *gin.Context) {
	if err := h.svc.Disconnect(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type moveRequest struct {
	Direction string `json:"direction" binding:"required"`
}

// Move 点动升降
func (h *Handler) Move(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
		return
	}
	if err := h.svc.Move(c.Request.Context(), req.Direction); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "direction": req.Direction})
}

// Stop 停止移动
func (h *Handler) Stop(c *gin.Context) {
	if err := h.svc.Stop(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Preset 移动到记忆位（1=坐姿, 2=站姿, 3/4=自定义）
func (h *Handler) Preset(c *gin.Context) {
	var uri struct {
		Slot int `uri:"slot" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "slot must be 1-4"})
		return
	}
	if err := h.svc.Preset(c.Request.Context(), uri.Slot); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "slot": uri.Slot})
}

type dailyStatResponse struct {
	Date             string `json:"date"`
	Events           int    `json:"events"`
	SitTransitions   int    `json:"sitTransitions"`
	StandTransitions int    `json:"standTransitions"`
	SitSeconds       int64  `json:"sitSeconds"`
	StandSeconds     int64  `json:"standSeconds"`
}

// GetDailyStats 某天的活动聚合（date缺省为今天）
func (h *Handler) GetDailyStats(c *gin.Context) {
	date, ok := h.parseDate(c)
	if !ok {
		return
	}
	stat := h.svc.DailyStats(date)
	c.JSON(http.StatusOK, dailyStatResponse{
		Date:             stat.Date.Format("2006-01-02"),
		Events:           stat.Events,
		SitTransitions:   stat.SitTransitions,
		StandTransitions: stat.StandTransitions,
		SitSeconds:       int64(stat.SitTime / time.Second),
		StandSeconds:     int64(stat.StandTime / time.Second),
	})
}

type hourlyStatResponse struct {
	Hour             int   `json:"hour"`
	SitTransitions   int   `json:"sitTransitions"`
	StandTransitions int   `json:"standTransitions"`
	SitSeconds       int64 `json:"sitSeconds"`
	StandSeconds     int64 `json:"standSeconds"`
}

// GetHourlyStats 某天的24个小时桶聚合
func (h *Handler) GetHourlyStats(c *gin.Context) {
	date, ok := h.parseDate(c)
	if !ok {
		return
	}
	hourly := h.svc.HourlyStats(date)
	out := make([]hourlyStatResponse, 0, len(hourly))
	for _, s := range hourly {
		out = append(out, hourlyStatResponse{
			Hour:             s.Hour,
			SitTransitions:   s.SitTransitions,
			StandTransitions: s.StandTransitions,
			SitSeconds:       int64(s.SitTime / time.Second),
			StandSeconds:     int64(s.StandTime / time.Second),
		})
	}
	c.JSON(http.StatusOK, gin.H{"date": date.Format("2006-01-02"), "hours": out})
}

type deskResponse struct {
	Address         string     `json:"address"`
	Variant         string     `json:"variant"`
	LocalName       *string    `json:"localName,omitempty"`
	RSSI            *int32     `json:"rssi,omitempty"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
}

func toDeskResponse(d models.Desk) deskResponse {
	return deskResponse{
		Address:         d.Address,
		Variant:         d.Variant,
		LocalName:       d.LocalName,
		RSSI:            d.RSSI,
		LastConnectedAt: d.LastConnectedAt,
	}
}

// GetDesks 注册表中的桌子列表（?limit= ?offset=）
func (h *Handler) GetDesks(c *gin.Context) {
	limit := h.parseIntQuery(c, "limit", 50)
	offset := h.parseIntQuery(c, "offset", 0)
	if limit < 0 || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "limit/offset must be non-negative integers"})
		return
	}
	desks, err := h.svc.Desks(c.Request.Context(), limit, offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]deskResponse, 0, len(desks))
	for _, d := range desks {
		out = append(out, toDeskResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{"desks": out})
}

// GetDesk 单张桌子的注册记录
func (h *Handler) GetDesk(c *gin.Context) {
	desk, err := h.svc.DeskByAddress(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDeskResponse(*desk))
}

type snapshotResponse struct {
	Date             string `json:"date"`
	Events           int32  `json:"events"`
	SitTransitions   int32  `json:"sitTransitions"`
	StandTransitions int32  `json:"standTransitions"`
	SitSeconds       int64  `json:"sitSeconds"`
	StandSeconds     int64  `json:"standSeconds"`
}

func toSnapshotResponse(s models.DailySnapshot) snapshotResponse {
	return snapshotResponse{
		Date:             s.Day.Format("2006-01-02"),
		Events:           s.Events,
		SitTransitions:   s.SitTransitions,
		StandTransitions: s.StandTransitions,
		SitSeconds:       s.SitSeconds,
		StandSeconds:     s.StandSeconds,
	}
}

// GetSnapshots 持久化的日报快照；?date=取单天，否则按日期倒序列出最近的（?limit=）
func (h *Handler) GetSnapshots(c *gin.Context) {
	if raw := c.Query("date"); raw != "" {
		day, err := time.ParseInLocation("2006-01-02", raw, time.Local)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "date must be YYYY-MM-DD"})
			return
		}
		snap, err := h.svc.DailySnapshot(c.Request.Context(), day)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, toSnapshotResponse(*snap))
		return
	}

	limit := h.parseIntQuery(c, "limit", 30)
	if limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "limit must be a non-negative integer"})
		return
	}
	snaps, err := h.svc.DailySnapshots(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSnapshotResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out})
}

// InvalidateCache 显式失效桌子缓存，下次连接强制重新扫描
func (h *Handler) InvalidateCache(c *gin.Context) {
	if err := h.svc.InvalidateCache(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invalidated"})
}

// parseIntQuery 解析非负整数查询参数，非法输入返回-1交由调用方拒绝
func (h *Handler) parseIntQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func (h *Handler) parseDate(c *gin.Context) (time.Time, bool) {
	raw := c.Query("date")
	if raw == "" {
		return time.Now(), true
	}
	date, err := time.ParseInLocation("2006-01-02", raw, time.Local)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return date, true
}

// fail 把领域错误映射到HTTP状态码
func (h *Handler) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrAlreadyConnected):
		code = http.StatusConflict
	case errors.Is(err, discovery.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		code = http.StatusNotFound
	case errors.Is(err, app.ErrInvalidPreset),
		errors.Is(err, app.ErrInvalidDirection),
		errors.Is(err, dispatch.ErrUnknownCommand):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrConnectFailed),
		errors.Is(err, dispatch.ErrTransportFailure),
		errors.Is(err, session.ErrTransport):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}

	if code >= http.StatusInternalServerError {
		h.log.Error("api request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": http.StatusText(code), "message": err.Error()})
}
