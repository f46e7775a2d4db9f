package storage

import (
	"context"
	"time"

	"github.com/uplift-tools/deskd/internal/storage/models"
)

// CoreRepo 面向“活动读模型”的存储抽象。
// 约束：
// - 上层不直接写 SQL，统一通过本接口访问
// - 事件日志（pg.EventRepo）是权威来源，本接口只承载派生数据
// - 接口保持 DB-agnostic（面向模型与基础类型）
type CoreRepo interface {
	// ---------- 桌子注册 ----------
	// UpsertDesk 按地址插入或更新桌子记录
	UpsertDesk(ctx context.Context, desk *models.Desk) error
	// TouchDeskConnected 刷新桌子最近连接时间
	TouchDeskConnected(ctx context.Context, address string, at time.Time) error
	// GetDeskByAddress 按蓝牙地址查询桌子
	GetDeskByAddress(ctx context.Context, address string) (*models.Desk, error)
	// ListDesks 返回已注册桌子列表（管理/调试用）
	ListDesks(ctx context.Context, limit, offset int) ([]models.Desk, error)

	// ---------- 日报快照 ----------
	// UpsertDailySnapshot 按日期写入或覆盖当天聚合快照
	UpsertDailySnapshot(ctx context.Context, snap *models.DailySnapshot) error
	// GetDailySnapshot 读取某天的快照
	GetDailySnapshot(ctx context.Context, day time.Time) (*models.DailySnapshot, error)
	// ListDailySnapshots 按日期倒序返回最近的快照
	ListDailySnapshots(ctx context.Context, limit int) ([]models.DailySnapshot, error)
}
