package models

import (
	"time"
)

// 注意：
// - 保持与 db/migrations 下的 schema 完全对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// Desk 映射 desks 表（已发现桌子的注册信息）
type Desk struct {
	// 主键
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 蓝牙地址，唯一标识一张桌子
	Address string `gorm:"column:address;type:text;not null;uniqueIndex"`
	// 硬件系列名（如 JIECANG_0xFF00）
	Variant string `gorm:"column:variant;type:text;not null"`
	// 广播名，可空
	LocalName *string `gorm:"column:local_name;type:text"`
	// 发现时的信号强度，可空
	RSSI *int32 `gorm:"column:rssi"`
	// 最近一次成功连接
	LastConnectedAt *time.Time `gorm:"column:last_connected_at"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Desk) TableName() string { return "desks" }

// DailySnapshot 映射 activity_daily_snapshots 表。
// 由事件日志推导的读模型，事件日志始终是唯一权威来源。
type DailySnapshot struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Day              time.Time `gorm:"column:day;type:date;not null;uniqueIndex"`
	Events           int32     `gorm:"column:events;not null;default:0"`
	SitTransitions   int32     `gorm:"column:sit_transitions;not null;default:0"`
	StandTransitions int32     `gorm:"column:stand_transitions;not null;default:0"`
	SitSeconds       int64     `gorm:"column:sit_seconds;not null;default:0"`
	StandSeconds     int64     `gorm:"column:stand_seconds;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (DailySnapshot) TableName() string { return "activity_daily_snapshots" }
