package gormrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/uplift-tools/deskd/internal/storage"
	"github.com/uplift-tools/deskd/internal/storage/models"
)

// Repository 基于 GORM 的 CoreRepo 实现。
type Repository struct {
	db *gorm.DB
}

// New 返回一个使用给定 *gorm.DB 的 CoreRepo 实例。
func New(db *gorm.DB) storage.CoreRepo {
	return &Repository{db: db}
}

// UpsertDesk 按地址插入或更新桌子记录。
func (r *Repository) UpsertDesk(ctx context.Context, desk *models.Desk) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"variant":    gorm.Expr("excluded.variant"),
				"local_name": gorm.Expr("excluded.local_name"),
				"rssi":       gorm.Expr("excluded.rssi"),
				"updated_at": gorm.Expr("NOW()"),
			}),
		}).
		Create(desk).Error
}

// TouchDeskConnected 刷新桌子最近连接时间。
func (r *Repository) TouchDeskConnected(ctx context.Context, address string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Desk{}).
		Where("address = ?", address).
		Updates(map[string]interface{}{
			"last_connected_at": at,
			"updated_at":        gorm.Expr("NOW()"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetDeskByAddress 按蓝牙地址查询桌子。
func (r *Repository) GetDeskByAddress(ctx context.Context, address string) (*models.Desk, error) {
	var desk models.Desk
	err := r.db.WithContext(ctx).Where("address = ?", address).First(&desk).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &desk, err
}

// ListDesks 分页返回桌子列表，按 id 倒序。
func (r *Repository) ListDesks(ctx context.Context, limit, offset int) ([]models.Desk, error) {
	var desks []models.Desk
	q := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&desks).Error; err != nil {
		return nil, err
	}
	return desks, nil
}

// UpsertDailySnapshot 按日期写入或覆盖当天聚合快照。
func (r *Repository) UpsertDailySnapshot(ctx context.Context, snap *models.DailySnapshot) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"events":            gorm.Expr("excluded.events"),
				"sit_transitions":   gorm.Expr("excluded.sit_transitions"),
				"stand_transitions": gorm.Expr("excluded.stand_transitions"),
				"sit_seconds":       gorm.Expr("excluded.sit_seconds"),
				"stand_seconds":     gorm.Expr("excluded.stand_seconds"),
				"updated_at":        gorm.Expr("NOW()"),
			}),
		}).
		Create(snap).Error
}

// GetDailySnapshot 读取某天的快照。
func (r *Repository) GetDailySnapshot(ctx context.Context, day time.Time) (*models.DailySnapshot, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	var snap models.DailySnapshot
	err := r.db.WithContext(ctx).Where("day = ?", dayStart).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &snap, err
}

// ListDailySnapshots 按日期倒序返回最近的快照。
func (r *Repository) ListDailySnapshots(ctx context.Context, limit int) ([]models.DailySnapshot, error) {
	var snaps []models.DailySnapshot
	q := r.db.WithContext(ctx).Order("day DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&snaps).Error; err != nil {
		return nil, err
	}
	return snaps, nil
}
