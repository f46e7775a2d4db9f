package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uplift-tools/deskd/internal/activity"
)

// EventRepo 活动事件的 pgx 持久化实现（append-only 事件日志）。
// 实现 activity.Store 接口。
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo 创建事件仓库
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append 追加一条活动事件，事件ID冲突时忽略（重放安全）。
func (r *EventRepo) Append(ctx context.Context, ev activity.Event) error {
	const q = `
INSERT INTO activity_events (event_id, occurred_at, kind, height_mm)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING`

	var height *int32
	if ev.HeightKnown {
		h := int32(ev.HeightHint)
		height = &h
	}
	_, err := r.pool.Exec(ctx, q, ev.ID, ev.Timestamp, string(ev.Kind), height)
	return err
}

// ListByDay 按发生时间升序返回某自然日内的全部事件（启动回放用）。
func (r *EventRepo) ListByDay(ctx context.Context, day time.Time) ([]activity.Event, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	const q = `
SELECT event_id, occurred_at, kind, height_mm
FROM activity_events
WHERE occurred_at >= $1 AND occurred_at < $2
ORDER BY occurred_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, q, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []activity.Event
	for rows.Next() {
		var (
			ev     activity.Event
			kind   string
			height *int32
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &kind, &height); err != nil {
			return nil, err
		}
		ev.Kind = activity.Kind(kind)
		if height != nil {
			ev.HeightHint = uint16(*height)
			ev.HeightKnown = true
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PurgeBefore 删除早于给定时刻的事件，返回删除行数。
func (r *EventRepo) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM activity_events WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
