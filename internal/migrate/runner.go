package migrate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Runner 启动期SQL迁移执行器。
// 迁移文件形如 db/migrations/0001_init_up.sql，数字前缀即版本号。
// 活动事件表是append-only的，迁移只演进schema，不做数据改写。
type Runner struct {
	Dir string
	Log *zap.Logger
}

// Up 应用目录中所有未执行的向上迁移，每个迁移独立事务
func (r Runner) Up(ctx context.Context, db *pgxpool.Pool) error {
	if r.Dir == "" {
		return errors.New("migrations dir is empty")
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	if _, err := db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version BIGINT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	fsys := os.DirFS(r.Dir)
	pending, err := pendingMigrations(fsys, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		content, err := fs.ReadFile(fsys, m.file)
		if err != nil {
			return err
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		_, execErr := tx.Exec(ctx, string(content))
		if execErr == nil {
			_, execErr = tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, m.version)
		}
		if execErr != nil {
			_ = tx.Rollback(ctx)
			return execErr
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		log.Info("migration applied",
			zap.Int64("version", m.version),
			zap.String("file", m.file))
	}
	return nil
}

type migration struct {
	version int64
	file    string
}

func appliedVersions(ctx context.Context, db *pgxpool.Pool) (map[int64]bool, error) {
	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res[v] = true
	}
	return res, rows.Err()
}

// pendingMigrations 收集目录下尚未应用的 *_up.sql，按版本升序。
// 版本前缀解析不出来或已应用的文件直接跳过。
func pendingMigrations(fsys fs.FS, applied map[int64]bool) ([]migration, error) {
	files, err := fs.Glob(fsys, "*_up.sql")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, f := range files {
		prefix, _, ok := strings.Cut(f, "_")
		if !ok {
			continue
		}
		ver, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil || applied[ver] {
			continue
		}
		out = append(out, migration{version: ver, file: f})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
