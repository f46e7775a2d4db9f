package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrCacheMiss 缓存中没有桌子记录
var ErrCacheMiss = errors.New("cached desk not found")

// CachedDesk 持久化的发现结果。单桌假设：同一时间至多存在一条记录。
// 生命周期：首次发现成功后写入；后续每次启动读取；操作员显式失效或
// 连接命中发现类错误达到阈值后自动失效。
type CachedDesk struct {
	Address string    `yaml:"address" json:"address"`
	Variant string    `yaml:"variant" json:"variant"`
	SavedAt time.Time `yaml:"savedAt" json:"savedAt"`
}

// Store 缓存持久化接口
type Store interface {
	Load(ctx context.Context) (*CachedDesk, error)
	Save(ctx context.Context, desk *CachedDesk) error
	Invalidate(ctx context.Context) error
}

// FileStore 单文件YAML缓存（默认实现）
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(_ context.Context) (*CachedDesk, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("read desk cache: %w", err)
	}
	var desk CachedDesk
	if err := yaml.Unmarshal(raw, &desk); err != nil {
		// 损坏的缓存等价于未命中，由上层重新发现并覆盖
		return nil, ErrCacheMiss
	}
	if desk.Address == "" {
		return nil, ErrCacheMiss
	}
	return &desk, nil
}

func (s *FileStore) Save(_ context.Context, desk *CachedDesk) error {
	raw, err := yaml.Marshal(desk)
	if err != nil {
		return fmt.Errorf("marshal desk cache: %w", err)
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	if err := os.WriteFile(s.Path, raw, 0o600); err != nil {
		return fmt.Errorf("write desk cache: %w", err)
	}
	return nil
}

func (s *FileStore) Invalidate(_ context.Context) error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove desk cache: %w", err)
	}
	return nil
}
