package discovery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/uplift-tools/deskd/internal/ble"
	"github.com/uplift-tools/deskd/internal/variant"
)

// ErrNotFound 扫描窗口内未发现可识别的桌子（正常结果，提示用户唤醒控制器后重试）
var ErrNotFound = errors.New("desk not found")

// Candidate 扫描产出的候选设备
type Candidate struct {
	Signature variant.Signature
	Address   string
	RSSI      int16
}

// Scanner 扫描无线环境并解析候选桌子
type Scanner struct {
	transport ble.Transport
	registry  *variant.Registry
	log       *zap.Logger
}

func NewScanner(transport ble.Transport, registry *variant.Registry, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{transport: transport, registry: registry, log: log}
}

// Scan 在timeout窗口内收集全部可经注册表解析的候选，按首见顺序去重返回。
// 扫描超时不是错误：空结果由调用方处理。
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]Candidate, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		order []Candidate
		seen  = map[string]int{}
	)
	err := s.transport.Scan(scanCtx, func(adv ble.Advertisement) {
		sig := variant.Signature{ServiceUUIDs: adv.ServiceUUIDs, Name: adv.LocalName}
		if _, err := s.registry.Resolve(sig); err != nil {
			return
		}
		if idx, ok := seen[adv.Address]; ok {
			// 同一设备的后续广播只刷新信号强度
			if adv.RSSI != 0 {
				order[idx].RSSI = adv.RSSI
			}
			return
		}
		seen[adv.Address] = len(order)
		order = append(order, Candidate{Signature: sig, Address: adv.Address, RSSI: adv.RSSI})
		s.log.Debug("desk candidate",
			zap.String("address", adv.Address),
			zap.String("name", adv.LocalName),
			zap.Int16("rssi", adv.RSSI))
	})
	if err != nil && ctx.Err() == nil && scanCtx.Err() == nil {
		return nil, err
	}
	// 上层主动取消时如实上报，避免把取消伪装成NotFound
	if ctx.Err() != nil {
		return order, ctx.Err()
	}
	return order, nil
}

// FindBest 返回最优候选及其硬件系列描述符
// 多候选时优先信号最强者；无信号信息时按首见顺序（确定性，可复现测试）。
func (s *Scanner) FindBest(ctx context.Context, timeout time.Duration) (string, *variant.Descriptor, error) {
	candidates, err := s.Scan(ctx, timeout)
	if err != nil {
		return "", nil, err
	}
	if len(candidates) == 0 {
		return "", nil, ErrNotFound
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		// RSSI为负值，数值更大者信号更强；0视为无信号信息
		if c.RSSI != 0 && (best.RSSI == 0 || c.RSSI > best.RSSI) {
			best = c
		}
	}

	desc, err := s.registry.Resolve(best.Signature)
	if err != nil {
		return "", nil, err
	}
	s.log.Info("desk resolved",
		zap.String("address", best.Address),
		zap.String("variant", desc.Name),
		zap.Int("candidates", len(candidates)))
	return best.Address, desc, nil
}
