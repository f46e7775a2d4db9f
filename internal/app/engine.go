package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/uplift-tools/deskd/internal/activity"
	"github.com/uplift-tools/deskd/internal/ble"
	cfgpkg "github.com/uplift-tools/deskd/internal/config"
	"github.com/uplift-tools/deskd/internal/discovery"
	"github.com/uplift-tools/deskd/internal/dispatch"
	appmetrics "github.com/uplift-tools/deskd/internal/metrics"
	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
	"github.com/uplift-tools/deskd/internal/session"
	"github.com/uplift-tools/deskd/internal/storage"
	"github.com/uplift-tools/deskd/internal/storage/models"
	"github.com/uplift-tools/deskd/internal/variant"
)

// ErrInvalidPreset 记忆位编号不在1..4范围
var ErrInvalidPreset = errors.New("invalid preset slot")

// ErrInvalidDirection 移动方向不是up/down
var ErrInvalidDirection = errors.New("invalid move direction")

// moveQuietPeriod 连续高度变化停止该时长后判定移动结束
const moveQuietPeriod = 1200 * time.Millisecond

// Status 当前引擎快照（API /status 返回体的数据来源）
type Status struct {
	State        string    `json:"state"`
	Address      string    `json:"address,omitempty"`
	Variant      string    `json:"variant,omitempty"`
	HeightMM     uint16    `json:"heightMm,omitempty"`
	HeightKnown  bool      `json:"heightKnown"`
	Moving       bool      `json:"moving"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// Engine 组合发现、会话、调度与活动记账的应用核心。
// 单桌假设：同一时间至多维护一条会话。
type Engine struct {
	cfg       *cfgpkg.Config
	transport ble.Transport
	registry  *variant.Registry
	scanner   *discovery.Scanner
	cache     discovery.Store
	tracker   *activity.Tracker
	repo      storage.CoreRepo
	metrics   *appmetrics.AppMetrics
	log       *zap.Logger

	mu           sync.Mutex
	sess         *session.Session
	disp         *dispatch.Dispatcher
	address      string
	desc         *variant.Descriptor
	connecting   bool
	connFailures int

	heightMu    sync.Mutex
	lastHeight  uint16
	heightKnown bool
	moving      bool
	moveTimer   *time.Timer
	moveQuiet   time.Duration
}

// Option 引擎配置项
type Option func(*Engine)

// WithCoreRepo 安装桌子注册/快照读模型仓库（可选）
func WithCoreRepo(repo storage.CoreRepo) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithMetrics 安装业务指标
func WithMetrics(m *appmetrics.AppMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New 创建引擎
func New(
	cfg *cfgpkg.Config,
	transport ble.Transport,
	registry *variant.Registry,
	scanner *discovery.Scanner,
	cache discovery.Store,
	tracker *activity.Tracker,
	opts ...Option,
) *Engine {
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		scanner:   scanner,
		cache:     cache,
		tracker:   tracker,
		log:       zap.NewNop(),
		moveQuiet: moveQuietPeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect 建立到桌子的连接
// 优先使用缓存的地址/系列；未命中时扫描发现并写回缓存。
// 发现类连接错误连续达到阈值后自动失效缓存，下次连接强制重新扫描。
// 扫描和链路建立（最长 scanTimeout+connectTimeout）不持引擎锁：
// 连接进行中Status照常返回、并发命令快速报ErrNotReady、并发Connect报已连接。
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connecting || (e.sess != nil && e.sess.State() != session.StateDisconnected) {
		e.mu.Unlock()
		return session.ErrAlreadyConnected
	}
	e.connecting = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.connecting = false
		e.mu.Unlock()
	}()

	address, desc, fromCache, err := e.resolveTarget(ctx)
	if err != nil {
		return err
	}

	sess := session.New(e.transport, desc,
		session.WithWakeTimeout(e.cfg.Wake.Timeout),
		session.WithWakeSequence(e.cfg.Wake.Repeat, e.cfg.Wake.Interval),
		session.WithOnFrame(e.handleFrame),
		session.WithLogger(e.log),
	)

	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.BLE.ConnectTimeout)
	defer cancel()

	if err := sess.Connect(connectCtx, address); err != nil {
		e.countConnect("error")
		if errors.Is(err, session.ErrConnectFailed) {
			e.noteDiscoveryFailure(ctx, fromCache)
		}
		return err
	}

	e.mu.Lock()
	e.sess = sess
	e.address = address
	e.desc = desc
	e.connFailures = 0
	e.disp = dispatch.New(desc, sess,
		dispatch.WithSendGap(e.cfg.Dispatch.SendGap),
		dispatch.WithRetry(e.cfg.Dispatch.MaxAttempts, e.cfg.Dispatch.BackoffBase),
		dispatch.WithEventSink(e.tracker),
		dispatch.WithLogger(e.log),
	)
	e.syncSessionGauge()
	e.mu.Unlock()
	e.countConnect("ok")

	if !fromCache {
		if err := e.cache.Save(ctx, &discovery.CachedDesk{
			Address: address,
			Variant: desc.Name,
			SavedAt: time.Now(),
		}); err != nil {
			e.log.Warn("cache save failed", zap.Error(err))
		}
	}
	e.registerDesk(ctx, address, desc)
	return nil
}

// resolveTarget 决定连接目标：缓存命中直连，未命中扫描发现
func (e *Engine) resolveTarget(ctx context.Context) (string, *variant.Descriptor, bool, error) {
	cached, err := e.cache.Load(ctx)
	if err == nil {
		if desc, derr := e.registry.ByName(cached.Variant); derr == nil {
			e.countScan("hit")
			e.log.Info("using cached desk",
				zap.String("address", cached.Address),
				zap.String("variant", cached.Variant))
			return cached.Address, desc, true, nil
		}
		// 系列名无法解析的缓存不可信，直接失效
		_ = e.cache.Invalidate(ctx)
	} else if !errors.Is(err, discovery.ErrCacheMiss) {
		e.log.Warn("cache load failed", zap.Error(err))
	}

	address, desc, err := e.scanner.FindBest(ctx, e.cfg.BLE.ScanTimeout)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			e.countScan("not_found")
		} else {
			e.countScan("error")
		}
		return "", nil, false, err
	}
	e.countScan("ok")
	return address, desc, false, nil
}

// noteDiscoveryFailure 记发现类失败并按阈值失效缓存
func (e *Engine) noteDiscoveryFailure(ctx context.Context, fromCache bool) {
	if !fromCache {
		return
	}
	threshold := e.cfg.Cache.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}

	e.mu.Lock()
	e.connFailures++
	failures := e.connFailures
	if failures < threshold {
		e.mu.Unlock()
		return
	}
	e.connFailures = 0
	e.mu.Unlock()

	e.log.Warn("invalidating desk cache after repeated connect failures",
		zap.Int("failures", failures))
	if err := e.cache.Invalidate(ctx); err != nil {
		e.log.Warn("cache invalidate failed", zap.Error(err))
	}
}

// registerDesk 尽力而为地维护桌子注册表（读模型，不影响控制路径）
func (e *Engine) registerDesk(ctx context.Context, address string, desc *variant.Descriptor) {
	if e.repo == nil {
		return
	}
	now := time.Now()
	desk := &models.Desk{
		Address:         address,
		Variant:         desc.Name,
		LastConnectedAt: &now,
	}
	if err := e.repo.UpsertDesk(ctx, desk); err != nil {
		e.log.Warn("desk registry upsert failed", zap.Error(err))
		return
	}
	if err := e.repo.TouchDeskConnected(ctx, address, now); err != nil {
		e.log.Warn("desk registry touch failed", zap.Error(err))
	}
}

// Disconnect 关闭当前会话（未连接时为空操作）
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return nil
	}
	err := e.sess.Close()
	e.disp = nil
	e.syncSessionGauge()
	return err
}

// Move 点动升降
func (e *Engine) Move(ctx context.Context, direction string) error {
	switch direction {
	case "up":
		return e.dispatchCmd(ctx, variant.CmdUp)
	case "down":
		return e.dispatchCmd(ctx, variant.CmdDown)
	}
	return fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
}

// Stop 停止当前移动
func (e *Engine) Stop(ctx context.Context) error {
	return e.dispatchCmd(ctx, variant.CmdStop)
}

// Preset 移动到记忆位（1=坐姿, 2=站姿, 3/4=自定义）
func (e *Engine) Preset(ctx context.Context, slot int) error {
	var cmd variant.Command
	switch slot {
	case 1:
		cmd = variant.CmdSit
	case 2:
		cmd = variant.CmdStand
	case 3:
		cmd = variant.CmdPreset3
	case 4:
		cmd = variant.CmdPreset4
	default:
		return fmt.Errorf("%w: %d", ErrInvalidPreset, slot)
	}
	return e.dispatchCmd(ctx, cmd)
}

func (e *Engine) dispatchCmd(ctx context.Context, cmd variant.Command) error {
	e.mu.Lock()
	disp := e.disp
	e.mu.Unlock()
	if disp == nil {
		return session.ErrNotReady
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.Dispatch.OperationTimeout)
	defer cancel()

	err := disp.Send(opCtx, cmd)
	result := "ok"
	if err != nil {
		result = "error"
	}
	if e.metrics != nil {
		e.metrics.DispatchTotal.WithLabelValues(string(cmd), result).Inc()
	}

	e.mu.Lock()
	if errors.Is(err, dispatch.ErrTransportFailure) && e.sess != nil {
		// 退避重试耗尽说明链路已死，拆链让下一次连接走完整重连
		_ = e.sess.Close()
		e.disp = nil
	}
	e.syncSessionGauge()
	e.mu.Unlock()
	return err
}

// Status 返回当前引擎快照
func (e *Engine) Status() Status {
	e.mu.Lock()
	sess := e.sess
	address := e.address
	desc := e.desc
	e.mu.Unlock()

	st := Status{State: session.StateDisconnected.String()}
	if sess != nil {
		st.State = sess.State().String()
		st.LastActivity = sess.LastActivity()
		st.Address = address
		if desc != nil {
			st.Variant = desc.Name
		}
	}

	e.heightMu.Lock()
	st.HeightMM = e.lastHeight
	st.HeightKnown = e.heightKnown
	st.Moving = e.moving
	e.heightMu.Unlock()
	return st
}

// DailyStats 某天的活动聚合
func (e *Engine) DailyStats(date time.Time) activity.DailyStat {
	return e.tracker.DailyStats(date)
}

// HourlyStats 某天的24个小时桶聚合
func (e *Engine) HourlyStats(date time.Time) []activity.HourlyStat {
	return e.tracker.HourlyStats(date)
}

// InvalidateCache 操作员显式失效缓存
func (e *Engine) InvalidateCache(ctx context.Context) error {
	e.mu.Lock()
	e.connFailures = 0
	e.mu.Unlock()
	return e.cache.Invalidate(ctx)
}

// SnapshotDaily 把某天的聚合写入读模型快照表（repo未配置时为空操作）
func (e *Engine) SnapshotDaily(ctx context.Context, date time.Time) error {
	if e.repo == nil {
		return nil
	}
	stat := e.tracker.DailyStats(date)
	return e.repo.UpsertDailySnapshot(ctx, &models.DailySnapshot{
		Day:              stat.Date,
		Events:           int32(stat.Events),
		SitTransitions:   int32(stat.SitTransitions),
		StandTransitions: int32(stat.StandTransitions),
		SitSeconds:       int64(stat.SitTime / time.Second),
		StandSeconds:     int64(stat.StandTime / time.Second),
	})
}

// Desks 已注册桌子列表（读模型未启用时为空）
func (e *Engine) Desks(ctx context.Context, limit, offset int) ([]models.Desk, error) {
	if e.repo == nil {
		return nil, nil
	}
	return e.repo.ListDesks(ctx, limit, offset)
}

// DeskByAddress 按蓝牙地址查询注册记录
func (e *Engine) DeskByAddress(ctx context.Context, address string) (*models.Desk, error) {
	if e.repo == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return e.repo.GetDeskByAddress(ctx, address)
}

// DailySnapshots 最近持久化的日报快照（按日期倒序）
func (e *Engine) DailySnapshots(ctx context.Context, limit int) ([]models.DailySnapshot, error) {
	if e.repo == nil {
		return nil, nil
	}
	return e.repo.ListDailySnapshots(ctx, limit)
}

// DailySnapshot 某天持久化的日报快照
func (e *Engine) DailySnapshot(ctx context.Context, day time.Time) (*models.DailySnapshot, error) {
	if e.repo == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return e.repo.GetDailySnapshot(ctx, day)
}

// handleFrame 上行帧回调：高度遥测与移动推断
// 高度连续变化视为移动开始，静默moveQuietPeriod后视为移动结束。
func (e *Engine) handleFrame(f *jiecang.Frame) {
	if e.metrics != nil {
		e.metrics.FramesTotal.Inc()
	}

	e.mu.Lock()
	desc := e.desc
	e.mu.Unlock()
	if desc == nil || !desc.ReportsHeight {
		return
	}

	height, ok := jiecang.DecodeHeight(f)
	if !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.HeightGauge.Set(float64(height))
	}

	e.heightMu.Lock()
	defer e.heightMu.Unlock()

	changed := e.heightKnown && height != e.lastHeight
	e.lastHeight = height
	e.heightKnown = true

	if changed && !e.moving {
		e.moving = true
		e.tracker.Record(context.Background(), activity.Event{
			Kind:        activity.KindMoveStart,
			HeightHint:  height,
			HeightKnown: true,
		})
	}
	if changed {
		if e.moveTimer != nil {
			e.moveTimer.Stop()
		}
		e.moveTimer = time.AfterFunc(e.moveQuiet, e.finishMove)
	}
}

// finishMove 移动静默期到期，记录移动结束
func (e *Engine) finishMove() {
	e.heightMu.Lock()
	if !e.moving {
		e.heightMu.Unlock()
		return
	}
	e.moving = false
	height := e.lastHeight
	e.heightMu.Unlock()

	e.tracker.Record(context.Background(), activity.Event{
		Kind:        activity.KindMoveStop,
		HeightHint:  height,
		HeightKnown: true,
	})
}

func (e *Engine) countScan(result string) {
	if e.metrics != nil {
		e.metrics.ScanTotal.WithLabelValues(result).Inc()
	}
}

func (e *Engine) countConnect(result string) {
	if e.metrics != nil {
		e.metrics.ConnectTotal.WithLabelValues(result).Inc()
	}
}

func (e *Engine) syncSessionGauge() {
	if e.metrics == nil {
		return
	}
	st := session.StateDisconnected
	if e.sess != nil {
		st = e.sess.State()
	}
	e.metrics.SessionState.Set(float64(st))
}
