package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uplift-tools/deskd/internal/ble"
	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
	"github.com/uplift-tools/deskd/internal/variant"
)

// State 会话状态机状态
// Disconnected → Connecting → Waking → Ready ⇄ Sending；
// 单次写失败留在Ready（见Submit），Close或上层拆链才回到Disconnected
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaking
	StateReady
	StateSending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaking:
		return "waking"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	}
	return "unknown"
}

var (
	// ErrNotReady 会话不在Ready/Sending状态，帧绝不会到达传输层
	ErrNotReady = errors.New("session not ready")
	// ErrAlreadyConnected 会话已存在连接，需先Close
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrConnectFailed 链路建立失败（发现类错误，计入缓存失效阈值）
	ErrConnectFailed = errors.New("connect failed")
	// ErrTransport 已建立链路上的单次写失败。链路保留，允许原地重试；
	// 重试耗尽后是否拆链由上层决定。
	ErrTransport = errors.New("transport failure")
)

const (
	defaultWakeTimeout  = 300 * time.Millisecond
	defaultWakeRepeat   = 3
	defaultWakeInterval = 100 * time.Millisecond
)

// Session 管理与单张桌子的连接生命周期，每次连接尝试创建一个实例状态。
// 唤醒序列完成前不接受任何命令帧。
type Session struct {
	transport ble.Transport
	desc      *variant.Descriptor
	log       *zap.Logger

	wakeTimeout  time.Duration
	wakeRepeat   int
	wakeInterval time.Duration
	onFrame      func(*jiecang.Frame)

	id           string
	state        atomic.Int32
	lastActivity atomic.Int64 // unix nano

	mu      sync.Mutex // 串行化Submit与链路变更（队列深度1）
	link    ble.Link
	decoder *jiecang.StreamDecoder
	wakeC   chan struct{}
}

// Option 会话配置项
type Option func(*Session)

// WithWakeTimeout 设置唤醒等待上限。部分批次不回任何唤醒确认，
// 超时后无条件进入Ready（保守兜底，不假设确认一定会来）。
func WithWakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.wakeTimeout = d
		}
	}
}

// WithWakeSequence 设置唤醒帧连发次数与间隔
func WithWakeSequence(repeat int, interval time.Duration) Option {
	return func(s *Session) {
		if repeat > 0 {
			s.wakeRepeat = repeat
		}
		if interval > 0 {
			s.wakeInterval = interval
		}
	}
}

// WithOnFrame 安装上行帧回调（链路在线期间无论会话状态都会触发）
func WithOnFrame(fn func(*jiecang.Frame)) Option {
	return func(s *Session) { s.onFrame = fn }
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// New 创建会话（不发起连接）
func New(transport ble.Transport, desc *variant.Descriptor, opts ...Option) *Session {
	s := &Session{
		transport:    transport,
		desc:         desc,
		log:          zap.NewNop(),
		wakeTimeout:  defaultWakeTimeout,
		wakeRepeat:   defaultWakeRepeat,
		wakeInterval: defaultWakeInterval,
		id:           uuid.New().String()[:8],
	}
	for _, opt := range opts {
		opt(s)
	}
	if !desc.RequiresWake {
		s.wakeRepeat = 0
	}
	return s
}

// ID 会话标识（诊断用）
func (s *Session) ID() string { return s.id }

// Variant 返回会话绑定的硬件系列描述符
func (s *Session) Variant() *variant.Descriptor { return s.desc }

// State 返回当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActivity 最近一次收到可解析上行帧的时间；零值表示尚未收到
func (s *Session) LastActivity() time.Time {
	n := s.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("session state",
			zap.String("session", s.id),
			zap.String("from", old.String()),
			zap.String("to", st.String()))
	}
}

// Connect 建立链路并执行唤醒握手
// 取消是协作式的：每个内部步骤之间检查ctx，中断后会话保证回到Disconnected。
func (s *Session) Connect(ctx context.Context, address string) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	link, err := s.transport.Connect(ctx, address)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %s: %v", ErrConnectFailed, address, err)
	}
	if ctx.Err() != nil {
		_ = link.Disconnect()
		s.setState(StateDisconnected)
		return ctx.Err()
	}

	s.mu.Lock()
	s.link = link
	s.decoder = jiecang.NewStreamDecoder()
	s.wakeC = make(chan struct{}, 1)
	s.mu.Unlock()

	// 订阅状态通知。不上报高度的系列订阅可能失败，不视为致命。
	if err := link.Subscribe(s.desc.ServiceUUID, s.desc.OutputCharUUID, s.handleNotify); err != nil {
		s.log.Warn("notification subscribe failed",
			zap.String("session", s.id),
			zap.String("variant", s.desc.Name),
			zap.Error(err))
	}

	if s.desc.RequiresWake {
		if err := s.wake(ctx); err != nil {
			s.teardown()
			return err
		}
	}

	s.setState(StateReady)
	s.log.Info("session ready",
		zap.String("session", s.id),
		zap.String("address", address),
		zap.String("variant", s.desc.Name))
	return nil
}

// wake 连发唤醒帧后等待确认或超时
// 唤醒帧写失败可容忍（硬件经常吞掉第一包）；确认缺失时按超时兜底推进。
func (s *Session) wake(ctx context.Context) error {
	s.setState(StateWaking)
	wakeFrame := jiecang.MustEncode(jiecang.OpWake, nil)

	for i := 0; i < s.wakeRepeat; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeInput(wakeFrame); err != nil {
			s.log.Debug("wake frame write failed", zap.String("session", s.id), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.wakeInterval):
		}
	}

	select {
	case <-s.wakeC:
		s.log.Debug("wake acknowledged", zap.String("session", s.id))
	case <-time.After(s.wakeTimeout):
		// 静默唤醒的批次走到这里，属正常路径
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Submit 向桌子提交一个已编码命令帧
// 仅Ready状态接受提交；提交期间状态为Sending，天然互斥（单物理链路）。
// GATT偶发吞写，单次失败不拆链：返回ErrTransport并回到Ready，
// 让调度器按退避策略原地重试。
func (s *Session) Submit(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateSending)) {
		return ErrNotReady
	}

	err := s.link.WriteCharacteristic(s.desc.ServiceUUID, s.desc.InputCharUUID, frame)
	s.state.CompareAndSwap(int32(StateSending), int32(StateReady))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close 显式关闭，任何状态下都允许
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.link != nil {
		_ = s.link.Disconnect()
		s.link = nil
	}
	s.decoder = nil
	s.setState(StateDisconnected)
}

// writeInput 不经状态检查直接写命令特征（仅供唤醒序列内部使用）
func (s *Session) writeInput(frame []byte) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrNotReady
	}
	return link.WriteCharacteristic(s.desc.ServiceUUID, s.desc.InputCharUUID, frame)
}

// handleNotify 上行通知字节流入口
// 切帧失败的字节被就地丢弃（硬件偶发半包）；可解析帧无论会话状态都向上转发。
func (s *Session) handleNotify(data []byte) {
	s.mu.Lock()
	decoder := s.decoder
	wakeC := s.wakeC
	s.mu.Unlock()
	if decoder == nil {
		return
	}

	frames := decoder.Feed(data)
	if len(frames) == 0 {
		return
	}
	s.lastActivity.Store(time.Now().UnixNano())

	if s.State() == StateWaking && wakeC != nil {
		select {
		case wakeC <- struct{}{}:
		default:
		}
	}
	if s.onFrame != nil {
		for _, fr := range frames {
			s.onFrame(fr)
		}
	}
}
