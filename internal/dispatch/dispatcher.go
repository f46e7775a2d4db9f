package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
	"github.com/uplift-tools/deskd/internal/session"
	"github.com/uplift-tools/deskd/internal/variant"
)

var (
	// ErrUnknownCommand 当前硬件系列没有该逻辑命令的命令码
	ErrUnknownCommand = errors.New("unknown command for variant")
	// ErrTransportFailure 重试耗尽后仍然发送失败
	ErrTransportFailure = errors.New("dispatch transport failure")
)

// Submitter 命令帧提交端（由Session实现）
type Submitter interface {
	Submit(ctx context.Context, frame []byte) error
	State() session.State
}

// EventSink 合成事件出口（由Activity Tracker实现）
type EventSink interface {
	RecordCommand(cmd variant.Command, at time.Time)
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 100 * time.Millisecond
	defaultSendGap     = 150 * time.Millisecond
)

// Dispatcher 把逻辑命令翻译为协议帧并经会话下发
// 单实例串行发送（队列深度1），发送间隔由令牌桶限速（硬件去抖）。
type Dispatcher struct {
	desc    *variant.Descriptor
	sess    Submitter
	sink    EventSink
	log     *zap.Logger
	limiter *rate.Limiter

	maxAttempts int
	backoffBase time.Duration
	sleep       func(context.Context, time.Duration) error

	mu sync.Mutex
}

// Option 调度器配置项
type Option func(*Dispatcher)

// WithRetry 设置单帧发送的重试上限与退避基数
func WithRetry(maxAttempts int, backoffBase time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoffBase > 0 {
			d.backoffBase = backoffBase
		}
	}
}

// WithSendGap 设置连发帧之间的最小间隔
func WithSendGap(gap time.Duration) Option {
	return func(d *Dispatcher) {
		if gap > 0 {
			d.limiter = rate.NewLimiter(rate.Every(gap), 1)
		}
	}
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithEventSink 安装合成事件出口
func WithEventSink(sink EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// New 创建调度器
func New(desc *variant.Descriptor, sess Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		desc:        desc,
		sess:        sess,
		log:         zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Every(defaultSendGap), 1),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send 下发一个逻辑命令
// 同一帧按系列要求连发RepeatSendCount次；单次发送失败按指数退避重试，
// 重试耗尽返回ErrTransportFailure。SessionNotReady属生命周期问题，立即上浮不重试。
func (d *Dispatcher) Send(ctx context.Context, cmd variant.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	opcode, ok := d.desc.Opcode(cmd)
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownCommand, cmd, d.desc.Name)
	}

	// 出站编码错误属编程错误，入参已验证，此处不可达
	frame, err := jiecang.Encode(opcode, nil)
	if err != nil {
		return err
	}

	repeat := d.desc.RepeatSendCount
	if repeat < 1 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := d.sendOnce(ctx, frame); err != nil {
			return fmt.Errorf("command %s send %d/%d: %w", cmd, i+1, repeat, err)
		}
	}

	d.log.Info("command dispatched",
		zap.String("command", string(cmd)),
		zap.String("variant", d.desc.Name),
		zap.Int("writes", repeat))

	// 无高度反馈的系列也能记账：坐/站命令成功即产生合成事件
	if d.sink != nil && (cmd == variant.CmdSit || cmd == variant.CmdStand) {
		d.sink.RecordCommand(cmd, time.Now())
	}
	return nil
}

func (d *Dispatcher) sendOnce(ctx context.Context, frame []byte) error {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.sess.Submit(ctx, frame)
		if err == nil {
			return nil
		}
		if errors.Is(err, session.ErrNotReady) || errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		if attempt < d.maxAttempts {
			backoff := d.backoffBase << (attempt - 1)
			d.log.Warn("send attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrTransportFailure, d.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
