package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uplift-tools/deskd/internal/ble"
	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
	"github.com/uplift-tools/deskd/internal/variant"
)

type fakeLink struct {
	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
	notify    func([]byte)
}

func (l *fakeLink) WriteCharacteristic(_, _ string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWrite {
		return errors.New("gatt write failed")
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	l.writes = append(l.writes, dup)
	return nil
}

func (l *fakeLink) Subscribe(_, _ string, notify func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = notify
	return nil
}

func (l *fakeLink) Disconnect() error { return nil }

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *fakeLink) subscribed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify != nil
}

func (l *fakeLink) push(data []byte) {
	l.mu.Lock()
	notify := l.notify
	l.mu.Unlock()
	if notify != nil {
		notify(data)
	}
}

type fakeTransport struct {
	link    *fakeLink
	connErr error
}

func (t *fakeTransport) Scan(ctx context.Context, _ func(ble.Advertisement)) error {
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Connect(_ context.Context, _ string) (ble.Link, error) {
	if t.connErr != nil {
		return nil, t.connErr
	}
	return t.link, nil
}

func ff00Descriptor(t *testing.T) *variant.Descriptor {
	t.Helper()
	d, err := variant.NewRegistry("").Resolve(variant.Signature{
		ServiceUUIDs: []string{variant.NormalizeUUID16(0xFF00)},
	})
	if err != nil {
		t.Fatalf("resolve descriptor: %v", err)
	}
	return d
}

func newTestSession(t *testing.T, tr *fakeTransport, opts ...Option) *Session {
	t.Helper()
	base := []Option{
		WithWakeTimeout(30 * time.Millisecond),
		WithWakeSequence(3, time.Millisecond),
	}
	return New(tr, ff00Descriptor(t), append(base, opts...)...)
}

func TestSubmitBeforeConnect(t *testing.T) {
	s := newTestSession(t, &fakeTransport{link: &fakeLink{}})

	err := s.Submit(context.Background(), jiecang.MustEncode(jiecang.OpStop, nil))
	if err != ErrNotReady {
		t.Fatalf("Submit() error = %v, expected ErrNotReady", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, expected disconnected", s.State())
	}
}

func TestConnectRunsWakeSequence(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, &fakeTransport{link: link})

	if err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %s, expected ready", s.State())
	}
	// 唤醒帧连发3次
	if link.writeCount() != 3 {
		t.Fatalf("wake writes = %d, expected 3", link.writeCount())
	}
	wake := jiecang.MustEncode(jiecang.OpWake, nil)
	for i, w := range link.writes {
		if string(w) != string(wake) {
			t.Fatalf("write %d = % X, expected wake frame", i, w)
		}
	}
}

func TestWakeEarlyAcknowledgment(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, &fakeTransport{link: link}, WithWakeTimeout(2*time.Second))

	go func() {
		// 等订阅就绪后注入一个可解析上行帧，视为唤醒确认
		for !link.subscribed() {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		link.push(jiecang.MustEncode(0x01, []byte{0x00, 0x2E, 0x0F}))
	}()

	start := time.Now()
	if err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wake did not short-circuit on inbound frame, took %s", elapsed)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %s, expected ready", s.State())
	}
}

func TestConnectFailureIsDiscoveryClass(t *testing.T) {
	s := newTestSession(t, &fakeTransport{connErr: errors.New("le-connection-abort")})

	err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, expected ErrConnectFailed", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, expected disconnected", s.State())
	}
}

func TestConnectCancelledDuringWake(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, &fakeTransport{link: link}, WithWakeTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx, "DD:C9:A9:99:B3:19")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, expected deadline exceeded", err)
	}
	// 取消后不允许停留在半初始化状态
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, expected disconnected", s.State())
	}
}

func TestSubmitTransportFailureKeepsLink(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, &fakeTransport{link: link})

	if err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	link.mu.Lock()
	link.failWrite = true
	link.mu.Unlock()

	err := s.Submit(context.Background(), jiecang.MustEncode(jiecang.OpStop, nil))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Submit() error = %v, expected ErrTransport", err)
	}
	if errors.Is(err, ErrNotReady) {
		t.Fatalf("Submit() error = %v, transport failure must not read as lifecycle error", err)
	}
	// 吞写不拆链：会话回到Ready，原地重试可以成功
	if s.State() != StateReady {
		t.Fatalf("state = %s, expected ready after transient write failure", s.State())
	}

	link.mu.Lock()
	link.failWrite = false
	link.mu.Unlock()
	if err := s.Submit(context.Background(), jiecang.MustEncode(jiecang.OpStop, nil)); err != nil {
		t.Fatalf("Submit() retry error: %v", err)
	}
}

func TestSubmitAndCloseLifecycle(t *testing.T) {
	link := &fakeLink{}
	s := newTestSession(t, &fakeTransport{link: link})

	if err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	wakeWrites := link.writeCount()

	frame := jiecang.MustEncode(jiecang.OpPreset2, nil)
	if err := s.Submit(context.Background(), frame); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if link.writeCount() != wakeWrites+1 {
		t.Fatalf("writes = %d, expected %d", link.writeCount(), wakeWrites+1)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %s, expected ready after send", s.State())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %s, expected disconnected after close", s.State())
	}
	if err := s.Submit(context.Background(), frame); err != ErrNotReady {
		t.Fatalf("Submit() after close = %v, expected ErrNotReady", err)
	}
}

func TestNotificationsForwardedAndGarbageDropped(t *testing.T) {
	link := &fakeLink{}
	var (
		mu     sync.Mutex
		frames []*jiecang.Frame
	)
	s := newTestSession(t, &fakeTransport{link: link}, WithOnFrame(func(f *jiecang.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}))

	if err := s.Connect(context.Background(), "DD:C9:A9:99:B3:19"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.push([]byte{0xDE, 0xAD})
	link.push(jiecang.MustEncode(0x01, []byte{0x00, 0x2E, 0x0F}))

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 1 || frames[0].Opcode != 0x01 {
		t.Fatalf("forwarded frames = %+v, expected exactly the valid one", frames)
	}
	if s.LastActivity().IsZero() {
		t.Fatal("LastActivity should be set after a decodable frame")
	}
}
