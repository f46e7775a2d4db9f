package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/uplift-tools/deskd/internal/activity"
	"github.com/uplift-tools/deskd/internal/ble"
	cfgpkg "github.com/uplift-tools/deskd/internal/config"
	"github.com/uplift-tools/deskd/internal/discovery"
	"github.com/uplift-tools/deskd/internal/dispatch"
	appmetrics "github.com/uplift-tools/deskd/internal/metrics"
	"github.com/uplift-tools/deskd/internal/protocol/jiecang"
	"github.com/uplift-tools/deskd/internal/session"
	"github.com/uplift-tools/deskd/internal/variant"
)

type fakeLink struct {
	mu         sync.Mutex
	writes     [][]byte
	failWrites int // >0 接下来该次数的写失败；<0 持续失败
	notify     func([]byte)
}

func (l *fakeLink) WriteCharacteristic(_, _ string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWrites != 0 {
		if l.failWrites > 0 {
			l.failWrites--
		}
		return errors.New("gatt write failed")
	}
	dup := make([]byte, len(data))
	copy(dup, data)
	l.writes = append(l.writes, dup)
	return nil
}

func (l *fakeLink) setFailWrites(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failWrites = n
}

func (l *fakeLink) Subscribe(_, _ string, notify func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notify = notify
	return nil
}

func (l *fakeLink) Disconnect() error { return nil }

func (l *fakeLink) push(data []byte) {
	l.mu.Lock()
	notify := l.notify
	l.mu.Unlock()
	if notify != nil {
		notify(data)
	}
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

type fakeTransport struct {
	mu       sync.Mutex
	link     *fakeLink
	connErr  error
	advs     []ble.Advertisement
	scans    int
	connects int
}

func (t *fakeTransport) Scan(ctx context.Context, found func(ble.Advertisement)) error {
	t.mu.Lock()
	t.scans++
	advs := t.advs
	t.mu.Unlock()
	for _, adv := range advs {
		found(adv)
	}
	<-ctx.Done()
	return nil
}

func (t *fakeTransport) Connect(_ context.Context, _ string) (ble.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connErr != nil {
		return nil, t.connErr
	}
	return t.link, nil
}

type memCache struct {
	mu   sync.Mutex
	desk *discovery.CachedDesk
}

func (c *memCache) Load(_ context.Context) (*discovery.CachedDesk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desk == nil {
		return nil, discovery.ErrCacheMiss
	}
	return c.desk, nil
}

func (c *memCache) Save(_ context.Context, desk *discovery.CachedDesk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desk = desk
	return nil
}

func (c *memCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desk = nil
	return nil
}

func testConfig() *cfgpkg.Config {
	return &cfgpkg.Config{
		BLE: cfgpkg.BLEConfig{
			ScanTimeout:    50 * time.Millisecond,
			ConnectTimeout: time.Second,
		},
		Wake: cfgpkg.WakeConfig{
			Timeout:  20 * time.Millisecond,
			Repeat:   1,
			Interval: time.Millisecond,
		},
		Dispatch: cfgpkg.DispatchConfig{
			SendGap:          time.Millisecond,
			MaxAttempts:      2,
			BackoffBase:      time.Millisecond,
			OperationTimeout: time.Second,
		},
		Cache: cfgpkg.CacheConfig{FailureThreshold: 2},
	}
}

func newTestEngine(t *testing.T, tr *fakeTransport, cache discovery.Store, opts ...Option) (*Engine, *activity.Tracker) {
	t.Helper()
	registry := variant.NewRegistry("99B319")
	scanner := discovery.NewScanner(tr, registry, nil)
	tracker := activity.NewTracker()
	e := New(testConfig(), tr, registry, scanner, cache, tracker, opts...)
	e.moveQuiet = 30 * time.Millisecond
	return e, tracker
}

func ff00Adv() ble.Advertisement {
	return ble.Advertisement{
		Address:      "DD:C9:A9:99:B3:19",
		LocalName:    "DeskControl-99B319",
		ServiceUUIDs: []string{variant.NormalizeUUID16(0xFF00)},
		RSSI:         -42,
	}
}

func TestConnectViaCacheSkipsScan(t *testing.T) {
	tr := &fakeTransport{link: &fakeLink{}}
	cache := &memCache{desk: &discovery.CachedDesk{
		Address: "DD:C9:A9:99:B3:19",
		Variant: "JIECANG_0xFF00",
		SavedAt: time.Now(),
	}}
	e, _ := newTestEngine(t, tr, cache)

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if tr.scans != 0 {
		t.Fatalf("scans = %d, cached target must not trigger discovery", tr.scans)
	}
	if st := e.Status(); st.State != "ready" || st.Variant != "JIECANG_0xFF00" {
		t.Fatalf("status = %+v", st)
	}
}

func TestConnectDiscoversAndSavesCache(t *testing.T) {
	tr := &fakeTransport{link: &fakeLink{}, advs: []ble.Advertisement{ff00Adv()}}
	cache := &memCache{}
	e, _ := newTestEngine(t, tr, cache)

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if tr.scans != 1 {
		t.Fatalf("scans = %d, expected 1", tr.scans)
	}
	cached, err := cache.Load(context.Background())
	if err != nil {
		t.Fatalf("cache not written: %v", err)
	}
	if cached.Address != "DD:C9:A9:99:B3:19" || cached.Variant != "JIECANG_0xFF00" {
		t.Fatalf("cached = %+v", cached)
	}
}

func TestRepeatedConnectFailureInvalidatesCache(t *testing.T) {
	tr := &fakeTransport{connErr: errors.New("le-connection-abort")}
	cache := &memCache{desk: &discovery.CachedDesk{
		Address: "DD:C9:A9:99:B3:19",
		Variant: "JIECANG_0xFF00",
	}}
	e, _ := newTestEngine(t, tr, cache)

	for i := 0; i < 2; i++ {
		err := e.Connect(context.Background())
		if !errors.Is(err, session.ErrConnectFailed) {
			t.Fatalf("Connect() error = %v, expected ErrConnectFailed", err)
		}
	}
	// 阈值2：第二次失败后缓存必须已失效
	if _, err := cache.Load(context.Background()); !errors.Is(err, discovery.ErrCacheMiss) {
		t.Fatalf("cache still present after threshold failures: %v", err)
	}
}

func TestNoDeskFound(t *testing.T) {
	tr := &fakeTransport{link: &fakeLink{}}
	e, _ := newTestEngine(t, tr, &memCache{})

	err := e.Connect(context.Background())
	if !errors.Is(err, discovery.ErrNotFound) {
		t.Fatalf("Connect() error = %v, expected ErrNotFound", err)
	}
}

func TestPresetDispatchAndSyntheticEvent(t *testing.T) {
	link := &fakeLink{}
	tr := &fakeTransport{link: link, advs: []ble.Advertisement{ff00Adv()}}
	e, tracker := newTestEngine(t, tr, &memCache{})

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	wakeWrites := link.writeCount()

	if err := e.Preset(context.Background(), 2); err != nil {
		t.Fatalf("Preset() error: %v", err)
	}
	// FF00系列连发2次
	if got := link.writeCount() - wakeWrites; got != 2 {
		t.Fatalf("command writes = %d, expected 2", got)
	}
	events := tracker.Events()
	if len(events) != 1 || events[0].Kind != activity.KindStand {
		t.Fatalf("events = %+v, expected single STAND", events)
	}

	if err := e.Preset(context.Background(), 9); !errors.Is(err, ErrInvalidPreset) {
		t.Fatalf("Preset(9) error = %v", err)
	}
}

func TestCommandsRequireConnection(t *testing.T) {
	tr := &fakeTransport{link: &fakeLink{}}
	e, _ := newTestEngine(t, tr, &memCache{})

	if err := e.Stop(context.Background()); !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("Stop() before connect = %v, expected ErrNotReady", err)
	}
	if err := e.Move(context.Background(), "sideways"); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("Move(sideways) error = %v", err)
	}
}

func TestHeightTelemetryAndMoveInference(t *testing.T) {
	link := &fakeLink{}
	tr := &fakeTransport{link: link, advs: []ble.Advertisement{ff00Adv()}}
	e, tracker := newTestEngine(t, tr, &memCache{})

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	heightFrame := func(mm uint16) []byte {
		return jiecang.MustEncode(0x01, []byte{0x00, byte(mm >> 8), byte(mm)})
	}
	link.push(heightFrame(720))
	link.push(heightFrame(725))
	link.push(heightFrame(731))

	st := e.Status()
	if !st.HeightKnown || st.HeightMM != 731 {
		t.Fatalf("status height = %+v", st)
	}
	if !st.Moving {
		t.Fatal("height changes should mark the desk as moving")
	}

	// 静默期过后推断移动结束
	time.Sleep(100 * time.Millisecond)
	if e.Status().Moving {
		t.Fatal("quiet period elapsed, desk should no longer be moving")
	}

	kinds := []activity.Kind{}
	for _, ev := range tracker.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 2 || kinds[0] != activity.KindMoveStart || kinds[1] != activity.KindMoveStop {
		t.Fatalf("events = %v, expected [MOVE_START MOVE_STOP]", kinds)
	}
}

// 单次吞写被调度器重试吸收，调用方看到的是成功，会话保持在线
func TestCommandSurvivesSingleWriteFailure(t *testing.T) {
	link := &fakeLink{}
	tr := &fakeTransport{link: link, advs: []ble.Advertisement{ff00Adv()}}
	e, _ := newTestEngine(t, tr, &memCache{})

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	link.setFailWrites(1)
	if err := e.Preset(context.Background(), 2); err != nil {
		t.Fatalf("Preset() error = %v, expected retry to recover", err)
	}
	if st := e.Status(); st.State != "ready" {
		t.Fatalf("state = %s, expected ready after recovered send", st.State)
	}
}

// 退避重试耗尽后引擎拆链：错误保持传输类别，后续命令快速失败
func TestTransportExhaustionTearsDownSession(t *testing.T) {
	link := &fakeLink{}
	tr := &fakeTransport{link: link, advs: []ble.Advertisement{ff00Adv()}}
	e, _ := newTestEngine(t, tr, &memCache{})

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	link.setFailWrites(-1)

	err := e.Stop(context.Background())
	if !errors.Is(err, dispatch.ErrTransportFailure) {
		t.Fatalf("Stop() error = %v, expected ErrTransportFailure", err)
	}
	if errors.Is(err, session.ErrNotReady) {
		t.Fatalf("Stop() error = %v, exhausted retries must not read as lifecycle error", err)
	}
	if st := e.Status(); st.State != "disconnected" {
		t.Fatalf("state = %s, expected disconnected after exhausted retries", st.State)
	}
	if err := e.Stop(context.Background()); !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("Stop() after teardown = %v, expected ErrNotReady", err)
	}
}

// 连接进行中（扫描窗口内）状态查询不被阻塞
func TestStatusNotBlockedDuringConnect(t *testing.T) {
	tr := &fakeTransport{link: &fakeLink{}}
	e, _ := newTestEngine(t, tr, &memCache{})

	connDone := make(chan error, 1)
	go func() { connDone <- e.Connect(context.Background()) }()

	statusDone := make(chan Status, 1)
	go func() { statusDone <- e.Status() }()

	select {
	case st := <-statusDone:
		if st.State != "disconnected" {
			t.Fatalf("status during connect = %+v", st)
		}
	case <-time.After(25 * time.Millisecond):
		t.Fatal("Status() blocked while a connect was in flight")
	}

	// 连接中途命令快速失败，不排队等扫描
	if err := e.Stop(context.Background()); !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("Stop() during connect = %v, expected ErrNotReady", err)
	}

	if err := <-connDone; !errors.Is(err, discovery.ErrNotFound) {
		t.Fatalf("Connect() error = %v, expected ErrNotFound", err)
	}
}

func TestScanResultMetricLabels(t *testing.T) {
	m := appmetrics.NewAppMetrics(appmetrics.NewRegistry())

	// 缓存命中：只计hit
	cache := &memCache{desk: &discovery.CachedDesk{
		Address: "DD:C9:A9:99:B3:19",
		Variant: "JIECANG_0xFF00",
	}}
	e, _ := newTestEngine(t, &fakeTransport{link: &fakeLink{}}, cache, WithMetrics(m))
	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := testutil.ToFloat64(m.ScanTotal.WithLabelValues("hit")); got != 1 {
		t.Fatalf("hit = %v, expected 1", got)
	}

	// 扫描成功：只计ok
	e2, _ := newTestEngine(t, &fakeTransport{link: &fakeLink{}, advs: []ble.Advertisement{ff00Adv()}},
		&memCache{}, WithMetrics(m))
	if err := e2.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := testutil.ToFloat64(m.ScanTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok = %v, expected 1", got)
	}

	// 无桌子：只计not_found，空窗口不算扫描错误
	e3, _ := newTestEngine(t, &fakeTransport{link: &fakeLink{}}, &memCache{}, WithMetrics(m))
	if err := e3.Connect(context.Background()); !errors.Is(err, discovery.ErrNotFound) {
		t.Fatalf("Connect() error = %v, expected ErrNotFound", err)
	}
	if got := testutil.ToFloat64(m.ScanTotal.WithLabelValues("not_found")); got != 1 {
		t.Fatalf("not_found = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(m.ScanTotal.WithLabelValues("error")); got != 0 {
		t.Fatalf("error = %v, expected 0", got)
	}
}
