package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uplift-tools/deskd/internal/ble"
	"github.com/uplift-tools/deskd/internal/variant"
)

type fakeTransport struct {
	advs []ble.Advertisement
}

func (f *fakeTransport) Scan(ctx context.Context, found func(ble.Advertisement)) error {
	for _, a := range f.advs {
		found(a)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Connect(context.Context, string) (ble.Link, error) {
	return nil, errors.New("not implemented")
}

func deskAdv(addr string, family uint16, rssi int16) ble.Advertisement {
	return ble.Advertisement{
		Address:      addr,
		ServiceUUIDs: []string{variant.NormalizeUUID16(family)},
		RSSI:         rssi,
	}
}

func TestScanFiltersUnresolvable(t *testing.T) {
	tr := &fakeTransport{advs: []ble.Advertisement{
		{Address: "AA:00:00:00:00:01", LocalName: "JBL Speaker", RSSI: -40},
		deskAdv("DD:C9:A9:99:B3:19", 0xFF00, -60),
		{Address: "AA:00:00:00:00:02", ServiceUUIDs: []string{variant.NormalizeUUID16(0x180F)}},
	}}
	s := NewScanner(tr, variant.NewRegistry(""), nil)

	got, err := s.Scan(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 1 || got[0].Address != "DD:C9:A9:99:B3:19" {
		t.Fatalf("Scan() = %+v, expected only the desk", got)
	}
}

func TestFindBestPrefersStrongestSignal(t *testing.T) {
	tr := &fakeTransport{advs: []ble.Advertisement{
		deskAdv("DD:C9:A9:99:B3:19", 0xFF00, -80),
		deskAdv("DD:C9:A9:99:B3:20", 0xFE60, -45),
	}}
	s := NewScanner(tr, variant.NewRegistry(""), nil)

	addr, desc, err := s.FindBest(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("FindBest() error: %v", err)
	}
	if addr != "DD:C9:A9:99:B3:20" || desc.Family != variant.FamilyFE60 {
		t.Fatalf("FindBest() = %s/%s, expected the stronger FE60 desk", addr, desc.Name)
	}
}

// 无信号信息时首见者胜出，重复执行结果一致
func TestFindBestFirstSeenTieBreak(t *testing.T) {
	tr := &fakeTransport{advs: []ble.Advertisement{
		deskAdv("DD:C9:A9:99:B3:19", 0xFF00, 0),
		deskAdv("DD:C9:A9:99:B3:20", 0xFF12, 0),
	}}
	s := NewScanner(tr, variant.NewRegistry(""), nil)

	for i := 0; i < 5; i++ {
		addr, desc, err := s.FindBest(context.Background(), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("FindBest() error: %v", err)
		}
		if addr != "DD:C9:A9:99:B3:19" || desc.Family != variant.FamilyFF00 {
			t.Fatalf("run %d: FindBest() = %s, expected first-seen desk", i, addr)
		}
	}
}

func TestFindBestNotFound(t *testing.T) {
	s := NewScanner(&fakeTransport{}, variant.NewRegistry(""), nil)

	if _, _, err := s.FindBest(context.Background(), 20*time.Millisecond); err != ErrNotFound {
		t.Fatalf("FindBest() error = %v, expected ErrNotFound", err)
	}
}

func TestScanDeduplicatesAndRefreshesRSSI(t *testing.T) {
	tr := &fakeTransport{advs: []ble.Advertisement{
		deskAdv("DD:C9:A9:99:B3:19", 0xFF00, 0),
		deskAdv("DD:C9:A9:99:B3:19", 0xFF00, -55),
	}}
	s := NewScanner(tr, variant.NewRegistry(""), nil)

	got, err := s.Scan(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(got) != 1 || got[0].RSSI != -55 {
		t.Fatalf("Scan() = %+v, expected single candidate with refreshed rssi", got)
	}
}

func TestScanHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewScanner(&fakeTransport{}, variant.NewRegistry(""), nil)

	if _, err := s.Scan(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Scan() error = %v, expected context.Canceled", err)
	}
}
