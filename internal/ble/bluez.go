package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

const defaultConnectTimeout = 20 * time.Second

// Adapter implements Transport on top of tinygo.org/x/bluetooth (BlueZ on
// Linux). The advertisement payload API only answers membership queries, so
// the adapter is constructed with the set of service UUIDs worth reporting.
type Adapter struct {
	adapter   *bluetooth.Adapter
	known     []bluetooth.UUID
	knownStr  []string
	log       *zap.Logger
	enableErr error
	enable    sync.Once
}

// NewAdapter wraps the default system adapter. knownServiceUUIDs is the set
// of service UUIDs that Scan reports in Advertisement.ServiceUUIDs.
func NewAdapter(knownServiceUUIDs []string, log *zap.Logger) (*Adapter, error) {
	a := &Adapter{
		adapter:  bluetooth.DefaultAdapter,
		knownStr: knownServiceUUIDs,
		log:      log,
	}
	for _, s := range knownServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("parse service uuid %q: %w", s, err)
		}
		a.known = append(a.known, u)
	}
	return a, nil
}

func (a *Adapter) ensureEnabled() error {
	a.enable.Do(func() {
		a.enableErr = a.adapter.Enable()
	})
	return a.enableErr
}

// Scan reports advertisements until ctx is done.
func (a *Adapter) Scan(ctx context.Context, found func(Advertisement)) error {
	if err := a.ensureEnabled(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
		adv := Advertisement{
			Address:   res.Address.String(),
			LocalName: res.LocalName(),
			RSSI:      res.RSSI,
		}
		for i, u := range a.known {
			if res.HasServiceUUID(u) {
				adv.ServiceUUIDs = append(adv.ServiceUUIDs, a.knownStr[i])
			}
		}
		found(adv)
	})
	if err != nil && ctx.Err() != nil {
		// StopScan races with the scan loop; a cancelled scan is not an error
		return nil
	}
	return err
}

// Connect dials the peripheral. A ctx deadline, when present, bounds the
// connection attempt.
func (a *Adapter) Connect(ctx context.Context, address string) (Link, error) {
	if err := a.ensureEnabled(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return nil, fmt.Errorf("parse address %q: %w", address, err)
	}

	timeout := defaultConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	dev, err := a.adapter.Connect(
		bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}},
		bluetooth.ConnectionParams{ConnectionTimeout: bluetooth.NewDuration(timeout)},
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	if a.log != nil {
		a.log.Debug("ble link established", zap.String("address", address))
	}
	return &bluezLink{dev: dev, chars: make(map[string]bluetooth.DeviceCharacteristic)}, nil
}

type bluezLink struct {
	dev   bluetooth.Device
	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
}

func (l *bluezLink) characteristic(serviceUUID, charUUID string) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := serviceUUID + "/" + charUUID
	if ch, ok := l.chars[key]; ok {
		return ch, nil
	}

	su, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	cu, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	svcs, err := l.dev.DiscoverServices([]bluetooth.UUID{su})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover service %s: %w", serviceUUID, err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("service %s not found", serviceUUID)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{cu})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover characteristic %s: %w", charUUID, err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", charUUID)
	}

	l.chars[key] = chars[0]
	return chars[0], nil
}

func (l *bluezLink) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	ch, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	_, err = ch.WriteWithoutResponse(data)
	return err
}

func (l *bluezLink) Subscribe(serviceUUID, charUUID string, notify func([]byte)) error {
	ch, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(notify)
}

func (l *bluezLink) Disconnect() error {
	return l.dev.Disconnect()
}
