package ble

import "context"

// Advertisement describes a device seen during a scan.
type Advertisement struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
	RSSI         int16
}

// Transport abstracts the platform BLE stack for testability.
// Scan blocks until ctx is done, invoking found for every advertisement seen.
type Transport interface {
	Scan(ctx context.Context, found func(Advertisement)) error
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is an established connection to a peripheral.
type Link interface {
	// WriteCharacteristic performs a write-without-response on the given
	// service/characteristic pair. The desk firmware ignores writes it
	// cannot parse, so errors here are transport-level only.
	WriteCharacteristic(serviceUUID, charUUID string, data []byte) error
	// Subscribe registers a notification callback. The callback may be
	// invoked with partial frames; reassembly is the caller's job.
	Subscribe(serviceUUID, charUUID string, notify func([]byte)) error
	Disconnect() error
}
