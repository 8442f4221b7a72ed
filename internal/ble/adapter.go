// Package ble manages the Bluetooth Low Energy link to a sous-vide cooker:
// restoring the last known device, scanning, connecting, locating the
// command characteristic and watching for disconnects.
package ble

import (
	"context"
	"fmt"
	"strings"
)

// Default identifiers advertised by the cooker. Matching is by
// case-insensitive substring so vendor-prefixed full UUIDs still match.
const (
	DefaultServiceUUID        = "ffe0"
	DefaultCharacteristicUUID = "ffe1"
	DefaultNameFilter         = "anova"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic identifier.
	UUID() string
	// Write sends data to the characteristic.
	Write(data []byte, withResponse bool) error
	// Subscribe registers a callback for notifications on this characteristic.
	// The returned function removes the subscription.
	Subscribe(callback func(data []byte)) (unsubscribe func(), err error)
}

// Service is a discovered GATT service with its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	ID   string // MAC on Linux/Windows, CoreBluetooth UUID on macOS
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// ID returns the identifier the connection was opened with.
	ID() string
	// DiscoverServices enumerates services and their characteristics.
	DiscoverServices(ctx context.Context) ([]Service, error)
	// IsConnected reports whether the link is still up.
	IsConnected() bool
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	// The returned function unregisters it.
	OnDisconnect(callback func()) (cancel func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers peripherals advertising serviceUUID and calls found for
	// each one. Scanning stops when found returns true, ctx is done, or the
	// underlying scan fails.
	Scan(ctx context.Context, serviceUUID string, found func(Device) bool) error
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}

// MatchUUID reports whether uuid contains want, ignoring case.
func MatchUUID(uuid, want string) bool {
	return want != "" && strings.Contains(strings.ToLower(uuid), strings.ToLower(want))
}

// MatchName reports whether a device name contains filter, ignoring case.
func MatchName(name, filter string) bool {
	return filter != "" && strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

// FindCharacteristic selects the service matching serviceUUID and, inside
// it, the characteristic matching charUUID. A missing service or
// characteristic is reported as ErrProtocolMismatch.
func FindCharacteristic(services []Service, serviceUUID, charUUID string) (Characteristic, error) {
	for _, svc := range services {
		if !MatchUUID(svc.UUID, serviceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			if MatchUUID(ch.UUID(), charUUID) {
				return ch, nil
			}
		}
		return nil, fmt.Errorf("%w: characteristic %s not found in service %s", ErrProtocolMismatch, charUUID, svc.UUID)
	}
	return nil, fmt.Errorf("%w: service %s not found", ErrProtocolMismatch, serviceUUID)
}
