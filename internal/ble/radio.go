package ble

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"
)

// RadioAdapter wraps tinygo-org/bluetooth.
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses);
// Device.ID and the persisted identity store that UUID string.
type RadioAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*radioConnection // keyed by device address
}

// NewRadioAdapter creates a BLE adapter on the platform default radio.
func NewRadioAdapter() *RadioAdapter {
	return &RadioAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*radioConnection),
	}
}

func (a *RadioAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Register the adapter-level connect/disconnect handler. tinygo/bluetooth
	// reports peripheral disconnects here with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.markDisconnected()
		}
	})

	return nil
}

func (a *RadioAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device) bool) error {
	uuid, err := parseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
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

	var stopped atomic.Bool
	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if stopped.Load() || !result.HasServiceUUID(uuid) {
			return
		}
		dev := Device{
			Name: result.LocalName(),
			ID:   result.Address.String(),
			RSSI: int(result.RSSI),
		}
		if found(dev) {
			stopped.Store(true)
			_ = adapter.StopScan()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *RadioAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// The stack's Connect cannot be canceled; ctx only bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drop a link that comes up after we gave up on it.
			if late := <-ch; late.err == nil {
				_ = late.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &radioConnection{id: id, device: result.device}
		conn.connected.Store(true)

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that RadioAdapter implements Adapter.
var _ Adapter = (*RadioAdapter)(nil)

type radioConnection struct {
	id        string
	device    bluetooth.Device
	connected atomic.Bool

	mu        sync.Mutex
	callbacks map[int]func()
	nextID    int
}

func (c *radioConnection) ID() string { return c.id }

func (c *radioConnection) DiscoverServices(ctx context.Context) ([]Service, error) {
	type discoverResult struct {
		services []Service
		err      error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		services, err := c.discover()
		ch <- discoverResult{services, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: discover services: %w", ctx.Err())
	case result := <-ch:
		return result.services, result.err
	}
}

func (c *radioConnection) discover() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	services := make([]Service, 0, len(svcs))
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcs[i].UUID(), err)
		}
		svc := Service{UUID: svcs[i].UUID().String()}
		for j := range chars {
			svc.Characteristics = append(svc.Characteristics, &radioCharacteristic{char: chars[j]})
		}
		services = append(services, svc)
	}
	return services, nil
}

func (c *radioConnection) IsConnected() bool {
	return c.connected.Load()
}

func (c *radioConnection) Disconnect() error {
	c.connected.Store(false)
	return c.device.Disconnect()
}

func (c *radioConnection) OnDisconnect(cb func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbacks == nil {
		c.callbacks = make(map[int]func())
	}
	id := c.nextID
	c.nextID++
	c.callbacks[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.callbacks, id)
	}
}

func (c *radioConnection) markDisconnected() {
	c.connected.Store(false)
	c.mu.Lock()
	list := make([]func(), 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		list = append(list, cb)
	}
	c.mu.Unlock()
	for _, cb := range list {
		cb()
	}
}

type radioCharacteristic struct {
	char bluetooth.DeviceCharacteristic

	mu       sync.Mutex
	callback func([]byte)
}

func (c *radioCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *radioCharacteristic) Write(data []byte, withResponse bool) error {
	if withResponse {
		return writeWithResponse(c.char, data)
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *radioCharacteristic) Subscribe(cb func([]byte)) (func(), error) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()

	err := c.char.EnableNotifications(func(buf []byte) {
		c.mu.Lock()
		fn := c.callback
		c.mu.Unlock()
		if fn == nil {
			return
		}
		// The stack may reuse buf after we return.
		data := make([]byte, len(buf))
		copy(data, buf)
		fn(data)
	})
	if err != nil {
		c.mu.Lock()
		c.callback = nil
		c.mu.Unlock()
		return nil, fmt.Errorf("ble: enable notifications: %w", err)
	}

	return func() {
		c.mu.Lock()
		c.callback = nil
		c.mu.Unlock()
		_ = c.char.EnableNotifications(nil)
	}, nil
}

// parseUUID accepts full 128-bit UUIDs and 16-bit short forms like "ffe0".
func parseUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, err
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	return bluetooth.ParseUUID(s)
}
