//go:build !darwin && !windows

package ble

import (
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

var warnNoResponseWrite sync.Once

// writeWithResponse falls back to a write without response. BlueZ and the
// bare-metal stacks only expose the unacknowledged write.
func writeWithResponse(char bluetooth.DeviceCharacteristic, data []byte) error {
	warnNoResponseWrite.Do(func() {
		slog.Warn("[BLE] write with response unsupported on this platform, writing without response")
	})
	_, err := char.WriteWithoutResponse(data)
	return err
}
