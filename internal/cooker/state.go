// Package cooker keeps a cooking-state record in sync with a sous-vide
// cooker by polling it over the BLE command characteristic and routing each
// reply to the field its command asked about.
package cooker

import (
	"fmt"
	"strings"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
)

// Status is the run state reported by the cooker.
type Status string

const (
	StatusUnknown Status = ""
	StatusStart   Status = "start"
	StatusStop    Status = "stop"
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// ErrUnknownStatus is returned for status replies outside the cooker's
// vocabulary. It wraps protocol.ErrDecode; such replies are dropped.
var ErrUnknownStatus = fmt.Errorf("%w: unknown status", protocol.ErrDecode)

// ParseStatus maps a decoded reply to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusStart, StatusStop, StatusStopped, StatusRunning:
		return st, nil
	default:
		return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// Active reports whether the cooker is heating.
func (s Status) Active() bool {
	return s == StatusStart || s == StatusRunning
}

// CookingState is the last known state of the cooker. Values are the raw
// decoded reply strings; an empty field has not been read yet.
type CookingState struct {
	Temperature       string `json:"temperature,omitempty"`
	TargetTemperature string `json:"target_temperature,omitempty"`
	Timer             string `json:"timer,omitempty"`
	Status            Status `json:"status,omitempty"`
}

// Synced reports whether every field has been populated at least once.
func (c CookingState) Synced() bool {
	return c.Temperature != "" && c.TargetTemperature != "" && c.Timer != "" && c.Status != StatusUnknown
}

// Field names the CookingState field a reply is written to.
type Field int

const (
	FieldNone Field = iota
	FieldStatus
	FieldTemperature
	FieldTargetTemperature
	FieldTimer
)

func (f Field) String() string {
	switch f {
	case FieldStatus:
		return "status"
	case FieldTemperature:
		return "temperature"
	case FieldTargetTemperature:
		return "target_temperature"
	case FieldTimer:
		return "timer"
	default:
		return "none"
	}
}

// FieldFor returns the field a reply to key updates. Timer control and
// set-timer replies update nothing.
func FieldFor(key protocol.CommandKey) Field {
	switch key {
	case protocol.ReadTemperature:
		return FieldTemperature
	case protocol.ReadTimer:
		return FieldTimer
	case protocol.SetTargetTemperature, protocol.ReadTargetTemperature:
		return FieldTargetTemperature
	case protocol.ReadStatus, protocol.Start, protocol.Stop:
		return FieldStatus
	default:
		return FieldNone
	}
}

// Phase is the synchronizer's view of the connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseDiscovering
	PhaseMonitoring
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscovering:
		return "discovering"
	case PhaseMonitoring:
		return "monitoring"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseFor maps a connection manager state to a synchronizer phase.
func PhaseFor(s ble.State) Phase {
	switch s {
	case ble.StateRestoring, ble.StateScanning, ble.StateConnecting:
		return PhaseConnecting
	case ble.StateDiscovering:
		return PhaseDiscovering
	case ble.StateReady:
		return PhaseMonitoring
	default:
		return PhaseDisconnected
	}
}
