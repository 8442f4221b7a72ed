package ble

import (
	"errors"
	"fmt"
)

// ErrConnection covers scan, connect and discovery failures. Callers surface
// it as a connection-error state that needs an explicit retry.
var ErrConnection = errors.New("ble: connection failed")

// ErrDeviceNotFound means the scan window elapsed without a matching device.
var ErrDeviceNotFound = fmt.Errorf("%w: no matching device found", ErrConnection)

// ErrProtocolMismatch means the expected service or characteristic was not
// present after discovery. It is not retried automatically.
var ErrProtocolMismatch = fmt.Errorf("%w: protocol mismatch", ErrConnection)
