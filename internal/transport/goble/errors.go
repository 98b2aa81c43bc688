package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/gatt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrUnknownAttribute = errors.New("unknown attribute")
)

// NormalizeError maps known go-ble error strings to controller error kinds.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err}
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no devices available"):
		return &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err}
	case containsIgnoreCase(msg, "device not found"),
		containsIgnoreCase(msg, "unknown device"):
		return &gatt.ControllerError{Kind: gatt.UnknownRemoteDevice, Err: err}
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "context deadline exceeded"),
		containsIgnoreCase(msg, "can't dial"):
		return &gatt.ControllerError{Kind: gatt.ConnectionError, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// attError maps a rejected remote access to the ATT error returned to the client.
func attError(err error) ble.ATTError {
	switch {
	case errors.Is(err, gatt.ErrInvalidOffset):
		return ble.ErrInvalidOffset
	case errors.Is(err, gatt.ErrInvalidValueLength):
		return ble.ErrInvalAttrValueLen
	case errors.Is(err, gatt.ErrWriteNotPermitted):
		return ble.ErrWriteNotPerm
	case errors.Is(err, gatt.ErrNotAuthorized):
		return ble.ErrAuthorization
	case errors.Is(err, gatt.ErrUnsupported):
		return ble.ErrReqNotSupp
	default:
		return ble.ErrUnlikely
	}
}
