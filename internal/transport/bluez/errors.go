package bluez

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blegatt/internal/gatt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrAdapterOff       = errors.New("adapter is powered off")
)

// BlueZ error names
const (
	errDoesNotExist     = "org.bluez.Error.DoesNotExist"
	errFailed           = "org.bluez.Error.Failed"
	errInProgress       = "org.bluez.Error.InProgress"
	errNotPermitted     = "org.bluez.Error.NotPermitted"
	errNotAuthorized    = "org.bluez.Error.NotAuthorized"
	errNotSupported     = "org.bluez.Error.NotSupported"
	errInvalidOffset    = "org.bluez.Error.InvalidOffset"
	errInvalidValueLen  = "org.bluez.Error.InvalidValueLength"
	errNotConnected     = "org.bluez.Error.NotConnected"
	errUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	errUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	errServiceNotFound  = "org.freedesktop.DBus.Error.ServiceUnknown"
	errNoReply          = "org.freedesktop.DBus.Error.NoReply"
	errAccessDenied     = "org.freedesktop.DBus.Error.AccessDenied"
	errConnectionAbort  = "org.bluez.Error.AbortByLocal"
	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"
)

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) && pderr != nil {
		return pderr.Name
	}
	return ""
}

// NormalizeError maps BlueZ connection failures to controller error kinds.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	switch errorName(err) {
	case errServiceNotFound, errAccessDenied:
		return &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err}
	case errDoesNotExist, errUnknownObject:
		return &gatt.ControllerError{Kind: gatt.UnknownRemoteDevice, Err: err}
	case errFailed, errInProgress, errNoReply, errConnectionAbort, errNotConnected:
		return &gatt.ControllerError{Kind: gatt.ConnectionError, Err: err}
	default:
		return err
	}
}

// attributeError maps a failed GATT method call to the engine's attribute errors so the
// controller can classify it.
func attributeError(err error) error {
	if err == nil {
		return nil
	}
	switch errorName(err) {
	case errInvalidOffset:
		return fmt.Errorf("%w: %v", gatt.ErrInvalidOffset, err)
	case errInvalidValueLen:
		return fmt.Errorf("%w: %v", gatt.ErrInvalidValueLength, err)
	case errNotPermitted:
		return fmt.Errorf("%w: %v", gatt.ErrWriteNotPermitted, err)
	case errNotAuthorized:
		return fmt.Errorf("%w: %v", gatt.ErrNotAuthorized, err)
	case errNotSupported, errUnknownMethod:
		return fmt.Errorf("%w: %v", gatt.ErrUnsupported, err)
	case errNotConnected:
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}
