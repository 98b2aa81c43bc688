package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a command was waiting on it.
	ErrConnectionLost = errors.New("connection lost")
)

// NotFoundError reports an attribute the remote device does not expose.
type NotFoundError struct {
	Kind string
	UUID uuid.UUID
}

func (e *NotFoundError) Error() string {
	if name := bledb.Lookup(e.UUID); name != "" {
		return fmt.Sprintf("%s %s (%s) not found", e.Kind, bledb.Short(e.UUID), name)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, bledb.Short(e.UUID))
}

// FormatUserError turns controller errors into one-line messages for the terminal.
func FormatUserError(err error) string {
	var opErr *gatt.OperationError
	var notFound *NotFoundError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case errors.Is(err, gatt.ErrInvalidAdapter):
		return fmt.Sprintf("Bluetooth adapter unavailable: %v", err)
	case errors.Is(err, gatt.ErrUnknownRemoteDevice):
		return fmt.Sprintf("device not found (scan for it first, or check the address): %v", err)
	case errors.Is(err, gatt.ErrConnection):
		return fmt.Sprintf("connection failed: %v", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection lost"
	case errors.As(err, &notFound):
		return notFound.Error()
	case errors.As(err, &opErr):
		return formatOperationError(opErr)
	default:
		return err.Error()
	}
}

func formatOperationError(e *gatt.OperationError) string {
	cause := "failed"
	switch {
	case e.Err == nil && e.Kind == gatt.OperationNotAllowed:
		cause = "not permitted by the characteristic properties"
	case errors.Is(e.Err, gatt.ErrInvalidValueLength):
		cause = "rejected: invalid value length"
	case errors.Is(e.Err, gatt.ErrInvalidOffset):
		cause = "rejected: invalid offset"
	case errors.Is(e.Err, gatt.ErrNotAuthorized):
		cause = "rejected: not authorized"
	case errors.Is(e.Err, gatt.ErrWriteNotPermitted):
		cause = "rejected: write not permitted"
	case e.Err != nil:
		cause = "failed: " + e.Err.Error()
	}
	return fmt.Sprintf("%s on handle 0x%04x %s", e.Kind, uint16(e.Handle), cause)
}
