package gatt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind is the controller-level error taxonomy reported with EventError.
type ErrorKind int

const (
	NoError ErrorKind = iota
	InvalidAdapter
	UnknownRemoteDevice
	ConnectionError
	UnknownError
	AdvertisingError
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "no_error"
	case InvalidAdapter:
		return "invalid_adapter"
	case UnknownRemoteDevice:
		return "unknown_remote_device"
	case ConnectionError:
		return "connection_error"
	case AdvertisingError:
		return "advertising_error"
	default:
		return "unknown_error"
	}
}

// ControllerError is a connection-lifecycle failure. Transports return it to classify
// their failures; anything else surfaces as ConnectionError.
type ControllerError struct {
	Kind ErrorKind
	Err  error
}

func (e *ControllerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare ControllerError values by Kind
func (e *ControllerError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ControllerError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for controller error kinds
var (
	ErrInvalidAdapter      = &ControllerError{Kind: InvalidAdapter}
	ErrUnknownRemoteDevice = &ControllerError{Kind: UnknownRemoteDevice}
	ErrConnection          = &ControllerError{Kind: ConnectionError}
	ErrUnknown             = &ControllerError{Kind: UnknownError}
	ErrAdvertising         = &ControllerError{Kind: AdvertisingError}
)

// controllerErrorKind extracts the kind of a transport failure.
func controllerErrorKind(err error, fallback ErrorKind) ErrorKind {
	var cerr *ControllerError
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return fallback
}

// ServiceErrorKind is the operation-level taxonomy reported with EventServiceError.
type ServiceErrorKind int

const (
	OperationNotAllowed ServiceErrorKind = iota + 1
	CharacteristicReadError
	CharacteristicWriteError
	DescriptorReadError
	DescriptorWriteError
)

func (k ServiceErrorKind) String() string {
	switch k {
	case OperationNotAllowed:
		return "operation_not_allowed"
	case CharacteristicReadError:
		return "characteristic_read_error"
	case CharacteristicWriteError:
		return "characteristic_write_error"
	case DescriptorReadError:
		return "descriptor_read_error"
	case DescriptorWriteError:
		return "descriptor_write_error"
	default:
		return "unknown_service_error"
	}
}

// OperationError reports a failed caller-issued attribute operation.
type OperationError struct {
	Kind    ServiceErrorKind
	Service uuid.UUID
	Handle  Handle
	Err     error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s on handle 0x%04x of service %s", e.Kind, uint16(e.Handle), e.Service)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare OperationError values by Kind
func (e *OperationError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrOperationNotAllowed = &OperationError{Kind: OperationNotAllowed}
	ErrCharacteristicRead  = &OperationError{Kind: CharacteristicReadError}
	ErrCharacteristicWrite = &OperationError{Kind: CharacteristicWriteError}
	ErrDescriptorRead      = &OperationError{Kind: DescriptorReadError}
	ErrDescriptorWrite     = &OperationError{Kind: DescriptorWriteError}
)

// Validation and remote-access errors
var (
	ErrInvalidValueLength     = errors.New("invalid value length")
	ErrInvalidOffset          = errors.New("invalid offset")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrWriteNotPermitted      = errors.New("write not permitted")
	ErrApplicationRegistered  = errors.New("application already registered")
	ErrIncludedServiceMissing = errors.New("included service not added")
	ErrUnsupported            = errors.New("unsupported")
	ErrWrongRole              = errors.New("operation not available in this role")
	ErrServiceRediscovered    = errors.New("service rediscovered")
)
