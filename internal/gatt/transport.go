package gatt

import (
	"github.com/google/uuid"
)

// Result is the outcome of one asynchronous transport call: Success carries the value
// (empty for writes), Failure carries the transport error.
type Result struct {
	Value []byte
	Err   error
}

func Success(value []byte) Result {
	return Result{Value: value}
}

func Failure(err error) Result {
	if err == nil {
		err = ErrUnknown
	}
	return Result{Err: err}
}

func (r Result) OK() bool {
	return r.Err == nil
}

// WriteMode selects acknowledged or unacknowledged writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without_response"
	}
	return "with_response"
}

// AttributeKind classifies entries in an attribute listing.
type AttributeKind int

const (
	KindService AttributeKind = iota
	KindCharacteristic
	KindDescriptor
	// KindBattery marks a device that exposes its battery level through a narrow
	// single-value interface instead of a Battery Service.
	KindBattery
)

func (k AttributeKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindCharacteristic:
		return "characteristic"
	case KindDescriptor:
		return "descriptor"
	case KindBattery:
		return "battery"
	default:
		return "unknown"
	}
}

// AttributeEntry is one element of a transport listing. Parent is the address of the
// owning service (for characteristics) or characteristic (for descriptors).
type AttributeEntry struct {
	Address string
	Parent  string
	Kind    AttributeKind
	UUID    uuid.UUID
	Tokens  []string
	Primary bool
}

// LinkEventKind enumerates link-level notifications from the transport.
type LinkEventKind int

const (
	LinkConnected LinkEventKind = iota
	LinkServicesResolved
	LinkDisconnected
	LinkAdapterRemoved
	LinkMTUChanged
	LinkServiceRemoved
	LinkNameChanged
	LinkAdvertisingError
)

func (k LinkEventKind) String() string {
	switch k {
	case LinkConnected:
		return "connected"
	case LinkServicesResolved:
		return "services_resolved"
	case LinkDisconnected:
		return "disconnected"
	case LinkAdapterRemoved:
		return "adapter_removed"
	case LinkMTUChanged:
		return "mtu_changed"
	case LinkServiceRemoved:
		return "service_removed"
	case LinkNameChanged:
		return "name_changed"
	case LinkAdvertisingError:
		return "advertising_error"
	default:
		return "unknown"
	}
}

// LinkEvent carries a link notification. Address is set for LinkServiceRemoved, MTU for
// LinkMTUChanged and Name for LinkNameChanged.
type LinkEvent struct {
	Kind    LinkEventKind
	Address string
	MTU     int
	Name    string
	Err     error
}

// Transport is the asynchronous central-role contract. Callbacks may run on any
// goroutine; the controller reposts them onto its executor.
type Transport interface {
	SetLinkHandler(fn func(LinkEvent))
	Connect(remote string, done func(Result))
	Disconnect(remote string, done func(Result))
	// ListAttributes lists the services under the device root, or the characteristics
	// and descriptors under a service address.
	ListAttributes(root string, done func([]AttributeEntry, error))
	ReadValue(address string, offset, mtu int, done func(Result))
	WriteValue(address string, value []byte, mode WriteMode, done func(Result))
	SubscribeValueChanges(address string, fn func([]byte)) (cancel func(), err error)
}

// NotifyToggler is implemented by transports that manage the CCCD themselves. A CCCD
// write then becomes a start/stop request for the characteristic at address.
type NotifyToggler interface {
	SetNotifying(address string, cccd []byte, done func(Result))
}

// BatteryInterface is the narrow single-value battery level interface.
type BatteryInterface interface {
	ReadBatteryLevel(address string, done func(Result))
	SubscribeBatteryLevel(address string, fn func(level byte)) (cancel func(), err error)
}

// PublishedObject is one node of a local attribute tree handed to RegisterApplication.
type PublishedObject struct {
	Path     string
	Parent   string
	Kind     AttributeKind
	UUID     uuid.UUID
	Primary  bool
	Flags    []string
	Value    []byte
	Includes []string
}

// AccessKind enumerates remote accesses to a published application.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessNotifyStart
	AccessNotifyStop
	AccessRemoteDisconnected
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessNotifyStart:
		return "notify_start"
	case AccessNotifyStop:
		return "notify_stop"
	case AccessRemoteDisconnected:
		return "remote_disconnected"
	default:
		return "unknown"
	}
}

// AccessEvent is a remote access to a published object. Reply must be called exactly
// once for reads and writes; other kinds may leave it nil.
type AccessEvent struct {
	Kind             AccessKind
	Path             string
	Remote           string
	RemoteName       string
	MTU              int
	Offset           int
	Value            []byte
	PrepareAuthorize bool
	Reply            func(Result)
}

// AdvertisingParams describes what the peripheral advertises.
type AdvertisingParams struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
}

// PeripheralTransport is the optional peripheral-role capability.
type PeripheralTransport interface {
	SetAccessHandler(fn func(AccessEvent))
	RegisterApplication(objects []PublishedObject, done func(error))
	UnregisterApplication() error
	NotifyValueChanged(path string, value []byte) error
	StartAdvertising(params AdvertisingParams, done func(error))
	StopAdvertising() error
	DisconnectClients() error
}

// Capabilities is detected once when a controller is created.
type Capabilities struct {
	NotifyToggle bool
	Battery      bool
	Peripheral   bool
}

// DetectCapabilities probes t for its optional interfaces.
func DetectCapabilities(t Transport) Capabilities {
	_, toggle := t.(NotifyToggler)
	_, battery := t.(BatteryInterface)
	_, peripheral := t.(PeripheralTransport)
	return Capabilities{NotifyToggle: toggle, Battery: battery, Peripheral: peripheral}
}
