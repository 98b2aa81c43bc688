// Package gatt is the attribute-access engine of a BLE GATT session: the connection
// state machine, service discovery, the serialized job queue and the peripheral
// application, driven by an asynchronous Transport.
//
// All engine state changes run on one Executor. Public methods post their work to it and
// return immediately; results arrive as events registered with OnEvent.
package gatt

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultMTU is the ATT default before any exchange.
const DefaultMTU = 23

// Role is fixed when a controller is created.
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// State is the controller connection state.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConnected
	StateDiscovering
	StateDiscovered
	StateClosing
	StateAdvertising
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscovering:
		return "discovering"
	case StateDiscovered:
		return "discovered"
	case StateClosing:
		return "closing"
	case StateAdvertising:
		return "advertising"
	default:
		return "unknown"
	}
}

// linked reports whether the central link is up or being brought up.
func (s State) linked() bool {
	switch s {
	case StateConnecting, StateConnected, StateDiscovering, StateDiscovered:
		return true
	default:
		return false
	}
}

// Options configures a controller.
type Options struct {
	Role          Role
	LocalAddress  string
	RemoteAddress string
	// ApplicationRoot prefixes the object paths of a published peripheral application.
	ApplicationRoot string
	Logger          *logrus.Logger
	// Executor defaults to a loop executor owned by the controller.
	Executor Executor
}

// Controller drives one GATT session in either role.
type Controller struct {
	logger    *logrus.Logger
	role      Role
	transport Transport
	caps      Capabilities
	toggler   NotifyToggler
	battery   BatteryInterface
	periph    PeripheralTransport
	exec      Executor
	ownsExec  bool

	db      *Database
	queue   jobQueue
	events  eventBus
	app     *application
	clients clientSet

	mu            sync.RWMutex
	state         State
	localAddress  string
	remoteAddress string
	remoteName    string
	mtu           int
	closed        bool
}

// New creates a controller bound to t. Optional transport capabilities are detected here
// once. A peripheral controller requires a PeripheralTransport.
func New(t Transport, opts Options) (*Controller, error) {
	if t == nil {
		return nil, ErrInvalidAdapter
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	caps := DetectCapabilities(t)
	if opts.Role == RolePeripheral && !caps.Peripheral {
		return nil, &ControllerError{Kind: InvalidAdapter, Err: ErrUnsupported}
	}

	c := &Controller{
		logger:        logger,
		role:          opts.Role,
		transport:     t,
		caps:          caps,
		exec:          opts.Executor,
		localAddress:  opts.LocalAddress,
		remoteAddress: opts.RemoteAddress,
		mtu:           DefaultMTU,
	}
	if c.exec == nil {
		c.exec = NewLoopExecutor(context.Background(), "gatt-controller")
		c.ownsExec = true
	}
	c.db = NewDatabase(c)
	if caps.NotifyToggle {
		c.toggler = t.(NotifyToggler)
	}
	if caps.Battery {
		c.battery = t.(BatteryInterface)
	}
	if caps.Peripheral {
		c.periph = t.(PeripheralTransport)
	}

	t.SetLinkHandler(func(ev LinkEvent) {
		c.exec.Post(func() { c.onLinkEvent(ev) })
	})
	if c.role == RolePeripheral {
		c.app = newApplication(opts.ApplicationRoot)
		c.periph.SetAccessHandler(func(ev AccessEvent) {
			c.exec.Post(func() { c.onAccess(ev) })
		})
	}

	logger.WithFields(logrus.Fields{
		"role":          c.role,
		"notify_toggle": caps.NotifyToggle,
		"battery":       caps.Battery,
		"peripheral":    caps.Peripheral,
	}).Debug("Controller created")
	return c, nil
}

// ----------------------------
// Accessors
// ----------------------------

func (c *Controller) Role() Role                 { return c.role }
func (c *Controller) Capabilities() Capabilities { return c.caps }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) LocalAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localAddress
}

func (c *Controller) RemoteAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddress
}

func (c *Controller) RemoteName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteName
}

func (c *Controller) MTU() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mtu
}

// Services returns the known services in discovery order.
func (c *Controller) Services() []*Service {
	return c.db.Services()
}

// CreateServiceObject returns the shared view of a known service, or nil if no service
// with that UUID has been discovered or added.
func (c *Controller) CreateServiceObject(u uuid.UUID) *Service {
	svc, ok := c.db.Lookup(u)
	if !ok {
		return nil
	}
	return svc
}

// OnEvent registers fn for every controller event. The returned function unregisters it.
func (c *Controller) OnEvent(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// ----------------------------
// State handling
// ----------------------------

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Info("Controller state changed")
	c.events.emit(Event{Type: EventStateChanged, State: s})
}

// fail surfaces a connection-lifecycle error and forces Unconnected.
func (c *Controller) fail(kind ErrorKind, err error) {
	if err == nil {
		err = &ControllerError{Kind: kind}
	} else if !errors.Is(err, &ControllerError{Kind: kind}) {
		err = &ControllerError{Kind: kind, Err: err}
	}
	c.logger.WithError(err).WithField("kind", kind).Error("Controller error")
	c.events.emit(Event{Type: EventError, Err: err})
	c.reset()
	c.setState(StateUnconnected)
}

// reset drains the queue and, in central role, invalidates the database. Local services
// of a peripheral outlive its connections.
func (c *Controller) reset() {
	dropped := c.queue.reset()
	if c.role == RoleCentral {
		c.invalidateAll()
	}
	c.mu.Lock()
	c.mtu = DefaultMTU
	c.mu.Unlock()
	if dropped > 0 {
		c.logger.WithField("dropped", dropped).Debug("Drained job queue")
	}
}

func (c *Controller) invalidateAll() {
	for _, svc := range c.db.invalidateAll() {
		c.events.emit(Event{Type: EventServiceStateChanged, Service: svc, ServiceUUID: svc.uuid, ServiceState: InvalidService})
	}
}

func (c *Controller) post(fn func()) {
	c.exec.Post(fn)
}

// ----------------------------
// Central role
// ----------------------------

// ConnectToDevice starts connecting to the remote address given at creation.
func (c *Controller) ConnectToDevice() {
	c.post(c.connectToDevice)
}

func (c *Controller) connectToDevice() {
	if c.role != RoleCentral {
		c.logger.Warn("ConnectToDevice is not available in peripheral role")
		return
	}
	if c.State() != StateUnconnected {
		c.logger.WithField("state", c.State()).Debug("Ignoring connect request")
		return
	}
	remote := c.RemoteAddress()
	if remote == "" {
		c.fail(UnknownRemoteDevice, nil)
		return
	}
	c.setState(StateConnecting)
	c.logger.WithField("remote", remote).Info("Connecting")
	c.transport.Connect(remote, func(r Result) {
		c.post(func() { c.onConnectDone(r) })
	})
}

func (c *Controller) onConnectDone(r Result) {
	if c.State() != StateConnecting {
		return
	}
	if r.Err != nil {
		c.fail(controllerErrorKind(r.Err, ConnectionError), r.Err)
		c.requestDisconnect()
	}
	// success waits for LinkServicesResolved
}

// requestDisconnect tears down the transport link without waiting for the outcome.
func (c *Controller) requestDisconnect() {
	remote := c.RemoteAddress()
	c.transport.Disconnect(remote, func(r Result) {
		if r.Err != nil {
			c.logger.WithError(r.Err).Debug("Disconnect after failure reported an error")
		}
	})
}

// DisconnectFromDevice closes the link. Pending jobs are dropped.
func (c *Controller) DisconnectFromDevice() {
	c.post(c.disconnectFromDevice)
}

func (c *Controller) disconnectFromDevice() {
	if c.role == RolePeripheral {
		c.disconnectClients()
		return
	}
	switch c.State() {
	case StateConnected, StateDiscovering, StateDiscovered:
	case StateConnecting:
		c.reset()
		c.setState(StateUnconnected)
		c.events.emit(Event{Type: EventDisconnected})
		c.requestDisconnect()
		return
	default:
		return
	}
	c.setState(StateClosing)
	c.queue.reset()
	c.transport.Disconnect(c.RemoteAddress(), func(r Result) {
		c.post(func() { c.onDisconnectDone(r) })
	})
}

func (c *Controller) onDisconnectDone(r Result) {
	if c.State() != StateClosing {
		return
	}
	if r.Err != nil {
		c.logger.WithError(r.Err).Warn("Disconnect failed")
	}
	c.linkDown()
}

// linkDown finishes any connection teardown exactly once.
func (c *Controller) linkDown() {
	if c.State() == StateUnconnected {
		return
	}
	c.reset()
	c.setState(StateUnconnected)
	c.events.emit(Event{Type: EventDisconnected})
}

// DiscoverServices enumerates the remote services. Valid only in Connected state.
func (c *Controller) DiscoverServices() {
	c.post(c.discoverServices)
}

func (c *Controller) discoverServices() {
	if c.role != RoleCentral || c.State() != StateConnected {
		c.logger.WithField("state", c.State()).Debug("Ignoring discover request")
		return
	}
	c.setState(StateDiscovering)
	c.transport.ListAttributes(c.RemoteAddress(), func(entries []AttributeEntry, err error) {
		c.post(func() { c.onServicesListed(entries, err) })
	})
}

func (c *Controller) onServicesListed(entries []AttributeEntry, err error) {
	if c.State() != StateDiscovering {
		return
	}
	if err != nil {
		c.fail(controllerErrorKind(err, UnknownError), err)
		c.requestDisconnect()
		return
	}

	var batteryAddress string
	for _, e := range entries {
		switch e.Kind {
		case KindService:
			typ := PrimaryService
			if !e.Primary {
				typ = SecondaryService
			}
			svc := c.db.insertService(e.UUID, typ, e.Address, RemoteService)
			c.logger.WithFields(logrus.Fields{
				"uuid":    e.UUID,
				"address": e.Address,
			}).Debug("Service discovered")
			c.events.emit(Event{Type: EventServiceDiscovered, Service: svc, ServiceUUID: svc.uuid})
		case KindBattery:
			batteryAddress = e.Address
		}
	}
	if batteryAddress != "" {
		if _, ok := c.db.service(UUIDBatteryService); !ok && c.battery != nil {
			svc := c.db.insertService(UUIDBatteryService, PrimaryService, batteryAddress, RemoteService)
			svc.battery = true
			c.logger.WithField("address", batteryAddress).Debug("Emulating battery service")
			c.events.emit(Event{Type: EventServiceDiscovered, Service: svc, ServiceUUID: svc.uuid})
		}
	}

	c.setState(StateDiscovered)
	c.events.emit(Event{Type: EventDiscoveryFinished})
}

// ----------------------------
// Link events
// ----------------------------

func (c *Controller) onLinkEvent(ev LinkEvent) {
	c.logger.WithFields(logrus.Fields{
		"event": ev.Kind,
		"state": c.State(),
	}).Debug("Link event")

	switch ev.Kind {
	case LinkConnected:
		// services are not usable until resolved
	case LinkServicesResolved:
		if c.State() == StateConnecting {
			c.setState(StateConnected)
			c.events.emit(Event{Type: EventConnected})
		}
	case LinkDisconnected:
		if c.role == RolePeripheral {
			c.disconnectClients()
			return
		}
		if c.State().linked() || c.State() == StateClosing {
			c.linkDown()
		}
	case LinkAdapterRemoved:
		wasLinked := c.State() != StateUnconnected
		c.fail(InvalidAdapter, ev.Err)
		if wasLinked {
			c.events.emit(Event{Type: EventDisconnected})
		}
	case LinkMTUChanged:
		c.updateMTU(ev.MTU)
	case LinkServiceRemoved:
		svc, ok := c.db.serviceByAddress(ev.Address)
		if !ok {
			return
		}
		c.db.invalidateService(svc.uuid)
		c.events.emit(Event{Type: EventServiceStateChanged, Service: svc, ServiceUUID: svc.uuid, ServiceState: InvalidService})
	case LinkNameChanged:
		c.mu.Lock()
		c.remoteName = ev.Name
		c.mu.Unlock()
	case LinkAdvertisingError:
		if c.State() == StateAdvertising {
			c.fail(AdvertisingError, ev.Err)
		}
	}
}

func (c *Controller) updateMTU(mtu int) {
	if mtu <= 0 {
		return
	}
	c.mu.Lock()
	if c.mtu == mtu {
		c.mu.Unlock()
		return
	}
	c.mtu = mtu
	c.mu.Unlock()
	c.events.emit(Event{Type: EventMTUChanged, MTU: mtu})
}

// ----------------------------
// Attribute operations
// ----------------------------

// operable reports whether svc accepts attribute operations right now.
func (c *Controller) operable(svc *Service) bool {
	live, ok := c.db.service(svc.uuid)
	if !ok || live != svc {
		return false
	}
	if c.role == RolePeripheral {
		return svc.state == LocalService
	}
	s := c.State()
	return svc.state == RemoteServiceDiscovered && (s == StateDiscovered || s == StateDiscovering || s == StateConnected)
}

func (c *Controller) notAllowed(svc *Service, char, desc Handle) {
	c.logger.WithFields(logrus.Fields{
		"service": svc.uuid,
		"state":   svc.state,
	}).Warn("Operation not allowed")
	c.emitServiceError(svc, OperationNotAllowed, char, desc, nil)
}

func (c *Controller) readCharacteristic(svc *Service, char *Characteristic) {
	c.post(func() {
		if !c.operable(svc) || !char.IsValid() || char.service != svc.uuid {
			c.notAllowed(svc, char.handle, 0)
			return
		}
		c.enqueue(&Job{Kind: CharRead, Service: svc.uuid, Char: char.handle})
	})
}

func (c *Controller) writeCharacteristic(svc *Service, char *Characteristic, value []byte, mode WriteMode) {
	value = append([]byte(nil), value...)
	c.post(func() {
		if !c.operable(svc) || !char.IsValid() || char.service != svc.uuid {
			c.notAllowed(svc, char.handle, 0)
			return
		}
		c.enqueue(&Job{Kind: CharWrite, Service: svc.uuid, Char: char.handle, Value: value, Mode: mode})
	})
}

func (c *Controller) readDescriptor(svc *Service, desc *Descriptor) {
	c.post(func() {
		if !c.operable(svc) || !desc.IsValid() || desc.service != svc.uuid {
			c.notAllowed(svc, desc.char, desc.handle)
			return
		}
		c.enqueue(&Job{Kind: DescRead, Service: svc.uuid, Char: desc.char, Desc: desc.handle})
	})
}

func (c *Controller) writeDescriptor(svc *Service, desc *Descriptor, value []byte) {
	value = append([]byte(nil), value...)
	c.post(func() {
		if !c.operable(svc) || !desc.IsValid() || desc.service != svc.uuid {
			c.notAllowed(svc, desc.char, desc.handle)
			return
		}
		c.enqueue(&Job{Kind: DescWrite, Service: svc.uuid, Char: desc.char, Desc: desc.handle, Value: value})
	})
}

// onValueChanged delivers an out-of-band value change for a subscribed characteristic.
func (c *Controller) onValueChanged(svcUUID uuid.UUID, handle Handle, value []byte) {
	char, ok := c.db.characteristic(svcUUID, handle)
	if !ok {
		return
	}
	if err := c.db.setCharacteristicValue(char, value); err != nil {
		c.logger.WithError(err).WithField("char", char.uuid).Warn("Dropping value change")
		return
	}
	svc, _ := c.db.service(svcUUID)
	c.events.emit(Event{
		Type:           EventCharacteristicChanged,
		Service:        svc,
		ServiceUUID:    svcUUID,
		Characteristic: char,
		Value:          append([]byte(nil), value...),
	})
}

// ----------------------------
// Lifecycle
// ----------------------------

// Close disposes of the controller: the peripheral application is unregistered, any link
// is closed and the owned executor is stopped. The controller cannot be reused.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.post(func() {
		if c.role == RolePeripheral {
			c.teardownApplication()
		} else if c.State().linked() {
			c.transport.Disconnect(c.RemoteAddress(), func(Result) {})
		}
		c.reset()
		c.invalidateAll()
		c.setState(StateUnconnected)
		if c.ownsExec {
			c.exec.Close()
		}
	})
}
