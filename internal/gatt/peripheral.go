package gatt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MaxAttributeLength caps local attribute values.
const MaxAttributeLength = 512

// DefaultApplicationRoot is the object path prefix of a published application.
const DefaultApplicationRoot = "/app"

// ServiceData describes a local service for AddService.
type ServiceData struct {
	UUID            uuid.UUID
	Type            ServiceType
	Includes        []*Service
	Characteristics []CharacteristicData
}

// CharacteristicData describes a local characteristic. A zero MaxLength leaves the value
// length unconstrained.
type CharacteristicData struct {
	UUID        uuid.UUID
	Properties  Properties
	Value       []byte
	MinLength   int
	MaxLength   int
	Descriptors []DescriptorData
}

type DescriptorData struct {
	UUID  uuid.UUID
	Value []byte
}

// attrRef locates a published object in the database.
type attrRef struct {
	service uuid.UUID
	char    Handle
	desc    Handle
}

// application is the local attribute tree of a peripheral controller.
type application struct {
	mu         sync.Mutex
	root       string
	registered bool
	services   int
	paths      map[string]attrRef
	objects    map[attrRef]string
}

func newApplication(root string) *application {
	if root == "" {
		root = DefaultApplicationRoot
	}
	return &application{
		root:    root,
		paths:   make(map[string]attrRef),
		objects: make(map[attrRef]string),
	}
}

func (a *application) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *application) setRegistered(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registered = on
}

func (a *application) bind(path string, ref attrRef) {
	a.paths[path] = ref
	a.objects[ref] = path
}

func (a *application) lookup(path string) (attrRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.paths[path]
	return ref, ok
}

func (a *application) path(ref attrRef) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.objects[ref]
}

func clampValue(v []byte) []byte {
	if len(v) > MaxAttributeLength {
		v = v[:MaxAttributeLength]
	}
	return append([]byte(nil), v...)
}

func clampLength(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxAttributeLength {
		return MaxAttributeLength
	}
	return n
}

// ----------------------------
// Local application
// ----------------------------

// AddService adds a local service to a peripheral controller. Services can only be added
// before the application is registered, which happens on the first StartAdvertising.
func (c *Controller) AddService(data ServiceData) (*Service, error) {
	if c.role != RolePeripheral {
		return nil, ErrWrongRole
	}
	a := c.app
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return nil, ErrApplicationRegistered
	}
	if _, exists := c.db.Lookup(data.UUID); exists {
		return nil, fmt.Errorf("service %s already added", data.UUID)
	}
	included := make([]uuid.UUID, 0, len(data.Includes))
	for _, inc := range data.Includes {
		if inc == nil {
			return nil, ErrIncludedServiceMissing
		}
		if _, ok := c.db.Lookup(inc.uuid); !ok {
			return nil, fmt.Errorf("%w: %s", ErrIncludedServiceMissing, inc.uuid)
		}
		included = append(included, inc.uuid)
	}

	svcPath := fmt.Sprintf("%s/service%d", a.root, a.services)
	a.services++
	svc := c.db.insertService(data.UUID, data.Type, svcPath, LocalService)
	a.bind(svcPath, attrRef{service: svc.uuid})

	c.db.mu.Lock()
	svc.included = included
	start := c.db.allocateHandle()
	c.db.mu.Unlock()

	for i, cd := range data.Characteristics {
		charPath := fmt.Sprintf("%s/char%d", svcPath, i)
		char := c.db.addCharacteristic(svc, cd.UUID, cd.Properties, charPath)

		c.db.mu.Lock()
		char.minLen = clampLength(cd.MinLength)
		char.maxLen = clampLength(cd.MaxLength)
		value := clampValue(cd.Value)
		if char.checkLength(value) != nil {
			value = make([]byte, char.minLen)
		}
		char.value = value
		c.db.mu.Unlock()
		a.bind(charPath, attrRef{service: svc.uuid, char: char.handle})

		for j, dd := range cd.Descriptors {
			descPath := fmt.Sprintf("%s/desc%d", charPath, j)
			desc := c.db.addDescriptor(char, dd.UUID, descPath, clampValue(dd.Value))
			a.bind(descPath, attrRef{service: svc.uuid, char: char.handle, desc: desc.handle})
		}
	}

	c.db.mu.Lock()
	svc.start, svc.end = start, c.db.allocateHandle()
	c.db.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"service": svc.uuid,
		"path":    svcPath,
		"chars":   len(data.Characteristics),
	}).Info("Local service added")
	return svc, nil
}

// publishedObjects flattens the local database into transport objects. CCCD and
// extended-properties descriptors are generated by the transport and left out.
func (c *Controller) publishedObjects() []PublishedObject {
	var objects []PublishedObject
	for _, svc := range c.db.Services() {
		includes := make([]string, 0, len(svc.included))
		for _, inc := range svc.included {
			if s, ok := c.db.Lookup(inc); ok {
				includes = append(includes, s.address)
			}
		}
		objects = append(objects, PublishedObject{
			Path:     svc.address,
			Kind:     KindService,
			UUID:     svc.uuid,
			Primary:  svc.typ == PrimaryService,
			Includes: includes,
		})
		for _, char := range svc.Characteristics() {
			var extended []byte
			if d := char.Descriptor(UUIDCharacteristicExtendedProperties); d != nil {
				extended = d.Value()
			}
			objects = append(objects, PublishedObject{
				Path:   char.address,
				Parent: svc.address,
				Kind:   KindCharacteristic,
				UUID:   char.uuid,
				Flags:  FormatProperties(char.props, extended),
				Value:  char.Value(),
			})
			for _, desc := range char.Descriptors() {
				if isCCCD(desc.uuid) || desc.uuid == UUIDCharacteristicExtendedProperties {
					continue
				}
				objects = append(objects, PublishedObject{
					Path:   desc.address,
					Parent: char.address,
					Kind:   KindDescriptor,
					UUID:   desc.uuid,
					Flags:  []string{"read", "write"},
					Value:  desc.Value(),
				})
			}
		}
	}
	return objects
}

// registerApplication publishes the local tree once, then calls next. Without services
// there is nothing to register and next runs directly.
func (c *Controller) registerApplication(next func()) {
	if c.app.isRegistered() || len(c.db.Services()) == 0 {
		next()
		return
	}
	objects := c.publishedObjects()
	c.logger.WithField("objects", len(objects)).Debug("Registering application")
	c.periph.RegisterApplication(objects, func(err error) {
		c.post(func() {
			if err != nil {
				if uerr := c.periph.UnregisterApplication(); uerr != nil {
					c.logger.WithError(uerr).Debug("Unpublish after failed registration")
				}
				c.fail(AdvertisingError, err)
				return
			}
			c.app.setRegistered(true)
			next()
		})
	})
}

// StartAdvertising registers the local application if needed and starts advertising.
// Service UUIDs default to the primary local services.
func (c *Controller) StartAdvertising(params AdvertisingParams) {
	c.post(func() { c.startAdvertising(params) })
}

func (c *Controller) startAdvertising(params AdvertisingParams) {
	if c.role != RolePeripheral {
		c.logger.Warn("StartAdvertising is only available in peripheral role")
		return
	}
	if c.State() != StateUnconnected {
		c.logger.WithField("state", c.State()).Debug("Ignoring advertising request")
		return
	}
	if len(params.ServiceUUIDs) == 0 {
		for _, svc := range c.db.Services() {
			if svc.typ == PrimaryService {
				params.ServiceUUIDs = append(params.ServiceUUIDs, svc.uuid)
			}
		}
	}
	c.setState(StateAdvertising)
	c.registerApplication(func() {
		if c.State() != StateAdvertising {
			return
		}
		c.periph.StartAdvertising(params, func(err error) {
			if err == nil {
				return
			}
			c.post(func() {
				if c.State() == StateAdvertising {
					c.fail(AdvertisingError, err)
				}
			})
		})
	})
}

// StopAdvertising stops advertising and returns to Unconnected.
func (c *Controller) StopAdvertising() {
	c.post(func() {
		if c.role != RolePeripheral || c.State() != StateAdvertising {
			return
		}
		if err := c.periph.StopAdvertising(); err != nil {
			c.logger.WithError(err).Warn("Stop advertising failed")
		}
		c.setState(StateUnconnected)
	})
}

func (c *Controller) disconnectClients() {
	if err := c.periph.DisconnectClients(); err != nil {
		c.logger.WithError(err).Warn("Disconnecting clients failed")
	}
	had := c.clients.len() > 0
	c.clients.clear()
	if had {
		c.clientsGone()
	}
}

func (c *Controller) clientsGone() {
	c.mu.Lock()
	c.remoteAddress, c.remoteName = "", ""
	c.mu.Unlock()
	c.queue.reset()
	c.setState(StateUnconnected)
	c.events.emit(Event{Type: EventDisconnected})
}

func (c *Controller) teardownApplication() {
	if c.State() == StateAdvertising {
		if err := c.periph.StopAdvertising(); err != nil {
			c.logger.WithError(err).Debug("Stop advertising on close")
		}
	}
	c.disconnectClients()
	if c.app.isRegistered() {
		if err := c.periph.UnregisterApplication(); err != nil {
			c.logger.WithError(err).Warn("Unregister application failed")
		}
		c.app.setRegistered(false)
	}
}

// ----------------------------
// Remote access
// ----------------------------

func (c *Controller) onAccess(ev AccessEvent) {
	log := c.logger.WithFields(logrus.Fields{
		"kind":   ev.Kind,
		"path":   ev.Path,
		"remote": ev.Remote,
	})
	log.Debug("Remote access")

	if ev.Kind == AccessRemoteDisconnected {
		c.clientLeft(ev.Remote)
		return
	}
	c.clientSeen(ev.Remote, ev.RemoteName)
	c.updateMTU(ev.MTU)

	reply := ev.Reply
	if reply == nil {
		reply = func(Result) {}
	}
	ref, ok := c.app.lookup(ev.Path)
	if !ok || ref.char == 0 {
		log.Warn("Access to unknown object")
		reply(Failure(ErrUnsupported))
		return
	}
	char, ok := c.db.characteristic(ref.service, ref.char)
	if !ok {
		reply(Failure(ErrUnsupported))
		return
	}
	var desc *Descriptor
	if ref.desc != 0 {
		if desc, ok = char.descriptors.Get(ref.desc); !ok {
			reply(Failure(ErrUnsupported))
			return
		}
	}

	var err error
	switch ev.Kind {
	case AccessRead:
		var value []byte
		if desc != nil {
			value = desc.Value()
		} else {
			value = char.Value()
		}
		// an offset equal to the length reads an empty tail; only offsets past it are invalid
		value, err = sliceRead(value, ev.Offset, ev.MTU)
		if err == nil {
			reply(Success(value))
		}
	case AccessWrite:
		err = c.remoteWrite(ev, char, desc)
		if err == nil {
			reply(Success(nil))
		}
	case AccessNotifyStart, AccessNotifyStop:
		c.setRemoteNotifying(char, ev.Kind == AccessNotifyStart)
	}
	if err != nil {
		log.WithError(err).Warn("Remote access rejected")
		reply(Failure(err))
	}
}

// sliceRead returns at most mtu bytes of value starting at offset.
func sliceRead(value []byte, offset, mtu int) ([]byte, error) {
	if offset < 0 || offset > len(value) {
		return nil, ErrInvalidOffset
	}
	value = value[offset:]
	if mtu > 0 && len(value) > mtu {
		value = value[:mtu]
	}
	return value, nil
}

func (c *Controller) remoteWrite(ev AccessEvent, char *Characteristic, desc *Descriptor) error {
	if ev.PrepareAuthorize {
		return ErrNotAuthorized
	}
	svc, _ := c.db.service(char.service)
	if desc != nil {
		if isCCCD(desc.uuid) {
			return ErrWriteNotPermitted
		}
		value, err := splice(desc.Value(), ev.Offset, ev.Value)
		if err != nil {
			return err
		}
		c.db.setDescriptorValue(desc, clampValue(value))
		c.events.emit(Event{
			Type: EventDescriptorWritten, Service: svc, ServiceUUID: char.service,
			Characteristic: char, Descriptor: desc, Value: desc.Value(),
		})
		return nil
	}

	value, err := splice(char.Value(), ev.Offset, ev.Value)
	if err != nil {
		return err
	}
	if len(value) > MaxAttributeLength {
		return ErrInvalidValueLength
	}
	if err := c.db.setCharacteristicValue(char, value); err != nil {
		return err
	}
	c.events.emit(Event{
		Type: EventCharacteristicChanged, Service: svc, ServiceUUID: char.service,
		Characteristic: char, Value: char.Value(),
	})
	return nil
}

// splice writes value into current at offset.
func splice(current []byte, offset int, value []byte) ([]byte, error) {
	if offset == 0 {
		return append([]byte(nil), value...), nil
	}
	if offset < 0 || offset > len(current) {
		return nil, ErrInvalidOffset
	}
	out := append([]byte(nil), current[:offset]...)
	return append(out, value...), nil
}

func (c *Controller) setRemoteNotifying(char *Characteristic, on bool) {
	c.db.setNotifying(char, on)
	cccd := char.descriptorByUUID(UUIDClientCharacteristicConfiguration)
	if cccd == nil {
		return
	}
	value := cccdDisabled
	if on {
		value = cccdNotify
		if !char.props.Has(PropNotify) && char.props.Has(PropIndicate) {
			value = cccdIndicate
		}
	}
	c.db.setDescriptorValue(cccd, value)
	svc, _ := c.db.service(char.service)
	c.events.emit(Event{
		Type: EventDescriptorWritten, Service: svc, ServiceUUID: char.service,
		Characteristic: char, Descriptor: cccd, Value: append([]byte(nil), value...),
	})
}

func (c *Controller) clientSeen(addr, name string) {
	if !c.clients.add(addr, name) {
		return
	}
	c.mu.Lock()
	c.remoteAddress, c.remoteName = addr, name
	c.mu.Unlock()
	c.logger.WithField("remote", addr).Info("Remote client connected")
	c.setState(StateConnected)
	c.events.emit(Event{Type: EventConnected})
}

func (c *Controller) clientLeft(addr string) {
	next, empty := c.clients.remove(addr)
	c.logger.WithFields(logrus.Fields{"remote": addr, "remaining": c.clients.len()}).Info("Remote client disconnected")
	if empty {
		if c.State() == StateConnected {
			c.clientsGone()
		}
		return
	}
	c.mu.Lock()
	c.remoteAddress, c.remoteName = next, c.clients.name(next)
	c.mu.Unlock()
}

// issueLocal serves queued operations against the local database. Characteristic writes
// that land on a subscribed characteristic are pushed to the remote clients.
func (c *Controller) issueLocal(job *Job, t jobTarget, done func(Result)) {
	switch job.Kind {
	case CharRead:
		done(Success(t.char.Value()))
	case CharWrite:
		if err := c.db.setCharacteristicValue(t.char, job.Value); err != nil {
			done(Failure(err))
			return
		}
		if t.char.notifying && t.char.props.Any(PropNotify|PropIndicate) {
			path := c.app.path(attrRef{service: t.service.uuid, char: t.char.handle})
			if err := c.periph.NotifyValueChanged(path, job.Value); err != nil {
				c.logger.WithError(err).WithField("path", path).Warn("Value change notification failed")
			}
		}
		done(Success(nil))
	case DescRead:
		done(Success(t.desc.Value()))
	case DescWrite:
		if isCCCD(t.desc.uuid) {
			done(Failure(ErrWriteNotPermitted))
			return
		}
		done(Success(nil))
	}
}
