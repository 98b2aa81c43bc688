package gatt

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Handle is a connection-scoped attribute handle. Zero is never allocated.
type Handle uint16

func (h Handle) String() string {
	return fmt.Sprintf("0x%04x", uint16(h))
}

// firstHandle is where allocation starts for every connection.
const firstHandle Handle = 1

// ServiceState tracks a service through discovery.
type ServiceState int

const (
	InvalidService ServiceState = iota
	RemoteService
	RemoteServiceDiscovering
	RemoteServiceDiscovered
	LocalService
)

func (s ServiceState) String() string {
	switch s {
	case RemoteService:
		return "remote_service"
	case RemoteServiceDiscovering:
		return "remote_service_discovering"
	case RemoteServiceDiscovered:
		return "remote_service_discovered"
	case LocalService:
		return "local_service"
	default:
		return "invalid_service"
	}
}

// ServiceType distinguishes primary and secondary services.
type ServiceType int

const (
	PrimaryService ServiceType = iota
	SecondaryService
)

func (t ServiceType) String() string {
	if t == SecondaryService {
		return "secondary"
	}
	return "primary"
}

// serviceOps is implemented by the controller; services delegate their operations to it.
type serviceOps interface {
	discoverDetails(svc *Service, mode DiscoveryMode)
	readCharacteristic(svc *Service, char *Characteristic)
	writeCharacteristic(svc *Service, char *Characteristic, value []byte, mode WriteMode)
	readDescriptor(svc *Service, desc *Descriptor)
	writeDescriptor(svc *Service, desc *Descriptor, value []byte)
}

// ----------------------------
// Entities
// ----------------------------

// Service is a shared view of one service in the database. All views of the same UUID
// point to the same entity and observe the same state transitions.
type Service struct {
	db      *Database
	uuid    uuid.UUID
	typ     ServiceType
	address string
	battery bool

	state    ServiceState
	start    Handle
	end      Handle
	included []uuid.UUID

	characteristics *orderedmap.OrderedMap[Handle, *Characteristic]
}

// Characteristic belongs to exactly one service, referenced by UUID.
type Characteristic struct {
	db      *Database
	service uuid.UUID
	handle  Handle
	vhandle Handle
	uuid    uuid.UUID
	props   Properties
	address string

	value  []byte
	minLen int
	maxLen int

	notifying   bool
	unsubscribe func()

	descriptors *orderedmap.OrderedMap[Handle, *Descriptor]
}

// Descriptor belongs to exactly one characteristic, referenced by handle.
type Descriptor struct {
	db      *Database
	service uuid.UUID
	char    Handle
	handle  Handle
	uuid    uuid.UUID
	address string
	value   []byte
}

func (s *Service) UUID() uuid.UUID { return s.uuid }

func (s *Service) Type() ServiceType {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.typ
}

func (s *Service) IsPrimary() bool { return s.Type() == PrimaryService }

func (s *Service) State() ServiceState {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.state
}

func (s *Service) StartHandle() Handle {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.start
}

func (s *Service) EndHandle() Handle {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.end
}

// IncludedServices returns the UUIDs of services included by this one.
func (s *Service) IncludedServices() []uuid.UUID {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return append([]uuid.UUID(nil), s.included...)
}

// Characteristics returns the characteristics in listing order.
func (s *Service) Characteristics() []*Characteristic {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]*Characteristic, 0, s.characteristics.Len())
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Characteristic returns the first characteristic with the given UUID, or nil.
func (s *Service) Characteristic(u uuid.UUID) *Characteristic {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for pair := s.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.uuid == u {
			return pair.Value
		}
	}
	return nil
}

// DiscoverDetails populates characteristics and descriptors of a remote service.
func (s *Service) DiscoverDetails(mode DiscoveryMode) {
	s.db.ops.discoverDetails(s, mode)
}

func (s *Service) ReadCharacteristic(c *Characteristic) {
	s.db.ops.readCharacteristic(s, c)
}

func (s *Service) WriteCharacteristic(c *Characteristic, value []byte, mode WriteMode) {
	s.db.ops.writeCharacteristic(s, c, value, mode)
}

func (s *Service) ReadDescriptor(d *Descriptor) {
	s.db.ops.readDescriptor(s, d)
}

func (s *Service) WriteDescriptor(d *Descriptor, value []byte) {
	s.db.ops.writeDescriptor(s, d, value)
}

func (c *Characteristic) UUID() uuid.UUID        { return c.uuid }
func (c *Characteristic) Handle() Handle         { return c.handle }
func (c *Characteristic) ValueHandle() Handle    { return c.vhandle }
func (c *Characteristic) Properties() Properties { return c.props }
func (c *Characteristic) ServiceUUID() uuid.UUID { return c.service }
func (c *Characteristic) MinLength() int         { return c.minLen }
func (c *Characteristic) MaxLength() int         { return c.maxLen }

// Value returns a copy of the last known value.
func (c *Characteristic) Value() []byte {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	return append([]byte(nil), c.value...)
}

// IsValid reports whether the characteristic is still part of the database.
func (c *Characteristic) IsValid() bool {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	found, ok := c.db.characteristic(c.service, c.handle)
	return ok && found == c
}

// Descriptors returns the descriptors in listing order.
func (c *Characteristic) Descriptors() []*Descriptor {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	out := make([]*Descriptor, 0, c.descriptors.Len())
	for pair := c.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Descriptor returns the first descriptor with the given UUID, or nil.
func (c *Characteristic) Descriptor(u uuid.UUID) *Descriptor {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()
	return c.descriptorByUUID(u)
}

func (c *Characteristic) descriptorByUUID(u uuid.UUID) *Descriptor {
	for pair := c.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.uuid == u {
			return pair.Value
		}
	}
	return nil
}

func (d *Descriptor) UUID() uuid.UUID              { return d.uuid }
func (d *Descriptor) Handle() Handle               { return d.handle }
func (d *Descriptor) CharacteristicHandle() Handle { return d.char }
func (d *Descriptor) ServiceUUID() uuid.UUID       { return d.service }

func (d *Descriptor) Value() []byte {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	return append([]byte(nil), d.value...)
}

func (d *Descriptor) IsValid() bool {
	d.db.mu.RLock()
	defer d.db.mu.RUnlock()
	found, ok := d.db.descriptor(d.service, d.char, d.handle)
	return ok && found == d
}

// ----------------------------
// Database
// ----------------------------

// Database holds the attribute hierarchy of one controller. Mutations run on the
// controller's executor under mu; consumer accessors take the read lock.
type Database struct {
	mu       sync.RWMutex
	ops      serviceOps
	services *orderedmap.OrderedMap[uuid.UUID, *Service]
	next     Handle
}

// NewDatabase creates an empty database. ops receives service-level operations.
func NewDatabase(ops serviceOps) *Database {
	return &Database{
		ops:      ops,
		services: orderedmap.New[uuid.UUID, *Service](),
		next:     firstHandle,
	}
}

// Services returns every service in discovery order.
func (db *Database) Services() []*Service {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Service, 0, db.services.Len())
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Lookup returns the service with the given UUID.
func (db *Database) Lookup(u uuid.UUID) (*Service, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.service(u)
}

// insertService adds a service or returns the existing one with its type updated.
func (db *Database) insertService(u uuid.UUID, typ ServiceType, address string, state ServiceState) *Service {
	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.services.Get(u); ok {
		existing.typ = typ
		if address != "" {
			existing.address = address
		}
		return existing
	}
	svc := &Service{
		db:              db,
		uuid:            u,
		typ:             typ,
		address:         address,
		state:           state,
		characteristics: orderedmap.New[Handle, *Characteristic](),
	}
	db.services.Set(u, svc)
	return svc
}

func (db *Database) allocateHandle() Handle {
	h := db.next
	db.next++
	return h
}

// service, characteristic and descriptor expect the caller to hold mu or run on the executor.
func (db *Database) service(u uuid.UUID) (*Service, bool) {
	return db.services.Get(u)
}

func (db *Database) characteristic(svcUUID uuid.UUID, h Handle) (*Characteristic, bool) {
	svc, ok := db.services.Get(svcUUID)
	if !ok {
		return nil, false
	}
	return svc.characteristics.Get(h)
}

func (db *Database) descriptor(svcUUID uuid.UUID, charHandle, descHandle Handle) (*Descriptor, bool) {
	char, ok := db.characteristic(svcUUID, charHandle)
	if !ok {
		return nil, false
	}
	return char.descriptors.Get(descHandle)
}

func (db *Database) serviceByAddress(address string) (*Service, bool) {
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.address == address {
			return pair.Value, true
		}
	}
	return nil, false
}

// lookupByHandle resolves any attribute handle to its entity.
func (db *Database) lookupByHandle(h Handle) (any, bool) {
	for sp := db.services.Oldest(); sp != nil; sp = sp.Next() {
		svc := sp.Value
		if svc.start == h {
			return svc, true
		}
		for cp := svc.characteristics.Oldest(); cp != nil; cp = cp.Next() {
			char := cp.Value
			if char.handle == h || char.vhandle == h {
				return char, true
			}
			if desc, ok := char.descriptors.Get(h); ok {
				return desc, true
			}
		}
	}
	return nil, false
}

func (db *Database) addCharacteristic(svc *Service, u uuid.UUID, props Properties, address string) *Characteristic {
	db.mu.Lock()
	defer db.mu.Unlock()
	char := &Characteristic{
		db:          db,
		service:     svc.uuid,
		handle:      db.allocateHandle(),
		vhandle:     db.allocateHandle(),
		uuid:        u,
		props:       props,
		address:     address,
		descriptors: orderedmap.New[Handle, *Descriptor](),
	}
	svc.characteristics.Set(char.handle, char)
	return char
}

func (db *Database) addDescriptor(char *Characteristic, u uuid.UUID, address string, value []byte) *Descriptor {
	db.mu.Lock()
	defer db.mu.Unlock()
	desc := &Descriptor{
		db:      db,
		service: char.service,
		char:    char.handle,
		handle:  db.allocateHandle(),
		uuid:    u,
		address: address,
		value:   value,
	}
	char.descriptors.Set(desc.handle, desc)
	return desc
}

func (db *Database) setServiceState(svc *Service, state ServiceState) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if svc.state == state {
		return false
	}
	svc.state = state
	return true
}

func (db *Database) setServiceRange(svc *Service, start, end Handle) {
	db.mu.Lock()
	defer db.mu.Unlock()
	svc.start = start
	svc.end = end
}

// checkLength enforces [minLen, maxLen]; a zero maxLen leaves the value unconstrained.
func (c *Characteristic) checkLength(value []byte) error {
	if c.maxLen == 0 {
		return nil
	}
	if len(value) < c.minLen || len(value) > c.maxLen {
		return fmt.Errorf("%w: %d bytes outside [%d, %d]", ErrInvalidValueLength, len(value), c.minLen, c.maxLen)
	}
	return nil
}

// setCharacteristicValue applies value unless it violates the length bounds.
func (db *Database) setCharacteristicValue(char *Characteristic, value []byte) error {
	if err := char.checkLength(value); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	char.value = append([]byte(nil), value...)
	return nil
}

func (db *Database) setDescriptorValue(desc *Descriptor, value []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()
	desc.value = append([]byte(nil), value...)
}

func (db *Database) setNotifying(char *Characteristic, on bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	char.notifying = on
}

// clearService drops the children of svc ahead of a rediscovery.
func (db *Database) clearService(svc *Service) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.clearServiceLocked(svc)
}

func (db *Database) clearServiceLocked(svc *Service) {
	for pair := svc.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.unsubscribe != nil {
			pair.Value.unsubscribe()
			pair.Value.unsubscribe = nil
		}
		pair.Value.value = nil
	}
	svc.characteristics = orderedmap.New[Handle, *Characteristic]()
	svc.start, svc.end = 0, 0
}

// invalidateService marks one service invalid and removes it.
func (db *Database) invalidateService(u uuid.UUID) (*Service, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	svc, ok := db.services.Get(u)
	if !ok {
		return nil, false
	}
	db.clearServiceLocked(svc)
	svc.state = InvalidService
	db.services.Delete(u)
	return svc, true
}

// invalidateAll marks every service invalid, cancels value subscriptions and resets the
// handle counter. Calling it on an empty database is a no-op.
func (db *Database) invalidateAll() []*Service {
	db.mu.Lock()
	defer db.mu.Unlock()
	var invalidated []*Service
	for pair := db.services.Oldest(); pair != nil; pair = pair.Next() {
		db.clearServiceLocked(pair.Value)
		pair.Value.state = InvalidService
		invalidated = append(invalidated, pair.Value)
	}
	db.services = orderedmap.New[uuid.UUID, *Service]()
	db.next = firstHandle
	return invalidated
}
