package testutils

import (
	"sync"

	"github.com/srg/blegatt/internal/gatt"
)

// Notification records one NotifyValueChanged call.
type Notification struct {
	Path  string
	Value []byte
}

// FakePeripheral is an in-memory peripheral-role transport. Remote clients are simulated
// with Read, Write, StartNotify and Leave.
type FakePeripheral struct {
	*FakeTransport

	pmu           sync.Mutex
	access        func(gatt.AccessEvent)
	objects       []gatt.PublishedObject
	registerErr   error
	advertiseErr  error
	advertising   bool
	advertised    gatt.AdvertisingParams
	registrations int
	unregisters   int
	notifications []Notification
	kicked        int
}

// NewFakePeripheral creates a peripheral fake
func NewFakePeripheral() *FakePeripheral {
	return &FakePeripheral{FakeTransport: newFakeTransport(DefaultRemoteAddress)}
}

func (p *FakePeripheral) SetAccessHandler(fn func(gatt.AccessEvent)) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.access = fn
}

func (p *FakePeripheral) RegisterApplication(objects []gatt.PublishedObject, done func(error)) {
	p.pmu.Lock()
	p.registrations++
	err := p.registerErr
	if err == nil {
		p.objects = objects
	}
	p.pmu.Unlock()
	done(err)
}

func (p *FakePeripheral) UnregisterApplication() error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.unregisters++
	p.objects = nil
	return nil
}

func (p *FakePeripheral) NotifyValueChanged(path string, value []byte) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.notifications = append(p.notifications, Notification{Path: path, Value: append([]byte(nil), value...)})
	return nil
}

func (p *FakePeripheral) StartAdvertising(params gatt.AdvertisingParams, done func(error)) {
	p.pmu.Lock()
	err := p.advertiseErr
	if err == nil {
		p.advertising = true
		p.advertised = params
	}
	p.pmu.Unlock()
	done(err)
}

func (p *FakePeripheral) StopAdvertising() error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.advertising = false
	return nil
}

func (p *FakePeripheral) DisconnectClients() error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.kicked++
	return nil
}

// ----------------------------
// Scripting
// ----------------------------

// FailRegistration makes RegisterApplication fail with err
func (p *FakePeripheral) FailRegistration(err error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.registerErr = err
}

// FailAdvertising makes StartAdvertising fail with err
func (p *FakePeripheral) FailAdvertising(err error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.advertiseErr = err
}

// Objects returns the currently published objects
func (p *FakePeripheral) Objects() []gatt.PublishedObject {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return append([]gatt.PublishedObject(nil), p.objects...)
}

// Object returns the published object with the given UUID, or false
func (p *FakePeripheral) Object(kind gatt.AttributeKind, uuid string) (gatt.PublishedObject, bool) {
	for _, o := range p.Objects() {
		if o.Kind == kind && o.UUID.String() == uuid {
			return o, true
		}
	}
	return gatt.PublishedObject{}, false
}

func (p *FakePeripheral) Registrations() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.registrations
}

func (p *FakePeripheral) Unregisters() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.unregisters
}

func (p *FakePeripheral) Advertising() (bool, gatt.AdvertisingParams) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.advertising, p.advertised
}

func (p *FakePeripheral) Notifications() []Notification {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return append([]Notification(nil), p.notifications...)
}

// Access delivers a remote access and returns the reply, if one was given before the
// handler returned.
func (p *FakePeripheral) Access(ev gatt.AccessEvent) (gatt.Result, bool) {
	p.pmu.Lock()
	fn := p.access
	p.pmu.Unlock()

	var (
		mu      sync.Mutex
		result  gatt.Result
		replied bool
	)
	ev.Reply = func(r gatt.Result) {
		mu.Lock()
		defer mu.Unlock()
		result, replied = r, true
	}
	if fn != nil {
		fn(ev)
	}
	mu.Lock()
	defer mu.Unlock()
	return result, replied
}

// Read simulates a remote read of path
func (p *FakePeripheral) Read(remote, path string, offset, mtu int) (gatt.Result, bool) {
	return p.Access(gatt.AccessEvent{Kind: gatt.AccessRead, Path: path, Remote: remote, Offset: offset, MTU: mtu})
}

// Write simulates a remote write of path
func (p *FakePeripheral) Write(remote, path string, value []byte) (gatt.Result, bool) {
	return p.Access(gatt.AccessEvent{Kind: gatt.AccessWrite, Path: path, Remote: remote, Value: value})
}

// StartNotify simulates a remote client subscribing to path
func (p *FakePeripheral) StartNotify(remote, path string) {
	p.Access(gatt.AccessEvent{Kind: gatt.AccessNotifyStart, Path: path, Remote: remote})
}

// Leave simulates a remote client disconnecting
func (p *FakePeripheral) Leave(remote string) {
	p.Access(gatt.AccessEvent{Kind: gatt.AccessRemoteDisconnected, Remote: remote})
}
