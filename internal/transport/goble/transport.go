// Package goble binds the GATT controller to github.com/go-ble/ble. One Transport serves
// both roles: as a central it dials a remote device and walks its discovered profile, as a
// peripheral it turns the published objects into a ble.Service tree and forwards remote
// access to the controller.
package goble

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
)

// Options configures a Transport.
type Options struct {
	// ConnectTimeout bounds dialing and profile discovery.
	ConnectTimeout time.Duration `default:"30s"`
	// AccessTimeout bounds how long a remote read or write waits for the controller.
	AccessTimeout time.Duration `default:"5s"`
	// SkipMTUExchange keeps the default ATT MTU instead of requesting ble.MaxMTU.
	SkipMTUExchange bool
}

// Transport implements gatt.Transport, gatt.NotifyToggler and gatt.PeripheralTransport on
// top of a go-ble device. The device is created lazily through DeviceFactory.
type Transport struct {
	logger *logrus.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	devMu sync.Mutex
	dev   Device

	handlerMu sync.RWMutex
	onLink    func(gatt.LinkEvent)
	onAccess  func(gatt.AccessEvent)

	central    *central
	peripheral *peripheral
}

// New creates a transport. Zero option fields take their defaults.
func New(logger *logrus.Logger, opts Options) *Transport {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	t.central = &central{
		t:         t,
		attrs:     hashmap.New[string, *attribute](),
		listeners: hashmap.New[string, *listenerSet](),
	}
	t.peripheral = &peripheral{
		t:         t,
		objects:   hashmap.New[string, *published](),
		notifiers: hashmap.New[string, *notifierSet](),
		conns:     hashmap.New[string, ble.Conn](),
	}
	return t
}

// device returns the shared go-ble device, creating it on first use.
func (t *Transport) device() (Device, error) {
	t.devMu.Lock()
	defer t.devMu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: NormalizeError(err)}
	}
	t.dev = dev
	return dev, nil
}

func (t *Transport) SetLinkHandler(fn func(gatt.LinkEvent)) {
	t.handlerMu.Lock()
	t.onLink = fn
	t.handlerMu.Unlock()
}

func (t *Transport) SetAccessHandler(fn func(gatt.AccessEvent)) {
	t.handlerMu.Lock()
	t.onAccess = fn
	t.handlerMu.Unlock()
}

func (t *Transport) emitLink(ev gatt.LinkEvent) {
	t.handlerMu.RLock()
	fn := t.onLink
	t.handlerMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (t *Transport) emitAccess(ev gatt.AccessEvent) bool {
	t.handlerMu.RLock()
	fn := t.onAccess
	t.handlerMu.RUnlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

// Close stops every background goroutine and releases the device.
func (t *Transport) Close() error {
	t.cancel()
	t.central.drop()

	t.devMu.Lock()
	defer t.devMu.Unlock()
	if t.dev == nil {
		return nil
	}
	err := t.dev.Stop()
	t.dev = nil
	return NormalizeError(err)
}

// ----------------------------
// Central role
// ----------------------------

func (t *Transport) Connect(remote string, done func(gatt.Result)) {
	t.central.connect(remote, done)
}

func (t *Transport) Disconnect(remote string, done func(gatt.Result)) {
	t.central.disconnect(remote, done)
}

func (t *Transport) ListAttributes(root string, done func([]gatt.AttributeEntry, error)) {
	t.central.list(root, done)
}

func (t *Transport) ReadValue(address string, offset, mtu int, done func(gatt.Result)) {
	t.central.read(address, offset, done)
}

func (t *Transport) WriteValue(address string, value []byte, mode gatt.WriteMode, done func(gatt.Result)) {
	t.central.write(address, value, mode, done)
}

func (t *Transport) SubscribeValueChanges(address string, fn func([]byte)) (func(), error) {
	return t.central.subscribe(address, fn)
}

func (t *Transport) SetNotifying(address string, cccd []byte, done func(gatt.Result)) {
	t.central.setNotifying(address, cccd, done)
}

// ----------------------------
// Peripheral role
// ----------------------------

func (t *Transport) RegisterApplication(objects []gatt.PublishedObject, done func(error)) {
	t.peripheral.register(objects, done)
}

func (t *Transport) UnregisterApplication() error {
	return t.peripheral.unregister()
}

func (t *Transport) NotifyValueChanged(path string, value []byte) error {
	return t.peripheral.notify(path, value)
}

func (t *Transport) StartAdvertising(params gatt.AdvertisingParams, done func(error)) {
	t.peripheral.advertise(params, done)
}

func (t *Transport) StopAdvertising() error {
	return t.peripheral.stopAdvertising()
}

func (t *Transport) DisconnectClients() error {
	return t.peripheral.disconnectClients()
}
