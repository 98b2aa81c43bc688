// Package bluez binds the GATT controller to the BlueZ D-Bus API. It is a central-role
// transport: BlueZ owns the CCCD, so notifications are toggled with StartNotify and
// StopNotify, and a battery claimed by the BlueZ battery plugin is exposed through the
// narrow org.bluez.Battery1 interface.
package bluez

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
)

// Options configures a Transport.
type Options struct {
	// Adapter is the local controller name, e.g. hci0.
	Adapter string `default:"hci0"`
	// ConnectTimeout bounds Device1.Connect.
	ConnectTimeout time.Duration `default:"30s"`
	// CallTimeout bounds every other method call.
	CallTimeout time.Duration `default:"10s"`
}

// objectKind tells which BlueZ interface serves an attribute address.
type objectKind int

const (
	kindService objectKind = iota
	kindCharacteristic
	kindDescriptor
)

// Transport implements gatt.Transport, gatt.NotifyToggler and gatt.BatteryInterface over
// BlueZ. Attribute addresses are BlueZ object paths.
type Transport struct {
	logger *logrus.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	busMu   sync.Mutex
	bus     Bus
	signals chan *dbus.Signal

	handlerMu sync.RWMutex
	onLink    func(gatt.LinkEvent)

	mu         sync.Mutex
	remote     string
	device     dbus.ObjectPath
	connected  bool
	requested  bool
	mtu        int
	peripheral bool
	probed     bool

	kinds     *hashmap.Map[string, objectKind]
	notifying *hashmap.Map[string, bool]
	listeners *hashmap.Map[string, *listenerSet]
	batteries *hashmap.Map[string, *batterySet]
}

// New creates a transport. Zero option fields take their defaults. The bus is opened on
// first use.
func New(logger *logrus.Logger, opts Options) *Transport {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		kinds:     hashmap.New[string, objectKind](),
		notifying: hashmap.New[string, bool](),
		listeners: hashmap.New[string, *listenerSet](),
		batteries: hashmap.New[string, *batterySet](),
	}
}

// getBus returns the shared bus, opening it and starting the signal pump on first use.
func (t *Transport) getBus() (Bus, error) {
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.bus != nil {
		return t.bus, nil
	}
	bus, err := BusFactory()
	if err != nil {
		return nil, &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err}
	}
	if err := t.watch(bus); err != nil {
		return nil, &gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err}
	}
	t.bus = bus
	return bus, nil
}

func (t *Transport) SetLinkHandler(fn func(gatt.LinkEvent)) {
	t.handlerMu.Lock()
	t.onLink = fn
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

// PeripheralSupported reports whether the adapter exposes org.bluez.GattManager1. It is
// probed once, on the first connect.
func (t *Transport) PeripheralSupported() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peripheral
}

// callContext bounds a method call.
func (t *Transport) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, t.opts.CallTimeout)
}

// Close stops the signal pump. The system bus connection is shared and stays open.
func (t *Transport) Close() error {
	t.cancel()
	t.busMu.Lock()
	defer t.busMu.Unlock()
	if t.bus != nil && t.signals != nil {
		t.unwatch(t.bus)
	}
	t.bus = nil
	return nil
}
