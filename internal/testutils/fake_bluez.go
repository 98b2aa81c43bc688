package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blegatt/internal/transport/bluez"
)

// BusCall records one method call made on the fake bus.
type BusCall struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

// FakeBlueZ is an in-memory BlueZ object tree behind the bluez.Bus interface. Method
// calls mutate the tree and emit the PropertiesChanged and InterfacesRemoved signals the
// real daemon would.
type FakeBlueZ struct {
	mu       sync.Mutex
	adapter  dbus.ObjectPath
	objects  bluez.ManagedObjects
	signals  []chan<- *dbus.Signal
	matches  int
	calls    []BusCall
	failures map[string]error
	// ResolveOnConnect sets ServicesResolved right after Connected. It defaults to true.
	ResolveOnConnect bool
}

// NewFakeBlueZ creates a tree holding one powered adapter that supports GattManager1.
func NewFakeBlueZ(adapter string) *FakeBlueZ {
	path := dbus.ObjectPath("/org/bluez/" + adapter)
	return &FakeBlueZ{
		adapter: path,
		objects: bluez.ManagedObjects{
			path: {
				"org.bluez.Adapter1": {
					"Address": dbus.MakeVariant("00:11:22:33:44:55"),
					"Powered": dbus.MakeVariant(true),
				},
				"org.bluez.GattManager1": {},
			},
		},
		failures:         make(map[string]error),
		ResolveOnConnect: true,
	}
}

// AddDevice adds a known, unconnected device.
func (b *FakeBlueZ) AddDevice(address string) dbus.ObjectPath {
	path := dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", b.adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
	b.set(path, "org.bluez.Device1", map[string]dbus.Variant{
		"Address":          dbus.MakeVariant(address),
		"Connected":        dbus.MakeVariant(false),
		"ServicesResolved": dbus.MakeVariant(false),
	})
	return path
}

// AddService adds a GATT service numbered index under device.
func (b *FakeBlueZ) AddService(device dbus.ObjectPath, index int, uuid string, primary bool) dbus.ObjectPath {
	path := dbus.ObjectPath(fmt.Sprintf("%s/service%04x", device, index))
	b.set(path, "org.bluez.GattService1", map[string]dbus.Variant{
		"UUID":    dbus.MakeVariant(uuid),
		"Device":  dbus.MakeVariant(device),
		"Primary": dbus.MakeVariant(primary),
	})
	return path
}

// AddCharacteristic adds a characteristic numbered index under service.
func (b *FakeBlueZ) AddCharacteristic(service dbus.ObjectPath, index int, uuid string, flags []string, value []byte) dbus.ObjectPath {
	path := dbus.ObjectPath(fmt.Sprintf("%s/char%04x", service, index))
	b.set(path, "org.bluez.GattCharacteristic1", map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(uuid),
		"Service":   dbus.MakeVariant(service),
		"Flags":     dbus.MakeVariant(flags),
		"Value":     dbus.MakeVariant(value),
		"Notifying": dbus.MakeVariant(false),
		"MTU":       dbus.MakeVariant(uint16(185)),
	})
	return path
}

// AddDescriptor adds a descriptor numbered index under char.
func (b *FakeBlueZ) AddDescriptor(char dbus.ObjectPath, index int, uuid string, value []byte) dbus.ObjectPath {
	path := dbus.ObjectPath(fmt.Sprintf("%s/desc%04x", char, index))
	b.set(path, "org.bluez.GattDescriptor1", map[string]dbus.Variant{
		"UUID":           dbus.MakeVariant(uuid),
		"Characteristic": dbus.MakeVariant(char),
		"Value":          dbus.MakeVariant(value),
	})
	return path
}

// AddBattery exposes org.bluez.Battery1 on device.
func (b *FakeBlueZ) AddBattery(device dbus.ObjectPath, level byte) {
	b.set(device, "org.bluez.Battery1", map[string]dbus.Variant{
		"Percentage": dbus.MakeVariant(level),
	})
}

func (b *FakeBlueZ) set(path dbus.ObjectPath, iface string, props map[string]dbus.Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects[path] == nil {
		b.objects[path] = make(map[string]map[string]dbus.Variant)
	}
	b.objects[path][iface] = props
}

// Fail makes every call of method (e.g. "org.bluez.Device1.Connect") return err.
func (b *FakeBlueZ) Fail(method string, err error) {
	b.mu.Lock()
	b.failures[method] = err
	b.mu.Unlock()
}

// BlueZError builds a BlueZ D-Bus error.
func BlueZError(name string) error {
	return dbus.NewError(name, []interface{}{name})
}

// SetProperty changes a property and emits PropertiesChanged.
func (b *FakeBlueZ) SetProperty(path dbus.ObjectPath, iface, name string, value interface{}) {
	b.mu.Lock()
	if props, ok := b.objects[path][iface]; ok {
		props[name] = dbus.MakeVariant(value)
	}
	b.mu.Unlock()
	b.emit(&dbus.Signal{
		Sender: "org.bluez",
		Path:   path,
		Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
		Body:   []interface{}{iface, map[string]dbus.Variant{name: dbus.MakeVariant(value)}, []string{}},
	})
}

// Notify simulates a notification on a characteristic.
func (b *FakeBlueZ) Notify(char dbus.ObjectPath, value []byte) {
	b.SetProperty(char, "org.bluez.GattCharacteristic1", "Value", value)
}

// RemoveInterfaces drops interfaces from path and emits InterfacesRemoved.
func (b *FakeBlueZ) RemoveInterfaces(path dbus.ObjectPath, ifaces ...string) {
	b.mu.Lock()
	for _, iface := range ifaces {
		delete(b.objects[path], iface)
	}
	if len(b.objects[path]) == 0 {
		delete(b.objects, path)
	}
	b.mu.Unlock()
	b.emit(&dbus.Signal{
		Sender: "org.bluez",
		Path:   "/",
		Name:   "org.freedesktop.DBus.ObjectManager.InterfacesRemoved",
		Body:   []interface{}{path, ifaces},
	})
}

func (b *FakeBlueZ) emit(sig *dbus.Signal) {
	b.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), b.signals...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

// Calls returns the recorded calls of method, or every call when method is empty.
func (b *FakeBlueZ) Calls(method string) []BusCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []BusCall
	for _, c := range b.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Subscribed reports whether the transport is listening for signals.
func (b *FakeBlueZ) Subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matches > 0 && len(b.signals) > 0
}

// ----------------------------
// bluez.Bus
// ----------------------------

func (b *FakeBlueZ) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: b, dest: dest, path: path}
}

func (b *FakeBlueZ) AddMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	b.matches++
	b.mu.Unlock()
	return nil
}

func (b *FakeBlueZ) RemoveMatchSignal(options ...dbus.MatchOption) error {
	b.mu.Lock()
	b.matches--
	b.mu.Unlock()
	return nil
}

func (b *FakeBlueZ) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	b.signals = append(b.signals, ch)
	b.mu.Unlock()
}

func (b *FakeBlueZ) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.signals {
		if c == ch {
			b.signals = append(b.signals[:i], b.signals[i+1:]...)
			return
		}
	}
}

// snapshot copies the tree so callers never share maps with the fake.
func (b *FakeBlueZ) snapshot() bluez.ManagedObjects {
	out := make(bluez.ManagedObjects, len(b.objects))
	for path, ifaces := range b.objects {
		oi := make(map[string]map[string]dbus.Variant, len(ifaces))
		for iface, props := range ifaces {
			op := make(map[string]dbus.Variant, len(props))
			for k, v := range props {
				op[k] = v
			}
			oi[iface] = op
		}
		out[path] = oi
	}
	return out
}

func (b *FakeBlueZ) value(path dbus.ObjectPath, iface string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.objects[path][iface]
	if !ok {
		return nil, false
	}
	v, _ := props["Value"].Value().([]byte)
	return v, true
}

func (b *FakeBlueZ) handle(path dbus.ObjectPath, method string, args []interface{}) ([]interface{}, error) {
	b.mu.Lock()
	b.calls = append(b.calls, BusCall{Path: path, Method: method, Args: args})
	err := b.failures[method]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	dot := strings.LastIndex(method, ".")
	iface, member := method[:dot], method[dot+1:]
	switch {
	case member == "GetManagedObjects":
		b.mu.Lock()
		defer b.mu.Unlock()
		return []interface{}{b.snapshot()}, nil

	case iface == "org.bluez.Device1" && member == "Connect":
		b.SetProperty(path, iface, "Connected", true)
		if b.ResolveOnConnect {
			b.SetProperty(path, iface, "ServicesResolved", true)
		}
		return nil, nil

	case iface == "org.bluez.Device1" && member == "Disconnect":
		b.SetProperty(path, iface, "ServicesResolved", false)
		b.SetProperty(path, iface, "Connected", false)
		return nil, nil

	case member == "ReadValue":
		value, ok := b.value(path, iface)
		if !ok {
			return nil, BlueZError("org.freedesktop.DBus.Error.UnknownObject")
		}
		offset := 0
		if opts, ok := args[0].(map[string]dbus.Variant); ok {
			if v, ok := opts["offset"].Value().(uint16); ok {
				offset = int(v)
			}
		}
		if offset > len(value) {
			return nil, BlueZError("org.bluez.Error.InvalidOffset")
		}
		return []interface{}{append([]byte(nil), value[offset:]...)}, nil

	case member == "WriteValue":
		if _, ok := b.value(path, iface); !ok {
			return nil, BlueZError("org.freedesktop.DBus.Error.UnknownObject")
		}
		value, _ := args[0].([]byte)
		b.mu.Lock()
		b.objects[path][iface]["Value"] = dbus.MakeVariant(append([]byte(nil), value...))
		b.mu.Unlock()
		return nil, nil

	case member == "StartNotify":
		b.SetProperty(path, iface, "Notifying", true)
		return nil, nil

	case member == "StopNotify":
		b.SetProperty(path, iface, "Notifying", false)
		return nil, nil
	}
	return nil, BlueZError("org.freedesktop.DBus.Error.UnknownMethod")
}

func (b *FakeBlueZ) property(path dbus.ObjectPath, name string) (dbus.Variant, error) {
	dot := strings.LastIndex(name, ".")
	iface, prop := name[:dot], name[dot+1:]
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[path][iface][prop]
	if !ok {
		return dbus.Variant{}, BlueZError("org.freedesktop.DBus.Error.InvalidArgs")
	}
	return v, nil
}

// fakeObject routes calls on one path to the fake tree. Methods the transport does not
// use are left to the embedded nil interface.
type fakeObject struct {
	dbus.BusObject

	bus  *FakeBlueZ
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	return o.CallWithContext(context.Background(), method, flags, args...)
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	body, err := o.bus.handle(o.path, method, args)
	return &dbus.Call{
		Destination: o.dest,
		Path:        o.path,
		Method:      method,
		Args:        args,
		Body:        body,
		Err:         err,
	}
}

func (o *fakeObject) GetProperty(p string) (dbus.Variant, error) {
	return o.bus.property(o.path, p)
}

func (o *fakeObject) Destination() string   { return o.dest }
func (o *fakeObject) Path() dbus.ObjectPath { return o.path }
