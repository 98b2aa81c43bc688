package bluez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/groutine"
)

// fanout delivers values to every subscriber of one object.
type fanout[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func newFanout[T any]() *fanout[T] {
	return &fanout[T]{fns: make(map[int]func(T))}
}

// add registers fn and returns an idempotent cancel.
func (f *fanout[T]) add(fn func(T)) func() {
	f.mu.Lock()
	f.next++
	id := f.next
	f.fns[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.fns, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout[T]) dispatch(v T) {
	f.mu.Lock()
	fns := make([]func(T), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

type (
	listenerSet = fanout[[]byte]
	batterySet  = fanout[byte]
)

// ----------------------------
// Connection
// ----------------------------

func (t *Transport) Connect(remote string, done func(gatt.Result)) {
	groutine.Go(t.ctx, "bluez-connect", func(ctx context.Context) {
		done(t.connect(ctx, remote))
	})
}

func (t *Transport) connect(ctx context.Context, remote string) gatt.Result {
	log := t.logger.WithFields(logrus.Fields{
		"remote":  remote,
		"adapter": t.opts.Adapter,
	})

	bus, err := t.getBus()
	if err != nil {
		return gatt.Failure(err)
	}
	objects, err := managedObjects(bus)
	if err != nil {
		return gatt.Failure(&gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: err})
	}

	adapter, ok := objects[adapterPath(t.opts.Adapter)][ifaceAdapter]
	if !ok {
		return gatt.Failure(&gatt.ControllerError{
			Kind: gatt.InvalidAdapter,
			Err:  fmt.Errorf("adapter %s not found", t.opts.Adapter),
		})
	}
	if powered, ok := variantValue[bool](adapter, "Powered"); ok && !powered {
		return gatt.Failure(&gatt.ControllerError{Kind: gatt.InvalidAdapter, Err: ErrAdapterOff})
	}
	t.probePeripheral(objects)

	path := devicePath(t.opts.Adapter, remote)
	if _, ok := objects[path][ifaceDevice]; !ok {
		return gatt.Failure(&gatt.ControllerError{
			Kind: gatt.UnknownRemoteDevice,
			Err:  fmt.Errorf("device %s not known to %s", remote, t.opts.Adapter),
		})
	}

	t.mu.Lock()
	t.remote, t.device, t.requested = remote, path, false
	t.mu.Unlock()

	log.Info("Connecting")
	cctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	call := bus.Object(bluezBus, path).CallWithContext(cctx, ifaceDevice+".Connect", 0)
	if call.Err != nil && errorName(call.Err) != errAlreadyConnected {
		log.WithError(call.Err).Warn("Connect failed")
		t.mu.Lock()
		t.device = ""
		t.mu.Unlock()
		return gatt.Failure(NormalizeError(call.Err))
	}

	resolved, err := getProperty[bool](bus, path, ifaceDevice, "ServicesResolved")
	if err != nil {
		log.WithError(err).Debug("ServicesResolved not readable, waiting for signal")
	}

	t.mu.Lock()
	wasConnected := t.connected
	t.connected = true
	t.mu.Unlock()

	log.Info("Connected")
	if !wasConnected {
		t.emitLink(gatt.LinkEvent{Kind: gatt.LinkConnected})
	}
	if resolved {
		t.emitLink(gatt.LinkEvent{Kind: gatt.LinkServicesResolved})
	}
	return gatt.Success(nil)
}

// probePeripheral records once whether the adapter could serve a local application.
func (t *Transport) probePeripheral(objects ManagedObjects) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probed {
		return
	}
	t.probed = true
	_, t.peripheral = objects[adapterPath(t.opts.Adapter)][ifaceGattManager]
	t.logger.WithFields(logrus.Fields{
		"adapter":    t.opts.Adapter,
		"peripheral": t.peripheral,
	}).Debug("Adapter capabilities probed")
}

func (t *Transport) Disconnect(remote string, done func(gatt.Result)) {
	groutine.Go(t.ctx, "bluez-disconnect", func(ctx context.Context) {
		t.mu.Lock()
		path := t.device
		t.requested = true
		t.mu.Unlock()

		if path == "" {
			done(gatt.Success(nil))
			return
		}
		bus, err := t.getBus()
		if err != nil {
			done(gatt.Failure(err))
			return
		}

		cctx, cancel := t.callContext()
		defer cancel()
		call := bus.Object(bluezBus, path).CallWithContext(cctx, ifaceDevice+".Disconnect", 0)

		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.forget()

		if call.Err != nil && errorName(call.Err) != errNotConnected {
			done(gatt.Failure(NormalizeError(call.Err)))
			return
		}
		t.logger.WithField("remote", remote).Info("Disconnected")
		done(gatt.Success(nil))
	})
}

// forget drops everything learned about the remote device.
func (t *Transport) forget() {
	drop := func(keys []string, del func(string) bool) {
		for _, k := range keys {
			del(k)
		}
	}
	var keys []string
	t.kinds.Range(func(k string, _ objectKind) bool {
		keys = append(keys, k)
		return true
	})
	drop(keys, t.kinds.Del)

	keys = keys[:0]
	t.notifying.Range(func(k string, _ bool) bool {
		keys = append(keys, k)
		return true
	})
	drop(keys, t.notifying.Del)

	keys = keys[:0]
	t.listeners.Range(func(k string, _ *listenerSet) bool {
		keys = append(keys, k)
		return true
	})
	drop(keys, t.listeners.Del)

	keys = keys[:0]
	t.batteries.Range(func(k string, _ *batterySet) bool {
		keys = append(keys, k)
		return true
	})
	drop(keys, t.batteries.Del)

	t.mu.Lock()
	t.mtu = 0
	t.mu.Unlock()
}

// linked returns the bus and device path of the live connection.
func (t *Transport) linked() (Bus, dbus.ObjectPath, error) {
	t.mu.Lock()
	path, connected := t.device, t.connected
	t.mu.Unlock()
	if !connected || path == "" {
		return nil, "", ErrNotConnected
	}
	bus, err := t.getBus()
	if err != nil {
		return nil, "", err
	}
	return bus, path, nil
}

// ----------------------------
// Listing
// ----------------------------

func (t *Transport) ListAttributes(root string, done func([]gatt.AttributeEntry, error)) {
	groutine.Go(t.ctx, "bluez-list", func(ctx context.Context) {
		done(t.list(root))
	})
}

func (t *Transport) list(root string) ([]gatt.AttributeEntry, error) {
	bus, device, err := t.linked()
	if err != nil {
		return nil, err
	}
	objects, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	remote := t.remote
	t.mu.Unlock()
	if root == remote || root == string(device) {
		return t.listServices(objects, device), nil
	}
	if kind, ok := t.kinds.Get(root); !ok || kind != kindService {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, root)
	}
	return t.listService(objects, dbus.ObjectPath(root)), nil
}

// sortedPaths returns the paths of objects implementing iface whose parent property points
// at parent, in path order. BlueZ numbers paths in handle order.
func sortedPaths(objects ManagedObjects, iface, parentProp string, parent dbus.ObjectPath) []dbus.ObjectPath {
	var paths []dbus.ObjectPath
	for path, ifaces := range objects {
		props, ok := ifaces[iface]
		if !ok {
			continue
		}
		if p, _ := variantValue[dbus.ObjectPath](props, parentProp); p != parent {
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

func (t *Transport) listServices(objects ManagedObjects, device dbus.ObjectPath) []gatt.AttributeEntry {
	var entries []gatt.AttributeEntry
	hasBatteryService := false
	for _, path := range sortedPaths(objects, ifaceGattService, "Device", device) {
		props := objects[path][ifaceGattService]
		u, ok := parseUUID(props)
		if !ok {
			t.logger.WithField("path", path).Debug("Skipping service with malformed UUID")
			continue
		}
		primary, _ := variantValue[bool](props, "Primary")
		if u == gatt.UUIDBatteryService {
			hasBatteryService = true
		}
		t.kinds.Set(string(path), kindService)
		entries = append(entries, gatt.AttributeEntry{
			Address: string(path),
			Kind:    gatt.KindService,
			UUID:    u,
			Primary: primary,
		})
	}

	if _, ok := objects[device][ifaceBattery]; ok && !hasBatteryService {
		entries = append(entries, gatt.AttributeEntry{
			Address: string(device),
			Kind:    gatt.KindBattery,
			UUID:    gatt.UUIDBatteryService,
			Primary: true,
		})
	}

	t.reportMTU(objects, device)
	t.logger.WithFields(logrus.Fields{
		"device":   device,
		"services": len(entries),
	}).Debug("Services listed")
	return entries
}

// reportMTU emits the ATT MTU BlueZ negotiated, when it exposes one.
func (t *Transport) reportMTU(objects ManagedObjects, device dbus.ObjectPath) {
	prefix := string(device) + "/"
	mtu := 0
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if v, ok := variantValue[uint16](ifaces[ifaceGattChar], "MTU"); ok && int(v) > mtu {
			mtu = int(v)
		}
	}
	t.mu.Lock()
	changed := mtu > 0 && mtu != t.mtu
	if changed {
		t.mtu = mtu
	}
	t.mu.Unlock()
	if changed {
		t.emitLink(gatt.LinkEvent{Kind: gatt.LinkMTUChanged, MTU: mtu})
	}
}

func (t *Transport) listService(objects ManagedObjects, service dbus.ObjectPath) []gatt.AttributeEntry {
	var entries []gatt.AttributeEntry
	for _, cpath := range sortedPaths(objects, ifaceGattChar, "Service", service) {
		props := objects[cpath][ifaceGattChar]
		u, ok := parseUUID(props)
		if !ok {
			continue
		}
		flags, _ := variantValue[[]string](props, "Flags")
		t.kinds.Set(string(cpath), kindCharacteristic)
		entries = append(entries, gatt.AttributeEntry{
			Address: string(cpath),
			Parent:  string(service),
			Kind:    gatt.KindCharacteristic,
			UUID:    u,
			Tokens:  flags,
		})

		for _, dpath := range sortedPaths(objects, ifaceGattDesc, "Characteristic", cpath) {
			du, ok := parseUUID(objects[dpath][ifaceGattDesc])
			if !ok {
				continue
			}
			t.kinds.Set(string(dpath), kindDescriptor)
			entries = append(entries, gatt.AttributeEntry{
				Address: string(dpath),
				Parent:  string(cpath),
				Kind:    gatt.KindDescriptor,
				UUID:    du,
			})
		}
	}
	return entries
}

func parseUUID(props map[string]dbus.Variant) (uuid.UUID, bool) {
	s, ok := variantValue[string](props, "UUID")
	if !ok {
		return uuid.Nil, false
	}
	u, err := bledb.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return u, true
}

// ----------------------------
// Attribute access
// ----------------------------

// attribute resolves address to the interface serving it.
func (t *Transport) attribute(address string) (dbus.BusObject, string, error) {
	bus, _, err := t.linked()
	if err != nil {
		return nil, "", err
	}
	kind, ok := t.kinds.Get(address)
	if !ok || kind == kindService {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownAttribute, address)
	}
	iface := ifaceGattChar
	if kind == kindDescriptor {
		iface = ifaceGattDesc
	}
	return bus.Object(bluezBus, dbus.ObjectPath(address)), iface, nil
}

func (t *Transport) ReadValue(address string, offset, mtu int, done func(gatt.Result)) {
	obj, iface, err := t.attribute(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	groutine.Go(t.ctx, "bluez-read", func(ctx context.Context) {
		options := map[string]dbus.Variant{}
		if offset > 0 {
			options["offset"] = dbus.MakeVariant(uint16(offset))
		}
		cctx, cancel := t.callContext()
		defer cancel()
		call := obj.CallWithContext(cctx, iface+".ReadValue", 0, options)
		if call.Err != nil {
			done(gatt.Failure(attributeError(call.Err)))
			return
		}
		var value []byte
		if err := call.Store(&value); err != nil {
			done(gatt.Failure(fmt.Errorf("failed to decode read result: %w", err)))
			return
		}
		t.logger.WithFields(logrus.Fields{
			"path":   address,
			"offset": offset,
			"len":    len(value),
		}).Debug("Value read")
		done(gatt.Success(value))
	})
}

func (t *Transport) WriteValue(address string, value []byte, mode gatt.WriteMode, done func(gatt.Result)) {
	obj, iface, err := t.attribute(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	options := map[string]dbus.Variant{}
	if iface == ifaceGattChar {
		if mode == gatt.WriteWithoutResponse {
			options["type"] = dbus.MakeVariant("command")
		} else {
			options["type"] = dbus.MakeVariant("request")
		}
	}
	value = append([]byte(nil), value...)

	groutine.Go(t.ctx, "bluez-write", func(ctx context.Context) {
		cctx, cancel := t.callContext()
		defer cancel()
		call := obj.CallWithContext(cctx, iface+".WriteValue", 0, value, options)
		if call.Err != nil {
			done(gatt.Failure(attributeError(call.Err)))
			return
		}
		done(gatt.Success(nil))
	})
}

func (t *Transport) SubscribeValueChanges(address string, fn func([]byte)) (func(), error) {
	if kind, ok := t.kinds.Get(address); !ok || kind != kindCharacteristic {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, address)
	}
	set, _ := t.listeners.GetOrInsert(address, newFanout[[]byte]())
	return set.add(fn), nil
}

// dispatchValue forwards a Value change. BlueZ also updates Value after reads and writes,
// so only characteristics with a notify session count as changed.
func (t *Transport) dispatchValue(path string, value []byte) {
	if on, _ := t.notifying.Get(path); !on {
		return
	}
	if set, ok := t.listeners.Get(path); ok {
		set.dispatch(append([]byte(nil), value...))
	}
}

// SetNotifying maps a CCCD value onto StartNotify or StopNotify. BlueZ picks notification
// or indication from the characteristic flags.
func (t *Transport) SetNotifying(address string, cccd []byte, done func(gatt.Result)) {
	obj, iface, err := t.attribute(address)
	if err == nil && iface != ifaceGattChar {
		err = fmt.Errorf("%w: %s is not a characteristic", ErrUnknownAttribute, address)
	}
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	on := len(cccd) > 0 && cccd[0]&0x03 != 0
	method := ifaceGattChar + ".StopNotify"
	if on {
		method = ifaceGattChar + ".StartNotify"
	}

	groutine.Go(t.ctx, "bluez-notify", func(ctx context.Context) {
		cctx, cancel := t.callContext()
		defer cancel()
		call := obj.CallWithContext(cctx, method, 0)
		if call.Err != nil {
			done(gatt.Failure(attributeError(call.Err)))
			return
		}
		t.logger.WithFields(logrus.Fields{"path": address, "on": on}).Debug("Notifications toggled")
		done(gatt.Success(nil))
	})
}
