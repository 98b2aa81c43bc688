package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ D-Bus names
const (
	bluezBus          = "org.bluez"
	ifaceAdapter      = "org.bluez.Adapter1"
	ifaceDevice       = "org.bluez.Device1"
	ifaceBattery      = "org.bluez.Battery1"
	ifaceGattManager  = "org.bluez.GattManager1"
	ifaceGattService  = "org.bluez.GattService1"
	ifaceGattChar     = "org.bluez.GattCharacteristic1"
	ifaceGattDesc     = "org.bluez.GattDescriptor1"
	ifaceProperties   = "org.freedesktop.DBus.Properties"
	ifaceObjectManage = "org.freedesktop.DBus.ObjectManager"

	signalPropertiesChanged = ifaceProperties + ".PropertiesChanged"
	signalInterfacesRemoved = ifaceObjectManage + ".InterfacesRemoved"
)

// ManagedObjects is the GetManagedObjects reply: path → interface → property → value.
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Bus is the part of a D-Bus connection the transport uses. *dbus.Conn implements it.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// BusFactory opens the bus. Tests replace it with an in-memory BlueZ.
var BusFactory = func() (Bus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// adapterPath returns the object path of a local adapter, e.g. /org/bluez/hci0.
func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// devicePath converts a BLE MAC address to a BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ToUpper(strings.ReplaceAll(address, ":", "_"))
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

// getProperty reads a property from a BlueZ object.
func getProperty[T any](bus Bus, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := bus.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}

// variantValue extracts a typed value from a property map.
func variantValue[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// managedObjects fetches the whole BlueZ object tree.
func managedObjects(bus Bus) (ManagedObjects, error) {
	var objects ManagedObjects
	call := bus.Object(bluezBus, "/").Call(ifaceObjectManage+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse managed objects: %w", err)
	}
	return objects, nil
}
