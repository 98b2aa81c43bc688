package bluez

import (
	"context"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/groutine"
)

var (
	matchPropertiesChanged = []dbus.MatchOption{
		dbus.WithMatchSender(bluezBus),
		dbus.WithMatchInterface(ifaceProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	matchInterfacesRemoved = []dbus.MatchOption{
		dbus.WithMatchSender(bluezBus),
		dbus.WithMatchInterface(ifaceObjectManage),
		dbus.WithMatchMember("InterfacesRemoved"),
	}
)

// watch subscribes to the BlueZ signals and starts the pump. Called with busMu held.
func (t *Transport) watch(bus Bus) error {
	if err := bus.AddMatchSignal(matchPropertiesChanged...); err != nil {
		return err
	}
	if err := bus.AddMatchSignal(matchInterfacesRemoved...); err != nil {
		_ = bus.RemoveMatchSignal(matchPropertiesChanged...)
		return err
	}
	signals := make(chan *dbus.Signal, 64)
	bus.Signal(signals)
	t.signals = signals

	groutine.Go(t.ctx, "bluez-signals", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				t.handleSignal(sig)
			}
		}
	})
	return nil
}

// unwatch drops the subscriptions. Called with busMu held.
func (t *Transport) unwatch(bus Bus) {
	bus.RemoveSignal(t.signals)
	_ = bus.RemoveMatchSignal(matchPropertiesChanged...)
	_ = bus.RemoveMatchSignal(matchInterfacesRemoved...)
	t.signals = nil
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case signalPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return
		}
		switch iface {
		case ifaceDevice:
			t.onDeviceChanged(sig.Path, changed)
		case ifaceGattChar:
			if on, ok := variantValue[bool](changed, "Notifying"); ok {
				t.notifying.Set(string(sig.Path), on)
			}
			if value, ok := variantValue[[]byte](changed, "Value"); ok {
				t.dispatchValue(string(sig.Path), value)
			}
		case ifaceBattery:
			if level, ok := variantValue[byte](changed, "Percentage"); ok {
				t.dispatchBattery(string(sig.Path), level)
			}
		}
	case signalInterfacesRemoved:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		t.onInterfacesRemoved(path, ifaces)
	}
}

// onDeviceChanged turns Device1 property changes of the connected device into link events.
func (t *Transport) onDeviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	t.mu.Lock()
	if path != t.device || t.device == "" {
		t.mu.Unlock()
		return
	}
	log := t.logger.WithFields(logrus.Fields{"remote": t.remote})
	var events []gatt.LinkEvent

	if connected, ok := variantValue[bool](changed, "Connected"); ok {
		switch {
		case connected && !t.connected:
			t.connected = true
			events = append(events, gatt.LinkEvent{Kind: gatt.LinkConnected})
		case !connected && t.connected:
			t.connected = false
			if !t.requested {
				events = append(events, gatt.LinkEvent{Kind: gatt.LinkDisconnected})
			}
		}
	}
	if resolved, ok := variantValue[bool](changed, "ServicesResolved"); ok && resolved && t.connected {
		events = append(events, gatt.LinkEvent{Kind: gatt.LinkServicesResolved})
	}
	if name, ok := variantValue[string](changed, "Alias"); ok {
		events = append(events, gatt.LinkEvent{Kind: gatt.LinkNameChanged, Name: name})
	} else if name, ok := variantValue[string](changed, "Name"); ok {
		events = append(events, gatt.LinkEvent{Kind: gatt.LinkNameChanged, Name: name})
	}
	t.mu.Unlock()

	for _, ev := range events {
		if ev.Kind == gatt.LinkDisconnected {
			t.forget()
			log.Info("Device disconnected")
		}
		t.emitLink(ev)
	}
}

// onInterfacesRemoved reports removed adapters, devices and services.
func (t *Transport) onInterfacesRemoved(path dbus.ObjectPath, ifaces []string) {
	has := func(name string) bool {
		for _, iface := range ifaces {
			if iface == name {
				return true
			}
		}
		return false
	}

	t.mu.Lock()
	device := t.device
	linked := t.connected
	t.mu.Unlock()

	switch {
	case has(ifaceAdapter) && path == adapterPath(t.opts.Adapter):
		t.logger.WithField("adapter", t.opts.Adapter).Warn("Adapter removed")
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.forget()
		t.emitLink(gatt.LinkEvent{Kind: gatt.LinkAdapterRemoved, Err: ErrAdapterOff})
	case has(ifaceDevice) && path == device && device != "":
		t.mu.Lock()
		t.connected = false
		requested := t.requested
		t.mu.Unlock()
		t.forget()
		if linked && !requested {
			t.emitLink(gatt.LinkEvent{Kind: gatt.LinkDisconnected})
		}
	case has(ifaceGattService) && device != "" && strings.HasPrefix(string(path), string(device)+"/"):
		t.kinds.Del(string(path))
		t.logger.WithField("path", path).Debug("Service removed")
		t.emitLink(gatt.LinkEvent{Kind: gatt.LinkServiceRemoved, Address: string(path)})
	}
}
