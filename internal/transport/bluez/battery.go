package bluez

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/groutine"
)

// battery checks that address is the connected device carrying org.bluez.Battery1.
func (t *Transport) battery(address string) (Bus, dbus.ObjectPath, error) {
	bus, device, err := t.linked()
	if err != nil {
		return nil, "", err
	}
	if address != string(device) {
		return nil, "", fmt.Errorf("%w: %s has no battery", ErrUnknownAttribute, address)
	}
	return bus, device, nil
}

func (t *Transport) ReadBatteryLevel(address string, done func(gatt.Result)) {
	bus, device, err := t.battery(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	groutine.Go(t.ctx, "bluez-battery", func(ctx context.Context) {
		level, err := getProperty[byte](bus, device, ifaceBattery, "Percentage")
		if err != nil {
			done(gatt.Failure(attributeError(err)))
			return
		}
		done(gatt.Success([]byte{level}))
	})
}

func (t *Transport) SubscribeBatteryLevel(address string, fn func(level byte)) (func(), error) {
	if _, _, err := t.battery(address); err != nil {
		return nil, err
	}
	set, _ := t.batteries.GetOrInsert(address, newFanout[byte]())
	return set.add(fn), nil
}

func (t *Transport) dispatchBattery(path string, level byte) {
	if set, ok := t.batteries.Get(path); ok {
		set.dispatch(level)
	}
}
