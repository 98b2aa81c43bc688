package gatt

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Canonical descriptor payloads of the emulated Battery Level characteristic.
var (
	// uint8, exponent 0, unit percentage (0x27AD), namespace SIG, description 0
	batteryPresentationFormat = []byte{0x04, 0x00, 0xad, 0x27, 0x01, 0x00, 0x00}
	// report ID 4, input report
	batteryReportReference = []byte{0x04, 0x01}
	cccdDisabled           = []byte{0x00, 0x00}
	cccdNotify             = []byte{0x01, 0x00}
	cccdIndicate           = []byte{0x02, 0x00}
)

// discoverBattery builds the emulated Battery Service for a device that only exposes
// the narrow battery interface.
func (c *Controller) discoverBattery(svc *Service, mode DiscoveryMode) {
	start := c.db.allocateHandle()
	char := c.db.addCharacteristic(svc, UUIDBatteryLevel, PropRead|PropNotify, svc.address)
	c.db.addDescriptor(char, UUIDClientCharacteristicConfiguration, "", cccdDisabled)
	c.db.addDescriptor(char, UUIDCharacteristicPresentationFormat, "", batteryPresentationFormat)
	c.db.addDescriptor(char, UUIDReportReference, "", batteryReportReference)
	c.db.setServiceRange(svc, start, c.db.allocateHandle())

	svcUUID, handle := svc.uuid, char.handle
	cancel, err := c.battery.SubscribeBatteryLevel(svc.address, func(level byte) {
		c.post(func() { c.onBatteryLevel(svcUUID, handle, level) })
	})
	if err != nil {
		c.logger.WithError(err).Warn("Battery level subscription failed")
	} else {
		char.unsubscribe = cancel
	}

	if mode == FullDiscovery {
		c.enqueue(&Job{Kind: CharRead, Service: svc.uuid, Char: char.handle, Discovery: true, LastDiscovery: true})
		return
	}
	c.finishServiceDiscovery(svc)
}

// issueBattery serves jobs against the emulated service. Only characteristic reads reach
// the narrow interface; descriptors are local and the level is read-only.
func (c *Controller) issueBattery(job *Job, t jobTarget, done func(Result)) {
	switch job.Kind {
	case CharRead:
		c.battery.ReadBatteryLevel(t.service.address, done)
	case CharWrite:
		done(Failure(ErrWriteNotPermitted))
	case DescRead:
		done(Success(t.desc.Value()))
	case DescWrite:
		if isCCCD(t.desc.uuid) && len(job.Value) != 2 {
			done(Failure(ErrInvalidValueLength))
			return
		}
		done(Success(nil))
	}
}

func (c *Controller) onBatteryLevel(svcUUID uuid.UUID, handle Handle, level byte) {
	char, ok := c.db.characteristic(svcUUID, handle)
	if !ok {
		return
	}
	if err := c.db.setCharacteristicValue(char, []byte{level}); err != nil {
		c.logger.WithError(err).WithField("level", level).Warn("Battery level rejected")
		return
	}

	cccd := char.descriptorByUUID(UUIDClientCharacteristicConfiguration)
	if cccd == nil {
		return
	}
	value := cccd.Value()
	if len(value) == 0 || value[0]&0x01 == 0 {
		c.logger.WithFields(logrus.Fields{"level": level}).Debug("Battery level changed, notifications disabled")
		return
	}
	svc, _ := c.db.service(svcUUID)
	c.events.emit(Event{
		Type:           EventCharacteristicChanged,
		Service:        svc,
		ServiceUUID:    svcUUID,
		Characteristic: char,
		Value:          []byte{level},
	})
}
