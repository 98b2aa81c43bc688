package gatt

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blegatt/internal/bledb"
)

// Well-known attribute UUIDs the engine special-cases.
var (
	UUIDBatteryService                    = bledb.From16(0x180f)
	UUIDBatteryLevel                      = bledb.From16(0x2a19)
	UUIDCharacteristicExtendedProperties  = bledb.From16(0x2900)
	UUIDClientCharacteristicConfiguration = bledb.From16(0x2902)
	UUIDCharacteristicPresentationFormat  = bledb.From16(0x2904)
	UUIDReportReference                   = bledb.From16(0x2908)
)

// DiscoveryMode selects whether detail discovery reads initial values.
type DiscoveryMode int

const (
	// FullDiscovery reads every readable characteristic and every descriptor.
	FullDiscovery DiscoveryMode = iota
	// EssentialDiscovery only builds the attribute tree.
	EssentialDiscovery
)

func (m DiscoveryMode) String() string {
	if m == EssentialDiscovery {
		return "essential"
	}
	return "full"
}

func (c *Controller) discoverDetails(svc *Service, mode DiscoveryMode) {
	c.post(func() { c.startDetailDiscovery(svc, mode) })
}

// startDetailDiscovery lists the attributes of svc. A discovered service is cleared and
// rebuilt with fresh handles; a service already being discovered is left alone.
func (c *Controller) startDetailDiscovery(svc *Service, mode DiscoveryMode) {
	live, ok := c.db.service(svc.uuid)
	if c.role != RoleCentral || !ok || live != svc {
		c.logger.WithField("service", svc.uuid).Debug("Ignoring discovery of unknown service")
		return
	}
	switch svc.state {
	case RemoteServiceDiscovering:
		return
	case RemoteServiceDiscovered:
		c.abortServiceJobs(svc)
		c.db.clearService(svc)
	}
	c.setServiceState(svc, RemoteServiceDiscovering)

	if svc.battery {
		c.discoverBattery(svc, mode)
		return
	}
	c.transport.ListAttributes(svc.address, func(entries []AttributeEntry, err error) {
		c.post(func() { c.onDetailsListed(svc, mode, entries, err) })
	})
}

func (c *Controller) onDetailsListed(svc *Service, mode DiscoveryMode, entries []AttributeEntry, err error) {
	if live, ok := c.db.service(svc.uuid); !ok || live != svc || svc.state != RemoteServiceDiscovering {
		return
	}
	log := c.logger.WithFields(logrus.Fields{"service": svc.uuid, "mode": mode})
	if err != nil {
		log.WithError(err).Warn("Attribute listing failed, service left empty")
		start := c.db.allocateHandle()
		c.db.setServiceRange(svc, start, start)
		c.finishServiceDiscovery(svc)
		return
	}

	start := c.db.allocateHandle()
	var jobs []*Job
	for _, ce := range entries {
		if ce.Kind != KindCharacteristic || ce.Parent != svc.address {
			continue
		}
		char := c.db.addCharacteristic(svc, ce.UUID, ParseProperties(ce.Tokens), ce.Address)
		log.WithFields(logrus.Fields{
			"char":   ce.UUID,
			"handle": char.vhandle,
			"props":  char.props,
		}).Debug("Characteristic discovered")
		if mode == FullDiscovery && char.props.Has(PropRead) {
			jobs = append(jobs, &Job{Kind: CharRead, Service: svc.uuid, Char: char.handle, Discovery: true})
		}

		for _, de := range entries {
			if de.Kind != KindDescriptor || de.Parent != ce.Address {
				continue
			}
			desc := c.db.addDescriptor(char, de.UUID, de.Address, nil)
			if de.UUID == UUIDClientCharacteristicConfiguration {
				c.subscribe(svc, char)
			}
			if mode == FullDiscovery {
				jobs = append(jobs, &Job{Kind: DescRead, Service: svc.uuid, Char: char.handle, Desc: desc.handle, Discovery: true})
			}
		}
	}
	c.db.setServiceRange(svc, start, c.db.allocateHandle())

	if len(jobs) == 0 {
		c.finishServiceDiscovery(svc)
		return
	}
	jobs[len(jobs)-1].LastDiscovery = true
	for _, job := range jobs {
		c.enqueue(job)
	}
}

// subscribe routes value changes of char to CharacteristicChanged events.
func (c *Controller) subscribe(svc *Service, char *Characteristic) {
	if char.unsubscribe != nil {
		return
	}
	svcUUID, handle := svc.uuid, char.handle
	cancel, err := c.transport.SubscribeValueChanges(char.address, func(value []byte) {
		value = append([]byte(nil), value...)
		c.post(func() { c.onValueChanged(svcUUID, handle, value) })
	})
	if err != nil {
		c.logger.WithError(err).WithField("char", char.uuid).Warn("Value change subscription failed")
		return
	}
	char.unsubscribe = cancel
}

func (c *Controller) setServiceState(svc *Service, state ServiceState) {
	if !c.db.setServiceState(svc, state) {
		return
	}
	c.events.emit(Event{Type: EventServiceStateChanged, Service: svc, ServiceUUID: svc.uuid, ServiceState: state})
}

// finishServiceDiscovery completes detail discovery, whatever happened to its reads.
func (c *Controller) finishServiceDiscovery(svc *Service) {
	if svc.state != RemoteServiceDiscovering {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"service":         svc.uuid,
		"characteristics": svc.characteristics.Len(),
	}).Info("Service details discovered")
	c.setServiceState(svc, RemoteServiceDiscovered)
}

// isCCCD reports whether u is the client characteristic configuration descriptor.
func isCCCD(u uuid.UUID) bool {
	return u == UUIDClientCharacteristicConfiguration
}
