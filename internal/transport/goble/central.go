package goble

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/groutine"
)

// attribute is a discovered profile node behind a synthetic address.
type attribute struct {
	svc  *ble.Service
	char *ble.Characteristic
	desc *ble.Descriptor
}

// listenerSet fans one characteristic's notifications out to its subscribers.
type listenerSet struct {
	mu   sync.Mutex
	next int
	fns  map[int]func([]byte)
}

func (l *listenerSet) add(fn func([]byte)) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.fns[l.next] = fn
	return l.next
}

func (l *listenerSet) remove(id int) {
	l.mu.Lock()
	delete(l.fns, id)
	l.mu.Unlock()
}

func (l *listenerSet) dispatch(value []byte) {
	l.mu.Lock()
	fns := make([]func([]byte), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(append([]byte(nil), value...))
	}
}

// central is the central-role half of a Transport.
type central struct {
	t *Transport

	mu      sync.Mutex
	remote  string
	client  Client
	listing map[string][]gatt.AttributeEntry

	attrs     *hashmap.Map[string, *attribute]
	listeners *hashmap.Map[string, *listenerSet]
}

func (c *central) connect(remote string, done func(gatt.Result)) {
	groutine.Go(c.t.ctx, "goble-connect", func(ctx context.Context) {
		log := c.t.logger.WithField("remote", remote)

		dev, err := c.t.device()
		if err != nil {
			done(gatt.Failure(err))
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, c.t.opts.ConnectTimeout)
		defer cancel()

		log.Debug("Dialing device")
		client, err := dev.Dial(dialCtx, ble.NewAddr(remote))
		if err != nil {
			log.WithError(err).Debug("Dial failed")
			done(gatt.Failure(NormalizeError(err)))
			return
		}

		profile, err := client.DiscoverProfile(true)
		if err != nil {
			if cerr := client.CancelConnection(); cerr != nil {
				log.WithError(cerr).Debug("Cancel after failed discovery")
			}
			done(gatt.Failure(NormalizeError(err)))
			return
		}

		c.bind(remote, client, profile)
		log.WithField("services", len(profile.Services)).Info("Connected")

		done(gatt.Success(nil))
		c.t.emitLink(gatt.LinkEvent{Kind: gatt.LinkConnected})

		if !c.t.opts.SkipMTUExchange {
			if mtu, err := client.ExchangeMTU(ble.MaxMTU); err != nil {
				log.WithError(err).Debug("MTU exchange not available")
			} else {
				c.t.emitLink(gatt.LinkEvent{Kind: gatt.LinkMTUChanged, MTU: mtu})
			}
		}
		c.t.emitLink(gatt.LinkEvent{Kind: gatt.LinkServicesResolved})

		c.monitor(ctx, client)
	})
}

// monitor reports a link drop the transport did not ask for.
func (c *central) monitor(ctx context.Context, client Client) {
	groutine.Go(ctx, "goble-disconnect-monitor", func(ctx context.Context) {
		select {
		case <-client.Disconnected():
			if c.unbind(client) {
				c.t.logger.WithField("remote", client.Addr()).Info("Device disconnected")
				c.t.emitLink(gatt.LinkEvent{Kind: gatt.LinkDisconnected})
			}
		case <-ctx.Done():
		}
	})
}

func (c *central) disconnect(remote string, done func(gatt.Result)) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		done(gatt.Success(nil))
		return
	}

	groutine.Go(c.t.ctx, "goble-disconnect", func(ctx context.Context) {
		c.unbind(client)
		if err := client.CancelConnection(); err != nil {
			done(gatt.Failure(NormalizeError(err)))
			return
		}
		c.t.logger.WithField("remote", remote).Info("Disconnected")
		done(gatt.Success(nil))
	})
}

// bind indexes the discovered profile under synthetic addresses:
// <remote>/serviceNNN/charNNN/descNNN.
func (c *central) bind(remote string, client Client, profile *ble.Profile) {
	c.clearAttributes()
	listing := make(map[string][]gatt.AttributeEntry)

	var roots []gatt.AttributeEntry
	for i, svc := range profile.Services {
		svcAddr := fmt.Sprintf("%s/service%03d", remote, i)
		c.attrs.Set(svcAddr, &attribute{svc: svc})
		roots = append(roots, gatt.AttributeEntry{
			Address: svcAddr,
			Kind:    gatt.KindService,
			UUID:    toUUID(svc.UUID),
			Primary: true,
		})

		var children []gatt.AttributeEntry
		for j, char := range svc.Characteristics {
			charAddr := fmt.Sprintf("%s/char%03d", svcAddr, j)
			c.attrs.Set(charAddr, &attribute{svc: svc, char: char})
			children = append(children, gatt.AttributeEntry{
				Address: charAddr,
				Parent:  svcAddr,
				Kind:    gatt.KindCharacteristic,
				UUID:    toUUID(char.UUID),
				Tokens:  propertyTokens(char),
			})
			for k, desc := range char.Descriptors {
				descAddr := fmt.Sprintf("%s/desc%03d", charAddr, k)
				c.attrs.Set(descAddr, &attribute{svc: svc, char: char, desc: desc})
				children = append(children, gatt.AttributeEntry{
					Address: descAddr,
					Parent:  charAddr,
					Kind:    gatt.KindDescriptor,
					UUID:    toUUID(desc.UUID),
				})
			}
		}
		listing[svcAddr] = children
	}
	listing[remote] = roots

	c.mu.Lock()
	c.remote, c.client, c.listing = remote, client, listing
	c.mu.Unlock()
}

// unbind forgets client; it reports false if client was no longer current.
func (c *central) unbind(client Client) bool {
	c.mu.Lock()
	if c.client != client {
		c.mu.Unlock()
		return false
	}
	c.remote, c.client, c.listing = "", nil, nil
	c.mu.Unlock()
	c.clearAttributes()
	return true
}

func (c *central) drop() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client != nil {
		c.unbind(client)
	}
}

func (c *central) clearAttributes() {
	var keys []string
	c.attrs.Range(func(key string, _ *attribute) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		c.attrs.Del(key)
	}
}

func (c *central) list(root string, done func([]gatt.AttributeEntry, error)) {
	c.mu.Lock()
	client := c.client
	entries, ok := c.listing[root]
	c.mu.Unlock()

	switch {
	case client == nil:
		done(nil, ErrNotConnected)
	case !ok:
		done(nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, root))
	default:
		done(entries, nil)
	}
}

// resolve returns the characteristic or descriptor at address and the live client.
func (c *central) resolve(address string) (*attribute, Client, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, nil, ErrNotConnected
	}
	attr, ok := c.attrs.Get(address)
	if !ok || attr.char == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, address)
	}
	return attr, client, nil
}

func (c *central) read(address string, offset int, done func(gatt.Result)) {
	attr, client, err := c.resolve(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}

	groutine.Go(c.t.ctx, "goble-read", func(ctx context.Context) {
		var value []byte
		var err error
		switch {
		case attr.desc != nil:
			value, err = client.ReadDescriptor(attr.desc)
		case offset > 0:
			value, err = client.ReadLongCharacteristic(attr.char)
		default:
			value, err = client.ReadCharacteristic(attr.char)
		}
		if err != nil {
			c.t.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Debug("Read failed")
			done(gatt.Failure(NormalizeError(err)))
			return
		}
		if offset > 0 {
			if offset > len(value) {
				done(gatt.Failure(gatt.ErrInvalidOffset))
				return
			}
			value = value[offset:]
		}
		done(gatt.Success(value))
	})
}

func (c *central) write(address string, value []byte, mode gatt.WriteMode, done func(gatt.Result)) {
	attr, client, err := c.resolve(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	value = append([]byte(nil), value...)

	groutine.Go(c.t.ctx, "goble-write", func(ctx context.Context) {
		var err error
		if attr.desc != nil {
			err = client.WriteDescriptor(attr.desc, value)
		} else {
			err = client.WriteCharacteristic(attr.char, value, mode == gatt.WriteWithoutResponse)
		}
		if err != nil {
			done(gatt.Failure(NormalizeError(err)))
			return
		}
		done(gatt.Success(nil))
	})
}

func (c *central) subscribe(address string, fn func([]byte)) (func(), error) {
	if _, ok := c.attrs.Get(address); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, address)
	}
	set, _ := c.listeners.GetOrInsert(address, &listenerSet{fns: make(map[int]func([]byte))})
	id := set.add(fn)

	var once sync.Once
	return func() {
		once.Do(func() { set.remove(id) })
	}, nil
}

// setNotifying turns a CCCD value into a go-ble subscription: bit 0 subscribes to
// notifications, bit 1 to indications, zero unsubscribes both.
func (c *central) setNotifying(address string, cccd []byte, done func(gatt.Result)) {
	attr, client, err := c.resolve(address)
	if err != nil {
		done(gatt.Failure(err))
		return
	}
	if attr.desc != nil {
		done(gatt.Failure(fmt.Errorf("%w: %s is not a characteristic", ErrUnknownAttribute, address)))
		return
	}

	groutine.Go(c.t.ctx, "goble-notify", func(ctx context.Context) {
		handler := func(value []byte) {
			if set, ok := c.listeners.Get(address); ok {
				set.dispatch(value)
			}
		}

		var err error
		switch {
		case len(cccd) > 0 && cccd[0]&0x01 != 0:
			err = client.Subscribe(attr.char, false, handler)
		case len(cccd) > 0 && cccd[0]&0x02 != 0:
			err = client.Subscribe(attr.char, true, handler)
		default:
			err = client.Unsubscribe(attr.char, false)
			if err == nil && attr.char.Property&ble.CharIndicate != 0 {
				err = client.Unsubscribe(attr.char, true)
			}
		}
		if err != nil {
			done(gatt.Failure(NormalizeError(err)))
			return
		}
		c.t.logger.WithFields(logrus.Fields{
			"address": address,
			"cccd":    fmt.Sprintf("%x", cccd),
		}).Debug("Notification state changed")
		done(gatt.Success(nil))
	})
}

// ----------------------------
// Conversions
// ----------------------------

func toUUID(u ble.UUID) uuid.UUID {
	parsed, err := bledb.Parse(u.String())
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func toBLEUUID(u uuid.UUID) ble.UUID {
	short := bledb.Short(u)
	if len(short) == 4 {
		if v, err := strconv.ParseUint(short, 16, 16); err == nil {
			return ble.UUID16(uint16(v))
		}
	}
	return ble.MustParse(u.String())
}

var propertyBits = []struct {
	ble  ble.Property
	gatt gatt.Properties
}{
	{ble.CharBroadcast, gatt.PropBroadcasting},
	{ble.CharRead, gatt.PropRead},
	{ble.CharWriteNR, gatt.PropWriteNoResponse},
	{ble.CharWrite, gatt.PropWrite},
	{ble.CharNotify, gatt.PropNotify},
	{ble.CharIndicate, gatt.PropIndicate},
	{ble.CharSignedWrite, gatt.PropWriteSigned},
	{ble.CharExtended, gatt.PropExtendedProperty},
}

func fromBLEProperty(p ble.Property) gatt.Properties {
	var props gatt.Properties
	for _, bit := range propertyBits {
		if p&bit.ble != 0 {
			props |= bit.gatt
		}
	}
	return props
}

func toBLEProperty(props gatt.Properties) ble.Property {
	var p ble.Property
	for _, bit := range propertyBits {
		if props.Has(bit.gatt) {
			p |= bit.ble
		}
	}
	return p
}

// propertyTokens renders a discovered characteristic's properties as listing tokens. The
// extended properties descriptor, when discovered, decides which extended tokens apply.
func propertyTokens(char *ble.Characteristic) []string {
	props := fromBLEProperty(char.Property)
	extended := []byte{0x01, 0x00}
	for _, d := range char.Descriptors {
		if toUUID(d.UUID) == gatt.UUIDCharacteristicExtendedProperties && len(d.Value) == 2 {
			extended = d.Value
		}
	}
	return gatt.FormatProperties(props, extended)
}
