package testutils

import (
	"context"
	"fmt"
	"sync"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// ErrNotReadable is returned by the mocked client for characteristics without read.
var ErrNotReadable = fmt.Errorf("characteristic does not support read")

// createMockUUID creates a ble.UUID from a string for testing
func createMockUUID(name string) blelib.UUID {
	u := bledb.MustParse(name)
	short := bledb.Short(u)
	if len(short) == 4 {
		return blelib.MustParse(short)
	}
	return blelib.MustParse(u.String())
}

// parseCharacteristicProperties converts property tokens to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	var property blelib.Property
	for _, token := range splitTokens(props) {
		switch token {
		case "broadcast":
			property |= blelib.CharBroadcast
		case "read":
			property |= blelib.CharRead
		case "write-without-response":
			property |= blelib.CharWriteNR
		case "write":
			property |= blelib.CharWrite
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		case "authenticated-signed-writes":
			property |= blelib.CharSignedWrite
		case "reliable-write", "writable-auxiliaries":
			property |= blelib.CharExtended
		}
	}
	return property
}

// PeripheralDeviceBuilder builds a mocked go-ble device whose client serves the configured
// profile. The device also accepts a peripheral application and records what it serves.
type PeripheralDeviceBuilder struct {
	*ProfileBuilder

	Device     *mocks.MockDevice
	Client     *mocks.MockClient
	BLEProfile *blelib.Profile

	mu            sync.Mutex
	served        []*blelib.Service
	handlers      map[*blelib.Characteristic]blelib.NotificationHandler
	advertised    []string
	disconnected  chan struct{}
	disconnectOne sync.Once
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{ProfileBuilder: NewProfileBuilder()}
}

// bleProfile converts the configured profile to the tree DiscoverProfile returns.
func (b *PeripheralDeviceBuilder) bleProfile() *blelib.Profile {
	profile := &blelib.Profile{}
	handle := uint16(0)
	for _, sc := range b.profile.Services {
		handle++
		svc := &blelib.Service{UUID: createMockUUID(sc.UUID), Handle: handle}
		for _, cc := range sc.Characteristics {
			handle += 2
			char := &blelib.Characteristic{
				UUID:        createMockUUID(cc.UUID),
				Property:    parseCharacteristicProperties(cc.Properties),
				Value:       cc.Value,
				Handle:      handle - 1,
				ValueHandle: handle,
			}
			for _, dc := range cc.Descriptors {
				handle++
				desc := &blelib.Descriptor{UUID: createMockUUID(dc.UUID), Value: dc.Value, Handle: handle}
				char.Descriptors = append(char.Descriptors, desc)
				if bledb.NormalizeUUID(dc.UUID) == "2902" {
					char.CCCD = desc
				}
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		svc.EndHandle = handle
		profile.Services = append(profile.Services, svc)
	}
	return profile
}

// Build creates the mocked ble device with the configured profile
func (b *PeripheralDeviceBuilder) Build() *mocks.MockDevice {
	b.Device = &mocks.MockDevice{}
	b.Client = &mocks.MockClient{}
	b.BLEProfile = b.bleProfile()
	b.handlers = make(map[*blelib.Characteristic]blelib.NotificationHandler)
	b.disconnected = make(chan struct{})
	b.disconnectOne = sync.Once{}

	// Central role
	b.Device.On("Dial", mock.Anything, mock.Anything).Return(b.Client, nil)
	b.Client.On("Addr").Return(blelib.NewAddr(b.remote))
	b.Client.On("Name").Return("")
	b.Client.On("DiscoverProfile", true).Return(b.BLEProfile, nil)
	b.Client.On("ExchangeMTU", blelib.MaxMTU).Return(247, nil)
	b.Client.On("Disconnected").Return(b.disconnected)
	b.Client.On("CancelConnection").Run(func(mock.Arguments) { b.Disconnect() }).Return(nil)

	for _, svc := range b.BLEProfile.Services {
		for _, char := range svc.Characteristics {
			char := char
			if char.Property&blelib.CharRead != 0 {
				b.Client.On("ReadCharacteristic", char).Return(char.Value, nil)
				b.Client.On("ReadLongCharacteristic", char).Return(char.Value, nil)
			} else {
				b.Client.On("ReadCharacteristic", char).Return(nil, ErrNotReadable)
			}
			b.Client.On("WriteCharacteristic", char, mock.Anything, mock.Anything).Return(nil)
			b.Client.On("Subscribe", char, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
				b.mu.Lock()
				b.handlers[char] = args.Get(2).(blelib.NotificationHandler)
				b.mu.Unlock()
			}).Return(nil)
			b.Client.On("Unsubscribe", char, mock.Anything).Run(func(mock.Arguments) {
				b.mu.Lock()
				delete(b.handlers, char)
				b.mu.Unlock()
			}).Return(nil)
			for _, desc := range char.Descriptors {
				b.Client.On("ReadDescriptor", desc).Return(desc.Value, nil)
				b.Client.On("WriteDescriptor", desc, mock.Anything).Return(nil)
			}
		}
	}

	// Peripheral role
	b.Device.On("SetServices", mock.Anything).Run(func(args mock.Arguments) {
		b.mu.Lock()
		b.served = args.Get(0).([]*blelib.Service)
		b.mu.Unlock()
	}).Return(nil)
	b.Device.On("RemoveAllServices").Run(func(mock.Arguments) {
		b.mu.Lock()
		b.served = nil
		b.mu.Unlock()
	}).Return(nil)
	b.Device.On("AdvertiseNameAndServices", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		b.mu.Lock()
		b.advertised = append(b.advertised, args.String(1))
		b.mu.Unlock()
		<-args.Get(0).(context.Context).Done()
	}).Return(nil)
	b.Device.On("Stop").Return(nil)

	return b.Device
}

// Disconnect simulates the remote device dropping the link
func (b *PeripheralDeviceBuilder) Disconnect() {
	b.disconnectOne.Do(func() { close(b.disconnected) })
}

// Characteristic returns the first characteristic with uuid in the discovered profile
func (b *PeripheralDeviceBuilder) Characteristic(uuid string) *blelib.Characteristic {
	want := createMockUUID(uuid)
	for _, svc := range b.BLEProfile.Services {
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(want) {
				return char
			}
		}
	}
	return nil
}

// Notify delivers value through the subscription on the characteristic with uuid.
// It reports false when nothing is subscribed.
func (b *PeripheralDeviceBuilder) Notify(uuid string, value []byte) bool {
	char := b.Characteristic(uuid)
	b.mu.Lock()
	h, ok := b.handlers[char]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h(value)
	return true
}

// Served returns the service tree handed to SetServices
func (b *PeripheralDeviceBuilder) Served() []*blelib.Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.served
}

// ServedCharacteristic finds a characteristic of the served application by uuid
func (b *PeripheralDeviceBuilder) ServedCharacteristic(uuid string) *blelib.Characteristic {
	want := createMockUUID(uuid)
	for _, svc := range b.Served() {
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(want) {
				return char
			}
		}
	}
	return nil
}

// Advertised returns the local names advertised so far
func (b *PeripheralDeviceBuilder) Advertised() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.advertised...)
}
