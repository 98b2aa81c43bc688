package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// ----------------------------
// Device Factory
// ----------------------------

// Client is the subset of ble.Client the transport drives.
type Client interface {
	Addr() ble.Addr
	Name() string
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	ReadLongCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Device is the subset of ble.Device the transport drives, in both roles.
type Device interface {
	Dial(ctx context.Context, addr ble.Addr) (Client, error)
	SetServices(svcs []*ble.Service) error
	RemoveAllServices() error
	AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error
	Stop() error
}

// bleDevice adapts a platform ble.Device to Device.
type bleDevice struct {
	ble.Device
}

func (d bleDevice) Dial(ctx context.Context, addr ble.Addr) (Client, error) {
	cln, err := d.Device.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return cln, nil
}

// DeviceFactory creates the HCI device backing a transport (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = func() (Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return bleDevice{Device: dev}, nil
}
