// Package mocks holds testify mocks of the go-ble device and client the goble transport
// drives.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/transport/goble"
	"github.com/stretchr/testify/mock"
)

// MockDevice is a mock of goble.Device
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) Dial(ctx context.Context, addr ble.Addr) (goble.Client, error) {
	args := m.Called(ctx, addr)
	var client goble.Client
	if c, ok := args.Get(0).(goble.Client); ok {
		client = c
	}
	return client, args.Error(1)
}

func (m *MockDevice) SetServices(svcs []*ble.Service) error {
	args := m.Called(svcs)
	return args.Error(0)
}

func (m *MockDevice) RemoveAllServices() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	args := m.Called(ctx, name, uuids)
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

// MockClient is a mock of goble.Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Addr() ble.Addr {
	args := m.Called()
	if a, ok := args.Get(0).(ble.Addr); ok {
		return a
	}
	return nil
}

func (m *MockClient) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	var p *ble.Profile
	if v, ok := args.Get(0).(*ble.Profile); ok {
		p = v
	}
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockClient) ReadLongCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, value []byte) error {
	args := m.Called(d, value)
	return args.Error(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	args := m.Called()
	if ch, ok := args.Get(0).(chan struct{}); ok {
		return ch
	}
	if ch, ok := args.Get(0).(<-chan struct{}); ok {
		return ch
	}
	return nil
}

func bytesArg(args mock.Arguments, i int) []byte {
	if b, ok := args.Get(i).([]byte); ok {
		return b
	}
	return nil
}
