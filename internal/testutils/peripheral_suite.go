//go:build test

package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/stretchr/testify/suite"
)

// PeripheralSuite provides a reusable test suite around a peripheral controller serving a
// local application through a FakePeripheral.
//
// Basic usage (default Heart Rate application):
//
//	type ServeSuite struct {
//	    testutils.PeripheralSuite
//	}
//
// Custom application usage:
//
//	func (s *ServeSuite) SetupTest() {
//	    s.Application = []gatt.ServiceData{{UUID: bledb.From16(0x180F), ...}}
//	    s.PeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type PeripheralSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Application []gatt.ServiceData
	Peripheral  *FakePeripheral
	Controller  *gatt.Controller
	Services    []*gatt.Service
	Events      *EventRecorder
}

// SetupSuite initializes the logger once for all tests.
func (s *PeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
}

// SetupTest creates the peripheral controller and adds the configured services.
func (s *PeripheralSuite) SetupTest() {
	if s.Application == nil {
		s.Application = DefaultApplication()
	}
	s.Peripheral = NewFakePeripheral()
	ctl, err := gatt.New(s.Peripheral, gatt.Options{
		Role:     gatt.RolePeripheral,
		Logger:   s.Logger,
		Executor: gatt.NewInlineExecutor(),
	})
	s.Require().NoError(err, "peripheral controller MUST be created")
	s.Controller = ctl
	s.Events = &EventRecorder{}
	ctl.OnEvent(s.Events.Record)

	s.Services = nil
	for _, data := range s.Application {
		svc, err := ctl.AddService(data)
		s.Require().NoError(err, "service %s MUST be added", data.UUID)
		s.Services = append(s.Services, svc)
	}
}

// TearDownTest disposes the controller and resets the configuration.
func (s *PeripheralSuite) TearDownTest() {
	if s.Controller != nil {
		s.Controller.Close()
	}
	s.Controller = nil
	s.Application = nil
}

// Advertise starts advertising and requires the controller to get there.
func (s *PeripheralSuite) Advertise() {
	s.Controller.StartAdvertising(gatt.AdvertisingParams{LocalName: "blegatt-test"})
	s.Require().Equal(gatt.StateAdvertising, s.Controller.State(), "controller MUST be advertising")
}

// DefaultApplication is a Heart Rate service: a bounded, notifying measurement with a
// CCCD and a user description, a write-only control point and a long body location.
func DefaultApplication() []gatt.ServiceData {
	return []gatt.ServiceData{
		{
			UUID: bledb.From16(0x180d),
			Type: gatt.PrimaryService,
			Characteristics: []gatt.CharacteristicData{
				{
					UUID:       bledb.From16(0x2a37),
					Properties: gatt.PropRead | gatt.PropNotify,
					Value:      []byte{0x00, 0x3c},
					MinLength:  1,
					MaxLength:  4,
					Descriptors: []gatt.DescriptorData{
						{UUID: gatt.UUIDClientCharacteristicConfiguration, Value: []byte{0x00, 0x00}},
						{UUID: bledb.From16(0x2901), Value: []byte("HR")},
					},
				},
				{
					UUID:       bledb.From16(0x2a39),
					Properties: gatt.PropWrite,
					Value:      []byte{0x00},
				},
				{
					UUID:       bledb.From16(0x2a38),
					Properties: gatt.PropRead,
					Value:      []byte("0123456789"),
				},
			},
		},
	}
}
