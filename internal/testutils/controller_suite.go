//go:build test

package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/stretchr/testify/suite"
)

// ControllerSuite provides a reusable test suite around a central controller driven by a
// FakeTransport on an inline executor, so every call runs to completion before it
// returns.
//
// Basic usage (default Heart Rate profile):
//
//	type DiscoverySuite struct {
//	    testutils.ControllerSuite
//	}
//
//	func TestDiscoverySuite(t *testing.T) {
//	    suite.Run(t, new(DiscoverySuite))
//	}
//
// Custom device profile usage:
//
//	func (s *DiscoverySuite) SetupTest() {
//	    s.WithDevice().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80}).
//	        WithDescriptor("2902", []byte{0, 0})
//
//	    s.ControllerSuite.SetupTest() // Call parent last to apply configuration
//	}
type ControllerSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	DeviceBuilder *ProfileBuilder
	Transport     gatt.Transport
	Fake          *FakeTransport
	Controller    *gatt.Controller
	Events        *EventRecorder

	// BuildTransport, when set, replaces DeviceBuilder.Build for the next test.
	BuildTransport func(b *ProfileBuilder) (gatt.Transport, *FakeTransport)
}

// SetupSuite initializes the logger once for all tests.
func (s *ControllerSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates the fake transport and a fresh controller before each test.
func (s *ControllerSuite) SetupTest() {
	if s.DeviceBuilder == nil {
		s.DeviceBuilder = createDefaultDeviceBuilder()
	}
	if s.BuildTransport != nil {
		s.Transport, s.Fake = s.BuildTransport(s.DeviceBuilder)
	} else {
		s.Fake = s.DeviceBuilder.Build()
		s.Transport = s.Fake
	}

	ctl, err := gatt.New(s.Transport, gatt.Options{
		Role:          gatt.RoleCentral,
		RemoteAddress: s.Fake.Remote(),
		Logger:        s.Logger,
		Executor:      gatt.NewInlineExecutor(),
	})
	s.Require().NoError(err, "controller MUST be created")
	s.Controller = ctl
	s.Events = &EventRecorder{}
	ctl.OnEvent(s.Events.Record)
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest disposes the controller and resets the configuration.
func (s *ControllerSuite) TearDownTest() {
	if s.Controller != nil {
		s.Controller.Close()
	}
	s.Controller = nil
	s.DeviceBuilder = nil
	s.BuildTransport = nil
}

// WithDevice returns the profile builder for fluent configuration.
func (s *ControllerSuite) WithDevice() *ProfileBuilder {
	if s.DeviceBuilder == nil {
		s.DeviceBuilder = NewProfileBuilder()
	}
	return s.DeviceBuilder
}

// ConnectAndDiscover brings the controller to Discovered.
func (s *ControllerSuite) ConnectAndDiscover() {
	s.Controller.ConnectToDevice()
	s.Require().Equal(gatt.StateConnected, s.Controller.State(), "controller MUST be connected")
	s.Controller.DiscoverServices()
	s.Require().Equal(gatt.StateDiscovered, s.Controller.State(), "controller MUST finish discovery")
}

// DiscoveredService connects, discovers and fully populates the service with uuid.
func (s *ControllerSuite) DiscoveredService(uuid string, mode gatt.DiscoveryMode) *gatt.Service {
	s.ConnectAndDiscover()
	svc := s.Controller.CreateServiceObject(bledb.MustParse(uuid))
	s.Require().NotNil(svc, "service %s MUST be discovered", uuid)
	svc.DiscoverDetails(mode)
	s.Require().Equal(gatt.RemoteServiceDiscovered, svc.State(), "service details MUST be discovered")
	return svc
}

// createDefaultDeviceBuilder creates a Heart Rate device with a notifying measurement and
// a write-only control point.
func createDefaultDeviceBuilder() *ProfileBuilder {
	return NewProfileBuilder().
		FromJSON(`
		{
			"services": [
				{
					"uuid": "180D",
					"characteristics": [
						{
							"uuid": "2A37",
							"properties": "read,notify",
							"value": [0, 80],
							"descriptors": [ { "uuid": "2902", "value": [0, 0] } ]
						},
						{ "uuid": "2A39", "properties": "write", "value": [0] }
					]
				}
			]
		}`)
}
