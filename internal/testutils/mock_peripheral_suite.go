//go:build test

package testutils

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/transport/goble"
	"github.com/stretchr/testify/suite"
)

// MockBLEPeripheralSuite provides a reusable test suite around a goble.Transport backed by
// a mocked go-ble device.
//
// The suite automatically handles device factory lifecycle management and provides
// a fluent API for configuring the mocked remote peripheral.
//
// Basic usage (automatic setup with default battery service):
//
//	type SimpleSuite struct {
//	    testutils.MockBLEPeripheralSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom device profile usage:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D"). // Heart Rate Service
//	        WithCharacteristic("2A37", "read,notify", []byte{80}) // 80 BPM
//
//	    s.MockBLEPeripheralSuite.SetupTest() // Call parent last to apply configuration
//	}
type MockBLEPeripheralSuite struct {
	suite.Suite

	// Core test utilities
	Helper *TestHelper    // Test helper with logging and assertions
	Logger *logrus.Logger // Structured logger for test output

	// BLE device factory management
	OriginalDeviceFactory func() (goble.Device, error) // Backup of the original factory
	TestTimeout           time.Duration                // Default timeout for BLE operations

	// Mock peripheral configuration
	PeripheralBuilder *PeripheralDeviceBuilder

	Transport *goble.Transport
	Links     *LinkRecorder
}

// SetupSuite initializes the test suite. Called once before all tests in the suite.
func (s *MockBLEPeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second

	// Save the original BLE device factory for restoration
	s.OriginalDeviceFactory = goble.DeviceFactory
	s.T().Cleanup(func() {
		if s.OriginalDeviceFactory != nil {
			goble.DeviceFactory = s.OriginalDeviceFactory
			s.Logger.Debug("Device factory restored via t.Cleanup")
		}
	})
}

// SetupTest builds the mocked device and a fresh transport before each test.
func (s *MockBLEPeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = createDefaultPeripheralBuilder()
	}
	dev := s.PeripheralBuilder.Build()
	goble.DeviceFactory = func() (goble.Device, error) {
		return dev, nil
	}

	s.Transport = goble.New(s.Logger, goble.Options{
		ConnectTimeout: s.TestTimeout,
		AccessTimeout:  s.TestTimeout,
	})
	s.Links = &LinkRecorder{}
	s.Transport.SetLinkHandler(s.Links.Record)
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest closes the transport and resets the configuration.
func (s *MockBLEPeripheralSuite) TearDownTest() {
	if s.Transport != nil {
		s.Require().NoError(s.Transport.Close())
	}
	if s.OriginalDeviceFactory != nil {
		goble.DeviceFactory = s.OriginalDeviceFactory
	}
	s.Transport = nil
	s.PeripheralBuilder = nil
}

// WithPeripheral returns the builder for fluent configuration of the remote device.
func (s *MockBLEPeripheralSuite) WithPeripheral() *ProfileBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder.ProfileBuilder
}

// Await starts an asynchronous transport call and waits for its result.
func (s *MockBLEPeripheralSuite) Await(start func(done func(gatt.Result))) gatt.Result {
	results := make(chan gatt.Result, 1)
	start(func(r gatt.Result) { results <- r })
	select {
	case r := <-results:
		return r
	case <-time.After(s.TestTimeout):
		s.FailNow("transport call MUST complete")
		return gatt.Result{}
	}
}

// AwaitListing lists root and waits for the entries.
func (s *MockBLEPeripheralSuite) AwaitListing(root string) ([]gatt.AttributeEntry, error) {
	type listing struct {
		entries []gatt.AttributeEntry
		err     error
	}
	results := make(chan listing, 1)
	s.Transport.ListAttributes(root, func(entries []gatt.AttributeEntry, err error) {
		results <- listing{entries, err}
	})
	select {
	case l := <-results:
		return l.entries, l.err
	case <-time.After(s.TestTimeout):
		s.FailNow("listing MUST complete")
		return nil, nil
	}
}

// Connect connects the transport to the mocked device and waits for services.
func (s *MockBLEPeripheralSuite) Connect() {
	r := s.Await(func(done func(gatt.Result)) {
		s.Transport.Connect(s.PeripheralBuilder.Remote(), done)
	})
	s.Require().NoError(r.Err, "connect MUST succeed")
	s.WaitLink(gatt.LinkServicesResolved)
}

// WaitLink waits until a link event of kind was reported.
func (s *MockBLEPeripheralSuite) WaitLink(kind gatt.LinkEventKind) gatt.LinkEvent {
	var found gatt.LinkEvent
	s.Require().Eventually(func() bool {
		for _, ev := range s.Links.Events() {
			if ev.Kind == kind {
				found = ev
				return true
			}
		}
		return false
	}, s.TestTimeout, 5*time.Millisecond, "link event %s MUST be reported", kind)
	return found
}

// LinkRecorder collects transport link events.
type LinkRecorder struct {
	mu     sync.Mutex
	events []gatt.LinkEvent
}

// Record is registered with Transport.SetLinkHandler.
func (r *LinkRecorder) Record(ev gatt.LinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns every recorded event in order.
func (r *LinkRecorder) Events() []gatt.LinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gatt.LinkEvent(nil), r.events...)
}

// createDefaultPeripheralBuilder creates a mocked peripheral with a Battery Service (180F)
// whose level characteristic (2A19) is 50% and notifies through a CCCD.
func createDefaultPeripheralBuilder() *PeripheralDeviceBuilder {
	b := NewPeripheralDeviceBuilder()
	b.FromJSON(`
		{
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{
							"uuid": "2A19",
							"properties": "read,notify",
							"value": [50],
							"descriptors": [ { "uuid": "2902", "value": [0, 0] } ]
						}
					]
				}
			]
		}`)
	return b
}
