//go:build test

package goble_test

import (
	"testing"
	"time"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// ControllerOverGoBLETestSuite drives a central controller on its own executor through the
// go-ble transport.
type ControllerOverGoBLETestSuite struct {
	testutils.MockBLEPeripheralSuite

	Controller *gatt.Controller
	Events     *testutils.EventRecorder
}

func TestControllerOverGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(ControllerOverGoBLETestSuite))
}

func (suite *ControllerOverGoBLETestSuite) SetupTest() {
	suite.MockBLEPeripheralSuite.SetupTest()

	ctl, err := gatt.New(suite.Transport, gatt.Options{
		RemoteAddress: suite.PeripheralBuilder.Remote(),
		Logger:        suite.Logger,
	})
	suite.Require().NoError(err)
	suite.Controller = ctl
	suite.Events = &testutils.EventRecorder{}
	ctl.OnEvent(suite.Events.Record)
}

func (suite *ControllerOverGoBLETestSuite) TearDownTest() {
	suite.Controller.Close()
	suite.MockBLEPeripheralSuite.TearDownTest()
}

func (suite *ControllerOverGoBLETestSuite) waitState(want gatt.State) {
	suite.Require().Eventually(func() bool {
		return suite.Controller.State() == want
	}, suite.TestTimeout, 5*time.Millisecond, "controller MUST reach %s", want)
}

func (suite *ControllerOverGoBLETestSuite) TestCapabilities() {
	caps := suite.Controller.Capabilities()
	suite.Assert().True(caps.NotifyToggle, "go-ble manages the CCCD itself")
	suite.Assert().True(caps.Peripheral)
	suite.Assert().False(caps.Battery)
}

func (suite *ControllerOverGoBLETestSuite) TestSessionEndToEnd() {
	// GOAL: Verify the whole central session works over go-ble: connect, discover, read, notify, disconnect
	//
	// TEST SCENARIO: connect → MTU 247 → discover 180F → full details (level 50) → enable CCCD → notification 33 → disconnect

	suite.Controller.ConnectToDevice()
	suite.waitState(gatt.StateConnected)
	suite.Assert().Equal(247, suite.Controller.MTU(), "exchanged MTU MUST reach the controller")

	suite.Controller.DiscoverServices()
	suite.waitState(gatt.StateDiscovered)

	svc := suite.Controller.CreateServiceObject(bledb.From16(0x180f))
	suite.Require().NotNil(svc)
	svc.DiscoverDetails(gatt.FullDiscovery)
	suite.Require().Eventually(func() bool {
		return svc.State() == gatt.RemoteServiceDiscovered
	}, suite.TestTimeout, 5*time.Millisecond)

	level := svc.Characteristic(gatt.UUIDBatteryLevel)
	suite.Require().NotNil(level)
	suite.Assert().Equal([]byte{50}, level.Value(), "full discovery MUST read the level")
	cccd := level.Descriptor(gatt.UUIDClientCharacteristicConfiguration)
	suite.Require().NotNil(cccd)

	svc.WriteDescriptor(cccd, []byte{0x01, 0x00})
	suite.Require().Eventually(func() bool {
		return suite.Events.Count(gatt.EventDescriptorWritten) == 1
	}, suite.TestTimeout, 5*time.Millisecond, "CCCD write MUST complete")
	suite.PeripheralBuilder.Client.AssertCalled(suite.T(), "Subscribe", suite.PeripheralBuilder.Characteristic("2A19"), false, mock.Anything)

	suite.Require().True(suite.PeripheralBuilder.Notify("2A19", []byte{33}))
	suite.Require().Eventually(func() bool {
		return suite.Events.Count(gatt.EventCharacteristicChanged) == 1
	}, suite.TestTimeout, 5*time.Millisecond, "notification MUST be reported")
	suite.Assert().Equal([]byte{33}, level.Value())

	suite.Controller.DisconnectFromDevice()
	suite.waitState(gatt.StateUnconnected)
	suite.Assert().Equal(gatt.InvalidService, svc.State(), "services MUST be invalidated on disconnect")
}

func (suite *ControllerOverGoBLETestSuite) TestLinkDropInvalidatesServices() {
	suite.Controller.ConnectToDevice()
	suite.waitState(gatt.StateConnected)
	suite.Controller.DiscoverServices()
	suite.waitState(gatt.StateDiscovered)
	svc := suite.Controller.CreateServiceObject(bledb.From16(0x180f))
	suite.Require().NotNil(svc)

	suite.PeripheralBuilder.Disconnect()

	suite.waitState(gatt.StateUnconnected)
	suite.Assert().Equal(gatt.InvalidService, svc.State())
	suite.Assert().Zero(suite.Events.Count(gatt.EventError), "link drop MUST NOT be reported as an error")
}
