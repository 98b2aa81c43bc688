//go:build test

package gatt_test

import (
	"testing"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type QueueTestSuite struct {
	testutils.ControllerSuite
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}

// heartRate returns the discovered Heart Rate service with its measurement, control
// point and measurement CCCD.
func (suite *QueueTestSuite) heartRate() (*gatt.Service, *gatt.Characteristic, *gatt.Characteristic, *gatt.Descriptor) {
	svc := suite.DiscoveredService("180d", gatt.EssentialDiscovery)
	measurement := svc.Characteristic(bledb.From16(0x2a37))
	control := svc.Characteristic(bledb.From16(0x2a39))
	suite.Require().NotNil(measurement)
	suite.Require().NotNil(control)
	cccd := measurement.Descriptor(gatt.UUIDClientCharacteristicConfiguration)
	suite.Require().NotNil(cccd)
	return svc, measurement, control, cccd
}

func (suite *QueueTestSuite) charAddress(n int) string {
	svcAddr := suite.Fake.Address(suite.Fake.Remote(), gatt.KindService, 0)
	return suite.Fake.Address(svcAddr, gatt.KindCharacteristic, n)
}

func (suite *QueueTestSuite) descAddress(n int) string {
	svcAddr := suite.Fake.Address(suite.Fake.Remote(), gatt.KindService, 0)
	return suite.Fake.Address(svcAddr, gatt.KindDescriptor, n)
}

func (suite *QueueTestSuite) TestSingleInFlightFIFO() {
	// GOAL: Verify operations are issued one at a time in submission order
	//
	// TEST SCENARIO: read, write, descriptor read submitted together → one pending at a time → events in order

	svc, measurement, control, cccd := suite.heartRate()
	suite.Events.Reset()
	suite.Fake.Hold(true)

	svc.ReadCharacteristic(measurement)
	svc.WriteCharacteristic(control, []byte{0x01}, gatt.WriteWithResponse)
	svc.ReadDescriptor(cccd)

	suite.Require().Equal(1, suite.Fake.Pending(), "only one operation MUST be in flight")
	suite.Assert().Equal("read", suite.Fake.PendingCalls()[0].Op)
	suite.Assert().Equal(suite.charAddress(0), suite.Fake.PendingCalls()[0].Address, "oldest job MUST be issued first")

	suite.Require().True(suite.Fake.CompleteNext())
	suite.Require().Equal(1, suite.Fake.Pending(), "next job MUST be issued after completion")
	suite.Assert().Equal("write", suite.Fake.PendingCalls()[0].Op)
	suite.Assert().Equal(suite.charAddress(1), suite.Fake.PendingCalls()[0].Address)

	suite.Fake.CompleteAll()

	suite.Assert().Equal(1, suite.Fake.MaxInFlight(), "transport MUST never see concurrent operations")
	got := suite.Events.OfType(gatt.EventCharacteristicRead, gatt.EventCharacteristicWritten, gatt.EventDescriptorRead)
	suite.Require().Len(got, 3)
	suite.Assert().Equal(gatt.EventCharacteristicRead, got[0].Type)
	suite.Assert().Equal([]byte{0, 80}, got[0].Value)
	suite.Assert().Equal(gatt.EventCharacteristicWritten, got[1].Type)
	suite.Assert().Equal([]byte{0x01}, got[1].Value)
	suite.Assert().Equal(gatt.EventDescriptorRead, got[2].Type)
	suite.Assert().Equal([]byte{0, 0}, got[2].Value)

	suite.Assert().Equal([]byte{0, 80}, measurement.Value(), "read value MUST be cached")
	suite.Assert().Equal([]byte{0x01}, control.Value(), "written value MUST be cached")
}

func (suite *QueueTestSuite) TestWriteWithoutResponse() {
	svc, _, control, _ := suite.heartRate()
	suite.Events.Reset()

	svc.WriteCharacteristic(control, []byte{0x02}, gatt.WriteWithoutResponse)

	calls := suite.Fake.Calls()
	suite.Require().NotEmpty(calls)
	suite.Assert().Equal(gatt.WriteWithoutResponse, calls[len(calls)-1].Mode, "write mode MUST reach the transport")
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventCharacteristicWritten), "unacknowledged writes MUST still report completion")
}

func (suite *QueueTestSuite) TestOperationFailures() {
	svc, measurement, control, cccd := suite.heartRate()

	suite.Run("characteristic read", func() {
		// GOAL: Verify a failed read reports CharacteristicReadError and keeps the cached value
		//
		// TEST SCENARIO: Transport fails read → service error with cause → value unchanged

		suite.Events.Reset()
		suite.Fake.FailRead(suite.charAddress(0), testutils.ErrFake)

		svc.ReadCharacteristic(measurement)

		errs := suite.Events.OfType(gatt.EventServiceError)
		suite.Require().Len(errs, 1)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrCharacteristicRead, "kind MUST be CharacteristicReadError")
		suite.Assert().ErrorIs(errs[0].Err, testutils.ErrFake, "transport cause MUST be wrapped")
		suite.Assert().Same(svc, errs[0].Service)
		suite.Assert().Empty(measurement.Value(), "failed read MUST NOT change the value")
	})

	suite.Run("characteristic write", func() {
		suite.Events.Reset()
		suite.Fake.FailWrite(suite.charAddress(1), testutils.ErrFake)

		svc.WriteCharacteristic(control, []byte{0x05}, gatt.WriteWithResponse)

		errs := suite.Events.OfType(gatt.EventServiceError)
		suite.Require().Len(errs, 1)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrCharacteristicWrite)
		suite.Assert().Empty(control.Value(), "failed write MUST NOT change the value")
	})

	suite.Run("descriptor read", func() {
		suite.Events.Reset()
		suite.Fake.FailRead(suite.descAddress(0), testutils.ErrFake)

		svc.ReadDescriptor(cccd)

		errs := suite.Events.OfType(gatt.EventServiceError)
		suite.Require().Len(errs, 1)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrDescriptorRead)

		var opErr *gatt.OperationError
		suite.Require().ErrorAs(errs[0].Err, &opErr)
		suite.Assert().Equal(cccd.Handle(), opErr.Handle, "error MUST name the descriptor handle")
	})

	suite.Run("queue continues", func() {
		suite.Events.Reset()
		svc.WriteDescriptor(cccd, []byte{0x01, 0x00})
		suite.Assert().Equal(1, suite.Events.Count(gatt.EventDescriptorWritten), "failures MUST NOT stall the queue")
	})
}

func (suite *QueueTestSuite) TestDisconnectDrainsQueue() {
	// GOAL: Verify a disconnect drops queued jobs and ignores the late completion of the in-flight one
	//
	// TEST SCENARIO: five reads queued, one in flight → disconnect → late completion → no events, no more calls

	svc, measurement, _, _ := suite.heartRate()
	suite.Fake.Hold(true)
	for i := 0; i < 5; i++ {
		svc.ReadCharacteristic(measurement)
	}
	suite.Require().Equal(1, suite.Fake.Pending())
	callsBefore := len(suite.Fake.Calls())
	suite.Events.Reset()

	suite.Controller.DisconnectFromDevice()
	suite.Fake.CompleteAll()

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Len(suite.Fake.Calls(), callsBefore, "queued jobs MUST NOT be issued after disconnect")
	suite.Assert().Zero(suite.Events.Count(gatt.EventCharacteristicRead), "stale completion MUST NOT be reported")
	suite.Assert().Zero(suite.Events.Count(gatt.EventServiceError), "dropped jobs MUST NOT be reported as failures")
}

func (suite *QueueTestSuite) TestLinkDropDrainsQueue() {
	// GOAL: Verify a link drop after the second job begins drains the queue without further calls
	//
	// TEST SCENARIO: five reads queued → first completes → second in flight → LinkDisconnected → late completion ignored → Unconnected

	svc, measurement, _, _ := suite.heartRate()
	suite.Fake.Hold(true)
	for i := 0; i < 5; i++ {
		svc.ReadCharacteristic(measurement)
	}
	suite.Events.Reset()
	suite.Require().True(suite.Fake.CompleteNext())
	suite.Require().Equal(1, suite.Fake.Pending(), "second job MUST be in flight")
	callsBefore := len(suite.Fake.Calls())

	suite.Fake.EmitLink(gatt.LinkEvent{Kind: gatt.LinkDisconnected})
	suite.Fake.CompleteAll()

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventDisconnected))
	suite.Assert().Len(suite.Fake.Calls(), callsBefore, "drained jobs MUST NOT be issued")
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventCharacteristicRead), "only the job finished before the drop MUST be reported")
	suite.Assert().Zero(suite.Events.Count(gatt.EventServiceError), "drained jobs MUST NOT be reported as failures")
	suite.Assert().Equal(gatt.InvalidService, svc.State())
}

func (suite *QueueTestSuite) TestStaleCompletionAfterReconnect() {
	// GOAL: Verify a completion from a previous connection cannot complete the new head job
	//
	// TEST SCENARIO: read in flight → callback captured → reconnect → new read in flight → old callback fires → ignored

	svc, measurement, _, _ := suite.heartRate()
	suite.Fake.Hold(true)
	svc.ReadCharacteristic(measurement)
	late := suite.Fake.TakeNext()
	suite.Require().NotNil(late)

	suite.Controller.DisconnectFromDevice()
	fresh := suite.DiscoveredService("180d", gatt.EssentialDiscovery)
	suite.Require().NotSame(svc, fresh, "reconnect MUST build new service entities")
	freshChar := fresh.Characteristic(bledb.From16(0x2a37))
	suite.Events.Reset()

	fresh.ReadCharacteristic(freshChar)
	suite.Require().Equal(1, suite.Fake.Pending())

	late(gatt.Success([]byte{0x07}))
	suite.Assert().Zero(suite.Events.Count(gatt.EventCharacteristicRead), "old completion MUST be ignored")
	suite.Assert().Equal(1, suite.Fake.Pending(), "new head MUST stay in flight")

	suite.Fake.CompleteNext()
	reads := suite.Events.OfType(gatt.EventCharacteristicRead)
	suite.Require().Len(reads, 1)
	suite.Assert().Equal([]byte{0, 80}, reads[0].Value)
}

func (suite *QueueTestSuite) TestValueChangeNotification() {
	// GOAL: Verify value changes of subscribed characteristics are reported and stop after disconnect
	//
	// TEST SCENARIO: CCCD discovered → device notifies → CharacteristicChanged → disconnect → subscription cancelled

	_, measurement, _, _ := suite.heartRate()
	address := suite.charAddress(0)
	suite.Require().Equal(1, suite.Fake.Subscribers(address), "characteristic with CCCD MUST be subscribed")
	suite.Events.Reset()

	suite.Fake.Notify(address, []byte{0, 99})

	changes := suite.Events.OfType(gatt.EventCharacteristicChanged)
	suite.Require().Len(changes, 1)
	suite.Assert().Same(measurement, changes[0].Characteristic)
	suite.Assert().Equal([]byte{0, 99}, changes[0].Value)
	suite.Assert().Equal([]byte{0, 99}, measurement.Value(), "notified value MUST be cached")

	suite.Controller.DisconnectFromDevice()
	suite.Assert().Zero(suite.Fake.Subscribers(address), "disconnect MUST cancel subscriptions")
}

func (suite *QueueTestSuite) TestCCCDWriteWithoutToggler() {
	svc, _, _, cccd := suite.heartRate()
	suite.Events.Reset()

	svc.WriteDescriptor(cccd, []byte{0x01, 0x00})

	calls := suite.Fake.Calls()
	suite.Require().NotEmpty(calls)
	last := calls[len(calls)-1]
	suite.Assert().Equal("write", last.Op, "CCCD MUST be written as a plain descriptor")
	suite.Assert().Equal(suite.descAddress(0), last.Address)
	suite.Assert().Equal([]byte{0x01, 0x00}, cccd.Value())
}

// QueueTogglerTestSuite runs against a transport that manages CCCDs itself.
type QueueTogglerTestSuite struct {
	testutils.ControllerSuite
}

func TestQueueTogglerTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTogglerTestSuite))
}

func (suite *QueueTogglerTestSuite) SetupTest() {
	suite.BuildTransport = func(b *testutils.ProfileBuilder) (gatt.Transport, *testutils.FakeTransport) {
		t := b.BuildToggler()
		return t, t.FakeTransport
	}
	suite.ControllerSuite.SetupTest()
}

func (suite *QueueTogglerTestSuite) TestCCCDWriteTogglesNotifications() {
	// GOAL: Verify CCCD writes are translated into the transport's notify toggle
	//
	// TEST SCENARIO: Write 01 00 to CCCD → notify call on the characteristic → DescriptorWritten, value cached

	suite.Require().True(suite.Controller.Capabilities().NotifyToggle)
	svc := suite.DiscoveredService("180d", gatt.EssentialDiscovery)
	measurement := svc.Characteristic(bledb.From16(0x2a37))
	cccd := measurement.Descriptor(gatt.UUIDClientCharacteristicConfiguration)
	suite.Require().NotNil(cccd)
	suite.Events.Reset()

	svc.WriteDescriptor(cccd, []byte{0x01, 0x00})

	calls := suite.Fake.Calls()
	suite.Require().NotEmpty(calls)
	last := calls[len(calls)-1]
	suite.Assert().Equal("notify", last.Op, "CCCD write MUST use the notify toggle")
	svcAddr := suite.Fake.Address(suite.Fake.Remote(), gatt.KindService, 0)
	suite.Assert().Equal(suite.Fake.Address(svcAddr, gatt.KindCharacteristic, 0), last.Address, "toggle MUST target the characteristic")
	suite.Assert().Equal([]byte{0x01, 0x00}, last.Value)

	written := suite.Events.OfType(gatt.EventDescriptorWritten)
	suite.Require().Len(written, 1)
	suite.Assert().Same(cccd, written[0].Descriptor)
	suite.Assert().Equal([]byte{0x01, 0x00}, cccd.Value())
}

func (suite *QueueTestSuite) TestRediscoveryFailsPendingJobs() {
	// GOAL: Verify rediscovering a service fails caller jobs queued against its old handles
	//
	// TEST SCENARIO: two reads held (one in flight) → DiscoverDetails(full) → one error per read → in-flight answer discarded → rediscovery completes

	svc, measurement, _, _ := suite.heartRate()
	suite.Fake.Hold(true)
	svc.ReadCharacteristic(measurement)
	svc.ReadCharacteristic(measurement)
	suite.Require().Equal(1, suite.Fake.Pending())
	suite.Events.Reset()

	svc.DiscoverDetails(gatt.FullDiscovery)

	errs := suite.Events.OfType(gatt.EventServiceError)
	suite.Require().Len(errs, 2, "every pending caller job MUST get a terminal event")
	for _, ev := range errs {
		suite.Assert().ErrorIs(ev.Err, gatt.ErrCharacteristicRead)
		suite.Assert().ErrorIs(ev.Err, gatt.ErrServiceRediscovered)
	}
	suite.Assert().Equal(1, suite.Fake.Pending(), "discovery reads MUST wait for the in-flight access")

	suite.Fake.CompleteAll()

	suite.Assert().Zero(suite.Events.Count(gatt.EventCharacteristicRead), "aborted reads MUST NOT report a value")
	suite.Assert().Len(suite.Events.OfType(gatt.EventServiceError), 2, "aborted jobs MUST be reported once")
	suite.Assert().Equal(1, suite.Fake.MaxInFlight(), "transport MUST never see concurrent operations")
	suite.Assert().Equal(gatt.RemoteServiceDiscovered, svc.State())
	suite.Assert().Equal([]byte{0, 80}, svc.Characteristic(bledb.From16(0x2a37)).Value(), "rediscovery MUST read fresh values")
}
