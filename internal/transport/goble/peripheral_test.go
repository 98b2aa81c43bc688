//go:build test

package goble_test

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const remoteClient = "11:22:33:44:55:66"

// PeripheralTransportTestSuite serves the default Heart Rate application through the
// go-ble transport and plays the remote client by calling the served handlers directly.
type PeripheralTransportTestSuite struct {
	testutils.MockBLEPeripheralSuite

	Controller *gatt.Controller
	Events     *testutils.EventRecorder
	Service    *gatt.Service
}

func TestPeripheralTransportTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTransportTestSuite))
}

func (suite *PeripheralTransportTestSuite) SetupTest() {
	suite.MockBLEPeripheralSuite.SetupTest()

	ctl, err := gatt.New(suite.Transport, gatt.Options{
		Role:   gatt.RolePeripheral,
		Logger: suite.Logger,
	})
	suite.Require().NoError(err)
	suite.Controller = ctl
	suite.Events = &testutils.EventRecorder{}
	ctl.OnEvent(suite.Events.Record)

	svc, err := ctl.AddService(testutils.DefaultApplication()[0])
	suite.Require().NoError(err)
	suite.Service = svc

	ctl.StartAdvertising(gatt.AdvertisingParams{LocalName: "blegatt-test"})
	suite.Require().Eventually(func() bool {
		return len(suite.PeripheralBuilder.Served()) == 1 && len(suite.PeripheralBuilder.Advertised()) == 1
	}, suite.TestTimeout, 5*time.Millisecond, "application MUST be served and advertised")
}

func (suite *PeripheralTransportTestSuite) TearDownTest() {
	suite.Controller.Close()
	suite.MockBLEPeripheralSuite.TearDownTest()
}

func (suite *PeripheralTransportTestSuite) served(u string) *ble.Characteristic {
	c := suite.PeripheralBuilder.ServedCharacteristic(u)
	suite.Require().NotNil(c, "characteristic %s MUST be served", u)
	return c
}

func (suite *PeripheralTransportTestSuite) read(c *ble.Characteristic, conn *testutils.FakeConn, offset int) *testutils.FakeResponseWriter {
	suite.Require().NotNil(c.ReadHandler, "characteristic MUST be readable")
	rsp := testutils.NewFakeResponseWriter(0)
	c.ReadHandler.ServeRead(testutils.NewFakeRequest(conn, nil, offset), rsp)
	return rsp
}

func (suite *PeripheralTransportTestSuite) write(c *ble.Characteristic, conn *testutils.FakeConn, value []byte, offset int) *testutils.FakeResponseWriter {
	suite.Require().NotNil(c.WriteHandler, "characteristic MUST be writable")
	rsp := testutils.NewFakeResponseWriter(0)
	c.WriteHandler.ServeWrite(testutils.NewFakeRequest(conn, value, offset), rsp)
	return rsp
}

func (suite *PeripheralTransportTestSuite) TestServedTree() {
	// GOAL: Verify the local database is published as a go-ble service tree
	//
	// TEST SCENARIO: AddService(180D) → StartAdvertising → SetServices(180D) → handlers by property → advertised name

	svcs := suite.PeripheralBuilder.Served()
	suite.Require().Len(svcs, 1)
	suite.Assert().True(svcs[0].UUID.Equal(ble.UUID16(0x180d)))
	suite.Require().Len(svcs[0].Characteristics, 3)

	m := suite.served("2A37")
	suite.Assert().Equal(ble.CharRead|ble.CharNotify, m.Property)
	suite.Assert().NotNil(m.NotifyHandler, "notifying characteristic MUST have a notify handler")
	suite.Assert().Nil(m.WriteHandler, "read-only characteristic MUST NOT accept writes")
	suite.Require().Len(m.Descriptors, 1, "CCCD MUST be left to go-ble")
	suite.Assert().True(m.Descriptors[0].UUID.Equal(ble.UUID16(0x2901)))

	cp := suite.served("2A39")
	suite.Assert().Equal(ble.CharWrite, cp.Property)
	suite.Assert().Nil(cp.ReadHandler)

	suite.Assert().Equal([]string{"blegatt-test"}, suite.PeripheralBuilder.Advertised())
	suite.Assert().Equal(gatt.StateAdvertising, suite.Controller.State())
}

func (suite *PeripheralTransportTestSuite) TestRemoteRead() {
	conn := testutils.NewFakeConn(remoteClient, 4)
	location := suite.served("2A38")

	suite.Run("first access connects the client", func() {
		rsp := suite.read(location, conn, 0)
		suite.Assert().Equal(ble.ATTError(0), rsp.Status())
		suite.Assert().Equal([]byte("0123"), rsp.Value(), "read MUST be capped at the client MTU")
		suite.Require().Eventually(func() bool {
			return suite.Controller.State() == gatt.StateConnected
		}, suite.TestTimeout, 5*time.Millisecond)
		suite.Assert().Equal(remoteClient, suite.Controller.RemoteAddress())
		suite.Assert().Equal(1, suite.Events.Count(gatt.EventConnected))
	})

	suite.Run("offset", func() {
		rsp := suite.read(location, conn, 2)
		suite.Assert().Equal([]byte("2345"), rsp.Value())
	})

	suite.Run("offset past the end", func() {
		rsp := suite.read(location, conn, 11)
		suite.Assert().Equal(ble.ErrInvalidOffset, rsp.Status())
		suite.Assert().Empty(rsp.Value())
	})

	suite.Run("descriptor", func() {
		desc := suite.served("2A37").Descriptors[0]
		rsp := testutils.NewFakeResponseWriter(0)
		desc.ReadHandler.ServeRead(testutils.NewFakeRequest(conn, nil, 0), rsp)
		suite.Assert().Equal([]byte("HR"), rsp.Value())
	})
}

func (suite *PeripheralTransportTestSuite) TestRemoteWrite() {
	// GOAL: Verify remote writes land in the local database and rejections become ATT errors
	//
	// TEST SCENARIO: write 01 to 2A39 → value changed + event → write at offset 5 → invalid offset status

	conn := testutils.NewFakeConn(remoteClient, 23)
	cp := suite.served("2A39")

	rsp := suite.write(cp, conn, []byte{0x01}, 0)
	suite.Assert().Equal(ble.ATTError(0), rsp.Status())
	suite.Assert().Equal([]byte{0x01}, suite.Service.Characteristic(bledb.From16(0x2a39)).Value())
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventCharacteristicChanged), "remote write MUST be reported")

	rsp = suite.write(cp, conn, []byte{0x02}, 5)
	suite.Assert().Equal(ble.ErrInvalidOffset, rsp.Status())
	suite.Assert().Equal([]byte{0x01}, suite.Service.Characteristic(bledb.From16(0x2a39)).Value(), "rejected write MUST NOT change the value")
}

func (suite *PeripheralTransportTestSuite) TestNotifications() {
	// GOAL: Verify a notification stream drives the CCCD and receives local writes
	//
	// TEST SCENARIO: client subscribes → CCCD 01 00 → local write 00 50 → notified → stream closed → CCCD 00 00

	conn := testutils.NewFakeConn(remoteClient, 23)
	m := suite.served("2A37")
	measurement := suite.Service.Characteristic(bledb.From16(0x2a37))
	cccd := measurement.Descriptor(gatt.UUIDClientCharacteristicConfiguration)
	suite.Require().NotNil(cccd)

	n := testutils.NewFakeNotifier()
	served := make(chan struct{})
	go func() {
		defer close(served)
		m.NotifyHandler.ServeNotify(testutils.NewFakeRequest(conn, nil, 0), n)
	}()

	suite.Require().Eventually(func() bool {
		return string(cccd.Value()) == string([]byte{0x01, 0x00})
	}, suite.TestTimeout, 5*time.Millisecond, "subscription MUST enable the CCCD")

	suite.Service.WriteCharacteristic(measurement, []byte{0x00, 0x50}, gatt.WriteWithResponse)
	suite.Require().Eventually(func() bool {
		return len(n.Values()) == 1
	}, suite.TestTimeout, 5*time.Millisecond, "local write MUST be notified")
	suite.Assert().Equal([][]byte{{0x00, 0x50}}, n.Values())

	suite.Require().NoError(n.Close())
	select {
	case <-served:
	case <-time.After(suite.TestTimeout):
		suite.FailNow("notify handler MUST return once the stream closes")
	}
	suite.Require().Eventually(func() bool {
		return string(cccd.Value()) == string([]byte{0x00, 0x00})
	}, suite.TestTimeout, 5*time.Millisecond, "closed stream MUST disable the CCCD")
}

func (suite *PeripheralTransportTestSuite) TestClientDisconnect() {
	conn := testutils.NewFakeConn(remoteClient, 23)
	suite.read(suite.served("2A38"), conn, 0)
	suite.Require().Eventually(func() bool {
		return suite.Controller.State() == gatt.StateConnected
	}, suite.TestTimeout, 5*time.Millisecond)

	suite.Require().NoError(conn.Close())

	suite.Require().Eventually(func() bool {
		return suite.Controller.State() == gatt.StateUnconnected
	}, suite.TestTimeout, 5*time.Millisecond, "last client leaving MUST return to Unconnected")
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventDisconnected))
	suite.Assert().Empty(suite.Controller.RemoteAddress())
}

func (suite *PeripheralTransportTestSuite) TestStopAdvertising() {
	suite.Controller.StopAdvertising()

	suite.Require().Eventually(func() bool {
		return suite.Controller.State() == gatt.StateUnconnected
	}, suite.TestTimeout, 5*time.Millisecond)
	suite.Assert().Len(suite.PeripheralBuilder.Served(), 1, "application MUST stay registered")
}

func (suite *PeripheralTransportTestSuite) TestCloseUnpublishes() {
	conn := testutils.NewFakeConn(remoteClient, 23)
	suite.read(suite.served("2A38"), conn, 0)

	suite.Controller.Close()

	suite.Require().Eventually(func() bool {
		return len(suite.PeripheralBuilder.Served()) == 0
	}, suite.TestTimeout, 5*time.Millisecond, "close MUST remove the application")
	suite.Assert().True(conn.Closed(), "close MUST drop connected clients")
	suite.PeripheralBuilder.Device.AssertCalled(suite.T(), "RemoveAllServices")
}
