//go:build test

package gatt_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	measurementPath = "/app/service0/char0"
	cccdPath        = "/app/service0/char0/desc0"
	userDescPath    = "/app/service0/char0/desc1"
	controlPath     = "/app/service0/char1"
	locationPath    = "/app/service0/char2"

	clientA = "11:22:33:44:55:66"
	clientB = "66:55:44:33:22:11"
)

type PeripheralTestSuite struct {
	testutils.PeripheralSuite
}

func TestPeripheralTestSuite(t *testing.T) {
	suite.Run(t, new(PeripheralTestSuite))
}

func (suite *PeripheralTestSuite) heartRate() *gatt.Service {
	suite.Require().NotEmpty(suite.Services)
	return suite.Services[0]
}

func (suite *PeripheralTestSuite) char(u uint16) *gatt.Characteristic {
	c := suite.heartRate().Characteristic(bledb.From16(u))
	suite.Require().NotNil(c, "characteristic %04x MUST exist", u)
	return c
}

func (suite *PeripheralTestSuite) TestAddServiceBuildsLocalTree() {
	// GOAL: Verify AddService creates a local service with sequential handles and initial values
	//
	// TEST SCENARIO: default application added → LocalService → handles 1..10 → values as given

	svc := suite.heartRate()
	suite.Assert().Equal(gatt.LocalService, svc.State())
	suite.Assert().Equal(gatt.Handle(1), svc.StartHandle())
	suite.Assert().Equal(gatt.Handle(10), svc.EndHandle())

	m := suite.char(0x2a37)
	suite.Assert().Equal(gatt.Handle(2), m.Handle())
	suite.Assert().Equal(gatt.Handle(3), m.ValueHandle())
	suite.Assert().Equal([]byte{0x00, 0x3c}, m.Value())
	suite.Assert().Equal(1, m.MinLength())
	suite.Assert().Equal(4, m.MaxLength())
	suite.Require().Len(m.Descriptors(), 2)
	suite.Assert().Equal([]byte("HR"), m.Descriptors()[1].Value())

	_, err := suite.Controller.AddService(gatt.ServiceData{UUID: bledb.From16(0x180d)})
	suite.Assert().Error(err, "duplicate service MUST be rejected")
}

func (suite *PeripheralTestSuite) TestAddServiceClampsValues() {
	// GOAL: Verify local values are capped and out-of-bounds initial values are replaced
	//
	// TEST SCENARIO: 600-byte value → 512 bytes; 1-byte value with min 2 → zeroed to min length

	svc, err := suite.Controller.AddService(gatt.ServiceData{
		UUID: bledb.MustParse("fff0"),
		Characteristics: []gatt.CharacteristicData{
			{UUID: bledb.MustParse("fff1"), Properties: gatt.PropRead, Value: make([]byte, 600)},
			{UUID: bledb.MustParse("fff2"), Properties: gatt.PropRead, Value: []byte{7}, MinLength: 2, MaxLength: 1000},
		},
	})
	suite.Require().NoError(err)

	chars := svc.Characteristics()
	suite.Require().Len(chars, 2)
	suite.Assert().Len(chars[0].Value(), gatt.MaxAttributeLength, "value MUST be capped")
	suite.Assert().Equal(gatt.MaxAttributeLength, chars[1].MaxLength(), "max length MUST be capped")
	suite.Assert().Equal([]byte{0, 0}, chars[1].Value(), "invalid initial value MUST be replaced by zeros")
	suite.Assert().Greater(svc.StartHandle(), suite.heartRate().EndHandle(), "handles MUST continue across services")
}

func (suite *PeripheralTestSuite) TestIncludedServices() {
	suite.Run("missing include", func() {
		_, err := suite.Controller.AddService(gatt.ServiceData{UUID: bledb.MustParse("fff0"), Includes: []*gatt.Service{nil}})
		suite.Assert().ErrorIs(err, gatt.ErrIncludedServiceMissing)
	})

	suite.Run("include from another controller", func() {
		other, err := gatt.New(testutils.NewFakePeripheral(), gatt.Options{Role: gatt.RolePeripheral, Executor: gatt.NewInlineExecutor()})
		suite.Require().NoError(err)
		defer other.Close()
		foreign, err := other.AddService(gatt.ServiceData{UUID: bledb.MustParse("fff9")})
		suite.Require().NoError(err)

		_, err = suite.Controller.AddService(gatt.ServiceData{UUID: bledb.MustParse("fff0"), Includes: []*gatt.Service{foreign}})
		suite.Assert().ErrorIs(err, gatt.ErrIncludedServiceMissing, "includes MUST be added first")
	})

	suite.Run("valid include", func() {
		svc, err := suite.Controller.AddService(gatt.ServiceData{
			UUID:     bledb.MustParse("fff0"),
			Type:     gatt.SecondaryService,
			Includes: []*gatt.Service{suite.heartRate()},
		})
		suite.Require().NoError(err)
		suite.Assert().Equal([]uuid.UUID{bledb.From16(0x180d)}, svc.IncludedServices())

		suite.Advertise()
		obj, ok := suite.Peripheral.Object(gatt.KindService, bledb.MustParse("fff0").String())
		suite.Require().True(ok)
		suite.Assert().False(obj.Primary)
		suite.Assert().Equal([]string{"/app/service0"}, obj.Includes, "include MUST reference the published path")

		_, params := suite.Peripheral.Advertising()
		suite.Assert().Equal([]uuid.UUID{bledb.From16(0x180d)}, params.ServiceUUIDs, "only primary services MUST be advertised")
	})
}

func (suite *PeripheralTestSuite) TestStartAdvertisingPublishesApplication() {
	// GOAL: Verify the first advertising start registers the application once
	//
	// TEST SCENARIO: StartAdvertising → registration → advertising → stop → start again → no second registration

	suite.Advertise()

	suite.Assert().Equal(1, suite.Peripheral.Registrations())
	advertising, params := suite.Peripheral.Advertising()
	suite.Assert().True(advertising)
	suite.Assert().Equal("blegatt-test", params.LocalName)

	objects := suite.Peripheral.Objects()
	suite.Assert().Len(objects, 5, "service, three characteristics and one descriptor MUST be published")
	m, ok := suite.Peripheral.Object(gatt.KindCharacteristic, bledb.From16(0x2a37).String())
	suite.Require().True(ok)
	suite.Assert().Equal(measurementPath, m.Path)
	suite.Assert().Equal("/app/service0", m.Parent)
	suite.Assert().Equal([]string{"read", "notify"}, m.Flags)
	_, ok = suite.Peripheral.Object(gatt.KindDescriptor, gatt.UUIDClientCharacteristicConfiguration.String())
	suite.Assert().False(ok, "CCCD MUST be left to the transport")
	desc, ok := suite.Peripheral.Object(gatt.KindDescriptor, bledb.From16(0x2901).String())
	suite.Require().True(ok)
	suite.Assert().Equal(userDescPath, desc.Path)

	_, err := suite.Controller.AddService(gatt.ServiceData{UUID: bledb.MustParse("fff0")})
	suite.Assert().ErrorIs(err, gatt.ErrApplicationRegistered, "services MUST NOT be added after registration")

	suite.Controller.StopAdvertising()
	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	advertising, _ = suite.Peripheral.Advertising()
	suite.Assert().False(advertising)

	suite.Advertise()
	suite.Assert().Equal(1, suite.Peripheral.Registrations(), "application MUST be registered once")
}

func (suite *PeripheralTestSuite) TestRegistrationFailure() {
	// GOAL: Verify a failed registration reports AdvertisingError and unpublishes
	//
	// TEST SCENARIO: registration fails → error event → Unconnected → application still open for services

	suite.Peripheral.FailRegistration(testutils.ErrFake)

	suite.Controller.StartAdvertising(gatt.AdvertisingParams{})

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	errs := suite.Events.OfType(gatt.EventError)
	suite.Require().Len(errs, 1)
	suite.Assert().ErrorIs(errs[0].Err, gatt.ErrAdvertising)
	suite.Assert().ErrorIs(errs[0].Err, testutils.ErrFake)
	suite.Assert().Equal(1, suite.Peripheral.Unregisters(), "partial registration MUST be unpublished")
	advertising, _ := suite.Peripheral.Advertising()
	suite.Assert().False(advertising)

	_, err := suite.Controller.AddService(gatt.ServiceData{UUID: bledb.MustParse("fff0")})
	suite.Assert().NoError(err, "failed registration MUST leave the application open")
}

func (suite *PeripheralTestSuite) TestAdvertisingFailure() {
	suite.Peripheral.FailAdvertising(errors.New("advertisement limit reached"))

	suite.Controller.StartAdvertising(gatt.AdvertisingParams{})

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	errs := suite.Events.OfType(gatt.EventError)
	suite.Require().Len(errs, 1)
	suite.Assert().ErrorIs(errs[0].Err, gatt.ErrAdvertising)
	suite.Assert().Equal([]gatt.State{gatt.StateAdvertising, gatt.StateUnconnected}, suite.Events.States())
}

func (suite *PeripheralTestSuite) TestAdvertisingErrorLinkEvent() {
	suite.Advertise()
	suite.Peripheral.EmitLink(gatt.LinkEvent{Kind: gatt.LinkAdvertisingError, Err: testutils.ErrFake})

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventError))
}

func (suite *PeripheralTestSuite) TestRemoteRead() {
	// GOAL: Verify remote reads honour offsets and the MTU
	//
	// TEST SCENARIO: read at offsets 0, len, len+1 → value, empty, invalid offset; small MTU → truncated

	suite.Advertise()

	r, replied := suite.Peripheral.Read(clientA, measurementPath, 0, 0)
	suite.Require().True(replied, "read MUST be answered")
	suite.Require().True(r.OK())
	suite.Assert().Equal([]byte{0x00, 0x3c}, r.Value)

	r, _ = suite.Peripheral.Read(clientA, measurementPath, 1, 0)
	suite.Assert().Equal([]byte{0x3c}, r.Value)

	r, _ = suite.Peripheral.Read(clientA, measurementPath, 2, 0)
	suite.Assert().True(r.OK(), "offset equal to length MUST return an empty value")
	suite.Assert().Empty(r.Value)

	r, _ = suite.Peripheral.Read(clientA, measurementPath, 3, 0)
	suite.Assert().ErrorIs(r.Err, gatt.ErrInvalidOffset)

	r, _ = suite.Peripheral.Read(clientA, locationPath, 2, 4)
	suite.Assert().Equal([]byte("2345"), r.Value, "value MUST be limited to the MTU")
	suite.Assert().Equal(4, suite.Controller.MTU())

	r, _ = suite.Peripheral.Read(clientA, userDescPath, 0, 0)
	suite.Assert().Equal([]byte("HR"), r.Value, "descriptors MUST be readable")

	r, _ = suite.Peripheral.Read(clientA, "/app/service9/char0", 0, 0)
	suite.Assert().ErrorIs(r.Err, gatt.ErrUnsupported)
}

func (suite *PeripheralTestSuite) TestRemoteWrite() {
	suite.Advertise()
	suite.Events.Reset()

	suite.Run("plain write", func() {
		// GOAL: Verify an accepted remote write updates the value and is reported as a change
		//
		// TEST SCENARIO: write 05 to control point → success → value 05 → CharacteristicChanged

		r, replied := suite.Peripheral.Write(clientA, controlPath, []byte{0x05})
		suite.Require().True(replied)
		suite.Assert().True(r.OK())
		suite.Assert().Equal([]byte{0x05}, suite.char(0x2a39).Value())

		changes := suite.Events.OfType(gatt.EventCharacteristicChanged)
		suite.Require().Len(changes, 1)
		suite.Assert().Equal([]byte{0x05}, changes[0].Value)
	})

	suite.Run("length violation", func() {
		r, _ := suite.Peripheral.Write(clientA, measurementPath, []byte{1, 2, 3, 4, 5})
		suite.Assert().ErrorIs(r.Err, gatt.ErrInvalidValueLength)
		suite.Assert().Equal([]byte{0x00, 0x3c}, suite.char(0x2a37).Value(), "rejected write MUST NOT mutate the value")
	})

	suite.Run("offset write", func() {
		r, _ := suite.Peripheral.Access(gatt.AccessEvent{
			Kind: gatt.AccessWrite, Path: measurementPath, Remote: clientA, Offset: 1, Value: []byte{0x46, 0x01},
		})
		suite.Require().True(r.OK())
		suite.Assert().Equal([]byte{0x00, 0x46, 0x01}, suite.char(0x2a37).Value(), "write MUST splice at the offset")

		r, _ = suite.Peripheral.Access(gatt.AccessEvent{
			Kind: gatt.AccessWrite, Path: measurementPath, Remote: clientA, Offset: 9, Value: []byte{0x01},
		})
		suite.Assert().ErrorIs(r.Err, gatt.ErrInvalidOffset)
	})

	suite.Run("prepare authorization", func() {
		r, _ := suite.Peripheral.Access(gatt.AccessEvent{
			Kind: gatt.AccessWrite, Path: controlPath, Remote: clientA, Value: []byte{0x09}, PrepareAuthorize: true,
		})
		suite.Assert().ErrorIs(r.Err, gatt.ErrNotAuthorized)
		suite.Assert().Equal([]byte{0x05}, suite.char(0x2a39).Value())
	})

	suite.Run("cccd", func() {
		r, _ := suite.Peripheral.Write(clientA, cccdPath, []byte{0x01, 0x00})
		suite.Assert().ErrorIs(r.Err, gatt.ErrWriteNotPermitted, "CCCD MUST only change through notify start/stop")
	})

	suite.Run("descriptor", func() {
		suite.Events.Reset()
		r, _ := suite.Peripheral.Write(clientA, userDescPath, []byte("Chest"))
		suite.Require().True(r.OK())
		written := suite.Events.OfType(gatt.EventDescriptorWritten)
		suite.Require().Len(written, 1)
		suite.Assert().Equal([]byte("Chest"), written[0].Value)
	})
}

func (suite *PeripheralTestSuite) TestNotifyOnLocalWrite() {
	// GOAL: Verify local writes reach subscribed clients and only them
	//
	// TEST SCENARIO: local write unsubscribed → no push → client subscribes → CCCD 01 00 → local write → pushed

	svc := suite.heartRate()
	m := suite.char(0x2a37)
	cccd := m.Descriptor(gatt.UUIDClientCharacteristicConfiguration)
	suite.Advertise()

	svc.WriteCharacteristic(m, []byte{0x00, 0x40}, gatt.WriteWithResponse)
	suite.Assert().Empty(suite.Peripheral.Notifications(), "unsubscribed characteristic MUST NOT notify")

	suite.Events.Reset()
	suite.Peripheral.StartNotify(clientA, measurementPath)
	suite.Assert().Equal([]byte{0x01, 0x00}, cccd.Value(), "subscription MUST be reflected in the CCCD")
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventDescriptorWritten))

	svc.WriteCharacteristic(m, []byte{0x00, 0x41}, gatt.WriteWithResponse)
	notifications := suite.Peripheral.Notifications()
	suite.Require().Len(notifications, 1)
	suite.Assert().Equal(measurementPath, notifications[0].Path)
	suite.Assert().Equal([]byte{0x00, 0x41}, notifications[0].Value)
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventCharacteristicWritten))

	suite.Peripheral.Access(gatt.AccessEvent{Kind: gatt.AccessNotifyStop, Path: measurementPath, Remote: clientA})
	suite.Assert().Equal([]byte{0x00, 0x00}, cccd.Value())
	svc.WriteCharacteristic(m, []byte{0x00, 0x42}, gatt.WriteWithResponse)
	suite.Assert().Len(suite.Peripheral.Notifications(), 1, "unsubscribed characteristic MUST NOT notify")
}

func (suite *PeripheralTestSuite) TestLocalOperations() {
	svc := suite.heartRate()
	m := suite.char(0x2a37)

	suite.Run("read before advertising", func() {
		suite.Events.Reset()
		svc.ReadCharacteristic(m)
		reads := suite.Events.OfType(gatt.EventCharacteristicRead)
		suite.Require().Len(reads, 1, "local services MUST be operable without a link")
		suite.Assert().Equal([]byte{0x00, 0x3c}, reads[0].Value)
	})

	suite.Run("length violation", func() {
		suite.Events.Reset()
		svc.WriteCharacteristic(m, []byte{1, 2, 3, 4, 5, 6}, gatt.WriteWithResponse)
		errs := suite.Events.OfType(gatt.EventServiceError)
		suite.Require().Len(errs, 1)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrCharacteristicWrite)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrInvalidValueLength)
	})

	suite.Run("cccd write", func() {
		suite.Events.Reset()
		svc.WriteDescriptor(m.Descriptor(gatt.UUIDClientCharacteristicConfiguration), []byte{0x01, 0x00})
		errs := suite.Events.OfType(gatt.EventServiceError)
		suite.Require().Len(errs, 1)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrDescriptorWrite)
		suite.Assert().ErrorIs(errs[0].Err, gatt.ErrWriteNotPermitted)
	})

	suite.Run("descriptor write", func() {
		suite.Events.Reset()
		desc := m.Descriptor(bledb.From16(0x2901))
		svc.WriteDescriptor(desc, []byte("Wrist"))
		suite.Assert().Equal(1, suite.Events.Count(gatt.EventDescriptorWritten))
		suite.Assert().Equal([]byte("Wrist"), desc.Value())
	})
}

func (suite *PeripheralTestSuite) TestClientTracking() {
	// GOAL: Verify the connection follows the set of remote clients
	//
	// TEST SCENARIO: A accesses → Connected → B accesses → A leaves → remote is B → B leaves → Unconnected

	suite.Advertise()
	suite.Events.Reset()

	suite.Peripheral.Access(gatt.AccessEvent{Kind: gatt.AccessRead, Path: measurementPath, Remote: clientA, RemoteName: "phone"})
	suite.Assert().Equal(gatt.StateConnected, suite.Controller.State())
	suite.Assert().Equal(clientA, suite.Controller.RemoteAddress())
	suite.Assert().Equal("phone", suite.Controller.RemoteName())

	suite.Peripheral.Read(clientB, measurementPath, 0, 0)
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventConnected), "second client MUST NOT reconnect")

	suite.Peripheral.Leave(clientA)
	suite.Assert().Equal(gatt.StateConnected, suite.Controller.State(), "remaining client MUST keep the connection")
	suite.Assert().Equal(clientB, suite.Controller.RemoteAddress())

	suite.Peripheral.Leave(clientB)
	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventDisconnected))
	suite.Assert().Empty(suite.Controller.RemoteAddress())
	suite.Assert().Equal(gatt.LocalService, suite.heartRate().State(), "local services MUST survive client loss")
}

func (suite *PeripheralTestSuite) TestDisconnectKicksClients() {
	suite.Advertise()
	suite.Peripheral.Read(clientA, measurementPath, 0, 0)
	suite.Events.Reset()

	suite.Controller.DisconnectFromDevice()

	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Equal(1, suite.Events.Count(gatt.EventDisconnected))
}

func (suite *PeripheralTestSuite) TestCloseUnregisters() {
	suite.Advertise()

	suite.Controller.Close()

	suite.Assert().Equal(1, suite.Peripheral.Unregisters())
	advertising, _ := suite.Peripheral.Advertising()
	suite.Assert().False(advertising, "close MUST stop advertising")
	suite.Assert().Equal(gatt.StateUnconnected, suite.Controller.State())
	suite.Assert().Equal(gatt.InvalidService, suite.heartRate().State())
}

func TestAddServiceRequiresPeripheralRole(t *testing.T) {
	fake := testutils.NewProfileBuilder().Build()
	ctl, err := gatt.New(fake, gatt.Options{Executor: gatt.NewInlineExecutor()})
	require.NoError(t, err)
	defer ctl.Close()

	_, err = ctl.AddService(gatt.ServiceData{UUID: bledb.From16(0x180d)})
	assert.ErrorIs(t, err, gatt.ErrWrongRole)
}
