//go:build test

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/blegatt/internal/bledb"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/stretchr/testify/suite"
)

const heartRateProfile = `
name: hr-sensor
services:
  - uuid: "180d"
    characteristics:
      - uuid: "2a37"
        properties: [read, notify]
        value: [0, 60]
      - uuid: "2a39"
        properties: [write]
  - uuid: "180a"
    secondary: true
    characteristics:
      - uuid: "2a29"
        properties: [read]
        value: ACME
`

type ServeTestSuite struct {
	CommandTestSuite
	profilePath string
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}

func (suite *ServeTestSuite) SetupTest() {
	suite.CommandTestSuite.SetupTest()
	suite.UsePeripheral()
	suite.profilePath = filepath.Join(suite.T().TempDir(), "hr.yaml")
	suite.Require().NoError(os.WriteFile(suite.profilePath, []byte(heartRateProfile), 0o600))
}

// serve starts the command and waits until it advertises.
func (suite *ServeTestSuite) serve(args ...string) (*syncBuffer, context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- suite.ExecuteCommandContext(ctx, out, rootCmd, append([]string{"serve"}, args...)...)
	}()

	suite.Require().Eventually(func() bool {
		advertising, _ := suite.Peripheral.Advertising()
		return advertising
	}, 2*time.Second, 10*time.Millisecond, "serve MUST start advertising")
	return out, cancel, done
}

func (suite *ServeTestSuite) stop(cancel context.CancelFunc, done <-chan error) {
	cancel()
	select {
	case err := <-done:
		suite.Assert().ErrorIs(err, context.Canceled, "interrupt MUST stop serving")
	case <-time.After(5 * time.Second):
		suite.FailNow("serve MUST stop on interrupt")
	}
}

func (suite *ServeTestSuite) TestServePublishesProfile() {
	// GOAL: Verify serve publishes every profile service and advertises the primary ones
	//
	// TEST SCENARIO: serve --profile → application registered → advertising with profile name → interrupt → unregistered

	_, cancel, done := suite.serve("--profile", suite.profilePath)

	_, params := suite.Peripheral.Advertising()
	suite.Assert().Equal("hr-sensor", params.LocalName, "profile name MUST be advertised")
	suite.Assert().Equal([]string{bledb.From16(0x180d).String()}, uuidStrings(params.ServiceUUIDs),
		"only primary services MUST be advertised")

	_, ok := suite.Peripheral.Object(gatt.KindCharacteristic, bledb.From16(0x2a29).String())
	suite.Assert().True(ok, "secondary service characteristics MUST be published")

	suite.stop(cancel, done)
	suite.Assert().Equal(1, suite.Peripheral.Unregisters(), "application MUST be unregistered on exit")
}

func (suite *ServeTestSuite) TestServeReportsAccesses() {
	out, cancel, done := suite.serve("--profile", suite.profilePath, "--name", "custom")

	_, params := suite.Peripheral.Advertising()
	suite.Assert().Equal("custom", params.LocalName, "--name MUST override the profile name")

	control, ok := suite.Peripheral.Object(gatt.KindCharacteristic, bledb.From16(0x2a39).String())
	suite.Require().True(ok)
	suite.Peripheral.Write("11:22:33:44:55:66", control.Path, []byte{0x01})

	suite.Require().Eventually(func() bool {
		return strings.Contains(out.String(), "write 2a39 (Heart Rate Control Point) = 01")
	}, 2*time.Second, 10*time.Millisecond, "remote writes MUST be printed")
	suite.Assert().Contains(out.String(), "client connected")

	suite.stop(cancel, done)
}

func (suite *ServeTestSuite) TestServeProfileFromConfig() {
	configPath := filepath.Join(suite.T().TempDir(), "config.yaml")
	suite.Require().NoError(os.WriteFile(configPath, []byte("profile: "+suite.profilePath+"\n"), 0o600))

	_, cancel, done := suite.serve("--config", configPath)
	suite.stop(cancel, done)
}

func (suite *ServeTestSuite) TestServeErrors() {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no profile", args: []string{"serve"}},
		{name: "missing profile", args: []string{"serve", "--profile", filepath.Join(suite.T().TempDir(), "absent.yaml")}},
		{name: "unexpected argument", args: []string{"serve", "extra"}},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			resetFlags(rootCmd)
			_, err := suite.ExecuteCommand(rootCmd, tt.args...)
			suite.Assert().Error(err)
			suite.Assert().Zero(suite.Peripheral.Registrations(), "nothing MUST be published")
		})
	}
}

func (suite *ServeTestSuite) TestServeRegistrationFailure() {
	suite.Peripheral.FailRegistration(gatt.ErrApplicationRegistered)

	_, err := suite.ExecuteCommand(rootCmd, "serve", "--profile", suite.profilePath)

	suite.Require().Error(err, "a rejected application MUST fail the command")
}

func uuidStrings[T interface{ String() string }](in []T) []string {
	out := make([]string, 0, len(in))
	for _, u := range in {
		out = append(out, u.String())
	}
	return out
}
