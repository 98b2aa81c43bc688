//go:build test

package main

import (
	"testing"

	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestParseWriteData(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		hex      bool
		expected []byte
		wantErr  bool
	}{
		{name: "text", input: "hello", expected: []byte("hello")},
		{name: "text keeps separators", input: "01 02", expected: []byte("01 02")},
		{name: "simple hex", input: "0102", hex: true, expected: []byte{0x01, 0x02}},
		{name: "hex with spaces", input: "01 02 03", hex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with colons", input: "01:02:03", hex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with dashes", input: "01-02", hex: true, expected: []byte{0x01, 0x02}},
		{name: "hex with prefix", input: "0x0102", hex: true, expected: []byte{0x01, 0x02}},
		{name: "odd length hex", input: "012", hex: true, wantErr: true},
		{name: "invalid hex", input: "zz", hex: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := parseWriteData(tt.input, tt.hex)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, data)
		})
	}
}

type WriteTestSuite struct {
	CommandTestSuite
}

func TestWriteTestSuite(t *testing.T) {
	suite.Run(t, new(WriteTestSuite))
}

// lastWrite returns the last write the fake received.
func (suite *WriteTestSuite) lastWrite() testutils.Call {
	var last testutils.Call
	for _, c := range suite.Fake.Calls() {
		if c.Op == "write" {
			last = c
		}
	}
	suite.Require().NotEmpty(last.Address, "a write MUST reach the transport")
	return last
}

func (suite *WriteTestSuite) TestWriteModes() {
	// GOAL: Verify the write mode flag selects the transport write mode
	//
	// TEST SCENARIO: write --hex → with response; write --without-response → without response

	tests := []struct {
		name string
		args []string
		mode gatt.WriteMode
	}{
		{name: "with response", args: []string{"write", TestDeviceAddress, "2a39", "01", "--hex"}, mode: gatt.WriteWithResponse},
		{name: "without response", args: []string{"write", TestDeviceAddress, "2a39", "01", "--hex", "--without-response"}, mode: gatt.WriteWithoutResponse},
	}
	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.UseDevice(DefaultDevice())
			resetFlags(rootCmd)

			output, err := suite.ExecuteCommand(rootCmd, tt.args...)

			suite.Require().NoError(err, "write MUST succeed")
			suite.Assert().Contains(output, "Write successful")
			call := suite.lastWrite()
			suite.Assert().Equal(suite.CharacteristicAddress(0, 1), call.Address)
			suite.Assert().Equal([]byte{0x01}, call.Value)
			suite.Assert().Equal(tt.mode, call.Mode)
		})
	}
}

func (suite *WriteTestSuite) TestWriteText() {
	_, err := suite.ExecuteCommand(rootCmd, "write", TestDeviceAddress, "2a29", "Widgets Inc")

	suite.Require().NoError(err)
	suite.Assert().Equal([]byte("Widgets Inc"), suite.Fake.Value(suite.CharacteristicAddress(1, 0)),
		"text data MUST be written verbatim")
}

func (suite *WriteTestSuite) TestWriteDescriptor() {
	cccd := suite.DescriptorAddress(0, 0)

	_, err := suite.ExecuteCommand(rootCmd, "write", TestDeviceAddress, "2a37", "01 00", "--hex", "--desc", "2902")

	suite.Require().NoError(err)
	suite.Assert().Equal(cccd, suite.lastWrite().Address)
	suite.Assert().Equal([]byte{0x01, 0x00}, suite.Fake.Value(cccd))
}

func (suite *WriteTestSuite) TestWriteRejected() {
	suite.Fake.FailWrite(suite.CharacteristicAddress(0, 1), gatt.ErrWriteNotPermitted)

	output, err := suite.ExecuteCommand(rootCmd, "write", TestDeviceAddress, "2a39", "01", "--hex")

	var opErr *gatt.OperationError
	suite.Require().ErrorAs(err, &opErr)
	suite.Assert().Equal(gatt.CharacteristicWriteError, opErr.Kind)
	suite.Assert().Contains(FormatUserError(err), "rejected: write not permitted")
	suite.Assert().NotContains(output, "Write successful")
}

func (suite *WriteTestSuite) TestWriteInvalidHex() {
	_, err := suite.ExecuteCommand(rootCmd, "write", TestDeviceAddress, "2a39", "xyz", "--hex")

	suite.Require().Error(err)
	suite.Assert().Zero(suite.Fake.ConnectCount(), "invalid data MUST be rejected before connecting")
}
