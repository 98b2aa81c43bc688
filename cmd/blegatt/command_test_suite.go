//go:build test

package main

import (
	"bytes"
	"context"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/testutils"
	"github.com/srg/blegatt/pkg/config"
	"github.com/stretchr/testify/suite"
)

// TestDeviceAddress is the address every fake remote answers to.
const TestDeviceAddress = testutils.DefaultRemoteAddress

// syncBuffer is a bytes.Buffer safe to read while a command is still writing to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// CommandTestSuite runs cobra commands against an in-memory transport.
// All cmd/blegatt test suites should embed it.
//
// The default remote is a Heart Rate sensor with a Device Information service. Tests that
// need another device call UseDevice before executing the command; serve tests call
// UsePeripheral.
type CommandTestSuite struct {
	suite.Suite

	Fake       *testutils.FakeTransport
	Peripheral *testutils.FakePeripheral

	transport       gatt.Transport
	originalFactory func(*config.Config, *logrus.Logger) (gatt.Transport, error)
	originalNoCache bool
	lastConfig      *config.Config
}

// SetupTest isolates the command from the real home directory and radio, and resets
// every flag left over by a previous run.
func (s *CommandTestSuite) SetupTest() {
	s.originalNoCache = homedir.DisableCache
	homedir.DisableCache = true
	s.T().Setenv("HOME", s.T().TempDir())

	s.originalFactory = transportFactory
	s.UseDevice(DefaultDevice())
	transportFactory = func(cfg *config.Config, _ *logrus.Logger) (gatt.Transport, error) {
		s.lastConfig = cfg
		return s.transport, nil
	}

	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalFactory
	homedir.DisableCache = s.originalNoCache
	s.lastConfig = nil
}

// UseDevice serves the next command from the remote described by b.
func (s *CommandTestSuite) UseDevice(b *testutils.ProfileBuilder) {
	s.Fake = b.Build()
	s.Peripheral = nil
	s.transport = s.Fake
}

// UsePeripheral serves the next command from a fake peripheral-role transport.
func (s *CommandTestSuite) UsePeripheral() *testutils.FakePeripheral {
	s.Peripheral = testutils.NewFakePeripheral()
	s.Fake = s.Peripheral.FakeTransport
	s.transport = s.Peripheral
	return s.Peripheral
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := &syncBuffer{}
	err := s.ExecuteCommandContext(context.Background(), buf, cmd, args...)
	return buf.String(), err
}

// ExecuteCommandContext runs a cobra command with ctx, writing stdout and stderr to out.
func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, out *syncBuffer, cmd *cobra.Command, args ...string) error {
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	setContext(cmd, ctx)
	return cmd.ExecuteContext(ctx)
}

// CharacteristicAddress returns the fake address of the n-th characteristic of the
// s-th service.
func (s *CommandTestSuite) CharacteristicAddress(service, n int) string {
	svc := s.Fake.Address(s.Fake.Remote(), gatt.KindService, service)
	return s.Fake.Address(svc, gatt.KindCharacteristic, n)
}

// DescriptorAddress returns the fake address of the n-th descriptor of the s-th service,
// counted across its characteristics.
func (s *CommandTestSuite) DescriptorAddress(service, n int) string {
	svc := s.Fake.Address(s.Fake.Remote(), gatt.KindService, service)
	return s.Fake.Address(svc, gatt.KindDescriptor, n)
}

// setContext hands ctx to cmd and its children. cobra only propagates a context to a
// subcommand whose own context is still nil, so a reused command tree would otherwise keep
// the context of its first run.
func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, child := range cmd.Commands() {
		setContext(child, ctx)
	}
}

// resetFlags restores every flag of cmd and its children to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// DefaultDevice is a Heart Rate sensor with a Device Information service.
func DefaultDevice() *testutils.ProfileBuilder {
	return testutils.NewProfileBuilder().
		WithService("180D").
		WithCharacteristic("2A37", "read,notify", []byte{0x00, 0x3c}).
		WithDescriptor("2902", []byte{0x00, 0x00}).
		WithCharacteristic("2A39", "write,write-without-response", nil).
		WithCharacteristic("2A38", "read", []byte("01")).
		WithService("180A").
		WithCharacteristic("2A29", "read", []byte("ACME"))
}
