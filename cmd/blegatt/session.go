package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/transport/bluez"
	"github.com/srg/blegatt/internal/transport/goble"
	"github.com/srg/blegatt/pkg/config"
)

// transportFactory builds the transport named by cfg.Transport. Tests replace it.
var transportFactory = func(cfg *config.Config, logger *logrus.Logger) (gatt.Transport, error) {
	switch cfg.Transport {
	case config.TransportBlueZ:
		return bluez.New(logger, bluez.Options{
			Adapter:        cfg.Adapter,
			ConnectTimeout: cfg.ConnectTimeout,
			CallTimeout:    cfg.OperationTimeout,
		}), nil
	case config.TransportGoBLE:
		return goble.New(logger, goble.Options{ConnectTimeout: cfg.ConnectTimeout}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// session drives one controller from a command. Every step blocks until the controller
// reports its outcome or ctx ends.
type session struct {
	cfg       *config.Config
	logger    *logrus.Logger
	transport gatt.Transport
	ctl       *gatt.Controller
	progress  *ProgressPrinter
}

func newSession(cfg *config.Config, logger *logrus.Logger, opts gatt.Options) (*session, error) {
	t, err := transportFactory(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	ctl, err := gatt.New(t, opts)
	if err != nil {
		closeTransport(t)
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, transport: t, ctl: ctl}, nil
}

func closeTransport(t gatt.Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}

// showProgress displays the session phases on w until the first result is printed.
func (s *session) showProgress(w io.Writer, prefix string) {
	s.progress = NewProgressPrinter(w, prefix, "Connecting")
	s.progress.Start()
}

func (s *session) phase(name string) {
	if s.progress != nil {
		s.progress.SetPhase(name)
	}
}

// done clears the progress line.
func (s *session) done() {
	if s.progress != nil {
		s.progress.Stop()
	}
}

// Close disposes of the controller, waits for it to settle and releases the transport.
func (s *session) Close() {
	s.done()
	settled := make(chan struct{})
	var once sync.Once
	cancel := s.ctl.OnEvent(func(ev gatt.Event) {
		if ev.Type == gatt.EventStateChanged && ev.State == gatt.StateUnconnected {
			once.Do(func() { close(settled) })
		}
	})
	wasIdle := s.ctl.State() == gatt.StateUnconnected
	s.ctl.Close()
	if !wasIdle {
		select {
		case <-settled:
		case <-time.After(s.cfg.OperationTimeout):
		}
	}
	cancel()
	closeTransport(s.transport)
}

// await runs start and blocks until match reports completion. A lost link ends the wait
// with ErrConnectionLost unless match handles EventDisconnected itself.
func (s *session) await(ctx context.Context, start func(), match func(gatt.Event) (bool, error)) error {
	type outcome struct{ err error }
	done := make(chan outcome, 1)
	finish := func(err error) {
		select {
		case done <- outcome{err}:
		default:
		}
	}
	cancel := s.ctl.OnEvent(func(ev gatt.Event) {
		if ok, err := match(ev); ok {
			finish(err)
			return
		}
		switch ev.Type {
		case gatt.EventError:
			finish(ev.Err)
		case gatt.EventDisconnected:
			finish(ErrConnectionLost)
		}
	})
	defer cancel()

	start()
	select {
	case o := <-done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect connects to the remote device and lists its services.
func (s *session) Connect(ctx context.Context) error {
	log := s.logger.WithField("remote", s.ctl.RemoteAddress())
	log.Info("Connecting")
	s.phase("Connecting")
	if err := s.await(ctx, s.ctl.ConnectToDevice, func(ev gatt.Event) (bool, error) {
		return ev.Type == gatt.EventConnected, nil
	}); err != nil {
		return err
	}
	log.Info("Discovering services")
	s.phase("Discovering services")
	return s.await(ctx, s.ctl.DiscoverServices, func(ev gatt.Event) (bool, error) {
		return ev.Type == gatt.EventDiscoveryFinished, nil
	})
}

// Details discovers the characteristics and descriptors of svc.
func (s *session) Details(ctx context.Context, svc *gatt.Service, mode gatt.DiscoveryMode) error {
	if svc.State() == gatt.RemoteServiceDiscovered {
		return nil
	}
	s.phase("Discovering " + displayName(svc.UUID()))
	return s.await(ctx, func() { svc.DiscoverDetails(mode) }, func(ev gatt.Event) (bool, error) {
		if ev.Type != gatt.EventServiceStateChanged || ev.ServiceUUID != svc.UUID() {
			return false, nil
		}
		switch ev.ServiceState {
		case gatt.RemoteServiceDiscovered:
			return true, nil
		case gatt.InvalidService:
			return true, ErrConnectionLost
		}
		return false, nil
	})
}

// Service returns the discovered service u with its details.
func (s *session) Service(ctx context.Context, u uuid.UUID) (*gatt.Service, error) {
	svc := s.ctl.CreateServiceObject(u)
	if svc == nil {
		return nil, &NotFoundError{Kind: "service", UUID: u}
	}
	if err := s.Details(ctx, svc, s.cfg.DiscoveryMode()); err != nil {
		return nil, err
	}
	return svc, nil
}

// operation runs one attribute operation on svc and returns the value its completion
// event carries.
func (s *session) operation(ctx context.Context, svc *gatt.Service, want gatt.EventType, start func()) ([]byte, error) {
	var value []byte
	err := s.await(ctx, start, func(ev gatt.Event) (bool, error) {
		if ev.ServiceUUID != svc.UUID() {
			return false, nil
		}
		switch ev.Type {
		case want:
			value = ev.Value
			return true, nil
		case gatt.EventServiceError:
			return true, ev.Err
		}
		return false, nil
	})
	return value, err
}

func (s *session) ReadCharacteristic(ctx context.Context, svc *gatt.Service, c *gatt.Characteristic) ([]byte, error) {
	return s.operation(ctx, svc, gatt.EventCharacteristicRead, func() { svc.ReadCharacteristic(c) })
}

func (s *session) ReadDescriptor(ctx context.Context, svc *gatt.Service, d *gatt.Descriptor) ([]byte, error) {
	return s.operation(ctx, svc, gatt.EventDescriptorRead, func() { svc.ReadDescriptor(d) })
}

func (s *session) WriteCharacteristic(ctx context.Context, svc *gatt.Service, c *gatt.Characteristic, value []byte, mode gatt.WriteMode) error {
	_, err := s.operation(ctx, svc, gatt.EventCharacteristicWritten, func() { svc.WriteCharacteristic(c, value, mode) })
	return err
}

func (s *session) WriteDescriptor(ctx context.Context, svc *gatt.Service, d *gatt.Descriptor, value []byte) error {
	_, err := s.operation(ctx, svc, gatt.EventDescriptorWritten, func() { svc.WriteDescriptor(d, value) })
	return err
}
