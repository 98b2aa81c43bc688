package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blegatt/internal/gatt"
	"github.com/srg/blegatt/internal/groutine"
)

var ErrAccessTimeout = errors.New("remote access timed out")

// published is a registered object and the go-ble attribute serving it.
type published struct {
	obj  gatt.PublishedObject
	char *ble.Characteristic
}

// notifierSet holds the live notification streams of one characteristic.
type notifierSet struct {
	mu   sync.Mutex
	next int
	ns   map[int]ble.Notifier
}

func newNotifierSet() *notifierSet {
	return &notifierSet{ns: make(map[int]ble.Notifier)}
}

func (s *notifierSet) add(n ble.Notifier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.ns[s.next] = n
	return s.next
}

func (s *notifierSet) remove(id int) {
	s.mu.Lock()
	delete(s.ns, id)
	s.mu.Unlock()
}

func (s *notifierSet) write(value []byte) error {
	s.mu.Lock()
	ns := make([]ble.Notifier, 0, len(s.ns))
	for _, n := range s.ns {
		ns = append(ns, n)
	}
	s.mu.Unlock()

	var firstErr error
	for _, n := range ns {
		v := value
		if c := n.Cap(); c > 0 && len(v) > c {
			v = v[:c]
		}
		if _, err := n.Write(v); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// peripheral is the peripheral-role half of a Transport.
type peripheral struct {
	t *Transport

	mu         sync.Mutex
	registered bool
	advCancel  context.CancelFunc

	objects   *hashmap.Map[string, *published]
	notifiers *hashmap.Map[string, *notifierSet]
	conns     *hashmap.Map[string, ble.Conn]
}

func (p *peripheral) register(objects []gatt.PublishedObject, done func(error)) {
	p.mu.Lock()
	if p.registered {
		p.mu.Unlock()
		done(gatt.ErrApplicationRegistered)
		return
	}
	p.mu.Unlock()

	dev, err := p.t.device()
	if err != nil {
		done(err)
		return
	}
	svcs, err := p.build(objects)
	if err != nil {
		p.clear()
		done(err)
		return
	}
	if err := dev.SetServices(svcs); err != nil {
		p.clear()
		done(NormalizeError(err))
		return
	}

	p.mu.Lock()
	p.registered = true
	p.mu.Unlock()
	p.t.logger.WithFields(logrus.Fields{
		"services": len(svcs),
		"objects":  len(objects),
	}).Info("Application registered")
	done(nil)
}

// build turns the published objects into a go-ble service tree. Reads and writes are
// always served by handlers so the controller stays the single owner of values.
func (p *peripheral) build(objects []gatt.PublishedObject) ([]*ble.Service, error) {
	services := make(map[string]*ble.Service)
	chars := make(map[string]*ble.Characteristic)
	var out []*ble.Service

	for _, obj := range objects {
		log := p.t.logger.WithFields(logrus.Fields{
			"path": obj.Path,
			"uuid": obj.UUID,
		})
		switch obj.Kind {
		case gatt.KindService:
			if !obj.Primary || len(obj.Includes) > 0 {
				log.Debug("go-ble publishes every service as primary without includes")
			}
			svc := ble.NewService(toBLEUUID(obj.UUID))
			services[obj.Path] = svc
			out = append(out, svc)
			p.objects.Set(obj.Path, &published{obj: obj})

		case gatt.KindCharacteristic:
			svc, ok := services[obj.Parent]
			if !ok {
				return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownAttribute, obj.Parent, obj.Path)
			}
			char := svc.NewCharacteristic(toBLEUUID(obj.UUID))
			props := gatt.ParseProperties(obj.Flags)
			if props.Has(gatt.PropRead) {
				char.HandleRead(p.readHandler(obj.Path))
			}
			if props.Any(gatt.PropWrite | gatt.PropWriteNoResponse) {
				char.HandleWrite(p.writeHandler(obj.Path))
			}
			if props.Has(gatt.PropNotify) {
				char.HandleNotify(p.notifyHandler(obj.Path))
			}
			if props.Has(gatt.PropIndicate) {
				char.HandleIndicate(p.notifyHandler(obj.Path))
			}
			char.Property = toBLEProperty(props)
			chars[obj.Path] = char
			p.objects.Set(obj.Path, &published{obj: obj, char: char})

		case gatt.KindDescriptor:
			char, ok := chars[obj.Parent]
			if !ok {
				return nil, fmt.Errorf("%w: parent %s of %s", ErrUnknownAttribute, obj.Parent, obj.Path)
			}
			desc := char.NewDescriptor(toBLEUUID(obj.UUID))
			desc.HandleRead(p.readHandler(obj.Path))
			desc.HandleWrite(p.writeHandler(obj.Path))
			p.objects.Set(obj.Path, &published{obj: obj})
		}
	}
	return out, nil
}

func (p *peripheral) clear() {
	var paths []string
	p.objects.Range(func(path string, _ *published) bool {
		paths = append(paths, path)
		return true
	})
	for _, path := range paths {
		p.objects.Del(path)
		p.notifiers.Del(path)
	}
}

func (p *peripheral) unregister() error {
	p.mu.Lock()
	registered := p.registered
	p.registered = false
	p.mu.Unlock()

	p.clear()
	if !registered {
		return nil
	}
	dev, err := p.t.device()
	if err != nil {
		return err
	}
	return NormalizeError(dev.RemoveAllServices())
}

// ----------------------------
// Remote access
// ----------------------------

func (p *peripheral) readHandler(path string) ble.ReadHandler {
	return ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		r := p.access(gatt.AccessEvent{
			Kind:   gatt.AccessRead,
			Path:   path,
			Offset: req.Offset(),
		}, req.Conn())
		if !r.OK() {
			rsp.SetStatus(attError(r.Err))
			return
		}
		value := r.Value
		if c := rsp.Cap(); c > 0 && len(value) > c {
			value = value[:c]
		}
		if _, err := rsp.Write(value); err != nil {
			p.t.logger.WithError(err).WithField("path", path).Debug("Read response not written")
		}
	})
}

func (p *peripheral) writeHandler(path string) ble.WriteHandler {
	return ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		r := p.access(gatt.AccessEvent{
			Kind:   gatt.AccessWrite,
			Path:   path,
			Offset: req.Offset(),
			Value:  append([]byte(nil), req.Data()...),
		}, req.Conn())
		if !r.OK() {
			rsp.SetStatus(attError(r.Err))
		}
	})
}

func (p *peripheral) notifyHandler(path string) ble.NotifyHandler {
	return ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		set, _ := p.notifiers.GetOrInsert(path, newNotifierSet())
		id := set.add(n)
		defer set.remove(id)

		p.signal(gatt.AccessEvent{Kind: gatt.AccessNotifyStart, Path: path}, req.Conn())
		select {
		case <-n.Context().Done():
		case <-p.t.ctx.Done():
		}
		p.signal(gatt.AccessEvent{Kind: gatt.AccessNotifyStop, Path: path}, req.Conn())
	})
}

// access forwards a read or write to the controller and waits for its reply. go-ble
// handlers must answer before returning.
func (p *peripheral) access(ev gatt.AccessEvent, conn ble.Conn) gatt.Result {
	replies := make(chan gatt.Result, 1)
	ev.Reply = func(r gatt.Result) {
		select {
		case replies <- r:
		default:
		}
	}
	if !p.signal(ev, conn) {
		return gatt.Failure(gatt.ErrUnsupported)
	}

	timer := time.NewTimer(p.t.opts.AccessTimeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		return r
	case <-timer.C:
		p.t.logger.WithFields(logrus.Fields{
			"path": ev.Path,
			"kind": ev.Kind,
		}).Warn("Remote access not answered")
		return gatt.Failure(ErrAccessTimeout)
	case <-p.t.ctx.Done():
		return gatt.Failure(p.t.ctx.Err())
	}
}

// signal fills in the remote side of ev from conn and hands it to the controller.
func (p *peripheral) signal(ev gatt.AccessEvent, conn ble.Conn) bool {
	if conn != nil {
		ev.Remote = conn.RemoteAddr().String()
		ev.MTU = conn.TxMTU()
		p.track(ev.Remote, conn)
	}
	return p.t.emitAccess(ev)
}

// track watches a newly seen client connection until it drops.
func (p *peripheral) track(remote string, conn ble.Conn) {
	if !p.conns.Insert(remote, conn) {
		return
	}
	p.t.logger.WithField("remote", remote).Info("Client connected")

	groutine.Go(p.t.ctx, "goble-client-monitor", func(ctx context.Context) {
		select {
		case <-conn.Disconnected():
		case <-ctx.Done():
			return
		}
		p.conns.Del(remote)
		p.t.logger.WithField("remote", remote).Info("Client disconnected")
		p.t.emitAccess(gatt.AccessEvent{Kind: gatt.AccessRemoteDisconnected, Remote: remote})
	})
}

func (p *peripheral) notify(path string, value []byte) error {
	if _, ok := p.objects.Get(path); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAttribute, path)
	}
	set, ok := p.notifiers.Get(path)
	if !ok {
		return nil
	}
	return set.write(value)
}

func (p *peripheral) disconnectClients() error {
	var firstErr error
	var remotes []string
	p.conns.Range(func(remote string, conn ble.Conn) bool {
		remotes = append(remotes, remote)
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	for _, remote := range remotes {
		p.conns.Del(remote)
	}
	return firstErr
}

// ----------------------------
// Advertising
// ----------------------------

func (p *peripheral) advertise(params gatt.AdvertisingParams, done func(error)) {
	dev, err := p.t.device()
	if err != nil {
		done(err)
		return
	}
	uuids := make([]ble.UUID, 0, len(params.ServiceUUIDs))
	for _, u := range params.ServiceUUIDs {
		uuids = append(uuids, toBLEUUID(u))
	}

	ctx, cancel := context.WithCancel(p.t.ctx)
	p.mu.Lock()
	if p.advCancel != nil {
		p.advCancel()
	}
	p.advCancel = cancel
	p.mu.Unlock()

	p.t.logger.WithFields(logrus.Fields{
		"name":     params.LocalName,
		"services": len(uuids),
	}).Info("Advertising")

	groutine.Go(ctx, "goble-advertise", func(ctx context.Context) {
		err := dev.AdvertiseNameAndServices(ctx, params.LocalName, uuids...)
		if err != nil && ctx.Err() == nil {
			done(&gatt.ControllerError{Kind: gatt.AdvertisingError, Err: NormalizeError(err)})
			return
		}
		done(nil)
	})
}

func (p *peripheral) stopAdvertising() error {
	p.mu.Lock()
	cancel := p.advCancel
	p.advCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
