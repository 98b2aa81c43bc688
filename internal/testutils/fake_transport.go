package testutils

import (
	"errors"
	"sync"

	"github.com/srg/blegatt/internal/gatt"
)

// ErrFake is the default failure injected by fake transports.
var ErrFake = errors.New("fake transport failure")

// Call records one attribute access issued to a fake transport.
type Call struct {
	Op      string // "read", "write" or "notify"
	Address string
	Value   []byte
	Mode    gatt.WriteMode
}

type pendingCall struct {
	call Call
	done func(gatt.Result)
}

// FakeTransport is a scripted in-memory central transport. By default every call
// completes immediately on the calling goroutine; Hold(true) queues attribute accesses
// until the test completes them, which allows observing in-flight behaviour.
type FakeTransport struct {
	mu          sync.Mutex
	remote      string
	listings    map[string][]gatt.AttributeEntry
	values      map[string][]byte
	readErrs    map[string]error
	writeErrs   map[string]error
	listErrs    map[string]error
	connectErr  error
	manualLink  bool
	hold        bool
	pending     []pendingCall
	calls       []Call
	outstanding int
	maxInFlight int
	subscribers map[string]map[int]func([]byte)
	nextSub     int
	link        func(gatt.LinkEvent)
	connects    int
	disconnects int
}

func newFakeTransport(remote string) *FakeTransport {
	return &FakeTransport{
		remote:      remote,
		listings:    make(map[string][]gatt.AttributeEntry),
		values:      make(map[string][]byte),
		readErrs:    make(map[string]error),
		writeErrs:   make(map[string]error),
		listErrs:    make(map[string]error),
		subscribers: make(map[string]map[int]func([]byte)),
	}
}

func (t *FakeTransport) addEntry(root string, e gatt.AttributeEntry) {
	t.listings[root] = append(t.listings[root], e)
}

// ----------------------------
// gatt.Transport
// ----------------------------

func (t *FakeTransport) SetLinkHandler(fn func(gatt.LinkEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.link = fn
}

func (t *FakeTransport) Connect(remote string, done func(gatt.Result)) {
	t.mu.Lock()
	t.connects++
	err, manual := t.connectErr, t.manualLink
	t.mu.Unlock()

	if err != nil {
		done(gatt.Failure(err))
		return
	}
	done(gatt.Success(nil))
	if manual {
		return
	}
	t.EmitLink(gatt.LinkEvent{Kind: gatt.LinkConnected})
	t.EmitLink(gatt.LinkEvent{Kind: gatt.LinkServicesResolved})
}

func (t *FakeTransport) Disconnect(remote string, done func(gatt.Result)) {
	t.mu.Lock()
	t.disconnects++
	t.mu.Unlock()
	done(gatt.Success(nil))
	t.EmitLink(gatt.LinkEvent{Kind: gatt.LinkDisconnected})
}

func (t *FakeTransport) ListAttributes(root string, done func([]gatt.AttributeEntry, error)) {
	t.mu.Lock()
	err := t.listErrs[root]
	entries := append([]gatt.AttributeEntry(nil), t.listings[root]...)
	t.mu.Unlock()
	if err != nil {
		done(nil, err)
		return
	}
	done(entries, nil)
}

func (t *FakeTransport) ReadValue(address string, offset, mtu int, done func(gatt.Result)) {
	t.issue(Call{Op: "read", Address: address}, done)
}

func (t *FakeTransport) WriteValue(address string, value []byte, mode gatt.WriteMode, done func(gatt.Result)) {
	t.issue(Call{Op: "write", Address: address, Value: append([]byte(nil), value...), Mode: mode}, done)
}

func (t *FakeTransport) SubscribeValueChanges(address string, fn func([]byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subscribers[address] == nil {
		t.subscribers[address] = make(map[int]func([]byte))
	}
	t.nextSub++
	id := t.nextSub
	t.subscribers[address][id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers[address], id)
	}, nil
}

// issue records an attribute access and completes it unless completions are held.
func (t *FakeTransport) issue(call Call, done func(gatt.Result)) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.outstanding++
	if t.outstanding > t.maxInFlight {
		t.maxInFlight = t.outstanding
	}
	if t.hold {
		t.pending = append(t.pending, pendingCall{call: call, done: done})
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.finish(pendingCall{call: call, done: done}, nil)
}

// finish completes p with the scripted outcome, or with override when given.
func (t *FakeTransport) finish(p pendingCall, override error) {
	t.mu.Lock()
	t.outstanding--
	var r gatt.Result
	switch {
	case override != nil:
		r = gatt.Failure(override)
	case p.call.Op == "read":
		if err := t.readErrs[p.call.Address]; err != nil {
			r = gatt.Failure(err)
		} else {
			r = gatt.Success(append([]byte(nil), t.values[p.call.Address]...))
		}
	default:
		if err := t.writeErrs[p.call.Address]; err != nil {
			r = gatt.Failure(err)
		} else {
			t.values[p.call.Address] = p.call.Value
			r = gatt.Success(nil)
		}
	}
	t.mu.Unlock()
	p.done(r)
}

// ----------------------------
// Scripting
// ----------------------------

// Hold toggles manual completion of attribute accesses
func (t *FakeTransport) Hold(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hold = on
}

// ManualLink stops Connect from reporting link events; the test emits them instead
func (t *FakeTransport) ManualLink(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manualLink = on
}

// Pending returns the number of held, uncompleted calls
func (t *FakeTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// PendingCalls returns the held calls in issue order
func (t *FakeTransport) PendingCalls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.pending))
	for i, p := range t.pending {
		out[i] = p.call
	}
	return out
}

// CompleteNext completes the oldest held call with its scripted outcome
func (t *FakeTransport) CompleteNext() bool {
	return t.completeAt(0, nil)
}

// FailNext fails the oldest held call with err
func (t *FakeTransport) FailNext(err error) bool {
	if err == nil {
		err = ErrFake
	}
	return t.completeAt(0, err)
}

// CompleteAll completes held calls until none are left, including calls issued while
// completing.
func (t *FakeTransport) CompleteAll() {
	for t.CompleteNext() {
	}
}

// TakeNext removes the oldest held call and returns its callback, so a test can deliver
// it late.
func (t *FakeTransport) TakeNext() func(gatt.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	p := t.pending[0]
	t.pending = t.pending[1:]
	t.outstanding--
	return p.done
}

func (t *FakeTransport) completeAt(i int, override error) bool {
	t.mu.Lock()
	if i >= len(t.pending) {
		t.mu.Unlock()
		return false
	}
	p := t.pending[i]
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	t.mu.Unlock()
	t.finish(p, override)
	return true
}

// Calls returns every attribute access issued so far
func (t *FakeTransport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// MaxInFlight returns the largest number of simultaneously outstanding accesses
func (t *FakeTransport) MaxInFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxInFlight
}

func (t *FakeTransport) ConnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *FakeTransport) DisconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// FailConnect makes the next connects fail with err
func (t *FakeTransport) FailConnect(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// FailRead makes reads of address fail with err
func (t *FakeTransport) FailRead(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readErrs[address] = err
}

// FailWrite makes writes of address fail with err
func (t *FakeTransport) FailWrite(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErrs[address] = err
}

// FailList makes listings rooted at address fail with err
func (t *FakeTransport) FailList(address string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listErrs[address] = err
}

// SetValue replaces the remote value stored at address
func (t *FakeTransport) SetValue(address string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[address] = value
}

// Value returns the remote value stored at address
func (t *FakeTransport) Value(address string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.values[address]...)
}

// Notify pushes an out-of-band value change to subscribers of address
func (t *FakeTransport) Notify(address string, value []byte) {
	t.mu.Lock()
	subs := make([]func([]byte), 0, len(t.subscribers[address]))
	for _, fn := range t.subscribers[address] {
		subs = append(subs, fn)
	}
	t.values[address] = value
	t.mu.Unlock()
	for _, fn := range subs {
		fn(value)
	}
}

// Subscribers returns the number of live subscriptions on address
func (t *FakeTransport) Subscribers(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers[address])
}

// EmitLink delivers a link event to the controller
func (t *FakeTransport) EmitLink(ev gatt.LinkEvent) {
	t.mu.Lock()
	fn := t.link
	t.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Address returns the listing address of the n-th entry of kind under root. It panics
// when absent; tests use it to reach attributes of the configured profile.
func (t *FakeTransport) Address(root string, kind gatt.AttributeKind, n int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.listings[root] {
		if e.Kind != kind {
			continue
		}
		if n == 0 {
			return e.Address
		}
		n--
	}
	panic("FakeTransport.Address: no such entry")
}

// Remote returns the device address the fake answers to
func (t *FakeTransport) Remote() string {
	return t.remote
}

// ----------------------------
// Optional capabilities
// ----------------------------

// FakeTogglerTransport manages CCCDs itself, like BlueZ StartNotify/StopNotify.
type FakeTogglerTransport struct {
	*FakeTransport
}

func (t *FakeTogglerTransport) SetNotifying(address string, cccd []byte, done func(gatt.Result)) {
	t.issue(Call{Op: "notify", Address: address, Value: append([]byte(nil), cccd...)}, done)
}

// FakeBatteryTransport exposes the battery level through the narrow interface.
type FakeBatteryTransport struct {
	*FakeTransport
	levelSubs map[int]func(byte)
}

func (t *FakeBatteryTransport) ReadBatteryLevel(address string, done func(gatt.Result)) {
	t.issue(Call{Op: "read", Address: address}, done)
}

func (t *FakeBatteryTransport) SubscribeBatteryLevel(address string, fn func(byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.levelSubs == nil {
		t.levelSubs = make(map[int]func(byte))
	}
	t.nextSub++
	id := t.nextSub
	t.levelSubs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.levelSubs, id)
	}, nil
}

// SetLevel updates the battery level and notifies subscribers
func (t *FakeBatteryTransport) SetLevel(level byte) {
	t.mu.Lock()
	t.values[t.remote+"/battery"] = []byte{level}
	subs := make([]func(byte), 0, len(t.levelSubs))
	for _, fn := range t.levelSubs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()
	for _, fn := range subs {
		fn(level)
	}
}
