// Package corebus holds the transport-agnostic plumbing shared by every
// concrete bus.MessageBus implementation: the subscription table, the
// publish-topic latch, the connection state machine, the synchronous
// request rendezvous, and the dispatcher.Dispatcher-backed Route that
// replaces a hand-rolled mailbox-vs-stream branch in each transport. A
// transport (transport/tcp, transport/mqtt) owns the broker connection and
// raw I/O; everything else routes through a Core.
package corebus

import (
	"sync"
	"time"

	"github.com/agentmesh/msgbus/bus"
	"github.com/agentmesh/msgbus/dispatcher"
	"github.com/agentmesh/msgbus/message"
)

// State is the bus instance's connection state machine:
// Fresh -> Connected -> Disconnecting -> Destroyed, with Reconnecting as a
// transient during a second Connect.
type State int

const (
	StateFresh State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDestroyed
)

// Core is embedded by each transport's bus implementation. It is safe for
// concurrent use.
type Core struct {
	clientName string

	stateMu sync.Mutex
	state   State

	subMu sync.RWMutex
	subs  map[string]bus.Listener

	pubMu      sync.Mutex
	pubTopic   string
	pubLatched bool

	reqMu sync.Mutex // serializes concurrent synchronous Request calls

	rv    *rendezvous
	route *dispatcher.Dispatcher[string, struct{}]
}

// Route tags a transport classifies an inbound frame under before calling
// Route: TagMailbox for point-to-point deliveries (command tag "MAILBOX
// DELIVER", MQTT "mailbox/" topics, ...), TagStream for fan-out deliveries
// ("STREAM DELIVER", MQTT "stream/" topics, ...).
const (
	TagMailbox = "mailbox"
	TagStream  = "stream"
)

// delivery bundles one inbound frame's dispatch-relevant pieces into the
// single args value Route hands to the shared Dispatcher.
type delivery struct {
	name    string
	msg     message.Message
	onPanic func(name string, r any)
}

// New builds a Core for a bus instance connecting under clientName.
func New(clientName string) *Core {
	c := &Core{
		clientName: clientName,
		subs:       make(map[string]bus.Listener),
		rv:         newRendezvous(),
	}
	c.route = dispatcher.New(map[string]dispatcher.Handler[struct{}]{
		TagMailbox: func(args ...any) (struct{}, error) {
			d := args[0].(delivery)
			c.HandleMailbox(d.name, d.msg, d.onPanic)
			return struct{}{}, nil
		},
		TagStream: func(args ...any) (struct{}, error) {
			d := args[0].(delivery)
			c.HandleStream(d.name, d.msg, d.onPanic)
			return struct{}{}, nil
		},
	})
	return c
}

// Route classifies an inbound frame by tag (TagMailbox/TagStream) and
// dispatches it through a shared Dispatcher instead of each transport
// hand-rolling the same two-way branch over its own command tags. It
// reports dispatcher.ErrNoHandler for any other tag.
func (c *Core) Route(tag, name string, msg message.Message, onPanic func(name string, r any)) error {
	_, err := c.route.Dispatch(tag, delivery{name: name, msg: msg, onPanic: onPanic})
	return err
}

// ClientName returns the identity this Core was constructed with.
func (c *Core) ClientName() string { return c.clientName }

// State returns the current connection state.
func (c *Core) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// SetState transitions the state machine. Callers are the transport's
// Connect/Disconnect implementations; Core does not validate transitions
// itself, matching the source's permissive reconnect-by-reset behavior.
func (c *Core) SetState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// RequireConnected returns bus.ErrNotConnected-shaped error if the instance
// is not in StateConnected.
func (c *Core) RequireConnected(op string) error {
	if c.State() != StateConnected {
		return &bus.Error{Op: op, Kind: bus.KindNotConnected}
	}
	return nil
}

// LatchTopic enforces the single-producer-per-instance constraint: the
// first topic ever published from this Core is latched; a later call with
// a different topic fails.
func (c *Core) LatchTopic(op, topic string) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if !c.pubLatched {
		c.pubTopic = topic
		c.pubLatched = true
		return nil
	}
	if c.pubTopic != topic {
		return &bus.Error{Op: op, Kind: bus.KindProducerMismatch}
	}
	return nil
}

// Subscribe registers listener for name, replacing any prior listener
// (used for topics, where re-subscribing replaces per the contract).
func (c *Core) Subscribe(name string, listener bus.Listener) {
	c.subMu.Lock()
	c.subs[name] = listener
	c.subMu.Unlock()
}

// Receive registers listener for name, failing if one is already present
// (used for mailboxes, where a second Receive on the same queue is an
// error).
func (c *Core) Receive(op, name string, listener bus.Listener) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, exists := c.subs[name]; exists {
		return &bus.Error{Op: op, Kind: bus.KindAlreadySubscribed, Key: name}
	}
	c.subs[name] = listener
	return nil
}

// Unsubscribe removes the local listener entry for name. Server-side
// consumer removal, if any, is the transport's responsibility.
func (c *Core) Unsubscribe(op, name string) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, exists := c.subs[name]; !exists {
		return &bus.Error{Op: op, Kind: bus.KindNoHandler, Key: name}
	}
	delete(c.subs, name)
	return nil
}

// lookup returns the listener registered for name, if any. Topics and
// mailboxes share one namespace; a name collision silently favors
// whichever was registered last, preserved for source compatibility.
func (c *Core) lookup(name string) (bus.Listener, bool) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	l, ok := c.subs[name]
	return l, ok
}

// Dispatch invokes the listener registered for name with msg, recovering
// any panic so one faulty listener never takes down the mainloop. It
// reports whether a listener was found.
func (c *Core) Dispatch(name string, msg message.Message, onPanic func(name string, r any)) bool {
	listener, ok := c.lookup(name)
	if !ok {
		return false
	}
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(name, r)
		}
	}()
	listener(msg)
	return true
}

// HandleMailbox implements the mailbox dispatch algorithm: a rendezvous
// match takes priority over the subscription table, and at most one of the
// two ever fires for a given frame.
func (c *Core) HandleMailbox(name string, msg message.Message, onPanic func(name string, r any)) {
	if c.rv.tryDeliver(msg) {
		return
	}
	c.Dispatch(name, msg, onPanic)
}

// HandleStream implements stream dispatch: look up the subject and invoke
// its listener, with the same panic isolation as mailbox delivery.
func (c *Core) HandleStream(subject string, msg message.Message, onPanic func(name string, r any)) {
	c.Dispatch(subject, msg, onPanic)
}

// BeginRequest acquires the single-outstanding-request lock and returns the
// function that releases it. Synchronous Request callers must hold this for
// the whole arm/send/wait sequence; it is what turns the single rendezvous
// slot into strict FIFO-per-instance.
func (c *Core) BeginRequest() (end func()) {
	c.reqMu.Lock()
	return c.reqMu.Unlock
}

// ArmRendezvous marks corrID as the awaited reply.
func (c *Core) ArmRendezvous(corrID string) {
	c.rv.arm(corrID)
}

// WaitRendezvous blocks until a mailbox frame with the armed correlation-id
// arrives or timeout elapses, whichever is first.
func (c *Core) WaitRendezvous(timeout time.Duration) (message.Message, bool) {
	return c.rv.wait(timeout)
}

// rendezvous is the single-slot, mutex-and-condvar-guarded cell described
// by the synchronous-request contract: an awaited correlation-id (empty
// when idle) and the response message once delivered.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	awaited string
	msg     message.Message
	ready   bool
}

func newRendezvous() *rendezvous {
	r := &rendezvous{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *rendezvous) arm(corrID string) {
	r.mu.Lock()
	r.awaited = corrID
	r.ready = false
	r.mu.Unlock()
}

// tryDeliver stores msg in the slot and wakes the waiter if the rendezvous
// is armed and msg's correlation-id matches. It reports whether it
// consumed msg; a false result means the caller should fall through to
// ordinary subscription dispatch.
func (r *rendezvous) tryDeliver(msg message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.awaited == "" || msg.Get(message.KeyCorrelationID) != r.awaited {
		return false
	}
	r.msg = msg
	r.ready = true
	r.awaited = ""
	r.cond.Broadcast()
	return true
}

// wait blocks until the slot is filled or timeout elapses. sync.Cond has no
// built-in deadline, so a timer wakes the same condition variable on
// expiry; the loop then observes !ready and gives up.
func (r *rendezvous) wait(timeout time.Duration) (message.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	for !r.ready && time.Now().Before(deadline) {
		r.cond.Wait()
	}

	if r.ready {
		msg := r.msg
		r.ready = false
		return msg, true
	}
	r.awaited = ""
	return message.Message{}, false
}
