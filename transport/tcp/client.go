// Package tcp implements bus.MessageBus over a length-prefixed TCP wire
// protocol against a broker that classifies deliveries by command tag
// ("MAILBOX DELIVER" / "STREAM DELIVER"), routed through
// corebus.Core.Route's dispatcher.Dispatcher rather than a hand-rolled
// switch. internal/testbroker speaks the broker side of the same protocol
// for tests.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agentmesh/msgbus/bus"
	"github.com/agentmesh/msgbus/identity"
	"github.com/agentmesh/msgbus/internal/corebus"
	"github.com/agentmesh/msgbus/internal/logging"
	"github.com/agentmesh/msgbus/message"
	"github.com/agentmesh/msgbus/wire"
)

// Wire command tags. Client -> broker: CONNECT, SUBSCRIBE, UNSUBSCRIBE,
// RECEIVE, STREAM SEND, MAILBOX SEND. Broker -> client: STREAM DELIVER,
// MAILBOX DELIVER.
const (
	cmdConnect        = "CONNECT"
	cmdSubscribe      = "SUBSCRIBE"
	cmdUnsubscribe    = "UNSUBSCRIBE"
	cmdReceive        = "RECEIVE"
	cmdStreamSend     = "STREAM SEND"
	cmdMailboxSend    = "MAILBOX SEND"
	cmdStreamDeliver  = "STREAM DELIVER"
	cmdMailboxDeliver = "MAILBOX DELIVER"
)

// Config configures a Client's connection to a broker.
type Config struct {
	Address string

	// ClientName is the identity to connect under. If empty, one is
	// generated from Prefix.
	ClientName string
	Prefix     string

	ConnectTimeout time.Duration // default 1s
	SendTimeout    time.Duration // default 5s
	PollTimeout    time.Duration // mainloop bounded poll, default 200ms
	Debug          bool
}

func (cfg *Config) setDefaults() {
	if cfg.ClientName == "" {
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "client"
		}
		cfg.ClientName = identity.NewClientName(prefix)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 200 * time.Millisecond
	}
}

// Client is the broker-backed bus.MessageBus implementation: it owns the
// TCP connection, delegates subscription/rendezvous bookkeeping to a
// corebus.Core, and runs the listener mainloop.
type Client struct {
	cfg  Config
	core *corebus.Core
	log  *logging.Logger

	connMu sync.Mutex
	conn   net.Conn
	term   chan struct{}
	done   chan struct{}

	sendMu sync.Mutex // serializes writes; WriteFrames is multiple Write calls
}

var _ bus.MessageBus = (*Client)(nil)

// New builds a disconnected Client. Call Connect before use.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:  cfg,
		core: corebus.New(cfg.ClientName),
		log:  logging.New("tcp:"+cfg.ClientName, cfg.Debug),
	}
}

// ClientName returns the identity this instance connected under.
func (c *Client) ClientName() string { return c.core.ClientName() }

// Connect dials the broker and starts the listener mainloop. Calling
// Connect on an already-connected instance tears down the existing
// listener (subscription table preserved) and reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.core.SetState(corebus.StateReconnecting)
		c.teardownLocked()
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return bus.NewError("connect", bus.KindSend, err)
	}

	if err := wire.WriteFrames(conn, []string{cmdConnect, c.cfg.ClientName}); err != nil {
		conn.Close()
		return bus.NewError("connect", bus.KindSend, err)
	}
	// Registering under our own client-name as a mailbox owner is part of
	// what "connect" means: a sync-request reply, addressed to us by
	// name via reply-to, must have somewhere to land.
	if err := wire.WriteFrames(conn, []string{cmdReceive, c.cfg.ClientName}); err != nil {
		conn.Close()
		return bus.NewError("connect", bus.KindSend, err)
	}

	c.conn = conn
	c.term = make(chan struct{})
	c.done = make(chan struct{})
	c.core.SetState(corebus.StateConnected)

	go c.mainloop(conn, c.term, c.done)
	return nil
}

// Disconnect stops the listener mainloop and closes the broker connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.teardownLocked()
	c.core.SetState(corebus.StateDestroyed)
	return nil
}

// teardownLocked signals $TERM to the mainloop, waits for it to exit, and
// closes the connection. Caller must hold connMu.
func (c *Client) teardownLocked() {
	close(c.term)
	<-c.done
	c.conn.Close()
	c.conn = nil
}

type inboundFrame struct {
	frames []string
	err    error
}

// mainloop is the single-threaded event demultiplexer: it waits on the
// control channel (closed on $TERM) and the broker's inbound frame stream
// with a bounded poll timeout, and dispatches whatever arrives. A reader
// goroutine turns the blocking net.Conn into a channel so both sources can
// be selected on.
func (c *Client) mainloop(conn net.Conn, term <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	inbound := make(chan inboundFrame)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout))
			frames, err := wire.ReadFrames(conn)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					select {
					case inbound <- inboundFrame{}:
						continue
					case <-term:
						return
					}
				}
				select {
				case inbound <- inboundFrame{err: err}:
				case <-term:
				}
				return
			}
			select {
			case inbound <- inboundFrame{frames: frames}:
			case <-term:
				return
			}
		}
	}()

	for {
		select {
		case <-term:
			return
		case f := <-inbound:
			if f.err != nil {
				c.log.Errorf("broker pipe error, terminating mainloop: %v", f.err)
				c.core.SetState(corebus.StateDisconnecting)
				return
			}
			if len(f.frames) == 0 {
				continue // poll timeout tick
			}
			c.handleFrame(f.frames)
		}
	}
}

// deliveryTag maps this transport's own wire command tags onto the
// canonical routing tags corebus.Core.Route dispatches on.
var deliveryTag = map[string]string{
	cmdMailboxDeliver: corebus.TagMailbox,
	cmdStreamDeliver:  corebus.TagStream,
}

func (c *Client) handleFrame(frames []string) {
	if len(frames) < 2 {
		c.log.Errorf("malformed inbound frame: fewer than 2 parts")
		return
	}
	cmd, name := frames[0], frames[1]
	msg := message.Decode(frames[2:])
	onPanic := func(name string, r any) {
		c.log.Errorf("listener for %q panicked: %v", name, r)
	}

	tag, ok := deliveryTag[cmd]
	if !ok {
		c.log.Errorf("unknown command tag %q, ignored", cmd)
		return
	}
	if err := c.core.Route(tag, name, msg, onPanic); err != nil {
		c.log.Errorf("route %q delivery for %q: %v", tag, name, err)
	}
}

func (c *Client) send(op string, frames []string) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return &bus.Error{Op: op, Kind: bus.KindNotConnected}
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	if err := wire.WriteFrames(conn, frames); err != nil {
		return bus.NewError(op, bus.KindSend, err)
	}
	return nil
}

// Publish sends msg on topic, latching topic as this instance's sole
// publish target on first call.
func (c *Client) Publish(topic string, msg message.Message) error {
	if err := c.core.RequireConnected("publish"); err != nil {
		return err
	}
	if err := c.core.LatchTopic("publish", topic); err != nil {
		return err
	}
	out := msg.WithMeta(message.KeyFrom, c.core.ClientName())
	frames := append([]string{cmdStreamSend, topic}, message.Encode(out)...)
	return c.send("publish", frames)
}

// Subscribe declares interest in topic with the broker and registers
// listener, replacing any prior listener on the same name.
func (c *Client) Subscribe(topic string, listener bus.Listener) error {
	if err := c.core.RequireConnected("subscribe"); err != nil {
		return err
	}
	if err := c.send("subscribe", []string{cmdSubscribe, topic}); err != nil {
		return err
	}
	c.core.Subscribe(topic, listener)
	return nil
}

// Unsubscribe removes the local listener entry and best-effort notifies
// the broker; server-side consumer removal is not guaranteed.
func (c *Client) Unsubscribe(name string) error {
	if err := c.core.Unsubscribe("unsubscribe", name); err != nil {
		return err
	}
	if err := c.send("unsubscribe", []string{cmdUnsubscribe, name}); err != nil {
		c.log.Debugf("broker notify for unsubscribe %q failed (local removal stands): %v", name, err)
	}
	return nil
}

// Receive declares queue to the broker and registers listener, failing if
// queue already has one.
func (c *Client) Receive(queue string, listener bus.Listener) error {
	if err := c.core.RequireConnected("receive"); err != nil {
		return err
	}
	if err := c.core.Receive("receive", queue, listener); err != nil {
		return err
	}
	if err := c.send("receive", []string{cmdReceive, queue}); err != nil {
		c.core.Unsubscribe("receive", queue)
		return err
	}
	return nil
}

// SendRequest dispatches msg to the recipient named by "to", or queue if
// absent. Missing correlation-id/reply-to/to is logged but not fatal here
// (SendRequest, unlike Request, makes no reply promise).
func (c *Client) SendRequest(queue string, msg message.Message) error {
	if err := c.core.RequireConnected("sendRequest"); err != nil {
		return err
	}
	target := queue
	if to := msg.Get(message.KeyTo); to != "" {
		target = to
	}
	if msg.Get(message.KeyCorrelationID) == "" || msg.Get(message.KeyReplyTo) == "" || msg.Get(message.KeyTo) == "" {
		c.log.Debugf("sendRequest to %q missing correlation-id/reply-to/to metadata", target)
	}
	out := msg.WithMeta(message.KeyFrom, c.core.ClientName())
	frames := append([]string{cmdMailboxSend, target}, message.Encode(out)...)
	return c.send("sendRequest", frames)
}

// SendRequestAsync is SendRequest after registering listener on the
// mailbox named by msg's "reply-to" key.
func (c *Client) SendRequestAsync(queue string, msg message.Message, listener bus.Listener) error {
	replyTo := msg.Get(message.KeyReplyTo)
	if replyTo == "" {
		return bus.NewMissing("sendRequest", message.KeyReplyTo)
	}
	if err := c.Receive(replyTo, listener); err != nil {
		return err
	}
	return c.SendRequest(queue, msg)
}

// SendReply dispatches msg to the recipient named by its "to" key, failing
// if "correlation-id" or "to" is absent.
func (c *Client) SendReply(queue string, msg message.Message) error {
	if err := c.core.RequireConnected("sendReply"); err != nil {
		return err
	}
	if msg.Get(message.KeyCorrelationID) == "" {
		return bus.NewMissing("sendReply", message.KeyCorrelationID)
	}
	to := msg.Get(message.KeyTo)
	if to == "" {
		return bus.NewMissing("sendReply", message.KeyTo)
	}
	out := msg.WithMeta(message.KeyFrom, c.core.ClientName())
	frames := append([]string{cmdMailboxSend, to}, message.Encode(out)...)
	return c.send("sendReply", frames)
}

// Request sends msg to queue and blocks for the matching reply or timeout.
// Concurrent Request calls on one instance are serialized: the single
// rendezvous slot is strictly FIFO-per-instance.
func (c *Client) Request(queue string, msg message.Message, timeout time.Duration) (message.Message, error) {
	if err := c.core.RequireConnected("request"); err != nil {
		return message.Message{}, err
	}
	corrID := msg.Get(message.KeyCorrelationID)
	if corrID == "" {
		return message.Message{}, bus.NewMissing("request", message.KeyCorrelationID)
	}
	to := msg.Get(message.KeyTo)
	if to == "" {
		return message.Message{}, bus.NewMissing("request", message.KeyTo)
	}

	end := c.core.BeginRequest()
	defer end()

	out := msg.Clone()
	out = out.WithMeta(message.KeyTimeout, fmt.Sprintf("%.3f", timeout.Seconds()))
	out = out.WithMeta(message.KeyReplyTo, c.core.ClientName())
	out = out.WithMeta(message.KeyFrom, c.core.ClientName())

	c.core.ArmRendezvous(corrID)

	frames := append([]string{cmdMailboxSend, queue}, message.Encode(out)...)
	if err := c.send("request", frames); err != nil {
		return message.Message{}, err
	}

	reply, ok := c.core.WaitRendezvous(timeout)
	if !ok {
		return message.Message{}, &bus.Error{Op: "request", Kind: bus.KindTimeout}
	}
	return reply, nil
}
