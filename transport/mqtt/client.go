// Package mqtt implements bus.MessageBus over github.com/eclipse/paho.golang's
// autopaho connection manager: streams map to QoS-0 MQTT topics under a
// "stream/" prefix, mailboxes to QoS-1 topics under "mailbox/", and the
// message frame codec from package message/wire is reused verbatim as the
// MQTT payload so both transports round-trip the same Message on the wire.
// Inbound topics are classified by their leading segment and routed through
// corebus.Core.Route's dispatcher.Dispatcher rather than a hand-rolled
// if/else chain.
package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/agentmesh/msgbus/bus"
	"github.com/agentmesh/msgbus/identity"
	"github.com/agentmesh/msgbus/internal/corebus"
	"github.com/agentmesh/msgbus/internal/logging"
	"github.com/agentmesh/msgbus/message"
	"github.com/agentmesh/msgbus/wire"
)

const (
	streamPrefix  = "stream/"
	mailboxPrefix = "mailbox/"
)

// deliveryTag maps an MQTT topic's leading segment onto the canonical
// routing tags corebus.Core.Route dispatches on.
var deliveryTag = map[string]string{
	"mailbox": corebus.TagMailbox,
	"stream":  corebus.TagStream,
}

// Config configures a Client's connection to an MQTT broker.
type Config struct {
	BrokerURL string // e.g. "tcp://localhost:1883" or "mqtts://host:8883"

	ClientName string
	Prefix     string

	ConnectTimeout time.Duration // default 1s
	SendTimeout    time.Duration // default 5s
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
}

// Client is the autopaho-backed bus.MessageBus implementation.
type Client struct {
	cfg  Config
	core *corebus.Core
	log  *logging.Logger

	cm *autopaho.ConnectionManager
}

var _ bus.MessageBus = (*Client)(nil)

// New builds a disconnected Client. Call Connect before use.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:  cfg,
		core: corebus.New(cfg.ClientName),
		log:  logging.New("mqtt:"+cfg.ClientName, cfg.Debug),
	}
}

// ClientName returns the identity this instance connected under.
func (c *Client) ClientName() string { return c.core.ClientName() }

// Connect establishes the MQTT session and subscribes to this instance's
// own mailbox topic, which is where sync-request replies and point-to-point
// sends addressed to it land. A second Connect tears down the prior
// connection and reconnects; the local subscription table is preserved, but
// only the own mailbox topic is subscribed with the broker again — topics
// and queues registered earlier are not re-declared.
func (c *Client) Connect(ctx context.Context) error {
	if c.cm != nil {
		c.core.SetState(corebus.StateReconnecting)
		discCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		c.cm.Disconnect(discCtx)
		cancel()
		c.cm = nil
	}

	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return bus.NewError("connect", bus.KindSend, err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientName,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.log.Debugf("mqtt connection up, re-subscribing own mailbox")
			subCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: mailboxPrefix + c.cfg.ClientName, QoS: 1}},
			}); err != nil {
				c.log.Errorf("re-subscribe own mailbox: %v", err)
			}
		},
		OnConnectError: func(err error) {
			c.log.Errorf("mqtt connect error: %v", err)
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return bus.NewError("connect", bus.KindSend, err)
	}

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		c.handlePublish(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return bus.NewError("connect", bus.KindSend, err)
	}

	c.cm = cm
	c.core.SetState(corebus.StateConnected)
	return nil
}

// Disconnect closes the MQTT session.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	err := c.cm.Disconnect(ctx)
	c.cm = nil
	c.core.SetState(corebus.StateDestroyed)
	return err
}

func (c *Client) handlePublish(topic string, payload []byte) {
	frames, err := wire.ReadFrames(bytes.NewReader(payload))
	if err != nil {
		c.log.Errorf("decode payload on topic %q: %v", topic, err)
		return
	}
	msg := message.Decode(frames)
	onPanic := func(name string, r any) {
		c.log.Errorf("listener for %q panicked: %v", name, r)
	}

	prefix, name, found := strings.Cut(topic, "/")
	tag, ok := deliveryTag[prefix]
	if !found || !ok {
		c.log.Errorf("message on unrecognized topic %q, ignored", topic)
		return
	}
	if err := c.core.Route(tag, name, msg, onPanic); err != nil {
		c.log.Errorf("route %q delivery for %q: %v", tag, name, err)
	}
}

func encodePayload(msg message.Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteFrames(&buf, message.Encode(msg)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) publishRaw(op, topic string, msg message.Message, qos byte) error {
	if c.cm == nil {
		return &bus.Error{Op: op, Kind: bus.KindNotConnected}
	}
	payload, err := encodePayload(msg)
	if err != nil {
		return bus.NewError(op, bus.KindEncode, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if _, err := c.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: qos}); err != nil {
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
	return c.publishRaw("publish", streamPrefix+topic, out, 0)
}

// Subscribe subscribes to topic's MQTT stream and registers listener,
// replacing any prior listener on the same name.
func (c *Client) Subscribe(topic string, listener bus.Listener) error {
	if err := c.core.RequireConnected("subscribe"); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: streamPrefix + topic, QoS: 0}},
	}); err != nil {
		return bus.NewError("subscribe", bus.KindSend, err)
	}
	c.core.Subscribe(topic, listener)
	return nil
}

// Unsubscribe removes the local listener and unsubscribes the MQTT topic.
func (c *Client) Unsubscribe(name string) error {
	if err := c.core.Unsubscribe("unsubscribe", name); err != nil {
		return err
	}
	if c.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
		defer cancel()
		if _, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{streamPrefix + name}}); err != nil {
			c.log.Debugf("broker unsubscribe for %q failed (local removal stands): %v", name, err)
		}
	}
	return nil
}

// Receive subscribes to queue's mailbox topic and registers listener,
// failing if queue already has one.
func (c *Client) Receive(queue string, listener bus.Listener) error {
	if err := c.core.RequireConnected("receive"); err != nil {
		return err
	}
	if err := c.core.Receive("receive", queue, listener); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: mailboxPrefix + queue, QoS: 1}},
	}); err != nil {
		c.core.Unsubscribe("receive", queue)
		return bus.NewError("receive", bus.KindSend, err)
	}
	return nil
}

// SendRequest dispatches msg to the mailbox named by "to", or queue if
// absent.
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
	return c.publishRaw("sendRequest", mailboxPrefix+target, out, 1)
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

// SendReply dispatches msg to the mailbox named by its "to" key.
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
	return c.publishRaw("sendReply", mailboxPrefix+to, out, 1)
}

// Request sends msg to queue and blocks for the matching reply or timeout.
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

	if err := c.publishRaw("request", mailboxPrefix+queue, out, 1); err != nil {
		return message.Message{}, err
	}

	reply, ok := c.core.WaitRendezvous(timeout)
	if !ok {
		return message.Message{}, &bus.Error{Op: "request", Kind: bus.KindTimeout}
	}
	return reply, nil
}
