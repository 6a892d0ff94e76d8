// Package facade wraps a bus.MessageBus behind value-typed Headers,
// marshalling the reserved metadata keys to and from a strongly typed
// struct, generating missing correlation-ids, and stamping "from". It adds
// no protocol semantics beyond C7.
package facade

import (
	"context"
	"time"

	"github.com/agentmesh/msgbus/bus"
	"github.com/agentmesh/msgbus/identity"
	"github.com/agentmesh/msgbus/message"
)

// Headers is the typed view over a Message's reserved metadata keys. Extra
// maps onto any remaining application-level keys. The reserved "timeout" key
// has no field here: it is neither read into Headers nor copied to Extra.
type Headers struct {
	ReplyTo       string
	CorrelationID string
	To            string
	From          string
	Subject       string
	Status        string
	Extra         map[string]string
}

// headersFromMessage splits m's metadata into reserved fields and Extra.
func headersFromMessage(m message.Message) Headers {
	h := Headers{
		ReplyTo:       m.Get(message.KeyReplyTo),
		CorrelationID: m.Get(message.KeyCorrelationID),
		To:            m.Get(message.KeyTo),
		From:          m.Get(message.KeyFrom),
		Subject:       m.Get(message.KeySubject),
		Status:        m.Get(message.KeyStatus),
		Extra:         map[string]string{},
	}
	for k, v := range m.Meta {
		switch k {
		case message.KeyReplyTo, message.KeyCorrelationID, message.KeyTo,
			message.KeyFrom, message.KeySubject, message.KeyStatus, message.KeyTimeout:
		default:
			h.Extra[k] = v
		}
	}
	return h
}

func (h Headers) toMeta() message.MetaData {
	meta := message.MetaData{}
	for k, v := range h.Extra {
		meta[k] = v
	}
	if h.ReplyTo != "" {
		meta[message.KeyReplyTo] = h.ReplyTo
	}
	if h.CorrelationID != "" {
		meta[message.KeyCorrelationID] = h.CorrelationID
	}
	if h.To != "" {
		meta[message.KeyTo] = h.To
	}
	if h.From != "" {
		meta[message.KeyFrom] = h.From
	}
	if h.Subject != "" {
		meta[message.KeySubject] = h.Subject
	}
	if h.Status != "" {
		meta[message.KeyStatus] = h.Status
	}
	return meta
}

// Envelope pairs typed Headers with the opaque payload sequence.
type Envelope struct {
	Headers Headers
	Data    []string
}

func fromMessage(m message.Message) Envelope {
	return Envelope{Headers: headersFromMessage(m), Data: append([]string{}, m.Data...)}
}

func (e Envelope) toMessage() message.Message {
	return message.New(e.Headers.toMeta(), e.Data...)
}

// Client wraps a bus.MessageBus, stamping From and generating a missing
// CorrelationID on every outbound call.
type Client struct {
	bus  bus.MessageBus
	name string
}

// New wraps b, using b.ClientName() to stamp every outbound Envelope's
// From field.
func New(b bus.MessageBus) *Client {
	return &Client{bus: b, name: b.ClientName()}
}

func (c *Client) stamp(e Envelope) Envelope {
	if e.Headers.From == "" {
		e.Headers.From = c.name
	}
	if e.Headers.CorrelationID == "" {
		e.Headers.CorrelationID = identity.NewCorrelationID()
	}
	return e
}

// Connect delegates to the underlying bus.
func (c *Client) Connect(ctx context.Context) error { return c.bus.Connect(ctx) }

// Disconnect delegates to the underlying bus.
func (c *Client) Disconnect(ctx context.Context) error { return c.bus.Disconnect(ctx) }

// Publish stamps and sends env on topic.
func (c *Client) Publish(topic string, env Envelope) error {
	return c.bus.Publish(topic, c.stamp(env).toMessage())
}

// Subscribe registers a typed listener for topic.
func (c *Client) Subscribe(topic string, fn func(Envelope)) error {
	return c.bus.Subscribe(topic, func(m message.Message) { fn(fromMessage(m)) })
}

// Unsubscribe delegates to the underlying bus.
func (c *Client) Unsubscribe(name string) error { return c.bus.Unsubscribe(name) }

// Receive registers a typed listener for queue.
func (c *Client) Receive(queue string, fn func(Envelope)) error {
	return c.bus.Receive(queue, func(m message.Message) { fn(fromMessage(m)) })
}

// SendRequest stamps and sends env to queue.
func (c *Client) SendRequest(queue string, env Envelope) error {
	return c.bus.SendRequest(queue, c.stamp(env).toMessage())
}

// SendRequestAsync stamps and sends env to queue, routing the reply
// through fn.
func (c *Client) SendRequestAsync(queue string, env Envelope, fn func(Envelope)) error {
	return c.bus.SendRequestAsync(queue, c.stamp(env).toMessage(), func(m message.Message) { fn(fromMessage(m)) })
}

// SendReply stamps and sends env as a reply.
func (c *Client) SendReply(queue string, env Envelope) error {
	return c.bus.SendReply(queue, c.stamp(env).toMessage())
}

// Request stamps env, sends it to queue, and blocks for the reply.
func (c *Client) Request(queue string, env Envelope, timeout time.Duration) (Envelope, error) {
	reply, err := c.bus.Request(queue, c.stamp(env).toMessage(), timeout)
	if err != nil {
		return Envelope{}, err
	}
	return fromMessage(reply), nil
}

// ClientName returns the wrapped bus's identity.
func (c *Client) ClientName() string { return c.name }
