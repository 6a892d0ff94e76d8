// Package bus declares the transport-agnostic message bus contract: the
// capability set every concrete transport (transport/tcp, transport/mqtt)
// implements, plus the shared Error taxonomy. It holds no connection state
// of its own.
package bus

import (
	"context"
	"time"

	"github.com/agentmesh/msgbus/message"
)

// Listener is invoked once per Message delivered to a topic or mailbox.
// Panics inside a Listener are recovered by the mainloop and logged; they
// never tear down the bus.
type Listener func(msg message.Message)

// MessageBus is the public, transport-agnostic capability set. A caller
// obtains one from a transport-specific constructor (e.g.
// tcp.New, mqtt.New), never builds one directly.
type MessageBus interface {
	// Connect registers the bus with the broker under its client-name and
	// starts the listener mainloop. A second Connect tears down the prior
	// listener and reconnects; the subscription table survives.
	Connect(ctx context.Context) error

	// Disconnect stops the listener mainloop and releases the broker
	// connection. The instance is NotConnected afterward.
	Disconnect(ctx context.Context) error

	// Publish sends msg on topic. The first topic ever published from this
	// instance is latched; a later Publish on a different topic fails with
	// KindProducerMismatch.
	Publish(topic string, msg message.Message) error

	// Subscribe registers listener for topic, replacing any prior listener
	// on the same name.
	Subscribe(topic string, listener Listener) error

	// Unsubscribe removes the local listener entry for name. Fails if no
	// such subscription exists. Server-side consumer removal is
	// best-effort and transport-dependent.
	Unsubscribe(name string) error

	// Receive registers listener for queue. Fails with
	// KindAlreadySubscribed if queue already has a listener.
	Receive(queue string, listener Listener) error

	// SendRequest dispatches msg to the recipient named by msg's "to" key,
	// or queue if "to" is absent.
	SendRequest(queue string, msg message.Message) error

	// SendRequestAsync is SendRequest, additionally registering listener on
	// the mailbox named by msg's "reply-to" key. Fails if "reply-to" is
	// missing or empty.
	SendRequestAsync(queue string, msg message.Message, listener Listener) error

	// SendReply dispatches msg to the recipient named by its "to" key.
	// Fails if "correlation-id" is missing.
	SendReply(queue string, msg message.Message) error

	// Request sends msg to queue and blocks until the reply with a
	// matching correlation-id arrives or timeout elapses.
	Request(queue string, msg message.Message, timeout time.Duration) (message.Message, error)

	// ClientName returns the identity this instance connected under.
	ClientName() string
}
