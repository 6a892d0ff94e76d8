// Package testbroker is a minimal in-process loopback broker that speaks
// the broker side of transport/tcp's wire protocol: topic fan-out for
// streams, single-owner routing for mailboxes. It exists to drive
// transport/tcp in tests; it is not part of the
// public API and makes no durability or ordering guarantees beyond
// "delivered in the order received per connection."
package testbroker

import (
	"net"
	"sync"

	"github.com/agentmesh/msgbus/wire"
)

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

// Broker accepts TCP connections and routes frames between them.
type Broker struct {
	ln net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]*sync.Mutex // per-conn write lock
	topics   map[string]map[net.Conn]bool
	mailbox  map[string]net.Conn
	closed   bool
	wg       sync.WaitGroup
}

// Listen starts a Broker on addr ("127.0.0.1:0" picks a free port).
func Listen(addr string) (*Broker, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &Broker{
		ln:      ln,
		conns:   make(map[net.Conn]*sync.Mutex),
		topics:  make(map[string]map[net.Conn]bool),
		mailbox: make(map[string]net.Conn),
	}
	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// Addr returns the broker's listening address, e.g. for a Client's
// Config.Address.
func (b *Broker) Addr() string { return b.ln.Addr().String() }

// Close stops accepting connections and closes all open ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	for conn := range b.conns {
		conn.Close()
	}
	b.mu.Unlock()

	err := b.ln.Close()
	b.wg.Wait()
	return err
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = &sync.Mutex{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(conn)
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer b.wg.Done()
	defer b.forget(conn)

	for {
		frames, err := wire.ReadFrames(conn)
		if err != nil {
			return
		}
		if len(frames) == 0 {
			continue
		}
		b.handle(conn, frames)
	}
}

func (b *Broker) handle(conn net.Conn, frames []string) {
	cmd := frames[0]
	switch cmd {
	case cmdConnect:
		// No registration bookkeeping needed beyond accepting the
		// connection; client-name is carried for symmetry with the wire
		// format the real malamute backend uses.
	case cmdSubscribe:
		if len(frames) < 2 {
			return
		}
		topic := frames[1]
		b.mu.Lock()
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[net.Conn]bool)
		}
		b.topics[topic][conn] = true
		b.mu.Unlock()
	case cmdUnsubscribe:
		if len(frames) < 2 {
			return
		}
		topic := frames[1]
		b.mu.Lock()
		delete(b.topics[topic], conn)
		b.mu.Unlock()
	case cmdReceive:
		if len(frames) < 2 {
			return
		}
		queue := frames[1]
		b.mu.Lock()
		b.mailbox[queue] = conn
		b.mu.Unlock()
	case cmdStreamSend:
		if len(frames) < 2 {
			return
		}
		topic := frames[1]
		payload := append([]string{cmdStreamDeliver, topic}, frames[2:]...)
		b.mu.Lock()
		subs := make([]net.Conn, 0, len(b.topics[topic]))
		for c := range b.topics[topic] {
			subs = append(subs, c)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			b.writeTo(sub, payload)
		}
	case cmdMailboxSend:
		if len(frames) < 2 {
			return
		}
		queue := frames[1]
		payload := append([]string{cmdMailboxDeliver, queue}, frames[2:]...)
		b.mu.Lock()
		owner, ok := b.mailbox[queue]
		b.mu.Unlock()
		if ok {
			b.writeTo(owner, payload)
		}
	}
}

func (b *Broker) writeTo(conn net.Conn, frames []string) {
	b.mu.Lock()
	lock := b.conns[conn]
	b.mu.Unlock()
	if lock == nil {
		return
	}
	lock.Lock()
	defer lock.Unlock()
	wire.WriteFrames(conn, frames)
}

func (b *Broker) forget(conn net.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
	for _, subs := range b.topics {
		delete(subs, conn)
	}
	for queue, owner := range b.mailbox {
		if owner == conn {
			delete(b.mailbox, queue)
		}
	}
}
