package facade

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/msgbus/internal/testbroker"
	"github.com/agentmesh/msgbus/message"
	"github.com/agentmesh/msgbus/transport/tcp"
)

func TestStampFillsFromAndCorrelationID(t *testing.T) {
	b, err := testbroker.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("testbroker.Listen: %v", err)
	}
	defer b.Close()

	raw := tcp.New(tcp.Config{Address: b.Addr(), ClientName: "facade-client"})
	ctx := context.Background()
	if err := raw.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer raw.Disconnect(ctx)

	c := New(raw)

	received := make(chan Envelope, 1)
	if err := c.Subscribe("T", func(e Envelope) { received <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := c.Publish("T", Envelope{Headers: Headers{Subject: "discovery"}, Data: []string{"x"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-received:
		if env.Headers.From != "facade-client" {
			t.Fatalf("expected From stamped to facade-client, got %q", env.Headers.From)
		}
		if env.Headers.CorrelationID == "" {
			t.Fatal("expected a generated correlation-id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received the publish")
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	b, err := testbroker.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("testbroker.Listen: %v", err)
	}
	defer b.Close()

	ctx := context.Background()

	serverRaw := tcp.New(tcp.Config{Address: b.Addr(), ClientName: "facade-server"})
	if err := serverRaw.Connect(ctx); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer serverRaw.Disconnect(ctx)

	clientRaw := tcp.New(tcp.Config{Address: b.Addr(), ClientName: "facade-client"})
	if err := clientRaw.Connect(ctx); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer clientRaw.Disconnect(ctx)

	if err := serverRaw.Receive("ping.q", func(m message.Message) {
		reply := message.New(message.MetaData{
			message.KeyCorrelationID: m.Get(message.KeyCorrelationID),
			message.KeyTo:            m.Get(message.KeyFrom),
			message.KeyStatus:        message.StatusOK,
		}, "PONG")
		serverRaw.SendReply("ping.q", reply)
	}); err != nil {
		t.Fatalf("server receive: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let RECEIVE reach the broker

	client := New(clientRaw)
	reply, err := client.Request("ping.q", Envelope{Headers: Headers{To: "facade-server", Subject: "PING"}}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Headers.Status != message.StatusOK {
		t.Fatalf("expected ok status, got %q", reply.Headers.Status)
	}
	if len(reply.Data) != 1 || reply.Data[0] != "PONG" {
		t.Fatalf("unexpected payload: %v", reply.Data)
	}
}

func TestExtraMetadataPreserved(t *testing.T) {
	m := message.New(message.MetaData{"custom-key": "custom-value", message.KeySubject: "x"})
	h := headersFromMessage(m)
	if h.Extra["custom-key"] != "custom-value" {
		t.Fatalf("expected custom-key preserved in Extra, got %+v", h.Extra)
	}
	if _, reserved := h.Extra[message.KeySubject]; reserved {
		t.Fatal("reserved key must not leak into Extra")
	}
}
