package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/msgbus/bus"
	"github.com/agentmesh/msgbus/internal/testbroker"
	"github.com/agentmesh/msgbus/message"
)

func newConnectedPair(t *testing.T) (*testbroker.Broker, *Client, *Client) {
	t.Helper()
	b, err := testbroker.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("testbroker.Listen: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	client := New(Config{Address: b.Addr(), ClientName: "ping-client", Debug: false})
	server := New(Config{Address: b.Addr(), ClientName: "ping-server", Debug: false})

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	if err := server.Connect(ctx); err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() {
		client.Disconnect(ctx)
		server.Disconnect(ctx)
	})
	return b, client, server
}

func TestPingSuccess(t *testing.T) {
	_, client, server := newConnectedPair(t)

	if err := server.Receive("ping.q", func(req message.Message) {
		reply := message.New(message.MetaData{
			message.KeyCorrelationID: req.Get(message.KeyCorrelationID),
			message.KeyTo:            req.Get(message.KeyFrom),
			message.KeyStatus:        message.StatusOK,
		}, "PONG")
		if err := server.SendReply("ping.q", reply); err != nil {
			t.Errorf("server SendReply: %v", err)
		}
	}); err != nil {
		t.Fatalf("server receive: %v", err)
	}

	req := message.New(message.MetaData{
		message.KeySubject:       "PING",
		message.KeyTo:            "ping-server",
		message.KeyCorrelationID: "c1",
	})

	reply, err := client.Request("ping.q", req, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.IsOnError() {
		t.Fatal("expected success reply")
	}
	if len(reply.Data) != 1 || reply.Data[0] != "PONG" {
		t.Fatalf("unexpected payload: %+v", reply.Data)
	}
}

func TestPingFailurePropagation(t *testing.T) {
	_, client, server := newConnectedPair(t)

	server.Receive("ping.q", func(req message.Message) {
		reply := message.New(message.MetaData{
			message.KeyCorrelationID: req.Get(message.KeyCorrelationID),
			message.KeyTo:            req.Get(message.KeyFrom),
			message.KeyStatus:        message.StatusKO,
		})
		server.SendReply("ping.q", reply)
	})

	req := message.New(message.MetaData{
		message.KeySubject:       "PING-KO",
		message.KeyTo:            "ping-server",
		message.KeyCorrelationID: "c2",
	})

	reply, err := client.Request("ping.q", req, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.IsOnError() {
		t.Fatal("expected error reply")
	}
	if len(reply.Data) != 0 {
		t.Fatalf("expected empty payload on ko, got %+v", reply.Data)
	}
}

func TestPingTimeout(t *testing.T) {
	_, client, _ := newConnectedPair(t)

	req := message.New(message.MetaData{
		message.KeySubject:       "throw-timeout",
		message.KeyTo:            "ping-server",
		message.KeyCorrelationID: "c3",
	})

	start := time.Now()
	_, err := client.Request("ping.q", req, 300*time.Millisecond)
	elapsed := time.Since(start)

	if !bus.AsKind(err, bus.KindTimeout) {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
	if elapsed < 250*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestPublishSubscribeDelivery(t *testing.T) {
	_, client, server := newConnectedPair(t)

	received := make(chan message.Message, 1)
	if err := client.Subscribe("T", func(m message.Message) {
		received <- m
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let SUBSCRIBE reach the broker

	m := message.New(message.MetaData{
		message.KeySubject: "discovery",
		"mykey":            "myvalue",
	}, "arg1")
	if err := server.Publish("T", m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Get("mykey") != "myvalue" {
			t.Fatalf("metadata not preserved: %+v", got.Meta)
		}
		if len(got.Data) != 1 || got.Data[0] != "arg1" {
			t.Fatalf("unexpected payload: %+v", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the publish")
	}
}

func TestPublishSingleProducerConstraint(t *testing.T) {
	_, client, _ := newConnectedPair(t)

	if err := client.Publish("X", message.New(nil)); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	err := client.Publish("Y", message.New(nil))
	if !bus.AsKind(err, bus.KindProducerMismatch) {
		t.Fatalf("expected KindProducerMismatch, got %v", err)
	}
}

func TestReceiveAlreadySubscribed(t *testing.T) {
	_, client, _ := newConnectedPair(t)

	if err := client.Receive("q", func(message.Message) {}); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	err := client.Receive("q", func(message.Message) {})
	if !bus.AsKind(err, bus.KindAlreadySubscribed) {
		t.Fatalf("expected KindAlreadySubscribed, got %v", err)
	}
}

func TestListenerPanicIsolation(t *testing.T) {
	_, client, server := newConnectedPair(t)

	var deliveries int
	done := make(chan struct{}, 2)
	client.Subscribe("T", func(message.Message) {
		deliveries++
		done <- struct{}{}
		panic("listener blew up")
	})
	time.Sleep(20 * time.Millisecond)

	server.Publish("T", message.New(nil, "one"))
	server.Publish("T", message.New(nil, "two"))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
	if deliveries != 2 {
		t.Fatalf("expected 2 deliveries despite panics, got %d", deliveries)
	}
}

func TestRequestMissingMetadata(t *testing.T) {
	_, client, _ := newConnectedPair(t)

	_, err := client.Request("q", message.New(nil), time.Second)
	if !bus.AsKind(err, bus.KindMissingMetadata) {
		t.Fatalf("expected KindMissingMetadata, got %v", err)
	}
}

func TestNotConnectedBeforeConnect(t *testing.T) {
	c := New(Config{Address: "127.0.0.1:1"})
	err := c.Publish("T", message.New(nil))
	if !bus.AsKind(err, bus.KindNotConnected) {
		t.Fatalf("expected KindNotConnected, got %v", err)
	}
}
