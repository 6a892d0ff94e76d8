package mqtt

import (
	"testing"

	"github.com/agentmesh/msgbus/internal/corebus"
	"github.com/agentmesh/msgbus/message"
)

func TestEncodePayloadRoundTrips(t *testing.T) {
	msg := message.New(message.MetaData{"subject": "discovery", "mykey": "myvalue"}, "arg1", "arg2")

	payload, err := encodePayload(msg)
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}

	c := &Client{core: corebus.New("tester")}
	var got message.Message
	c.core.Subscribe("T", func(m message.Message) { got = m })
	c.handlePublish(streamPrefix+"T", payload)

	if got.Get("mykey") != "myvalue" {
		t.Fatalf("metadata lost in round trip: %+v", got.Meta)
	}
	if len(got.Data) != 2 || got.Data[0] != "arg1" || got.Data[1] != "arg2" {
		t.Fatalf("payload lost in round trip: %+v", got.Data)
	}
}

func TestHandlePublishClassifiesMailboxVsStream(t *testing.T) {
	c := &Client{core: corebus.New("tester")}

	var stream, mailbox bool
	c.core.Subscribe("news", func(message.Message) { stream = true })
	c.core.Receive("receive", "inbox", func(message.Message) { mailbox = true })

	payload, _ := encodePayload(message.New(nil))
	c.handlePublish(streamPrefix+"news", payload)
	c.handlePublish(mailboxPrefix+"inbox", payload)

	if !stream {
		t.Fatal("expected stream delivery")
	}
	if !mailbox {
		t.Fatal("expected mailbox delivery")
	}
}

func TestHandlePublishIgnoresUnknownTopic(t *testing.T) {
	c := &Client{core: corebus.New("tester")}
	payload, _ := encodePayload(message.New(nil))
	// Must not panic on a topic matching neither prefix.
	c.handlePublish("other/topic", payload)
}
