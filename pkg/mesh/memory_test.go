package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDirectMessage(t *testing.T) {
	hub := NewHub()
	alice := hub.Join("alice")
	bob := hub.Join("bob")
	ctx := context.Background()

	got := make(chan Message, 1)
	unsub, err := bob.Subscribe(ctx, InboxTopic("bob"), func(_ context.Context, msg Message) {
		got <- msg
	})
	require.NoError(t, err)

	msg, err := NewMessage(alice.ID(), "", KindAgentRequest, map[string]string{"q": "2+2"})
	require.NoError(t, err)
	require.NoError(t, alice.SendMessage(ctx, "bob", msg))

	select {
	case m := <-got:
		assert.Equal(t, PeerID("alice"), m.From)
		assert.Equal(t, PeerID("bob"), m.To)
		var body map[string]string
		require.NoError(t, m.DecodePayload(KindAgentRequest, &body))
		assert.Equal(t, "2+2", body["q"])
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	unsub()
	unsub()
	assert.Error(t, alice.SendMessage(ctx, "bob", msg))
}

func TestDecodePayloadChecksDiscriminant(t *testing.T) {
	msg, err := NewMessage("a", "b", KindInvoice, map[string]int{"x": 1})
	require.NoError(t, err)
	var v map[string]int
	assert.Error(t, msg.DecodePayload(KindPaymentProof, &v))
	assert.NoError(t, msg.DecodePayload(KindInvoice, &v))
}

func TestHubPeersSortedAndForget(t *testing.T) {
	hub := NewHub()
	hub.Announce(PeerInfo{ID: "zed"})
	hub.Announce(PeerInfo{ID: "amy", Capabilities: []Capability{{Type: "agent", Name: "assistant"}}})

	peers, err := hub.Peers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, PeerID("amy"), peers[0].ID)
	_, ok := peers[0].Capability("agent", "assistant")
	assert.True(t, ok)

	hub.Forget("amy")
	peers, err = hub.Peers(context.Background())
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestDeduper(t *testing.T) {
	d := NewDeduper(2)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c"))
	// "a" was evicted by the bounded cache.
	assert.False(t, d.Seen("a"))
}
