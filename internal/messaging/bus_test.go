package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/store/models"
)

func testBus(t *testing.T) (*Bus, func()) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&discard{})
	eb := events.NewBus()
	b := New(Config{TickInterval: 5 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond, OfflineAfter: 50 * time.Millisecond, AckTimeout: 100 * time.Millisecond}, logger, eb)
	done := make(chan struct{})
	b.Run(done)
	return b, func() { close(done) }
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestBus_DirectDeliveryReachesRecipient(t *testing.T) {
	b, stop := testBus(t)
	defer stop()

	inbox := b.Register("worker-1", 4)
	env, err := NewEnvelope("queen", "worker-1", models.MessageTypeCommand, models.ProtocolDirect, map[string]string{"cmd": "go"})
	require.NoError(t, err)
	b.Send(env)

	select {
	case got := <-inbox:
		assert.Equal(t, "worker-1", got.To)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("direct envelope never arrived")
	}
}

func TestBus_BroadcastReachesEveryoneButSender(t *testing.T) {
	b, stop := testBus(t)
	defer stop()

	a := b.Register("a", 4)
	_ = b.Register("b", 4)

	env, err := NewEnvelope("a", "*", models.MessageTypeBroadcast, models.ProtocolBroadcast, "hello")
	require.NoError(t, err)
	b.Send(env)

	select {
	case <-a:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SendDirectTimesOutWithoutAck(t *testing.T) {
	b, stop := testBus(t)
	defer stop()
	_ = b.Register("worker-1", 4)

	env, err := NewEnvelope("queen", "worker-1", models.MessageTypeCommand, models.ProtocolDirect, "x")
	require.NoError(t, err)
	err = b.SendDirect(env)
	assert.Error(t, err)
}

func TestBus_SendDirectResolvesOnAck(t *testing.T) {
	b, stop := testBus(t)
	defer stop()
	inbox := b.Register("worker-1", 4)

	env, err := NewEnvelope("queen", "worker-1", models.MessageTypeCommand, models.ProtocolDirect, "x")
	require.NoError(t, err)

	go func() {
		<-inbox
		b.Ack(env.ID, true)
	}()

	assert.NoError(t, b.SendDirect(env))
}

func TestBus_BufferOverflowDropsOldestAndPublishesEvent(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&discard{})
	eb := events.NewBus()
	sub, cancel := eb.Subscribe(16)
	defer cancel()

	b := New(Config{BufferSize: 2, TickInterval: time.Hour}, logger, eb)

	for i := 0; i < 3; i++ {
		env, _ := NewEnvelope("a", "b", models.MessageTypeQuery, models.ProtocolDirect, i)
		b.Send(env)
	}

	select {
	case ev := <-sub:
		assert.Equal(t, events.MessageDropped, ev.Type)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a message:dropped event")
	}
}

func TestBus_GossipRespectsHopCap(t *testing.T) {
	b, stop := testBus(t)
	defer stop()
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		b.Register(id, 8)
	}

	env, err := NewEnvelope("n1", "*", models.MessageTypeSync, models.ProtocolGossip, "gossip")
	require.NoError(t, err)
	b.Send(env)

	time.Sleep(150 * time.Millisecond)
	// no assertion beyond "doesn't deadlock or panic": hop-cap bounded
	// forwarding is exercised by construction.
}

func TestBus_EncryptionRoundTrips(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&discard{})
	b := New(Config{EncryptionEnabled: true}, logger, events.NewBus())
	require.NotNil(t, b.encKey)

	env, err := NewEnvelope("a", "b", models.MessageTypeCommand, models.ProtocolDirect, map[string]string{"secret": "value"})
	require.NoError(t, err)
	plain := append([]byte(nil), env.Payload...)

	require.NoError(t, b.EncryptIfNeeded(&env))
	assert.True(t, env.Encrypted)
	assert.NotEqual(t, plain, env.Payload)

	decrypted, err := b.decrypt(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
}

// TestBus_DirectEnvelopesFromSameSenderPreserveOrder guards §5's "direct
// protocol preserves per-sender order to the same recipient": several
// envelopes queued in the same tick must arrive in the order they were
// sent, never reordered by dispatch pacing.
func TestBus_DirectEnvelopesFromSameSenderPreserveOrder(t *testing.T) {
	b, stop := testBus(t)
	defer stop()

	inbox := b.Register("worker-1", 16)

	const n = 8
	for i := 0; i < n; i++ {
		env, err := NewEnvelope("queen", "worker-1", models.MessageTypeCommand, models.ProtocolDirect, map[string]int{"seq": i})
		require.NoError(t, err)
		b.Send(env)
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-inbox:
			var payload map[string]int
			require.NoError(t, json.Unmarshal(got.Payload, &payload))
			assert.Equal(t, i, payload["seq"], "envelope %d arrived out of order", i)
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("envelope %d never arrived", i)
		}
	}
}

func TestBus_HeartbeatFlipsStaleAgentsOffline(t *testing.T) {
	b, stop := testBus(t)
	defer stop()

	var offline string
	done := make(chan struct{})
	b.SetOfflineHandler(func(agentID string) {
		offline = agentID
		close(done)
	})
	b.Register("lagging-worker", 4)

	select {
	case <-done:
		assert.Equal(t, "lagging-worker", offline)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("offline handler never fired")
	}
}
