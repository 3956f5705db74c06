package messaging

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hivemind/coordinator/internal/errs"
	"github.com/hivemind/coordinator/internal/events"
	"github.com/hivemind/coordinator/internal/store/models"
)

// Config governs the bus's buffering, delivery, heartbeat and
// encryption behavior (§4.8).
type Config struct {
	BufferSize        int
	TickDeliverMax    int
	TickInterval      time.Duration
	DispatchInterval  time.Duration
	DispatchBurst     int
	GossipFanout      int
	GossipHopCap      int
	HeartbeatInterval time.Duration
	OfflineAfter      time.Duration
	AckTimeout        time.Duration
	EncryptionEnabled bool
}

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.TickDeliverMax <= 0 {
		c.TickDeliverMax = 10
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 2 * time.Millisecond
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 4
	}
	if c.GossipFanout <= 0 {
		c.GossipFanout = 3
	}
	if c.GossipHopCap <= 0 {
		c.GossipHopCap = 3
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
}

type ackWaiter struct {
	ch chan bool
}

// Bus is the in-process directed message bus described in §4.8. It
// replaces the teacher's websocket.Hub register/broadcast/unregister
// channel trio (internal/websocket/hub.go, generalized already into
// this package's dashboard subpackage) with an addressed mailbox model
// carrying direct, broadcast, multicast, gossip and consensus traffic.
type Bus struct {
	cfg    Config
	logger *logrus.Logger
	events *events.Bus
	errh   *errs.Handler

	encKey []byte

	// dispatchLimiter paces drainTick's deliveries so a burst drained in
	// one tick doesn't fan out in a single synchronized instant (§4.8
	// "Buffer and scheduling"). Shared across every per-destination
	// sequence goroutine; each still delivers its own envelopes strictly
	// in order, the limiter only spaces deliveries out in time.
	dispatchLimiter *rate.Limiter

	mu        sync.Mutex
	queue     []Envelope
	mailboxes map[string]chan Envelope
	groups    map[string][]string
	lastSeen  map[string]time.Time
	acks      map[string]*ackWaiter

	offlineHandler func(agentID string)
}

// New constructs a Bus. Pass a non-nil events.Bus so dropped-message
// and offline notifications are observable by the rest of the system.
func New(cfg Config, logger *logrus.Logger, bus *events.Bus) *Bus {
	cfg.applyDefaults()
	b := &Bus{
		cfg:             cfg,
		logger:          logger,
		events:          bus,
		errh:            errs.NewHandler(logger),
		dispatchLimiter: rate.NewLimiter(rate.Every(cfg.DispatchInterval), cfg.DispatchBurst),
		mailboxes:       make(map[string]chan Envelope),
		groups:          make(map[string][]string),
		lastSeen:        make(map[string]time.Time),
		acks:            make(map[string]*ackWaiter),
	}
	if cfg.EncryptionEnabled {
		key := make([]byte, 32)
		if _, err := io.ReadFull(cryptorand.Reader, key); err != nil {
			logger.WithError(err).Error("failed to generate message encryption key, disabling encryption")
		} else {
			b.encKey = key
		}
	}
	return b
}

// SetOfflineHandler installs the callback invoked when an agent's
// lastSeen exceeds cfg.OfflineAfter (§4.8 "Heartbeats").
func (b *Bus) SetOfflineHandler(fn func(agentID string)) {
	b.mu.Lock()
	b.offlineHandler = fn
	b.mu.Unlock()
}

// Register creates a bounded mailbox for agentID and returns its
// inbound channel. Callers must Unregister when the agent leaves.
func (b *Bus) Register(agentID string, inbox int) <-chan Envelope {
	if inbox <= 0 {
		inbox = 64
	}
	ch := make(chan Envelope, inbox)
	b.mu.Lock()
	b.mailboxes[agentID] = ch
	b.lastSeen[agentID] = time.Now()
	b.mu.Unlock()
	return ch
}

// Unregister removes agentID's mailbox and closes its channel.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.mailboxes[agentID]; ok {
		delete(b.mailboxes, agentID)
		delete(b.lastSeen, agentID)
		close(ch)
	}
}

// JoinGroup adds memberID to groupID's multicast roster.
func (b *Bus) JoinGroup(groupID, memberID string) {
	b.mu.Lock()
	b.groups[groupID] = append(b.groups[groupID], memberID)
	b.mu.Unlock()
}

// Run starts the per-tick dispatch loop and the heartbeat loop. Close
// done to halt both.
func (b *Bus) Run(done <-chan struct{}) {
	go b.dispatchLoop(done)
	go b.heartbeatLoop(done)
}

// Send enqueues env on the bounded FIFO (§4.8 "bounded FIFO (default
// 1000)"); the oldest envelope is dropped with a message:dropped event
// when the buffer is already full.
func (b *Bus) Send(env Envelope) {
	if env.From != "" {
		b.mu.Lock()
		b.lastSeen[env.From] = time.Now()
		b.mu.Unlock()
	}
	b.mu.Lock()
	if len(b.queue) >= b.cfg.BufferSize {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.publish(events.MessageDropped, map[string]interface{}{"envelope_id": dropped.ID, "type": string(dropped.Type)})
	} else {
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.queue = append(b.queue, env)
	b.mu.Unlock()
}

// SendDirect sends env (Protocol must be direct) and blocks until an
// ack/nack arrives or cfg.AckTimeout elapses (§4.8 "direct: ...
// sender's send returns a promise that resolves on ack or rejects on
// timeout").
func (b *Bus) SendDirect(env Envelope) error {
	waiter := &ackWaiter{ch: make(chan bool, 1)}
	b.mu.Lock()
	b.acks[env.ID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.acks, env.ID)
		b.mu.Unlock()
	}()

	b.Send(env)

	select {
	case ok := <-waiter.ch:
		if !ok {
			return errs.New(errs.KindMessageUndeliverable, "recipient nacked envelope "+env.ID, false, nil)
		}
		return nil
	case <-time.After(b.cfg.AckTimeout):
		return errs.New(errs.KindMessageUndeliverable, "ack timeout for envelope "+env.ID, true, nil)
	}
}

// Ack resolves a pending SendDirect waiter. Recipients call this once
// they have processed a direct envelope.
func (b *Bus) Ack(envelopeID string, ok bool) {
	b.mu.Lock()
	w, found := b.acks[envelopeID]
	b.mu.Unlock()
	if found {
		select {
		case w.ch <- ok:
		default:
		}
	}
}

func (b *Bus) publish(typ events.Type, data map[string]interface{}) {
	if b.events == nil {
		return
	}
	b.events.Publish(events.Event{Type: typ, Data: data})
}

func (b *Bus) dispatchLoop(done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.drainTick()
		}
	}
}

// drainTick delivers up to cfg.TickDeliverMax envelopes, paced through
// dispatchLimiter so synchronized fan-out is avoided (§4.8 "Buffer and
// scheduling"). Envelopes are grouped by dispatchKey before dispatch so
// that every sequence sharing a key is handed to a single goroutine
// that delivers its members one at a time, in the order they were
// drained — this is what keeps two direct envelopes from the same
// sender to the same recipient (§5) from ever racing each other.
func (b *Bus) drainTick() {
	b.mu.Lock()
	n := b.cfg.TickDeliverMax
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := make([]Envelope, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	sequences := make(map[string][]Envelope, len(batch))
	order := make([]string, 0, len(batch))
	for _, env := range batch {
		key := dispatchKey(env)
		if _, seen := sequences[key]; !seen {
			order = append(order, key)
		}
		sequences[key] = append(sequences[key], env)
	}

	for _, key := range order {
		go b.deliverSequence(sequences[key])
	}
}

// dispatchKey groups envelopes that must preserve relative delivery
// order. Direct and consensus traffic address a single recipient and
// share one sequence per (from,to) pair, matching §5's "per-sender
// order to the same recipient" guarantee. Broadcast/multicast/gossip
// fan out to many recipients and carry no ordering guarantee, so each
// gets its own sequence.
func dispatchKey(env Envelope) string {
	switch env.Protocol {
	case models.ProtocolDirect, models.ProtocolConsensus:
		return "to:" + env.From + ">" + env.To
	default:
		return "id:" + env.ID
	}
}

// deliverSequence delivers envs one at a time and in order, waiting on
// dispatchLimiter before each so a tick's whole batch doesn't land at
// once. Because every envelope in envs shares one goroutine, delivery
// order here always matches drain order.
func (b *Bus) deliverSequence(envs []Envelope) {
	for _, env := range envs {
		_ = b.dispatchLimiter.Wait(context.Background())
		b.deliver(env)
	}
}

func (b *Bus) deliver(env Envelope) {
	if env.Encrypted {
		plain, err := b.decrypt(env.Payload)
		if err != nil {
			b.logger.WithError(err).WithField("envelope_id", env.ID).Warn("dropping envelope with undecryptable payload")
			return
		}
		env.Payload = plain
		env.Encrypted = false
	}

	switch env.Protocol {
	case models.ProtocolDirect:
		b.deliverTo(env.To, env)
	case models.ProtocolBroadcast:
		b.mu.Lock()
		targets := make([]string, 0, len(b.mailboxes))
		for id := range b.mailboxes {
			if id != env.From {
				targets = append(targets, id)
			}
		}
		b.mu.Unlock()
		for _, id := range targets {
			b.deliverTo(id, env)
		}
	case models.ProtocolMulticast:
		b.mu.Lock()
		members := append([]string(nil), b.groups[env.GroupID]...)
		b.mu.Unlock()
		for _, id := range members {
			b.deliverTo(id, env)
		}
	case models.ProtocolGossip:
		b.deliverGossip(env)
	case models.ProtocolConsensus:
		b.deliverTo(env.To, env)
	default:
		b.deliverTo(env.To, env)
	}
}

func (b *Bus) deliverTo(agentID string, env Envelope) {
	b.mu.Lock()
	ch, ok := b.mailboxes[agentID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
		b.logger.WithField("agent_id", agentID).Warn("recipient mailbox full, envelope dropped")
		b.publish(events.MessageDropped, map[string]interface{}{"envelope_id": env.ID, "to": agentID})
	}
}

// deliverGossip implements §4.8's fanout=3/hop-cap=3 epidemic forward.
func (b *Bus) deliverGossip(env Envelope) {
	if env.Gossip == nil {
		env.Gossip = &GossipMeta{OriginalID: env.ID, Seen: map[string]struct{}{}}
	}
	if env.From != "" {
		env.Gossip.Seen[env.From] = struct{}{}
	}
	env.Gossip.Hops++

	b.mu.Lock()
	var unseen []string
	for id := range b.mailboxes {
		if _, seen := env.Gossip.Seen[id]; !seen && id != env.From {
			unseen = append(unseen, id)
		}
	}
	b.mu.Unlock()

	if env.Gossip.Hops > b.cfg.GossipHopCap {
		return
	}

	fanout := b.cfg.GossipFanout
	if fanout > len(unseen) {
		fanout = len(unseen)
	}
	for i := 0; i < fanout; i++ {
		target := unseen[i]
		next := env
		seenCopy := make(map[string]struct{}, len(env.Gossip.Seen)+1)
		for k := range env.Gossip.Seen {
			seenCopy[k] = struct{}{}
		}
		next.Gossip = &GossipMeta{OriginalID: env.Gossip.OriginalID, Hops: env.Gossip.Hops, Seen: seenCopy}
		b.deliverTo(target, next)
		if next.Gossip.Hops < b.cfg.GossipHopCap {
			// each recipient becomes a relay for the next hop.
			relayed := next
			relayed.From = target
			b.mu.Lock()
			b.queue = append(b.queue, relayed)
			b.mu.Unlock()
		}
	}
}

// heartbeatLoop sends a heartbeat envelope to every registered agent
// every cfg.HeartbeatInterval and flips stale agents offline (§4.8).
func (b *Bus) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.beat()
		}
	}
}

func (b *Bus) beat() {
	now := time.Now()
	b.mu.Lock()
	ids := make([]string, 0, len(b.mailboxes))
	for id := range b.mailboxes {
		ids = append(ids, id)
	}
	var stale []string
	for id, seen := range b.lastSeen {
		if now.Sub(seen) > b.cfg.OfflineAfter {
			stale = append(stale, id)
		}
	}
	handler := b.offlineHandler
	b.mu.Unlock()

	for _, id := range ids {
		env := Envelope{ID: fmt.Sprintf("hb-%d-%s", now.UnixNano(), id), From: "bus", To: id, Type: models.MessageTypeHeartbeat, Protocol: models.ProtocolDirect, Timestamp: now}
		b.deliverTo(id, env)
	}

	for _, id := range stale {
		if handler != nil {
			handler(id)
		}
	}
}

func (b *Bus) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.encKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(cryptorand.Reader, iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return append(iv, ciphertext...), nil
}

func (b *Bus) decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize || (len(data)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("malformed ciphertext")
	}
	block, err := aes.NewCipher(b.encKey)
	if err != nil {
		return nil, err
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := make([]byte, padLen)
	for i := range pad {
		pad[i] = byte(padLen)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// EncryptIfNeeded encrypts env.Payload in place when the bus was
// constructed with encryption enabled and env.Type is one of
// messageEncrypted (§4.8 "Encryption").
func (b *Bus) EncryptIfNeeded(env *Envelope) error {
	if b.encKey == nil || !messageEncrypted[env.Type] {
		return nil
	}
	ct, err := b.encrypt(env.Payload)
	if err != nil {
		return err
	}
	env.Payload = ct
	env.Encrypted = true
	return nil
}
