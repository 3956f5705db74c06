// Package messaging implements the agent messaging bus (§4.8): an
// in-process directed bus of typed envelopes supporting direct,
// broadcast, multicast, gossip and consensus delivery, plus heartbeats
// and optional payload encryption.
//
// The bounded-FIFO-plus-per-tick-drain shape follows the teacher's
// websocket.Hub send-channel pattern (internal/websocket/hub.go,
// generalized into this package's dashboard subpackage), adapted from
// per-client fan-out to a directed agent-to-agent bus; Subscribe/Publish
// plumbing is shared with internal/events.
package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hivemind/coordinator/internal/store/models"
)

// GossipMeta tracks a gossip envelope's propagation state.
type GossipMeta struct {
	OriginalID string
	Hops       int
	Seen       map[string]struct{}
}

// Envelope is the addressed, typed message unit carried by the bus
// (§3 MessageEnvelope).
type Envelope struct {
	ID        string
	From      string
	To        string // "*" means broadcast
	Type      models.MessageType
	Protocol  models.Protocol
	Timestamp time.Time
	Payload   []byte
	Encrypted bool
	GroupID   string
	Gossip    *GossipMeta
}

// NewEnvelope builds an Envelope with a generated ID and current
// timestamp, marshaling payload to JSON.
func NewEnvelope(from, to string, typ models.MessageType, proto models.Protocol, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Protocol:  proto,
		Timestamp: time.Now(),
		Payload:   raw,
	}, nil
}

// ConsensusPhase is the stage of a consensus envelope's payload (§4.7).
type ConsensusPhase string

const (
	ConsensusPhasePropose ConsensusPhase = "propose"
	ConsensusPhaseVote    ConsensusPhase = "vote"
	ConsensusPhaseResult  ConsensusPhase = "result"
)

// ConsensusPayload is the structured payload of a consensus-protocol
// envelope.
type ConsensusPayload struct {
	Phase       ConsensusPhase `json:"phase"`
	ConsensusID string         `json:"consensusId"`
	Proposal    interface{}    `json:"proposal,omitempty"`
	Vote        interface{}    `json:"vote,omitempty"`
	Result      interface{}    `json:"result,omitempty"`
}

// messageEncrypted names which message types carry encrypted payloads
// when the bus is constructed with encryption enabled (§4.8
// "MESSAGE_TYPES[t].encrypted"). Command/task/result envelopes can
// carry sensitive execution data; heartbeats, sync and broadcast
// control traffic stay plaintext so low-value chatter skips the AES
// overhead.
var messageEncrypted = map[models.MessageType]bool{
	models.MessageTypeCommand:  true,
	models.MessageTypeTask:     true,
	models.MessageTypeResult:   true,
	models.MessageTypeQuery:    true,
	models.MessageTypeResponse: true,
}
