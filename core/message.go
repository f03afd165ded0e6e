package core

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// MessageType categorizes bus traffic for dispatch on the receiving side.
type MessageType string

// Message types understood by the core. Collaborators may introduce further
// types; agents route anything unrecognized to their Behavior hook.
const (
	MessageSignal          MessageType = "signal"
	MessageAnalysis        MessageType = "analysis"
	MessageIntervention    MessageType = "intervention"
	MessageProposal        MessageType = "proposal"
	MessageVote            MessageType = "vote"
	MessageAudit           MessageType = "audit"
	MessageHeartbeat       MessageType = "heartbeat"
	MessageKnowledgeUpdate MessageType = "knowledge_update"
	MessageCommand         MessageType = "command"
	MessageReply           MessageType = "reply"
)

// TopicBroadcast is the fan-out topic: messages published here are
// delivered to every other subscribed topic except the sender's own.
const TopicBroadcast = "broadcast"

// Built-in commands understood by every agent. Anything else carried by a
// command message is routed to the role's OnCommand hook.
const (
	CommandPause     = "pause"
	CommandResume    = "resume"
	CommandTerminate = "terminate"
)

// CommandPayload is the payload of command-type messages.
type CommandPayload struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

// HeartbeatPayload is the payload of the periodic liveness broadcast every
// running agent emits.
type HeartbeatPayload struct {
	AgentID   string    `json:"agent_id"`
	Role      Role      `json:"role"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyTopic builds the synthetic topic a Request listens on for the reply
// to the message with the given id.
func ReplyTopic(messageID string) string { return "reply:" + messageID }

// Message is the envelope exchanged over the bus. Messages are transient:
// they exist only in the bus queue and in the bounded history ring. The
// signature is produced by the sender; the core does not verify signatures
// at delivery time (receivers that care can call Verify).
type Message struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Payload       any         `json:"payload,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Signature     string      `json:"signature,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	ReplyTo       string      `json:"reply_to,omitempty"`
}

// NewMessage builds an unsigned message from sender to recipient.
func NewMessage(msgType MessageType, from, to string, payload any) Message {
	return Message{
		ID:        NewID(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// signable is the canonical subset of message fields covered by the
// signature. The payload itself is excluded; the envelope identity and
// routing fields are what the signature binds.
type signable struct {
	ID        string `cbor:"id"`
	Type      string `cbor:"type"`
	From      string `cbor:"from"`
	To        string `cbor:"to"`
	Timestamp int64  `cbor:"ts"`
}

func (m Message) signingBytes() ([]byte, error) {
	return CanonicalMarshal(signable{
		ID:        m.ID,
		Type:      string(m.Type),
		From:      m.From,
		To:        m.To,
		Timestamp: m.Timestamp.UnixNano(),
	})
}

// Sign computes the hex-encoded Ed25519 signature over the message's
// canonical envelope bytes and stores it on the message.
func (m *Message) Sign(priv ed25519.PrivateKey) error {
	data, err := m.signingBytes()
	if err != nil {
		return fmt.Errorf("encoding signing payload: %w", err)
	}
	m.Signature = hex.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// Verify checks the message signature against the supplied public key.
func (m Message) Verify(pub ed25519.PublicKey) bool {
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	data, err := m.signingBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Digest is the metadata summary of a message recorded in the bus history
// accumulator: identity and routing, never the payload.
type Digest struct {
	ID        string `cbor:"id"`
	Type      string `cbor:"type"`
	From      string `cbor:"from"`
	To        string `cbor:"to"`
	Timestamp int64  `cbor:"ts"`
}

// Digest returns the accumulator-ready metadata summary of the message.
func (m Message) Digest() Digest {
	return Digest{
		ID:        m.ID,
		Type:      string(m.Type),
		From:      m.From,
		To:        m.To,
		Timestamp: m.Timestamp.UnixNano(),
	}
}
