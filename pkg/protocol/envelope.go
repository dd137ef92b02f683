// Package protocol defines the wire-level message schema exchanged between
// agents and gateways: the envelope, agent identities, and the typed
// payload variants discriminated by their "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version literal stamped on every envelope.
const Version = "1.0"

// Direction describes the delivery intent of an envelope.
type Direction string

const (
	DirectionRequest   Direction = "request"
	DirectionResponse  Direction = "response"
	DirectionBroadcast Direction = "broadcast"
	DirectionEvent     Direction = "event"
)

// Envelope limits.
const (
	MinTTLSeconds = 1
	MaxTTLSeconds = 86_400
	MaxHopCount   = 32

	// HopForwardLimit is the hard routing cap: an envelope whose hop count
	// has reached this value is never forwarded further.
	HopForwardLimit = 16
)

// Envelope is the transport-neutral header wrapping a typed payload.
type Envelope struct {
	MessageID       string         `json:"messageId"`
	CorrelationID   string         `json:"correlationId"`
	Timestamp       time.Time      `json:"timestamp"`
	From            AgentIdentity  `json:"from"`
	To              *AgentIdentity `json:"to,omitempty"`
	Direction       Direction      `json:"direction"`
	ProtocolVersion string         `json:"protocolVersion"`
	Signature       string         `json:"signature,omitempty"`
	TTLSeconds      int            `json:"ttlSeconds,omitempty"`
	HopCount        int            `json:"hopCount,omitempty"`
}

// NewEnvelope constructs an envelope with a fresh message ID and the
// current timestamp. An empty correlationID mints a new one.
func NewEnvelope(from AgentIdentity, to *AgentIdentity, direction Direction, correlationID string) Envelope {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return Envelope{
		MessageID:       uuid.New().String(),
		CorrelationID:   correlationID,
		Timestamp:       time.Now().UTC(),
		From:            from,
		To:              to,
		Direction:       direction,
		ProtocolVersion: Version,
	}
}

// Validate checks envelope well-formedness: UUID ids, known direction,
// and TTL / hop-count bounds.
func (e *Envelope) Validate() error {
	if _, err := uuid.Parse(e.MessageID); err != nil {
		return fmt.Errorf("invalid messageId: %w", err)
	}
	if _, err := uuid.Parse(e.CorrelationID); err != nil {
		return fmt.Errorf("invalid correlationId: %w", err)
	}
	switch e.Direction {
	case DirectionRequest, DirectionResponse, DirectionBroadcast, DirectionEvent:
	default:
		return fmt.Errorf("invalid direction: %q", e.Direction)
	}
	if e.TTLSeconds != 0 && (e.TTLSeconds < MinTTLSeconds || e.TTLSeconds > MaxTTLSeconds) {
		return fmt.Errorf("ttlSeconds %d out of range [%d, %d]", e.TTLSeconds, MinTTLSeconds, MaxTTLSeconds)
	}
	if e.HopCount < 0 || e.HopCount > MaxHopCount {
		return fmt.Errorf("hopCount %d out of range [0, %d]", e.HopCount, MaxHopCount)
	}
	return nil
}

// Expired reports whether the envelope's TTL has lapsed at the given time.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(e.TTLSeconds)*time.Second
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() Envelope {
	clone := *e
	if e.To != nil {
		to := *e.To
		clone.To = &to
	}
	return clone
}

// Message pairs an envelope with its decoded payload.
type Message struct {
	Envelope Envelope `json:"envelope"`
	Payload  Payload  `json:"payload"`
}

// UnmarshalJSON decodes the payload by its "type" discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Envelope Envelope        `json:"envelope"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Payload)
	if err != nil {
		return err
	}
	m.Envelope = raw.Envelope
	m.Payload = payload
	return nil
}
