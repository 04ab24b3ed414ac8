// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package bus carries the registry's message contract: a JSON envelope
// with a type discriminator, a handler dispatcher keyed on that type, and
// a Redis pub/sub transport. Payload shapes live in registry/structs;
// this package only moves and decodes them.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fulcrumnet/fulcrum-registry/helper/uuid"
)

// EnvelopeVersion is the wire version stamped on every outbound message.
const EnvelopeVersion = 1

// Envelope is the wire frame around every bus message. TargetID empty
// means broadcast; consumers on a shared channel filter on it themselves.
type Envelope struct {
	Type          string          `json:"type"`
	SenderID      string          `json:"senderId"`
	TargetID      string          `json:"targetId,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for sending. A fresh correlation id is
// minted; use WithCorrelation to reply on an existing one.
func NewEnvelope(msgType, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return &Envelope{
		Type:          msgType,
		SenderID:      senderID,
		CorrelationID: uuid.Generate(),
		Timestamp:     time.Now().UTC(),
		Version:       EnvelopeVersion,
		Payload:       raw,
	}, nil
}

// WithTarget sets the target service and returns the envelope.
func (e *Envelope) WithTarget(targetID string) *Envelope {
	e.TargetID = targetID
	return e
}

// WithCorrelation overrides the correlation id, correlating a reply with
// its request.
func (e *Envelope) WithCorrelation(correlationID string) *Envelope {
	e.CorrelationID = correlationID
	return e
}

// Validate checks the frame fields every inbound envelope must carry.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if e.SenderID == "" {
		return fmt.Errorf("envelope missing sender")
	}
	if e.Version != EnvelopeVersion {
		return fmt.Errorf("envelope version %d not supported", e.Version)
	}
	return nil
}

// Decode unmarshals the payload into out after checking the envelope
// carries the expected type; mismatches are rejected before any decoding
// happens.
func (e *Envelope) Decode(expectType string, out any) error {
	if e.Type != expectType {
		return fmt.Errorf("envelope type %q, want %q", e.Type, expectType)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Encode renders the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame and validates it.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
