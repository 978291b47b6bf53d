package taskmesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Supported AIP protocol versions. AIP/2.0 peers may additionally exchange
// snappy-compressed binary frames; the envelope schema is identical.
const (
	ProtocolV1 = "AIP/1.0"
	ProtocolV2 = "AIP/2.0"
)

// CoordinatorID is the well-known envelope address of the coordinator.
const CoordinatorID = "coordinator"

// MessageType identifies the kind of an AIP envelope. The set is closed;
// handlers are resolved through a lookup table keyed by this type.
type MessageType string

const (
	MessageRegister  MessageType = "register"
	MessageHeartbeat MessageType = "heartbeat"
	MessageCommand   MessageType = "command"
	MessageResponse  MessageType = "response"
	MessageStatus    MessageType = "status"
)

// ValidMessageType reports whether t is a known message kind.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageRegister, MessageHeartbeat, MessageCommand, MessageResponse, MessageStatus:
		return true
	}
	return false
}

// Envelope is the AIP wire message. The payload is opaque to the envelope and
// decoded per message type; unknown extra fields inside it are preserved.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id and the payload
// marshaled in place.
func NewEnvelope(protocol, from, to string, typ MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope payload: %w", err)
	}
	return &Envelope{
		Protocol:  protocol,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   raw,
	}, nil
}

// Validate rejects envelopes missing any required field before they reach a
// handler. Boundary validation never mutates shared state.
func (e *Envelope) Validate() error {
	switch {
	case e.Protocol == "":
		return newProtocolError("protocol", "missing field")
	case e.Protocol != ProtocolV1 && e.Protocol != ProtocolV2:
		return newProtocolError("protocol", fmt.Sprintf("unsupported version %q", e.Protocol))
	case e.MessageID == "":
		return newProtocolError("message_id", "missing field")
	case e.Timestamp.IsZero():
		return newProtocolError("timestamp", "missing field")
	case e.From == "":
		return newProtocolError("from", "missing field")
	case e.To == "":
		return newProtocolError("to", "missing field")
	case e.Type == "":
		return newProtocolError("type", "missing field")
	case !ValidMessageType(e.Type):
		return newProtocolError("type", fmt.Sprintf("unknown message type %q", e.Type))
	}
	return nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return newProtocolError("payload", "missing payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return newProtocolError("payload", err.Error())
	}
	return nil
}

// RegisterPayload announces a device and its capability set.
type RegisterPayload struct {
	DeviceID     string              `json:"device_id"`
	DeviceType   DeviceType          `json:"device_type"`
	Name         string              `json:"name,omitempty"`
	Capabilities []Capability        `json:"capabilities"`
	Constraints  ResourceConstraints `json:"constraints,omitempty"`
	Metadata     map[string]string   `json:"metadata,omitempty"`
}

// HeartbeatPayload reports device liveness and its current vector clock.
type HeartbeatPayload struct {
	DeviceID string            `json:"device_id"`
	State    DeviceState       `json:"state,omitempty"`
	Load     int               `json:"load,omitempty"`
	Clock    map[string]uint64 `json:"clock,omitempty"`
}

// CommandPayload carries a task action to a device.
type CommandPayload struct {
	TaskID     string         `json:"task_id,omitempty"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeoutMs  int64          `json:"timeout_ms,omitempty"`
}

// ResponsePayload carries the outcome of a command back to its sender.
type ResponsePayload struct {
	TaskID  string            `json:"task_id,omitempty"`
	Success bool              `json:"success"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
	Clock   map[string]uint64 `json:"clock,omitempty"`
}

// StatusPayload is a coordinator snapshot answered to status requests.
type StatusPayload struct {
	Devices []Device         `json:"devices,omitempty"`
	Stats   CoordinatorStats `json:"stats"`
}

// Frame encoding. Text frames hold plain envelope JSON; AIP/2.0 peers may use
// binary frames holding snappy-compressed envelope JSON instead.

// EncodeFrame serializes an envelope, compressing when asked.
func EncodeFrame(e *Envelope, compress bool) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if compress {
		return snappy.Encode(nil, data), nil
	}
	return data, nil
}

// DecodeFrame parses an envelope from a wire frame.
func DecodeFrame(data []byte, compressed bool) (*Envelope, error) {
	if compressed {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, newProtocolError("", "snappy frame: "+err.Error())
		}
		data = decoded
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, newProtocolError("", "malformed envelope: "+err.Error())
	}
	return &e, nil
}
