package envelope

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// MessageType distinguishes data from requests.
type MessageType string

const (
	MessageData    MessageType = "data"
	MessageRequest MessageType = "request"
)

// Prefix returns the topic prefix messages of this type travel on.
func (m MessageType) Prefix() Prefix {
	if m == MessageRequest {
		return PrefixRequest
	}
	return PrefixData
}

// ComponentType selects the handler family on the receiving gateway.
type ComponentType string

const (
	ComponentLib    ComponentType = "lib"
	ComponentModule ComponentType = "module"
	ComponentSystem ComponentType = "system"
)

// Valid reports whether c is a known component type.
func (c ComponentType) Valid() bool {
	switch c {
	case ComponentLib, ComponentModule, ComponentSystem:
		return true
	}
	return false
}

// Content encodings. Encrypted payloads append EncryptionSuffix.
const (
	EncodingIdentity = "identity"
	EncodingZstd     = "zstd"
	EncryptionSuffix = "+aesgcm"
)

// Envelope is one gateway-to-gateway message. Treat it as immutable once
// built; Reply and the codec return copies.
type Envelope struct {
	MessageType   MessageType
	SourceID      string
	DestinationID string
	ComponentType ComponentType
	ComponentName string
	SubPath       string

	// Payload is the JSON-encoded payload.
	Payload []byte

	MessageID     string
	CorrelationID string
	ReplyToID     string

	CreatedAt  time.Time
	ReceivedAt time.Time

	// ContentEncoding is set by the codec on encode and decode.
	ContentEncoding string
}

// New builds an envelope with a fresh message id, marshalling payload to
// JSON. A nil payload encodes as JSON null.
func New(mt MessageType, source, destination string, ct ComponentType, name string, payload any) (Envelope, error) {
	if !ct.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown component type %q", ErrMalformed, ct)
	}
	if source == "" || destination == "" || name == "" {
		return Envelope{}, fmt.Errorf("%w: source, destination and component name are required", ErrMalformed)
	}
	raw, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshalling payload: %w", err)
	}
	return Envelope{
		MessageType:   mt,
		SourceID:      source,
		DestinationID: destination,
		ComponentType: ct,
		ComponentName: name,
		Payload:       raw,
		MessageID:     NewID(),
		CreatedAt:     time.Now(),
	}, nil
}

// Topic returns the topic this envelope is published on.
func (e Envelope) Topic() Topic {
	return Topic{
		Prefix:        e.MessageType.Prefix(),
		Source:        e.SourceID,
		Destination:   e.DestinationID,
		ComponentType: e.ComponentType,
		ComponentName: e.ComponentName,
		SubPath:       e.SubPath,
	}
}

// Reply builds a data envelope addressed back to e's sender, linked to it
// by ReplyToID.
func (e Envelope) Reply(source, name string, payload any) (Envelope, error) {
	r, err := New(MessageData, source, e.SourceID, e.ComponentType, name, payload)
	if err != nil {
		return Envelope{}, err
	}
	r.ReplyToID = e.MessageID
	r.CorrelationID = e.CorrelationID
	return r, nil
}

// DecodePayload unmarshals the JSON payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := sonic.ConfigStd.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: payload: %w", ErrMalformed, err)
	}
	return nil
}

// IsReply reports whether e answers an earlier request.
func (e Envelope) IsReply() bool { return e.ReplyToID != "" }
