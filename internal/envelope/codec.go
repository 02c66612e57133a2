package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionThreshold is the payload size above which payloads
	// are zstd-compressed.
	DefaultCompressionThreshold = 800

	// DefaultMaxPayloadSize bounds decompressed payloads.
	DefaultMaxPayloadSize = 16 << 20

	// ProtocolVersion is written into every record.
	ProtocolVersion = 3
)

// Cipher encrypts payload bytes. Implementations must be safe for
// concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Config configures a Codec.
type Config struct {
	// CompressionThreshold: 0 means DefaultCompressionThreshold, negative
	// disables compression.
	CompressionThreshold int

	// MaxPayloadSize: 0 means DefaultMaxPayloadSize.
	MaxPayloadSize int

	// Cipher encrypts payloads when set.
	Cipher Cipher
}

// record is the wire form of an Envelope.
type record struct {
	Payload         []byte `json:"payload"`
	TimeSent        int64  `json:"time_sent"`
	SourceID        string `json:"source_id"`
	DestinationID   string `json:"destination_id"`
	MessageID       string `json:"message_id"`
	MessageType     string `json:"message_type"`
	ComponentType   string `json:"component_type"`
	ComponentName   string `json:"component_name"`
	SubPath         string `json:"sub_path,omitempty"`
	ContentEncoding string `json:"content_encoding"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
	Hash            string `json:"hash"`
}

// Codec converts envelopes to and from their wire form.
//
// Thread Safety:
//   - Encode and Decode are safe for concurrent use.
type Codec struct {
	threshold int
	maxSize   int
	cipher    Cipher
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	now       func() time.Time
}

// NewCodec creates a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	threshold := cfg.CompressionThreshold
	if threshold == 0 {
		threshold = DefaultCompressionThreshold
	}
	maxSize := cfg.MaxPayloadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
	if err != nil {
		enc.Close() //nolint:errcheck // Construction failed anyway
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		threshold: threshold,
		maxSize:   maxSize,
		cipher:    cfg.Cipher,
		encoder:   enc,
		decoder:   dec,
		now:       time.Now,
	}, nil
}

// Close releases the zstd decoder's resources.
func (c *Codec) Close() {
	c.decoder.Close()
}

// Encode returns the topic string and wire bytes for env. Missing message
// ids and creation times are filled in.
func (c *Codec) Encode(env Envelope) (string, []byte, error) {
	if env.MessageID == "" {
		env.MessageID = NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = c.now()
	}
	payload := env.Payload
	if payload == nil {
		payload = []byte("null")
	}

	encoding := EncodingIdentity
	if c.threshold > 0 && len(payload) > c.threshold {
		payload = c.encoder.EncodeAll(payload, nil)
		encoding = EncodingZstd
	}
	if c.cipher != nil {
		sealed, err := c.cipher.Encrypt(payload)
		if err != nil {
			return "", nil, fmt.Errorf("encrypting payload: %w", err)
		}
		payload = sealed
		encoding += EncryptionSuffix
	}

	rec := record{
		Payload:         payload,
		TimeSent:        env.CreatedAt.UnixMilli(),
		SourceID:        env.SourceID,
		DestinationID:   env.DestinationID,
		MessageID:       env.MessageID,
		MessageType:     string(env.MessageType),
		ComponentType:   string(env.ComponentType),
		ComponentName:   env.ComponentName,
		SubPath:         env.SubPath,
		ContentEncoding: encoding,
		ReplyToID:       env.ReplyToID,
		CorrelationID:   env.CorrelationID,
		ProtocolVersion: ProtocolVersion,
		Hash:            checksum(payload),
	}
	data, err := sonic.ConfigStd.Marshal(&rec)
	if err != nil {
		return "", nil, fmt.Errorf("marshalling record: %w", err)
	}
	return env.Topic().String(), data, nil
}

// Decode parses wire bytes received on topic. The record must agree with
// the topic's source and destination, and its hash must match.
func (c *Codec) Decode(topic string, data []byte) (Envelope, error) {
	t, err := ParseTopic(topic)
	if err != nil {
		return Envelope{}, err
	}
	if t.Reserved() {
		return Envelope{}, fmt.Errorf("%w: %s is not a gateway topic", ErrInvalidTopic, topic)
	}

	var rec record
	if err := sonic.ConfigStd.Unmarshal(data, &rec); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if rec.SourceID == "" || rec.DestinationID == "" || rec.MessageID == "" || rec.ComponentName == "" {
		return Envelope{}, fmt.Errorf("%w: missing required field", ErrMalformed)
	}
	if rec.SourceID != t.Source || rec.DestinationID != t.Destination {
		return Envelope{}, fmt.Errorf("%w: record %s->%s on topic %s", ErrTopicMismatch, rec.SourceID, rec.DestinationID, topic)
	}
	if rec.ComponentName != t.ComponentName {
		return Envelope{}, fmt.Errorf("%w: component %s on topic %s", ErrTopicMismatch, rec.ComponentName, topic)
	}
	if rec.Hash != checksum(rec.Payload) {
		return Envelope{}, ErrChecksum
	}

	payload, err := c.decodePayload(rec.Payload, rec.ContentEncoding)
	if err != nil {
		return Envelope{}, err
	}

	mt := MessageType(rec.MessageType)
	if mt == "" {
		mt = MessageData
		if t.Prefix == PrefixRequest {
			mt = MessageRequest
		}
	}
	if mt.Prefix() != t.Prefix {
		return Envelope{}, fmt.Errorf("%w: %s message on topic %s", ErrTopicMismatch, mt, topic)
	}

	return Envelope{
		MessageType:     mt,
		SourceID:        rec.SourceID,
		DestinationID:   rec.DestinationID,
		ComponentType:   t.ComponentType,
		ComponentName:   rec.ComponentName,
		SubPath:         rec.SubPath,
		Payload:         payload,
		MessageID:       rec.MessageID,
		CorrelationID:   rec.CorrelationID,
		ReplyToID:       rec.ReplyToID,
		CreatedAt:       time.UnixMilli(rec.TimeSent),
		ReceivedAt:      c.now(),
		ContentEncoding: rec.ContentEncoding,
	}, nil
}

func (c *Codec) decodePayload(payload []byte, encoding string) ([]byte, error) {
	base, encrypted := strings.CutSuffix(encoding, EncryptionSuffix)
	if encrypted {
		if c.cipher == nil {
			return nil, ErrNoCipher
		}
		plain, err := c.cipher.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypting payload: %w", err)
		}
		payload = plain
	}

	switch base {
	case EncodingIdentity, "":
		if len(payload) > c.maxSize {
			return nil, ErrPayloadTooLarge
		}
		return payload, nil
	case EncodingZstd:
		out, err := c.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrMalformed, err)
		}
		if len(out) > c.maxSize {
			return nil, ErrPayloadTooLarge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
