package mqtt

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
)

// MQTT 3.1.1 has no message properties, so every payload is framed:
//
//	'G' | version | uvarint(len(header)) | header JSON | body
const (
	frameMagic   byte = 'G'
	frameVersion byte = 1
)

// properties is the frame header.
type properties struct {
	MessageID          string         `json:"message_id,omitempty"`
	CorrelationID      string         `json:"correlation_id,omitempty"`
	ReplyCorrelationID string         `json:"reply_correlation_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	ContentType        string         `json:"content_type,omitempty"`
	ContentEncoding    string         `json:"content_encoding,omitempty"`
	Timestamp          int64          `json:"timestamp,omitempty"`
	Headers            map[string]any `json:"headers,omitempty"`
}

func encodeFrame(msg broker.Message) ([]byte, error) {
	props := properties{
		MessageID:          msg.MessageID,
		CorrelationID:      msg.CorrelationID,
		ReplyCorrelationID: msg.ReplyCorrelationID,
		UserID:             msg.UserID,
		ContentType:        msg.ContentType,
		ContentEncoding:    msg.ContentEncoding,
		Headers:            msg.Headers,
	}
	if !msg.Timestamp.IsZero() {
		props.Timestamp = msg.Timestamp.UnixMilli()
	}
	header, err := sonic.ConfigStd.Marshal(&props)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame header: %w", err)
	}

	out := make([]byte, 0, 2+binary.MaxVarintLen64+len(header)+len(msg.Body))
	out = append(out, frameMagic, frameVersion)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, msg.Body...)
	return out, nil
}

func decodeFrame(topic string, payload []byte) (broker.Message, error) {
	if len(payload) < 3 || payload[0] != frameMagic {
		return broker.Message{}, fmt.Errorf("%w: missing magic", ErrBadFrame)
	}
	if payload[1] != frameVersion {
		return broker.Message{}, fmt.Errorf("%w: unsupported version %d", ErrBadFrame, payload[1])
	}
	n, read := binary.Uvarint(payload[2:])
	if read <= 0 {
		return broker.Message{}, fmt.Errorf("%w: bad header length", ErrBadFrame)
	}
	start := 2 + read
	if n > uint64(len(payload)-start) {
		return broker.Message{}, fmt.Errorf("%w: header length %d exceeds payload", ErrBadFrame, n)
	}
	end := start + int(n)

	var props properties
	if err := sonic.ConfigStd.Unmarshal(payload[start:end], &props); err != nil {
		return broker.Message{}, fmt.Errorf("%w: %w", ErrBadFrame, err)
	}

	msg := broker.Message{
		RoutingKey:         topic,
		Body:               payload[end:],
		ContentType:        props.ContentType,
		ContentEncoding:    props.ContentEncoding,
		MessageID:          props.MessageID,
		UserID:             props.UserID,
		CorrelationID:      props.CorrelationID,
		ReplyCorrelationID: props.ReplyCorrelationID,
		Headers:            props.Headers,
	}
	if props.Timestamp != 0 {
		msg.Timestamp = time.UnixMilli(props.Timestamp)
	}
	return msg, nil
}
