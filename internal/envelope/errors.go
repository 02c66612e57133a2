package envelope

import "errors"

// Sentinel errors for envelope operations.
var (
	// ErrInvalidTopic is returned when a topic does not follow the
	// ybo_gw / ybo_req / to_yombo grammar.
	ErrInvalidTopic = errors.New("envelope: invalid topic")

	// ErrMalformed is returned when the wire record cannot be parsed or is
	// missing required fields.
	ErrMalformed = errors.New("envelope: malformed record")

	// ErrChecksum is returned when the payload hash does not match.
	ErrChecksum = errors.New("envelope: checksum mismatch")

	// ErrTopicMismatch is returned when the record's source or destination
	// disagrees with the topic it arrived on.
	ErrTopicMismatch = errors.New("envelope: record does not match topic")

	// ErrUnsupportedEncoding is returned for unknown content encodings.
	ErrUnsupportedEncoding = errors.New("envelope: unsupported content encoding")

	// ErrNoCipher is returned when an encrypted record arrives but the codec
	// has no cipher configured.
	ErrNoCipher = errors.New("envelope: encrypted payload but no cipher configured")

	// ErrPayloadTooLarge is returned when a decompressed payload exceeds the
	// codec's limit.
	ErrPayloadTooLarge = errors.New("envelope: payload too large")
)
