// Package decoder turns raw inbound notification payloads into normalized
// bounce events. It is deliberately tolerant: the upstream transport delivers
// the inner Message as a structured object, a JSON-encoded string, or a
// twice-encoded string, and sometimes posts near-JSON under text/plain.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"time"

	"bounce-sentinel-go/internal/model"
)

var (
	ErrUnsupportedMediaType   = errors.New("unsupported media type")
	ErrMalformedPayload       = errors.New("malformed payload")
	ErrMalformedMessage       = errors.New("malformed message")
	ErrInvalidBounceStructure = errors.New("invalid bounce structure")
)

// MessageError wraps ErrMalformedMessage and keeps the raw Message content
// for diagnostics.
type MessageError struct {
	Raw string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("malformed message: %q", e.Raw)
}

func (e *MessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// messageStrategy is one attempt at decoding the raw Message field. The
// strategies form an ordered tolerance layer; the first success wins.
type messageStrategy struct {
	name   string
	decode func(raw []byte) (*model.SESMessage, error)
}

var messageStrategies = []messageStrategy{
	{"structured", decodeStructured},
	{"single-encoded", decodeSingleEncoded},
	{"unescaped", decodeUnescaped},
	{"double-encoded", decodeDoubleEncoded},
}

// bareKeyPattern matches unquoted object keys in near-JSON plain-text
// payloads, e.g. `{Type: "Notification"}`.
var bareKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)

// Decoder parses notification envelopes. It is stateless and safe for
// concurrent use.
type Decoder struct{}

func New() *Decoder {
	return &Decoder{}
}

// Decode parses a raw request body into a normalized BounceEvent.
// A nil event with a nil error means the notification was understood but is
// outside persistence scope (complaints, unknown kinds) and must be
// acknowledged without recording anything.
func (d *Decoder) Decode(rawBody []byte, contentType string) (*model.BounceEvent, error) {
	env, err := d.ParseEnvelope(rawBody, contentType)
	if err != nil {
		return nil, err
	}
	return d.DecodeEnvelope(env)
}

// ParseEnvelope parses the outer notification envelope, applying plain-text
// normalization when the payload is not declared as JSON.
func (d *Decoder) ParseEnvelope(rawBody []byte, contentType string) (*model.Envelope, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}

	var body []byte
	switch mediaType {
	case "application/json":
		body = rawBody
	case "text/plain":
		body = normalizePlainText(rawBody)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, contentType)
	}

	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &env, nil
}

// DecodeEnvelope decodes the inner Message of a parsed envelope.
func (d *Decoder) DecodeEnvelope(env *model.Envelope) (*model.BounceEvent, error) {
	if env.Type == "SubscriptionConfirmation" {
		return &model.BounceEvent{
			Kind:         model.KindSubscriptionConfirmation,
			SubscribeURL: env.SubscribeURL,
		}, nil
	}

	// An envelope without a Message carries nothing to decode.
	raw := []byte(env.Message)
	if len(raw) == 0 {
		return nil, &MessageError{Raw: ""}
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, err
	}

	switch msg.NotificationType {
	case "Bounce":
		return bounceEventFrom(msg)
	default:
		// Complaints, typeless messages, and unknown kinds are acknowledged
		// but not persisted.
		return nil, nil
	}
}

// decodeMessage runs the ordered strategy list over the raw Message bytes.
// A strategy that parses with a notification type wins outright; a strategy
// that parses without one is kept as a fallback so later strategies get a
// chance to recover the type from a deeper encoding layer. Only inputs no
// strategy can parse at all are malformed.
func decodeMessage(raw []byte) (*model.SESMessage, error) {
	var untyped *model.SESMessage
	for _, strategy := range messageStrategies {
		msg, err := strategy.decode(raw)
		if err != nil {
			continue
		}
		if msg.NotificationType != "" {
			return msg, nil
		}
		if untyped == nil {
			untyped = msg
		}
	}
	if untyped != nil {
		return untyped, nil
	}
	return nil, &MessageError{Raw: string(raw)}
}

// decodeStructured treats the Message as an already-structured JSON object.
func decodeStructured(raw []byte) (*model.SESMessage, error) {
	var msg model.SESMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// decodeSingleEncoded parses the Message as a JSON string holding the
// serialized payload.
func decodeSingleEncoded(raw []byte) (*model.SESMessage, error) {
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, err
	}
	return decodeStructured([]byte(inner))
}

// decodeUnescaped strips one layer of backslash-escaping and surrounding
// quotes by hand. Some upstream rewraps produce strings that are escaped
// but not valid JSON string literals, which the single-encoded strategy
// cannot handle.
func decodeUnescaped(raw []byte) (*model.SESMessage, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return decodeStructured([]byte(s))
}

// decodeDoubleEncoded parses the Message as a JSON string whose content is
// itself a JSON string holding the serialized payload.
func decodeDoubleEncoded(raw []byte) (*model.SESMessage, error) {
	var outer string
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, err
	}
	var inner string
	if err := json.Unmarshal([]byte(outer), &inner); err != nil {
		return nil, err
	}
	return decodeStructured([]byte(inner))
}

// bounceEventFrom validates and normalizes a decoded bounce message.
func bounceEventFrom(msg *model.SESMessage) (*model.BounceEvent, error) {
	if len(msg.Bounce.BouncedRecipients) == 0 {
		return nil, fmt.Errorf("%w: no bounced recipients", ErrInvalidBounceStructure)
	}
	if msg.Mail.Source == "" && msg.Mail.Timestamp == "" {
		return nil, fmt.Errorf("%w: missing mail information", ErrInvalidBounceStructure)
	}

	ts, err := eventTimestamp(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBounceStructure, err)
	}

	recipients := make([]model.Recipient, 0, len(msg.Bounce.BouncedRecipients))
	for _, r := range msg.Bounce.BouncedRecipients {
		recipients = append(recipients, model.Recipient{
			EmailAddress:   r.EmailAddress,
			DiagnosticCode: r.DiagnosticCode,
		})
	}

	return &model.BounceEvent{
		Kind:           model.KindBounce,
		BounceType:     msg.Bounce.BounceType,
		BounceSubType:  msg.Bounce.BounceSubType,
		ReportingAgent: msg.Bounce.ReportingMTA,
		FeedbackID:     msg.Bounce.FeedbackID,
		Timestamp:      ts,
		SourceEmail:    msg.Mail.Source,
		SourceIP:       msg.Mail.SourceIP,
		Recipients:     recipients,
	}, nil
}

// eventTimestamp picks the bounce timestamp, falling back to the mail
// timestamp. The timestamp is source truth for all windowing, so a bounce
// without a parseable instant is structurally invalid.
func eventTimestamp(msg *model.SESMessage) (time.Time, error) {
	for _, candidate := range []string{msg.Bounce.Timestamp, msg.Mail.Timestamp} {
		if candidate == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, candidate); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("no parseable timestamp")
}

// normalizePlainText converts near-JSON plain text into parseable JSON:
// single quotes become double quotes and bare object keys get quoted.
func normalizePlainText(raw []byte) []byte {
	s := strings.ReplaceAll(string(raw), "'", `"`)
	s = bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
	return []byte(s)
}
