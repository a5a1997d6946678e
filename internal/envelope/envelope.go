// Package envelope implements the line-delimited JSON wire protocol spoken
// between the supervisor and its worker subprocess: one envelope per line,
// UTF-8, newline-terminated.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProtocolVersion is the only wire version this codec accepts.
const ProtocolVersion = "1.0"

// Kind discriminates the role an envelope plays on the wire.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindAck     Kind = "ack"
	KindError   Kind = "error"
)

// Valid reports whether k is one of the recognized wire kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindEvent, KindAck, KindError:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalid marks a structurally invalid envelope (missing required field).
	ErrInvalid = errors.New("envelope: invalid envelope")
	// ErrMalformedFrame marks a line that could not be parsed as an envelope.
	ErrMalformedFrame = errors.New("envelope: malformed frame")
)

// Envelope is the self-describing JSON object that wraps every message on
// the wire between supervisor and worker.
type Envelope struct {
	V       string          `json:"v"`
	Kind    Kind            `json:"kind"`
	Event   string          `json:"event"`
	MsgID   string          `json:"msg_id"`
	TraceID string          `json:"trace_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a freshly minted msg_id and trace_id and the
// given payload marshaled to JSON. Use NewWithTrace to correlate a reply
// with a caller-supplied trace id.
func New(kind Kind, event string, payload any) (Envelope, error) {
	return NewWithTrace(kind, event, uuid.NewString(), payload)
}

// NewWithTrace builds an envelope like New but with an explicit trace id,
// for callers that need to correlate a command with its eventual reply.
func NewWithTrace(kind Kind, event, traceID string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload for %q: %w", event, err)
	}
	return Envelope{
		V:       ProtocolVersion,
		Kind:    kind,
		Event:   event,
		MsgID:   uuid.NewString(),
		TraceID: traceID,
		Payload: raw,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// Validate reports whether the envelope carries the required wire fields.
func (e Envelope) Validate() error {
	if e.V == "" {
		return fmt.Errorf("%w: missing protocol version", ErrInvalid)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, e.Kind)
	}
	if e.Event == "" {
		return fmt.Errorf("%w: missing event name", ErrInvalid)
	}
	if e.MsgID == "" {
		return fmt.Errorf("%w: missing msg_id", ErrInvalid)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope: empty payload for %q", e.Event)
	}
	return json.Unmarshal(e.Payload, v)
}

// Encode serializes env as one JSON object followed by a single '\n'.
// A payload that is not JSON-serializable is already rejected by New; Encode
// fails if the envelope itself cannot be marshaled, e.g. when Payload holds
// raw bytes that are not valid JSON.
func Encode(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return append(payload, '\n'), nil
}

// EncodeAll encodes a sequence of envelopes into one buffer, in order.
func EncodeAll(envs []Envelope) ([]byte, error) {
	var buf bytes.Buffer
	for i, env := range envs {
		line, err := Encode(env)
		if err != nil {
			return nil, fmt.Errorf("envelope: encode frame %d: %w", i, err)
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

// DecodeFrames splits buffer on '\n', trims whitespace from each line,
// skips empty lines, and parses each remaining line as a single envelope.
// It fails on the first malformed line, returning the envelopes decoded so
// far alongside the error so a caller can dispatch what parsed cleanly
// before the fault (the event listener in internal/supervisor relies on
// this to drain as much of a partial read as possible before aborting).
func DecodeFrames(buffer []byte) ([]Envelope, error) {
	lines := strings.Split(string(buffer), "\n")
	envs := make([]Envelope, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return envs, fmt.Errorf("%w: line %d: %w", ErrMalformedFrame, i+1, err)
		}
		if err := env.Validate(); err != nil {
			return envs, fmt.Errorf("%w: line %d: %w", ErrMalformedFrame, i+1, err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}
