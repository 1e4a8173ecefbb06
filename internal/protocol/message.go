// Package protocol defines the JTAG wire protocol: the universal message
// envelope exchanged between the server, browser pages, and CLI processes.
//
// Every in-flight object is an Envelope of one of three kinds:
//   - request: carries an endpoint and expects exactly one correlated response
//   - response: carries a correlationId referring to the originating request
//   - event: carries an endpoint, fan-out delivery, no correlation
//
// Envelopes are plain JSON on the wire, one envelope per WebSocket frame or
// HTTP body. Binary payloads are base64-encoded inside the payload field.
//
// Envelope invariants (enforced by the constructors and Validate):
//   - kind=response implies correlationId present and endpoint absent
//   - kind=request implies endpoint present and correlationId absent
//   - kind=event implies endpoint present, no correlation is tracked
//
// Message flow:
//  1. Caller builds a request via NewRequest
//  2. Router dispatches locally or forwards over a transport
//  3. Handler result is wrapped via NewResponse / NewErrorResponse
//  4. Response travels the reverse path and resolves the caller's correlation
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three envelope flavors.
type Kind string

const (
	// KindRequest expects exactly one correlated response.
	KindRequest Kind = "request"

	// KindResponse answers a request, matched by correlationId.
	KindResponse Kind = "response"

	// KindEvent is delivered to every matching subscriber, uncorrelated.
	KindEvent Kind = "event"
)

// Environment tags where a participant runs.
type Environment string

const (
	EnvServer  Environment = "server"
	EnvBrowser Environment = "browser"
	EnvRemote  Environment = "remote"
)

// Target hints where a message should be dispatched. The router may
// override the hint when a local terminal subscriber exists.
type Target string

const (
	TargetServer  Target = "server"
	TargetBrowser Target = "browser"
	TargetAny     Target = "any"
)

// Priority orders eviction inside bounded outbound queues. Within a
// priority class delivery stays FIFO.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps a priority to its eviction weight. Higher outranks lower.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Outranks reports whether p strictly outranks q for queue eviction.
func (p Priority) Outranks(q Priority) bool {
	return p.rank() > q.rank()
}

// Context identifies the origin of a message.
//
// UniqueID persists across reconnects of the same participant; SessionID is
// scoped to a single connection lifetime. Annotations are free-form and
// opaque to the fabric.
type Context struct {
	UniqueID    string            `json:"uniqueId"`
	Environment Environment       `json:"environment"`
	SessionID   string            `json:"sessionId,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Envelope is the wire-level object carrying a message. Field semantics
// follow the kind invariants documented on the package.
type Envelope struct {
	// MessageID is unique per message. Responses to a request reference it
	// through CorrelationID.
	MessageID string `json:"messageId"`

	// Kind is one of request, response, event.
	Kind Kind `json:"kind"`

	// Endpoint is the routing key, "domain/command" or "domain/sub/command".
	// Absent on responses.
	Endpoint string `json:"endpoint,omitempty"`

	// CorrelationID is the MessageID of the originating request.
	// Present only on responses.
	CorrelationID string `json:"correlationId,omitempty"`

	// Origin identifies the sender.
	Origin Context `json:"origin"`

	// Target hints the destination environment.
	Target Target `json:"target,omitempty"`

	// Priority defaults to normal when absent.
	Priority Priority `json:"priority,omitempty"`

	// CreatedAt is a unix-millisecond timestamp. Excluded from Hash so
	// retransmissions dedupe.
	CreatedAt int64 `json:"createdAt"`

	// Hash is the content digest over (endpoint, payload, origin.uniqueId).
	Hash string `json:"hash,omitempty"`

	// Payload is opaque to the fabric.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EffectivePriority returns the envelope priority, defaulting to normal.
func (e *Envelope) EffectivePriority() Priority {
	switch e.Priority {
	case PriorityHigh, PriorityLow:
		return e.Priority
	default:
		return PriorityNormal
	}
}

// IsRequest reports kind == request.
func (e *Envelope) IsRequest() bool { return e.Kind == KindRequest }

// IsResponse reports kind == response.
func (e *Envelope) IsResponse() bool { return e.Kind == KindResponse }

// IsEvent reports kind == event.
func (e *Envelope) IsEvent() bool { return e.Kind == KindEvent }

// NewRequest builds a request envelope. The payload may be nil, a
// json.RawMessage, or any JSON-marshalable value.
func NewRequest(endpoint string, origin Context, target Target, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, InvalidMessage(fmt.Sprintf("request payload not marshalable: %v", err))
	}
	env := &Envelope{
		MessageID: uuid.NewString(),
		Kind:      KindRequest,
		Endpoint:  endpoint,
		Origin:    origin,
		Target:    target,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
	}
	env.Hash = ContentHash(env)
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// NewEvent builds an event envelope.
func NewEvent(endpoint string, origin Context, target Target, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, InvalidMessage(fmt.Sprintf("event payload not marshalable: %v", err))
	}
	env := &Envelope{
		MessageID: uuid.NewString(),
		Kind:      KindEvent,
		Endpoint:  endpoint,
		Origin:    origin,
		Target:    target,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UnixMilli(),
		Payload:   raw,
	}
	env.Hash = ContentHash(env)
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// NewResponse builds the response to req with the given result payload.
// Fails with InvalidMessage when req is not a request.
func NewResponse(req *Envelope, origin Context, payload any) (*Envelope, error) {
	if req == nil || !req.IsRequest() || req.MessageID == "" {
		return nil, InvalidMessage("response requires an originating request")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, InvalidMessage(fmt.Sprintf("response payload not marshalable: %v", err))
	}
	return &Envelope{
		MessageID:     uuid.NewString(),
		Kind:          KindResponse,
		CorrelationID: req.MessageID,
		Origin:        origin,
		Priority:      req.EffectivePriority(),
		CreatedAt:     time.Now().UnixMilli(),
		Payload:       raw,
	}, nil
}

// NewErrorResponse builds the error response to req. The error payload is
// `{"error": {code, message, detail}}` and survives the wire verbatim.
func NewErrorResponse(req *Envelope, origin Context, ferr *Error) (*Envelope, error) {
	if ferr == nil {
		ferr = Remote("handler failed", nil)
	}
	return NewResponse(req, origin, errorPayload{Error: ferr})
}

// errorPayload is the on-wire shape of a failed response.
type errorPayload struct {
	Error *Error `json:"error"`
}

// ResponseError extracts a fabric error from a response payload.
// Returns nil when the payload does not carry one.
func ResponseError(payload json.RawMessage) *Error {
	if len(payload) == 0 {
		return nil
	}
	var wrapped errorPayload
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil
	}
	if wrapped.Error == nil || wrapped.Error.Code == "" {
		return nil
	}
	return wrapped.Error
}

// UnwrapResult strips legacy commandResult wrappers from a response
// payload. Older callers wrapped handler results as {"commandResult": ...};
// the fabric flattens them so callers always see the bare result.
func UnwrapResult(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var wrapped struct {
		CommandResult json.RawMessage `json:"commandResult"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return payload
	}
	if len(wrapped.CommandResult) == 0 {
		return payload
	}
	// Flatten recursively: legacy layers were known to nest.
	return UnwrapResult(wrapped.CommandResult)
}

// Validate checks the kind invariants. It returns an InvalidMessage error
// describing the first violation, or nil.
func Validate(e *Envelope) error {
	if e == nil {
		return InvalidMessage("nil envelope")
	}
	if e.MessageID == "" {
		return InvalidMessage("missing messageId")
	}
	switch e.Kind {
	case KindRequest:
		if e.Endpoint == "" {
			return InvalidMessage("request requires endpoint")
		}
		if e.CorrelationID != "" {
			return InvalidMessage("request must not carry correlationId")
		}
	case KindResponse:
		if e.CorrelationID == "" {
			return InvalidMessage("response requires correlationId")
		}
		if e.Endpoint != "" {
			return InvalidMessage("response must not carry endpoint")
		}
	case KindEvent:
		if e.Endpoint == "" {
			return InvalidMessage("event requires endpoint")
		}
	default:
		return InvalidMessage(fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if e.Origin.UniqueID == "" {
		return InvalidMessage("missing origin.uniqueId")
	}
	return nil
}

// Encode serializes one envelope as a single JSON frame.
func Encode(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, InvalidMessage(fmt.Sprintf("envelope not marshalable: %v", err))
	}
	return data, nil
}

// Decode parses one JSON frame into an envelope and validates it.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, InvalidMessage(fmt.Sprintf("malformed frame: %v", err))
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
