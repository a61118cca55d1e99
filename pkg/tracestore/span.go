package tracestore

import (
	"errors"
	"time"
)

// SpanKind classifies the execution unit a span records.
type SpanKind string

const (
	KindTurn         SpanKind = "TURN"
	KindModelCall    SpanKind = "MODEL_CALL"
	KindToolCall     SpanKind = "TOOL_CALL"
	KindVerification SpanKind = "VERIFICATION"
	KindPolicy       SpanKind = "POLICY"
)

// SpanStatus is the lifecycle state of a span. Spans are recorded
// PENDING and sealed exactly once to OK or ERROR.
type SpanStatus string

const (
	StatusPending SpanStatus = "PENDING"
	StatusOK      SpanStatus = "OK"
	StatusError   SpanStatus = "ERROR"
)

var (
	// ErrSpanNotFound is returned when no span matches the lookup.
	ErrSpanNotFound = errors.New("span not found")

	// ErrSpanSealed is returned when sealing an already sealed span.
	ErrSpanSealed = errors.New("span already sealed")

	// ErrArtifactNotFound is returned when no blob matches the hash.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Span is one recorded execution unit. Parent linkage forms the call
// tree for a trace; sealed spans are immutable.
type Span struct {
	SpanID       string                 `json:"span_id"`
	TraceID      string                 `json:"trace_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Kind         SpanKind               `json:"kind"`
	Name         string                 `json:"name"`
	ActorID      string                 `json:"actor_id,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`
	Status       SpanStatus             `json:"status"`
	ErrorDetail  string                 `json:"error_detail,omitempty"`
	InputHash    string                 `json:"input_hash,omitempty"`
	OutputHash   string                 `json:"output_hash,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
}

// Sealed reports whether the span has reached a terminal status.
func (s Span) Sealed() bool {
	return s.Status == StatusOK || s.Status == StatusError
}

// Duration returns the sealed span's wall time, zero while pending.
func (s Span) Duration() time.Duration {
	if !s.Sealed() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Seal carries the terminal state applied when a span ends. ERROR
// status requires a non-empty detail; hashes link the span to artifact
// store blobs.
type Seal struct {
	Status      SpanStatus
	ErrorDetail string
	InputHash   string
	OutputHash  string
}

// OKSeal builds the plain success seal.
func OKSeal() Seal {
	return Seal{Status: StatusOK}
}

// ErrorSeal builds an error seal from err.
func ErrorSeal(err error) Seal {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return Seal{Status: StatusError, ErrorDetail: detail}
}
