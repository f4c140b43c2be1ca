package message

import (
	"regexp"
	"time"
)

// Request asks another agent to perform an action.
type Request struct {
	Envelope

	// Action names the operation being requested.
	Action string `json:"action"`

	// Payload carries the request data.
	Payload map[string]any `json:"payload,omitempty"`

	// RequiresResponse marks the request as expecting a Response. Such
	// requests must name a recipient.
	RequiresResponse bool `json:"requires_response"`

	// TimeoutSeconds is the response deadline communicated to the handler.
	TimeoutSeconds int64 `json:"timeout"`
}

// NewRequest builds a request expecting a response within the default
// timeout. Use FireAndForget for one-way requests.
func NewRequest(sender, action string, payload map[string]any, opts ...Option) *Request {
	return &Request{
		Envelope:         newEnvelope(TypeRequest, sender, opts...),
		Action:           action,
		Payload:          payload,
		RequiresResponse: true,
		TimeoutSeconds:   DefaultTimeoutSeconds,
	}
}

// FireAndForget marks the request as one-way; no response is expected and
// broadcast delivery becomes valid.
func (r *Request) FireAndForget() *Request {
	r.RequiresResponse = false
	return r
}

// WithTimeout overrides the response deadline in seconds.
func (r *Request) WithTimeout(seconds int64) *Request {
	r.TimeoutSeconds = seconds
	return r
}

// Response answers a prior Request.
type Response struct {
	Envelope

	// RequestID references the request being answered.
	RequestID string `json:"request_id"`

	// StatusCode is an HTTP-style result code between 100 and 599.
	StatusCode int `json:"status_code"`

	// Result carries the response data on success.
	Result map[string]any `json:"result,omitempty"`

	// ErrorInfo carries failure details when the request could not be served.
	ErrorInfo map[string]any `json:"error,omitempty"`

	// ProcessingTimeMs reports how long the handler took.
	ProcessingTimeMs *float64 `json:"processing_time_ms,omitempty"`
}

// NewResponse builds a response referencing a request by id.
func NewResponse(sender, requestID string, statusCode int, result map[string]any, opts ...Option) *Response {
	return &Response{
		Envelope:   newEnvelope(TypeResponse, sender, opts...),
		RequestID:  requestID,
		StatusCode: statusCode,
		Result:     result,
	}
}

// NewResponseTo builds a response addressed back to the request's sender,
// inheriting its correlation id (falling back to the request id).
func NewResponseTo(req *Request, sender string, statusCode int, result map[string]any, opts ...Option) *Response {
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = req.ID
	}
	merged := append([]Option{
		WithRecipient(req.Sender),
		WithCorrelationID(correlation),
	}, opts...)
	return NewResponse(sender, req.ID, statusCode, result, merged...)
}

// WithErrorInfo attaches failure details to the response.
func (r *Response) WithErrorInfo(info map[string]any) *Response {
	r.ErrorInfo = info
	return r
}

// WithProcessingTime records the handler duration.
func (r *Response) WithProcessingTime(d time.Duration) *Response {
	ms := float64(d) / float64(time.Millisecond)
	r.ProcessingTimeMs = &ms
	return r
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Failed reports whether the status code signals an error.
func (r *Response) Failed() bool {
	return r.StatusCode >= 400
}

// ErrorMessage reports a system error or failure.
type ErrorMessage struct {
	Envelope

	// ErrorCode identifies the specific error.
	ErrorCode string `json:"error_code"`

	// ErrorType categorizes the error.
	ErrorType string `json:"error_type,omitempty"`

	// ErrorText is the human-readable description.
	ErrorText string `json:"error_message"`

	// StackTrace is optional debugging detail. Absolute filesystem paths
	// are stripped at attachment time.
	StackTrace string `json:"stack_trace,omitempty"`

	// Context carries additional error context.
	Context map[string]any `json:"context,omitempty"`

	// Recoverable reports whether the reporting component can continue.
	Recoverable bool `json:"recoverable"`
}

// NewErrorMessage builds an error report. Errors are recoverable unless
// marked otherwise.
func NewErrorMessage(sender, errorCode, errorType, text string, opts ...Option) *ErrorMessage {
	return &ErrorMessage{
		Envelope:    newEnvelope(TypeError, sender, opts...),
		ErrorCode:   errorCode,
		ErrorType:   errorType,
		ErrorText:   text,
		Recoverable: true,
	}
}

// WithStackTrace attaches a sanitized stack trace.
func (e *ErrorMessage) WithStackTrace(trace string) *ErrorMessage {
	e.StackTrace = SanitizeStackTrace(trace)
	return e
}

// WithErrorContext attaches additional error context.
func (e *ErrorMessage) WithErrorContext(ctx map[string]any) *ErrorMessage {
	e.Context = ctx
	return e
}

// Unrecoverable marks the error as fatal for the reporting component.
func (e *ErrorMessage) Unrecoverable() *ErrorMessage {
	e.Recoverable = false
	return e
}

var absolutePathPattern = regexp.MustCompile(`(/[^/\s]+)+/`)

// SanitizeStackTrace strips absolute filesystem paths from a stack trace so
// traces can cross component boundaries without leaking system structure.
// Relative file names and line numbers are preserved.
func SanitizeStackTrace(trace string) string {
	if trace == "" {
		return trace
	}
	return absolutePathPattern.ReplaceAllString(trace, "")
}

// StatusUpdate reports component health for monitoring.
type StatusUpdate struct {
	Envelope

	// Status is the state the component reports, for example "healthy".
	Status string `json:"status"`

	// Component identifies the reporting component.
	Component string `json:"component"`

	// HealthScore grades the component from 0 (dead) to 100 (healthy).
	HealthScore float64 `json:"health_score"`

	// Metrics carries numeric performance readings.
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Details carries additional descriptive state.
	Details map[string]any `json:"details,omitempty"`
}

// NewStatusUpdate builds a health report for a component.
func NewStatusUpdate(sender, component, status string, healthScore float64, opts ...Option) *StatusUpdate {
	return &StatusUpdate{
		Envelope:    newEnvelope(TypeStatus, sender, opts...),
		Status:      status,
		Component:   component,
		HealthScore: healthScore,
	}
}

// WithMetrics attaches numeric readings to the report.
func (s *StatusUpdate) WithMetrics(metrics map[string]float64) *StatusUpdate {
	s.Metrics = metrics
	return s
}

// WithDetails attaches descriptive state to the report.
func (s *StatusUpdate) WithDetails(details map[string]any) *StatusUpdate {
	s.Details = details
	return s
}

// ContextUpdate shares state between agents.
type ContextUpdate struct {
	Envelope

	// ContextType names the kind of context being shared.
	ContextType string `json:"context_type"`

	// ContextData is the shared state, capped at MaxContextBytes when
	// serialized.
	ContextData map[string]any `json:"context_data"`

	// Version orders updates to the same context.
	Version int `json:"version"`

	// Strategy controls how the update combines with prior state.
	Strategy MergeStrategy `json:"merge_strategy"`

	// ExpiresAt bounds how long the shared state stays valid.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewContextUpdate builds a context share with the replace strategy.
func NewContextUpdate(sender, contextType string, data map[string]any, version int, opts ...Option) *ContextUpdate {
	return &ContextUpdate{
		Envelope:    newEnvelope(TypeContext, sender, opts...),
		ContextType: contextType,
		ContextData: data,
		Version:     version,
		Strategy:    MergeReplace,
	}
}

// WithStrategy overrides how the update merges with prior state.
func (c *ContextUpdate) WithStrategy(s MergeStrategy) *ContextUpdate {
	c.Strategy = s
	return c
}

// WithExpiry bounds the shared state's validity.
func (c *ContextUpdate) WithExpiry(t time.Time) *ContextUpdate {
	c.ExpiresAt = &t
	return c
}

// Valid reports whether the shared state is still usable.
func (c *ContextUpdate) Valid() bool {
	if c.ExpiresAt == nil {
		return true
	}
	return time.Now().Before(*c.ExpiresAt)
}

// Heartbeat signals liveness. It carries no fields beyond the envelope.
type Heartbeat struct {
	Envelope
}

// NewHeartbeat builds a liveness signal.
func NewHeartbeat(sender string, opts ...Option) *Heartbeat {
	return &Heartbeat{Envelope: newEnvelope(TypeHeartbeat, sender, opts...)}
}

// Control carries bus-level commands in its metadata. It has no fields
// beyond the envelope.
type Control struct {
	Envelope
}

// NewControl builds a control message.
func NewControl(sender string, opts ...Option) *Control {
	return &Control{Envelope: newEnvelope(TypeControl, sender, opts...)}
}
