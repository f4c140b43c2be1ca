package message

import (
	"fmt"
	"strings"

	"github.com/agentbus/agentbus/internal/runtime/jsoncodec"
)

// Validate checks a message against the publish rules and returns a
// description of every violated rule. An empty result means the message is
// safe to enqueue. The message is never mutated.
func Validate(msg Message) []string {
	var violations []string

	env := msg.Base()

	if size, err := SizeBytes(msg); err != nil {
		violations = append(violations, fmt.Sprintf("failed to calculate message size: %v", err))
	} else if size > MaxMessageBytes {
		violations = append(violations, fmt.Sprintf("message size %d bytes exceeds %d byte limit", size, MaxMessageBytes))
	}

	if env.Expired() {
		violations = append(violations, "message has expired")
	}

	if env.Sender == "" {
		violations = append(violations, "message must have a sender")
	}

	if len(env.Metadata) > 0 {
		if size, err := jsoncodec.Size(env.Metadata); err != nil {
			violations = append(violations, fmt.Sprintf("failed to calculate metadata size: %v", err))
		} else if size > MaxMetadataBytes {
			violations = append(violations, fmt.Sprintf("metadata size %d bytes exceeds %d byte limit", size, MaxMetadataBytes))
		}
	}

	switch m := msg.(type) {
	case *Request:
		violations = append(violations, validateRequest(m)...)
	case *Response:
		violations = append(violations, validateResponse(m)...)
	case *ErrorMessage:
		violations = append(violations, validateErrorMessage(m)...)
	case *StatusUpdate:
		violations = append(violations, validateStatusUpdate(m)...)
	case *ContextUpdate:
		violations = append(violations, validateContextUpdate(m)...)
	}

	return violations
}

// IsValid reports whether the message passes every publish rule.
func IsValid(msg Message) bool {
	return len(Validate(msg)) == 0
}

func validateRequest(r *Request) []string {
	var violations []string
	if strings.TrimSpace(r.Action) == "" {
		violations = append(violations, "request action cannot be empty")
	}
	if r.RequiresResponse && r.Recipient == "" {
		violations = append(violations, "request requiring response must have a specific recipient")
	}
	if r.TimeoutSeconds < 1 {
		violations = append(violations, "request timeout must be at least 1 second")
	}
	return violations
}

func validateResponse(r *Response) []string {
	var violations []string
	if r.RequestID == "" {
		violations = append(violations, "response must reference a request id")
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		violations = append(violations, fmt.Sprintf("invalid status code %d", r.StatusCode))
	}
	return violations
}

func validateErrorMessage(e *ErrorMessage) []string {
	var violations []string
	if e.ErrorCode == "" {
		violations = append(violations, "error message must have an error code")
	}
	if strings.TrimSpace(e.ErrorText) == "" {
		violations = append(violations, "error message cannot be empty")
	}
	return violations
}

func validateStatusUpdate(s *StatusUpdate) []string {
	if s.HealthScore < 0 || s.HealthScore > 100 {
		return []string{fmt.Sprintf("health score must be 0-100, got %g", s.HealthScore)}
	}
	return nil
}

func validateContextUpdate(c *ContextUpdate) []string {
	var violations []string
	if c.Version < 1 {
		violations = append(violations, "context version must be at least 1")
	}
	switch c.Strategy {
	case MergeReplace, MergeCombine, MergeAppend:
	default:
		violations = append(violations, fmt.Sprintf("invalid merge strategy %q", c.Strategy))
	}
	if size, err := jsoncodec.Size(c.ContextData); err != nil {
		violations = append(violations, fmt.Sprintf("failed to calculate context size: %v", err))
	} else if size > MaxContextBytes {
		violations = append(violations, fmt.Sprintf("context data %d bytes exceeds %d byte limit", size, MaxContextBytes))
	}
	return violations
}
