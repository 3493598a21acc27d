package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	e, ok := as(err)
	if !ok {
		e = Wrap(ErrCodeInternal, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", e.Message))
	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", e.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", e.Code))
	return sb.String()
}

// Payload is the wire representation of an error, used in daemon responses.
type Payload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// ToPayload converts any error to a Payload. Plain errors map to ERR_501_INTERNAL.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	e, ok := as(err)
	if !ok {
		return &Payload{Code: ErrCodeInternal, Message: err.Error(), Category: string(CategoryInternal)}
	}
	msg := e.Message
	if e.Cause != nil && e.Cause.Error() != msg {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return &Payload{
		Code:       e.Code,
		Message:    msg,
		Category:   string(e.Category),
		Details:    e.Details,
		Suggestion: e.Suggestion,
		Retryable:  e.Retryable,
	}
}

// FromPayload rebuilds an Error received over the wire.
func FromPayload(p *Payload) *Error {
	if p == nil {
		return nil
	}
	e := New(p.Code, p.Message, nil)
	e.Details = p.Details
	e.Suggestion = p.Suggestion
	return e
}

// FormatJSON returns the error as a JSON document.
func FormatJSON(err error) string {
	p := ToPayload(err)
	if p == nil {
		return "null"
	}
	data, mErr := json.Marshal(p)
	if mErr != nil {
		return fmt.Sprintf(`{"code":%q,"message":%q}`, ErrCodeInternal, err.Error())
	}
	return string(data)
}
