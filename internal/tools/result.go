package tools

import (
	"encoding/json"
	"fmt"
)

// Result is the unified return type from tool execution. Payload is the
// JSON object the model sees; it always marshals to an object, never a
// bare string.
type Result struct {
	Payload map[string]any `json:"payload"`
	IsError bool           `json:"is_error"`
	Err     error          `json:"-"` // internal error, not serialized
}

func JSONResult(payload map[string]any) *Result {
	return &Result{Payload: payload}
}

func ErrorResult(message string) *Result {
	return &Result{
		Payload: map[string]any{"error": message},
		IsError: true,
	}
}

func ErrorResultf(format string, args ...any) *Result {
	return ErrorResult(fmt.Sprintf(format, args...))
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// ForModel renders the payload as the JSON string placed in the tool
// message. A payload that will not marshal is itself an error result.
func (r *Result) ForModel() string {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		fallback, _ := json.Marshal(map[string]any{"error": fmt.Sprintf("marshal tool result: %v", err)})
		return string(fallback)
	}
	return string(data)
}
