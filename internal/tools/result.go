package tools

import (
	"encoding/json"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

// Result is the unified return type from tool execution.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"` // optional structured payload
	Err     error  `json:"-"`              // internal error (not serialized)

	// Usage holds token usage from tools that make their own model calls
	// (delegate_task). The agent loop adds it to the run total.
	Usage *providers.Usage `json:"-"`
}

func NewResult(message string) *Result {
	return &Result{Success: true, Message: message}
}

func DataResult(message string, data any) *Result {
	return &Result{Success: true, Message: message, Data: data}
}

func ErrorResult(message string) *Result {
	return &Result{Message: message}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// ForLLM renders the result as the content of a tool turn.
func (r *Result) ForLLM() string {
	if r.Data == nil {
		if r.Success {
			return r.Message
		}
		return "Error: " + r.Message
	}
	b, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(b)
}
