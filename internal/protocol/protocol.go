package protocol

// Hook decisions written to the host.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// MCP tool statuses.
const (
	StatusSuccess = "success"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// HookResponse is the fixed JSON document a hook writes to stdout.
type HookResponse struct {
	// Decision is allow or block.
	Decision string `json:"decision"`
	// Reason is a human-readable message.
	Reason string `json:"reason,omitempty"`
	// Code is the approval code the human must type, if any.
	Code string `json:"code,omitempty"`
	// EvaluationID links the response to log lines.
	EvaluationID string `json:"evaluation_id,omitempty"`
}

// Allowed reports whether the response lets the action proceed.
func (r HookResponse) Allowed() bool { return r.Decision == DecisionAllow }

// VerificationResponse reports approval lines found in a prompt.
type VerificationResponse struct {
	Results []VerificationResult `json:"results"`
}

// VerificationResult is one verified approval line.
type VerificationResult struct {
	Phrase  string `json:"phrase"`
	Code    string `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ToolResponse is the JSON response returned by MCP tools.
type ToolResponse struct {
	// Status indicates the execution status.
	Status string `json:"status"`
	// Reason is a human-readable message.
	Reason string `json:"reason,omitempty"`
	// Data carries the tool payload.
	Data any `json:"data,omitempty"`
	// CorrelationID links related requests.
	CorrelationID string `json:"correlation_id"`
}
