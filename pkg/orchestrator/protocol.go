package orchestrator

import (
	"encoding/json"

	"github.com/dileet/ecco-sub003/pkg/discovery"
)

// AgentRequest is the agent-request payload.
type AgentRequest struct {
	CorrelationID string                  `json:"correlation_id"`
	Capability    discovery.Requirement   `json:"capability"`
	Input         json.RawMessage         `json:"input"`
	DeadlineMs    int64                   `json:"deadline_ms"`
	Requirements  []discovery.Requirement `json:"requirements,omitempty"`
}

// AgentReply is the agent-response payload.
type AgentReply struct {
	CorrelationID string          `json:"correlation_id"`
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}
