package agent

import (
	"time"
)

// StepType identifies the kind of step in a turn.
type StepType string

const (
	StepSensing    StepType = "sensing"
	StepPrompting  StepType = "prompting"
	StepReasoning  StepType = "reasoning"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
	StepDegraded   StepType = "degraded"
	StepRecording  StepType = "recording"
	StepResponse   StepType = "response"
)

// ThinkingChain records the trace of a single turn.
type ThinkingChain struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Steps     []ThinkStep   `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ThinkStep is a single step in the thinking chain.
type ThinkStep struct {
	Type       StepType    `json:"type"`
	Content    string      `json:"content"`
	Detail     interface{} `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	TokensUsed int         `json:"tokens_used,omitempty"`
}

func (c *ThinkingChain) add(t StepType, content string, detail interface{}) {
	c.Steps = append(c.Steps, ThinkStep{
		Type:      t,
		Content:   content,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// Has reports whether the chain contains a step of type t.
func (c *ThinkingChain) Has(t StepType) bool {
	for _, s := range c.Steps {
		if s.Type == t {
			return true
		}
	}
	return false
}
