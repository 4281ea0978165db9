package event

// Agent lifecycle event kinds carried over the telemetry transport.

import (
	"encoding/json"

	"github.com/google/uuid"

	"agentwire/telemetry/pkg/message"
)

const (
	KindAgentStarted    = "agent_started"
	KindAgentFinished   = "agent_finished"
	KindAgentError      = "agent_error"
	KindNodeStarted     = "node_started"
	KindNodeFinished    = "node_finished"
	KindToolCalled      = "tool_called"
	KindToolResult      = "tool_result"
	KindLLMCallStarted  = "llm_call_started"
	KindLLMCallFinished = "llm_call_finished"
	KindHostStats       = "host_stats"
)

// Base carries the fields common to every lifecycle event. Embedding it
// flattens kind/ts/run_id into the frame.
type Base struct {
	MsgKind string `json:"kind"`
	TS      int64  `json:"ts"`
	RunID   string `json:"run_id"`
}

func (b *Base) Kind() string       { return b.MsgKind }
func (b *Base) Time() int64        { return b.TS }
func (b *Base) SetRunID(id string) { b.RunID = id }

func newBase(kind, runID string) Base {
	return Base{MsgKind: kind, TS: message.NowMillis(), RunID: runID}
}

// NewRunID mints a correlation id for one agent run.
func NewRunID() string { return uuid.NewString() }

type AgentStarted struct {
	Base
	AgentID  string `json:"agent_id"`
	Strategy string `json:"strategy,omitempty"`
}

type AgentFinished struct {
	Base
	AgentID string `json:"agent_id"`
	Result  string `json:"result,omitempty"`
}

type AgentError struct {
	Base
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

type NodeStarted struct {
	Base
	NodeName string `json:"node_name"`
	Input    string `json:"input,omitempty"`
}

type NodeFinished struct {
	Base
	NodeName string `json:"node_name"`
	Output   string `json:"output,omitempty"`
}

type ToolCalled struct {
	Base
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Args   json.RawMessage `json:"args,omitempty"`
}

type ToolResult struct {
	Base
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type LLMCallStarted struct {
	Base
	CallID string `json:"call_id"`
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

type LLMCallFinished struct {
	Base
	CallID   string `json:"call_id"`
	Model    string `json:"model,omitempty"`
	Response string `json:"response,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
}

// HostStats is published by the stats sampler, not by agent runs; RunID is
// empty for it.
type HostStats struct {
	Base
	Hostname   string  `json:"hostname"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	Goroutines int     `json:"goroutines,omitempty"`
}

func NewAgentStarted(runID, agentID, strategy string) *AgentStarted {
	return &AgentStarted{Base: newBase(KindAgentStarted, runID), AgentID: agentID, Strategy: strategy}
}

func NewAgentFinished(runID, agentID, result string) *AgentFinished {
	return &AgentFinished{Base: newBase(KindAgentFinished, runID), AgentID: agentID, Result: result}
}

func NewAgentError(runID, agentID string, err error) *AgentError {
	e := &AgentError{Base: newBase(KindAgentError, runID), AgentID: agentID}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func NewNodeStarted(runID, node, input string) *NodeStarted {
	return &NodeStarted{Base: newBase(KindNodeStarted, runID), NodeName: node, Input: input}
}

func NewNodeFinished(runID, node, output string) *NodeFinished {
	return &NodeFinished{Base: newBase(KindNodeFinished, runID), NodeName: node, Output: output}
}

func NewToolCalled(runID, tool string, args json.RawMessage) *ToolCalled {
	return &ToolCalled{Base: newBase(KindToolCalled, runID), CallID: uuid.NewString(), Tool: tool, Args: args}
}

func NewToolResult(runID, callID, tool, result string, err error) *ToolResult {
	r := &ToolResult{Base: newBase(KindToolResult, runID), CallID: callID, Tool: tool, Result: result}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func NewLLMCallStarted(runID, model, prompt string) *LLMCallStarted {
	return &LLMCallStarted{Base: newBase(KindLLMCallStarted, runID), CallID: uuid.NewString(), Model: model, Prompt: prompt}
}

func NewLLMCallFinished(runID, callID, model, response string, tokens int) *LLMCallFinished {
	return &LLMCallFinished{Base: newBase(KindLLMCallFinished, runID), CallID: callID, Model: model, Response: response, Tokens: tokens}
}

func NewHostStats(hostname string, cpu, mem float64, usedMB uint64, goroutines int) *HostStats {
	return &HostStats{Base: newBase(KindHostStats, ""), Hostname: hostname, CPUPercent: cpu, MemPercent: mem, MemUsedMB: usedMB, Goroutines: goroutines}
}

func decodeInto[T message.Message](fill func([]byte) (T, error)) message.DecodeFunc {
	return func(b []byte) (message.Message, error) { return fill(b) }
}

// RegisterAll installs decoders for every lifecycle kind. Consumers call
// this on their registry before connecting; producers only need Encode.
func RegisterAll(r *message.Registry) {
	r.Register(KindAgentStarted, decodeInto(unmarshal[AgentStarted]))
	r.Register(KindAgentFinished, decodeInto(unmarshal[AgentFinished]))
	r.Register(KindAgentError, decodeInto(unmarshal[AgentError]))
	r.Register(KindNodeStarted, decodeInto(unmarshal[NodeStarted]))
	r.Register(KindNodeFinished, decodeInto(unmarshal[NodeFinished]))
	r.Register(KindToolCalled, decodeInto(unmarshal[ToolCalled]))
	r.Register(KindToolResult, decodeInto(unmarshal[ToolResult]))
	r.Register(KindLLMCallStarted, decodeInto(unmarshal[LLMCallStarted]))
	r.Register(KindLLMCallFinished, decodeInto(unmarshal[LLMCallFinished]))
	r.Register(KindHostStats, decodeInto(unmarshal[HostStats]))
}

func unmarshal[T any](b []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
