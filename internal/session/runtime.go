package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of one NPC's runtime.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusSuspended  Status = "suspended"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// AwaitKind describes what a suspended runtime is waiting for.
type AwaitKind string

const (
	AwaitAck        AwaitKind = "ack"
	AwaitChoice     AwaitKind = "choice"
	AwaitText       AwaitKind = "text"
	AwaitGeneration AwaitKind = "generation"
	AwaitTimer      AwaitKind = "timer"
	AwaitCondition  AwaitKind = "condition"
)

// Awaiting is the persisted descriptor of a suspension point.
type Awaiting struct {
	Kind        AwaitKind  `json:"kind"`
	NodeID      string     `json:"nodeId"`
	ChoiceIDs   []string   `json:"choiceIds,omitempty"`
	ResumeAfter *time.Time `json:"resumeAfter,omitempty"`
	Condition   string     `json:"condition,omitempty"`
}

// Frame records one sub-program call and where the caller resumes.
type Frame struct {
	ProgramID      string         `json:"programId"`
	ProgramVersion int            `json:"programVersion,omitempty"`
	ReturnNodeID   string         `json:"returnNodeId,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
}

// RuntimeState is the execution cursor for one (session, NPC) pair. Only the
// engine writes it.
type RuntimeState struct {
	NPCID                string         `json:"npcId"`
	Status               Status         `json:"status"`
	ActiveProgramID      string         `json:"activeProgramId,omitempty"`
	ActiveProgramVersion int            `json:"activeProgramVersion,omitempty"`
	ActiveNodeID         string         `json:"activeNodeId,omitempty"`
	Variables            map[string]any `json:"variables"`
	Stack                []Frame        `json:"stack"`
	History              []string       `json:"history"`
	Awaiting             *Awaiting      `json:"awaiting,omitempty"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// Reset prepares the state for a fresh program run.
func (rs *RuntimeState) Reset(programID string, version int, entry string, vars map[string]any) {
	rs.Status = StatusRunning
	rs.ActiveProgramID = programID
	rs.ActiveProgramVersion = version
	rs.ActiveNodeID = entry
	rs.Variables = copyVars(vars)
	rs.Stack = []Frame{}
	rs.History = []string{}
	rs.Awaiting = nil
}

// Clear marks the runtime finished. Stack and history stay for inspection
// until the next Reset.
func (rs *RuntimeState) Clear() {
	rs.Status = StatusFinished
	rs.ActiveProgramID = ""
	rs.ActiveProgramVersion = 0
	rs.ActiveNodeID = ""
	rs.Awaiting = nil
}

// Visit appends nodeID to history, keeping at most limit entries.
func (rs *RuntimeState) Visit(nodeID string, limit int) {
	rs.History = append(rs.History, nodeID)
	if limit > 0 && len(rs.History) > limit {
		trimmed := make([]string, limit)
		copy(trimmed, rs.History[len(rs.History)-limit:])
		rs.History = trimmed
	}
}

// Push saves the caller's scope onto the stack.
func (rs *RuntimeState) Push(f Frame) {
	rs.Stack = append(rs.Stack, f)
}

// Pop removes and returns the top frame.
func (rs *RuntimeState) Pop() (Frame, bool) {
	if len(rs.Stack) == 0 {
		return Frame{}, false
	}
	f := rs.Stack[len(rs.Stack)-1]
	rs.Stack = rs.Stack[:len(rs.Stack)-1]
	return f, true
}

// MarshalState serializes a runtime state to its persisted form.
func MarshalState(rs *RuntimeState) ([]byte, error) {
	return json.Marshal(rs)
}

// UnmarshalState reconstructs a runtime state from its persisted form.
func UnmarshalState(data []byte) (*RuntimeState, error) {
	var rs RuntimeState
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to parse runtime state: %w", err)
	}
	return &rs, nil
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
