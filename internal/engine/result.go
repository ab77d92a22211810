package engine

import (
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// Input is what the caller feeds a suspended runtime.
type Input struct {
	ChoiceID string `json:"choiceId,omitempty"`
	Text     string `json:"text,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// Display is one node's caller-facing output.
type Display struct {
	NodeID  string `json:"nodeId"`
	Kind    string `json:"kind"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ChoiceView is a currently visible choice option.
type ChoiceView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Handoff describes the scene change a transition node requests.
type Handoff struct {
	SceneID    string `json:"sceneId,omitempty"`
	LocationID string `json:"locationId,omitempty"`
}

// StepResult is returned by Start and Step.
type StepResult struct {
	SessionID  string            `json:"sessionId"`
	NPCID      string            `json:"npcId"`
	State      session.Status    `json:"state"`
	ProgramID  string            `json:"programId,omitempty"`
	NodeID     string            `json:"nodeId,omitempty"`
	Display    *Display          `json:"display"`
	Choices    []ChoiceView      `json:"choices"`
	Awaiting   *session.Awaiting `json:"awaiting,omitempty"`
	Transcript []Display         `json:"transcript,omitempty"`
	Finished   bool              `json:"finished"`
	Handoff    *Handoff          `json:"handoff,omitempty"`
	Error      *ErrorDescriptor  `json:"error,omitempty"`
}

// NodeResult is what an executor decides. The implementations below are the
// complete set.
type NodeResult interface {
	nodeResult()
}

// Advance continues the loop at Next.
type Advance struct {
	Next string
}

// Suspend halts the loop until the caller steps again.
type Suspend struct {
	Display  *Display
	Choices  []ChoiceView
	Awaiting session.Awaiting
	Err      *Error
	// Unchanged marks a re-suspension on the same node that altered nothing,
	// such as rejected input or an early timer poll.
	Unchanged bool
}

// PushFrame calls a nested program and resumes at ReturnNodeID afterwards.
type PushFrame struct {
	ProgramID    string
	EntryNodeID  string
	ReturnNodeID string
	Bindings     map[string]any
}

// PopFrame ends the current program and returns to the caller, if any.
type PopFrame struct{}

// Finish ends the whole runtime.
type Finish struct {
	Handoff *Handoff
}

func (Advance) nodeResult()   {}
func (Suspend) nodeResult()   {}
func (PushFrame) nodeResult() {}
func (PopFrame) nodeResult()  {}
func (Finish) nodeResult()    {}
