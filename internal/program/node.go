package program

import (
	"encoding/json"
	"fmt"

	"github.com/AaronLay10/SentientNarrative/internal/effects"
)

// NodeKind names a node variant in serialized programs.
type NodeKind string

const (
	KindDialogue    NodeKind = "dialogue"
	KindChoice      NodeKind = "choice"
	KindActionBlock NodeKind = "action_block"
	KindAction      NodeKind = "action"
	KindBranch      NodeKind = "branch"
	KindScene       NodeKind = "scene"
	KindWait        NodeKind = "wait"
	KindComment     NodeKind = "comment"
)

// Body is the kind-specific part of a node. The set of implementations is
// closed; executors switch on the concrete type.
type Body interface {
	Kind() NodeKind
}

// Node is one beat of a program.
type Node struct {
	ID      string
	OnEnter []effects.Effect
	OnExit  []effects.Effect
	Body    Body
}

// Kind returns the node's variant, or "" if it has no body.
func (n *Node) Kind() NodeKind {
	if n.Body == nil {
		return ""
	}
	return n.Body.Kind()
}

// Dialogue display modes.
const (
	DialogueStatic   = "static"
	DialogueTemplate = "template"
	DialogueLLM      = "llm_program"
)

// Dialogue shows a line of text, fixed, templated or generated.
type Dialogue struct {
	Speaker     string `json:"speaker,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Text        string `json:"text,omitempty"`
	ProgramKey  string `json:"programKey,omitempty"`
	AutoAdvance bool   `json:"autoAdvance,omitempty"`
}

// ChoiceOption is one selectable answer.
type ChoiceOption struct {
	ID           string           `json:"id"`
	Text         string           `json:"text"`
	Condition    string           `json:"condition,omitempty"`
	TargetNodeID string           `json:"targetNodeId"`
	Effects      []effects.Effect `json:"effects,omitempty"`
}

// Choice presents the options whose conditions pass.
type Choice struct {
	Prompt  string         `json:"prompt,omitempty"`
	Choices []ChoiceOption `json:"choices"`
}

// Action block modes.
const (
	BlockModeDirect = "direct"
	BlockModeQuery  = "query"
	LaunchImmediate = "immediate"
	LaunchPending   = "pending"
)

// BlockQuery describes a content block for an external selector to resolve.
type BlockQuery struct {
	Location      string   `json:"location,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	IntimacyLevel string   `json:"intimacyLevel,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// ActionBlock requests generated content blocks.
type ActionBlock struct {
	Mode       string      `json:"mode"`
	BlockIDs   []string    `json:"blockIds,omitempty"`
	Query      *BlockQuery `json:"query,omitempty"`
	LaunchMode string      `json:"launchMode,omitempty"`
}

// Action applies effects and moves on.
type Action struct {
	Effects []effects.Effect `json:"effects"`
}

// BranchCase routes to TargetNodeID when Condition holds.
type BranchCase struct {
	Condition    string `json:"condition"`
	TargetNodeID string `json:"targetNodeId"`
}

// Branch picks the first matching case, else the default.
type Branch struct {
	Branches            []BranchCase `json:"branches"`
	DefaultTargetNodeID string       `json:"defaultTargetNodeId"`
}

// Scene modes.
const (
	SceneTransition = "transition"
	SceneIntent     = "intent"
)

// Scene hands off to a location change or calls a nested program.
type Scene struct {
	Mode         string         `json:"mode"`
	SceneID      string         `json:"sceneId,omitempty"`
	LocationID   string         `json:"locationId,omitempty"`
	ProgramID    string         `json:"programId,omitempty"`
	EntryNodeID  string         `json:"entryNodeId,omitempty"`
	RoleBindings map[string]any `json:"roleBindings,omitempty"`
	ReturnNodeID string         `json:"returnNodeId,omitempty"`
}

// Wait modes.
const (
	WaitDuration    = "duration"
	WaitCondition   = "condition"
	WaitPlayerInput = "player_input"
)

// Wait suspends until time passes, a condition holds, or the player answers.
type Wait struct {
	Mode      string `json:"mode"`
	Duration  string `json:"duration,omitempty"`
	Condition string `json:"condition,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Variable  string `json:"variable,omitempty"`
}

// Comment is documentation only.
type Comment struct {
	Text string `json:"text,omitempty"`
}

func (*Dialogue) Kind() NodeKind    { return KindDialogue }
func (*Choice) Kind() NodeKind      { return KindChoice }
func (*ActionBlock) Kind() NodeKind { return KindActionBlock }
func (*Action) Kind() NodeKind      { return KindAction }
func (*Branch) Kind() NodeKind      { return KindBranch }
func (*Scene) Kind() NodeKind       { return KindScene }
func (*Wait) Kind() NodeKind        { return KindWait }
func (*Comment) Kind() NodeKind     { return KindComment }

func newBody(kind NodeKind) (Body, error) {
	switch kind {
	case KindDialogue:
		return &Dialogue{}, nil
	case KindChoice:
		return &Choice{}, nil
	case KindActionBlock:
		return &ActionBlock{}, nil
	case KindAction:
		return &Action{}, nil
	case KindBranch:
		return &Branch{}, nil
	case KindScene:
		return &Scene{}, nil
	case KindWait:
		return &Wait{}, nil
	case KindComment:
		return &Comment{}, nil
	}
	return nil, fmt.Errorf("unknown node kind: %q", kind)
}

type nodeHeader struct {
	ID      string           `json:"id"`
	Kind    NodeKind         `json:"kind"`
	OnEnter []effects.Effect `json:"onEnter,omitempty"`
	OnExit  []effects.Effect `json:"onExit,omitempty"`
}

// UnmarshalJSON decodes the flat node shape: header fields plus kind fields.
func (n *Node) UnmarshalJSON(data []byte) error {
	var h nodeHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	body, err := newBody(h.Kind)
	if err != nil {
		return fmt.Errorf("node %s: %w", h.ID, err)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("node %s: %w", h.ID, err)
	}
	n.ID = h.ID
	n.OnEnter = h.OnEnter
	n.OnExit = h.OnExit
	n.Body = body
	return nil
}

// MarshalJSON encodes the node in the same flat shape UnmarshalJSON reads.
func (n Node) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any)
	if n.Body != nil {
		b, err := json.Marshal(n.Body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, err
		}
		fields["kind"] = n.Body.Kind()
	}
	fields["id"] = n.ID
	if len(n.OnEnter) > 0 {
		fields["onEnter"] = n.OnEnter
	}
	if len(n.OnExit) > 0 {
		fields["onExit"] = n.OnExit
	}
	return json.Marshal(fields)
}
