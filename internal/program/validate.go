package program

import (
	"fmt"
	"strings"
	"time"

	"github.com/AaronLay10/SentientNarrative/internal/condition"
	"github.com/AaronLay10/SentientNarrative/internal/effects"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes.
const (
	IssueMissingID          = "missing_id"
	IssueMissingEntry       = "missing_entry"
	IssueDuplicateNode      = "duplicate_node"
	IssueDuplicateEdge      = "duplicate_edge"
	IssueDanglingEdge       = "dangling_edge"
	IssueDanglingTarget     = "dangling_target"
	IssueMissingDefault     = "missing_default"
	IssueConditionSyntax    = "condition_syntax"
	IssueInvalidEffect      = "invalid_effect"
	IssueInvalidNode        = "invalid_node"
	IssueUnreachable        = "unreachable"
	IssueAmbiguousSuccessor = "ambiguous_successor"
)

// Issue is one finding of Validate.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	NodeID   string   `json:"nodeId,omitempty"`
	EdgeID   string   `json:"edgeId,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Severity))
	b.WriteString(" [")
	b.WriteString(i.Code)
	b.WriteString("]")
	if i.NodeID != "" {
		b.WriteString(" node=" + i.NodeID)
	}
	if i.EdgeID != "" {
		b.WriteString(" edge=" + i.EdgeID)
	}
	b.WriteString(": " + i.Message)
	return b.String()
}

// Fatal reports whether any issue blocks execution.
func Fatal(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the fatal issues.
func Errors(issues []Issue) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

type validator struct {
	p      *Program
	ids    map[string]bool
	issues []Issue
}

func (v *validator) fail(code, nodeID, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityError, Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warn(code, nodeID, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityWarning, Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

// Validate performs static analysis of p. Issues with SeverityError mean the
// program must not run; warnings are informational.
func Validate(p *Program) []Issue {
	v := &validator{p: p, ids: make(map[string]bool, len(p.Nodes))}

	if p.ID == "" {
		v.fail(IssueMissingID, "", "program has no id")
	}

	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.ID == "" {
			v.fail(IssueMissingID, "", "node at index %d has no id", i)
			continue
		}
		if v.ids[n.ID] {
			v.fail(IssueDuplicateNode, n.ID, "duplicate node id %q", n.ID)
		}
		v.ids[n.ID] = true
	}

	if p.EntryNodeID == "" || !v.ids[p.EntryNodeID] {
		v.fail(IssueMissingEntry, p.EntryNodeID, "entry node %q does not exist", p.EntryNodeID)
	}

	edgeIDs := make(map[string]bool, len(p.Edges))
	for _, e := range p.Edges {
		if e.ID != "" {
			if edgeIDs[e.ID] {
				v.issues = append(v.issues, Issue{Severity: SeverityError, Code: IssueDuplicateEdge, EdgeID: e.ID, Message: fmt.Sprintf("duplicate edge id %q", e.ID)})
			}
			edgeIDs[e.ID] = true
		}
		if !v.ids[e.From] {
			v.issues = append(v.issues, Issue{Severity: SeverityError, Code: IssueDanglingEdge, NodeID: e.From, EdgeID: e.ID, Message: fmt.Sprintf("edge source %q does not exist", e.From)})
		}
		if !v.ids[e.To] {
			v.issues = append(v.issues, Issue{Severity: SeverityError, Code: IssueDanglingEdge, NodeID: e.From, EdgeID: e.ID, Message: fmt.Sprintf("edge target %q does not exist", e.To)})
		}
	}

	for i := range p.Nodes {
		v.node(&p.Nodes[i])
	}

	v.reachability()
	return v.issues
}

func (v *validator) node(n *Node) {
	v.effects(n.ID, "onEnter", n.OnEnter)
	v.effects(n.ID, "onExit", n.OnExit)

	switch b := n.Body.(type) {
	case nil:
		v.fail(IssueInvalidNode, n.ID, "node has no kind")

	case *Dialogue:
		switch b.Mode {
		case "", DialogueStatic, DialogueTemplate:
		case DialogueLLM:
			if b.ProgramKey == "" {
				v.fail(IssueInvalidNode, n.ID, "llm_program dialogue requires programKey")
			}
		default:
			v.fail(IssueInvalidNode, n.ID, "unknown dialogue mode %q", b.Mode)
		}

	case *Choice:
		if len(b.Choices) == 0 {
			v.fail(IssueInvalidNode, n.ID, "choice node has no choices")
		}
		seen := make(map[string]bool, len(b.Choices))
		for _, c := range b.Choices {
			if c.ID == "" {
				v.fail(IssueInvalidNode, n.ID, "choice option has no id")
			} else if seen[c.ID] {
				v.fail(IssueInvalidNode, n.ID, "duplicate choice id %q", c.ID)
			}
			seen[c.ID] = true
			v.target(n.ID, c.TargetNodeID, "choice "+c.ID)
			v.condition(n.ID, c.Condition)
			v.effects(n.ID, "choice "+c.ID, c.Effects)
		}

	case *ActionBlock:
		switch b.Mode {
		case BlockModeDirect:
			if len(b.BlockIDs) == 0 {
				v.fail(IssueInvalidNode, n.ID, "direct action_block requires blockIds")
			}
		case BlockModeQuery:
			if b.Query == nil {
				v.fail(IssueInvalidNode, n.ID, "query action_block requires query")
			}
		default:
			v.fail(IssueInvalidNode, n.ID, "unknown action_block mode %q", b.Mode)
		}
		switch b.LaunchMode {
		case "", LaunchImmediate, LaunchPending:
		default:
			v.fail(IssueInvalidNode, n.ID, "unknown launchMode %q", b.LaunchMode)
		}

	case *Action:
		v.effects(n.ID, "effects", b.Effects)

	case *Branch:
		for i, c := range b.Branches {
			v.target(n.ID, c.TargetNodeID, fmt.Sprintf("branch %d", i))
			v.condition(n.ID, c.Condition)
		}
		if b.DefaultTargetNodeID == "" {
			v.fail(IssueMissingDefault, n.ID, "branch node has no defaultTargetNodeId")
		} else {
			v.target(n.ID, b.DefaultTargetNodeID, "default branch")
		}

	case *Scene:
		switch b.Mode {
		case SceneTransition:
			if b.SceneID == "" && b.LocationID == "" {
				v.fail(IssueInvalidNode, n.ID, "scene transition requires sceneId or locationId")
			}
		case SceneIntent:
			if b.ProgramID == "" {
				v.fail(IssueInvalidNode, n.ID, "scene intent requires programId")
			}
			if b.ReturnNodeID != "" {
				v.target(n.ID, b.ReturnNodeID, "returnNodeId")
			}
		default:
			v.fail(IssueInvalidNode, n.ID, "unknown scene mode %q", b.Mode)
		}

	case *Wait:
		switch b.Mode {
		case WaitDuration:
			d, err := time.ParseDuration(b.Duration)
			if err != nil || d <= 0 {
				v.fail(IssueInvalidNode, n.ID, "wait duration %q must be a positive duration", b.Duration)
			}
		case WaitCondition:
			if strings.TrimSpace(b.Condition) == "" {
				v.fail(IssueInvalidNode, n.ID, "condition wait requires condition")
			}
			v.condition(n.ID, b.Condition)
		case WaitPlayerInput:
		default:
			v.fail(IssueInvalidNode, n.ID, "unknown wait mode %q", b.Mode)
		}

	case *Comment:
	}

	if positional(n) && len(v.p.Outgoing(n.ID)) > 1 {
		v.warn(IssueAmbiguousSuccessor, n.ID, "%d outgoing edges; only the first is followed", len(v.p.Outgoing(n.ID)))
	}
}

func (v *validator) target(nodeID, target, what string) {
	if target == "" || !v.ids[target] {
		v.fail(IssueDanglingTarget, nodeID, "%s targets missing node %q", what, target)
	}
}

func (v *validator) condition(nodeID, expr string) {
	if err := condition.Check(expr); err != nil {
		v.fail(IssueConditionSyntax, nodeID, "%v", err)
	}
}

func (v *validator) effects(nodeID, where string, list []effects.Effect) {
	for i, e := range list {
		if err := e.Validate(); err != nil {
			v.fail(IssueInvalidEffect, nodeID, "%s effect %d: %v", where, i, err)
		}
	}
}

// positional reports whether n resolves its successor from plain edges.
func positional(n *Node) bool {
	switch n.Body.(type) {
	case *Choice, *Branch:
		return false
	}
	return true
}

// reachability warns about nodes the entry cannot reach through edges, choice
// targets, branch targets or scene return nodes.
func (v *validator) reachability() {
	p := v.p
	if !v.ids[p.EntryNodeID] {
		return
	}
	seen := map[string]bool{p.EntryNodeID: true}
	queue := []string{p.EntryNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range successors(p, id) {
			if v.ids[next] && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range p.Nodes {
		if n.ID != "" && !seen[n.ID] {
			v.warn(IssueUnreachable, n.ID, "node is unreachable from entry %q", p.EntryNodeID)
		}
	}
}

func successors(p *Program, id string) []string {
	n, ok := p.Node(id)
	if !ok {
		return nil
	}
	var out []string
	switch b := n.Body.(type) {
	case *Choice:
		for _, c := range b.Choices {
			out = append(out, c.TargetNodeID)
		}
	case *Branch:
		for _, c := range b.Branches {
			out = append(out, c.TargetNodeID)
		}
		out = append(out, b.DefaultTargetNodeID)
	case *Scene:
		if b.ReturnNodeID != "" {
			out = append(out, b.ReturnNodeID)
		}
		out = append(out, p.Outgoing(id)...)
	default:
		out = append(out, p.Outgoing(id)...)
	}
	return out
}
