package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/AaronLay10/SentientNarrative/internal/condition"
	"github.com/AaronLay10/SentientNarrative/internal/effects"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// execute runs a freshly entered node.
func (r *run) execute(n *program.Node) (NodeResult, error) {
	switch b := n.Body.(type) {
	case *program.Dialogue:
		return r.dialogue(n, b), nil
	case *program.Choice:
		return r.presentChoice(n, b, nil), nil
	case *program.ActionBlock:
		return r.actionBlock(n, b), nil
	case *program.Action:
		if err := effects.Apply(b.Effects, r.evalContext(), r.e.limits); err != nil {
			return nil, newError(CodeProgramInvalid, r.prog.ID, n.ID, err, "action effects failed")
		}
		return r.next(n), nil
	case *program.Branch:
		return r.branch(n, b), nil
	case *program.Scene:
		return r.scene(n, b), nil
	case *program.Wait:
		return r.wait(n, b), nil
	case *program.Comment:
		return r.next(n), nil
	}
	return nil, newError(CodeProgramInvalid, r.prog.ID, n.ID, nil, "node has no executable kind")
}

// resumeNode continues the node the runtime was suspended on.
func (r *run) resumeNode(n *program.Node, in Input) (NodeResult, error) {
	if aw := r.rs.Awaiting; aw != nil && aw.Kind == session.AwaitGeneration {
		return r.execute(n)
	}

	switch b := n.Body.(type) {
	case *program.Dialogue, *program.ActionBlock:
		return r.next(n), nil
	case *program.Choice:
		return r.choose(n, b, in)
	case *program.Wait:
		return r.resumeWait(n, b, in), nil
	}
	return nil, newError(CodeNotSuspended, r.prog.ID, n.ID, nil, "%s nodes do not suspend", n.Kind())
}

// next follows the node's positional edge; a node without one ends the
// current program.
func (r *run) next(n *program.Node) NodeResult {
	if to, ok := r.prog.Successor(n.ID); ok {
		return Advance{Next: to}
	}
	return PopFrame{}
}

// test evaluates expr. A malformed expression is reported and counts as false.
func (r *run) test(n *program.Node, expr string) bool {
	ok, err := condition.Evaluate(expr, r.evalContext())
	if err != nil {
		r.emit("condition.error", map[string]interface{}{
			"node_id":   n.ID,
			"condition": expr,
			"error":     err.Error(),
		})
		return false
	}
	return ok
}

func (r *run) dialogue(n *program.Node, b *program.Dialogue) NodeResult {
	d := &Display{NodeID: n.ID, Kind: string(program.KindDialogue), Speaker: b.Speaker}
	switch b.Mode {
	case program.DialogueTemplate:
		d.Text = r.render(b.Text)
	case program.DialogueLLM:
		content, err := r.generate(n, ContentRequest{ProgramKey: b.ProgramKey})
		if err != nil {
			return generationUnavailable(n, err)
		}
		d.Text = content.Text
		d.Payload = content.Payload
	default:
		d.Text = b.Text
	}

	if b.AutoAdvance {
		r.show(*d)
		return r.next(n)
	}
	return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitAck, NodeID: n.ID}}
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// render substitutes {{path}} placeholders using the condition path rules.
// Unknown paths render empty.
func (r *run) render(text string) string {
	ctx := r.evalContext()
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := condition.ResolvePath(ctx, path)
		if !ok || v == nil {
			return ""
		}
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprint(v)
	})
}

func (r *run) visibleChoices(n *program.Node, b *program.Choice) []program.ChoiceOption {
	var out []program.ChoiceOption
	for _, c := range b.Choices {
		if r.test(n, c.Condition) {
			out = append(out, c)
		}
	}
	return out
}

// presentChoice suspends on the options that currently pass their conditions.
// rejected is set when re-presenting after bad input.
func (r *run) presentChoice(n *program.Node, b *program.Choice, rejected *Error) NodeResult {
	visible := r.visibleChoices(n, b)
	if len(visible) == 0 && rejected == nil {
		return r.next(n)
	}

	views := make([]ChoiceView, len(visible))
	ids := make([]string, len(visible))
	for i, c := range visible {
		views[i] = ChoiceView{ID: c.ID, Text: c.Text}
		ids[i] = c.ID
	}
	return Suspend{
		Display:   &Display{NodeID: n.ID, Kind: string(program.KindChoice), Prompt: b.Prompt},
		Choices:   views,
		Awaiting:  session.Awaiting{Kind: session.AwaitChoice, NodeID: n.ID, ChoiceIDs: ids},
		Err:       rejected,
		Unchanged: rejected != nil,
	}
}

// choose re-checks visibility at resume time: an option whose condition turned
// false since the prompt is rejected like an unknown id.
func (r *run) choose(n *program.Node, b *program.Choice, in Input) (NodeResult, error) {
	for _, c := range r.visibleChoices(n, b) {
		if c.ID != in.ChoiceID {
			continue
		}
		if err := effects.Apply(c.Effects, r.evalContext(), r.e.limits); err != nil {
			return nil, newError(CodeProgramInvalid, r.prog.ID, n.ID, err, "choice %q effects failed", c.ID)
		}
		r.emit("choice.selected", map[string]interface{}{"node_id": n.ID, "choice_id": c.ID})
		return Advance{Next: c.TargetNodeID}, nil
	}

	r.emit("choice.rejected", map[string]interface{}{"node_id": n.ID, "choice_id": in.ChoiceID})
	rejected := newError(CodeInvalidResumeInput, r.prog.ID, n.ID, nil, "choice %q is not available", in.ChoiceID)
	return r.presentChoice(n, b, rejected), nil
}

func (r *run) actionBlock(n *program.Node, b *program.ActionBlock) NodeResult {
	req := ContentRequest{BlockIDs: b.BlockIDs, Query: b.Query}
	if b.LaunchMode == program.LaunchPending {
		// Out-of-band: the outcome never blocks the program.
		req.Async = true
		_, _ = r.generate(n, req)
		return r.next(n)
	}

	content, err := r.generate(n, req)
	if err != nil {
		return generationUnavailable(n, err)
	}
	d := &Display{
		NodeID:  n.ID,
		Kind:    string(program.KindActionBlock),
		Text:    content.Text,
		Payload: content.Payload,
	}
	return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitAck, NodeID: n.ID}}
}

// generate calls the content resolver with the configured timeout.
func (r *run) generate(n *program.Node, req ContentRequest) (*Content, *Error) {
	if r.e.resolver == nil {
		return nil, newError(CodeGenerationUnavailable, r.prog.ID, n.ID, nil, "no content resolver configured")
	}

	req.RequestID = r.e.newID()
	req.SessionID = r.sessionID
	req.NPCID = r.rs.NPCID
	req.ProgramID = r.prog.ID
	req.NodeID = n.ID
	req.Variables = r.rs.Variables
	r.emit("generation.requested", map[string]interface{}{
		"node_id":    n.ID,
		"request_id": req.RequestID,
		"async":      req.Async,
	})

	ctx, cancel := context.WithTimeout(r.ctx, r.e.generationTimeout)
	defer cancel()
	content, err := r.e.resolver.ResolveContent(ctx, req)
	if err != nil {
		r.emit("generation.failed", map[string]interface{}{
			"node_id":    n.ID,
			"request_id": req.RequestID,
			"error":      err.Error(),
		})
		return nil, newError(CodeGenerationUnavailable, r.prog.ID, n.ID, err, "content generation failed")
	}
	if content == nil {
		content = &Content{}
	}
	r.emit("generation.completed", map[string]interface{}{"node_id": n.ID, "request_id": req.RequestID})
	return content, nil
}

func generationUnavailable(n *program.Node, err *Error) NodeResult {
	return Suspend{
		Awaiting: session.Awaiting{Kind: session.AwaitGeneration, NodeID: n.ID},
		Err:      err,
	}
}

func (r *run) branch(n *program.Node, b *program.Branch) NodeResult {
	for _, c := range b.Branches {
		if r.test(n, c.Condition) {
			return Advance{Next: c.TargetNodeID}
		}
	}
	return Advance{Next: b.DefaultTargetNodeID}
}

func (r *run) scene(n *program.Node, b *program.Scene) NodeResult {
	if b.Mode == program.SceneTransition {
		h := &Handoff{SceneID: b.SceneID, LocationID: b.LocationID}
		r.emit("scene.handoff", map[string]interface{}{
			"node_id":     n.ID,
			"scene_id":    b.SceneID,
			"location_id": b.LocationID,
		})
		return Finish{Handoff: h}
	}

	ret := b.ReturnNodeID
	if ret == "" {
		ret, _ = r.prog.Successor(n.ID)
	}
	return PushFrame{
		ProgramID:    b.ProgramID,
		EntryNodeID:  b.EntryNodeID,
		ReturnNodeID: ret,
		Bindings:     b.RoleBindings,
	}
}

func (r *run) wait(n *program.Node, b *program.Wait) NodeResult {
	d := &Display{NodeID: n.ID, Kind: string(program.KindWait), Prompt: b.Prompt}
	switch b.Mode {
	case program.WaitDuration:
		dur, _ := time.ParseDuration(b.Duration)
		at := r.e.now().Add(dur).UTC()
		return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitTimer, NodeID: n.ID, ResumeAfter: &at}}
	case program.WaitCondition:
		if r.test(n, b.Condition) {
			return r.next(n)
		}
		return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitCondition, NodeID: n.ID, Condition: b.Condition}}
	default:
		return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitText, NodeID: n.ID}}
	}
}

func (r *run) resumeWait(n *program.Node, b *program.Wait, in Input) NodeResult {
	d := &Display{NodeID: n.ID, Kind: string(program.KindWait), Prompt: b.Prompt}
	switch b.Mode {
	case program.WaitDuration:
		aw := r.rs.Awaiting
		if aw != nil && aw.ResumeAfter != nil && r.e.now().Before(*aw.ResumeAfter) {
			return Suspend{Display: d, Awaiting: *aw, Unchanged: true}
		}
		return r.next(n)
	case program.WaitCondition:
		if r.test(n, b.Condition) {
			return r.next(n)
		}
		return Suspend{Display: d, Awaiting: session.Awaiting{Kind: session.AwaitCondition, NodeID: n.ID, Condition: b.Condition}, Unchanged: true}
	default:
		if b.Variable != "" {
			r.rs.Variables[b.Variable] = in.Text
		}
		return r.next(n)
	}
}
