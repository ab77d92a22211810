package engine

import (
	"context"

	"github.com/AaronLay10/SentientNarrative/internal/effects"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// run is the state of one Start or Step call. Everything it touches belongs to
// the call's private copy of the session document.
type run struct {
	e         *Engine
	ctx       context.Context
	sessionID string
	doc       *session.Document
	rs        *session.RuntimeState
	prog      *program.Program

	// current is the node entered and not yet exited.
	current *program.Node

	transitions int
	transcript  []Display
	batch       events.Batch

	// unchanged is set when the call ends by re-suspending without touching
	// state; such calls are not saved.
	unchanged bool
}

func (r *run) evalContext() *session.Context {
	return session.NewContext(r.doc, r.rs.NPCID, r.rs.Variables)
}

func (r *run) emit(name string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["session_id"] = r.sessionID
	fields["npc_id"] = r.rs.NPCID
	if r.prog != nil {
		fields["program_id"] = r.prog.ID
	}
	_ = r.batch.Add("info", name, "", fields)
}

func (r *run) show(d Display) {
	r.transcript = append(r.transcript, d)
}

// begin enters the first node of a fresh run and drives the loop.
func (r *run) begin(entry string) (*StepResult, error) {
	if err := r.enter(entry); err != nil {
		return nil, err
	}
	res, err := r.execute(r.current)
	if err != nil {
		return nil, err
	}
	return r.drive(res)
}

// resume hands input to the node the runtime is suspended on. The node was
// entered by an earlier call, so its onEnter effects are not applied again.
func (r *run) resume(in Input) (*StepResult, error) {
	awaiting := ""
	if r.rs.Awaiting != nil {
		awaiting = string(r.rs.Awaiting.Kind)
	}
	r.rs.Status = session.StatusRunning
	r.emit("runtime.resumed", map[string]interface{}{"node_id": r.current.ID, "awaiting": awaiting})

	res, err := r.resumeNode(r.current, in)
	if err != nil {
		return nil, err
	}
	return r.drive(res)
}

func (r *run) enter(id string) error {
	n, ok := r.prog.Node(id)
	if !ok {
		return newError(CodeProgramInvalid, r.prog.ID, id, nil, "node %q does not exist", id)
	}
	r.current = n
	r.rs.ActiveNodeID = id
	r.rs.Visit(id, r.e.historyLimit)
	r.emit("node.entered", map[string]interface{}{"node_id": id, "kind": string(n.Kind())})

	if err := effects.Apply(n.OnEnter, r.evalContext(), r.e.limits); err != nil {
		return newError(CodeProgramInvalid, r.prog.ID, id, err, "onEnter effects failed")
	}
	return nil
}

func (r *run) exit() error {
	n := r.current
	if n == nil {
		return nil
	}
	r.current = nil
	if err := effects.Apply(n.OnExit, r.evalContext(), r.e.limits); err != nil {
		return newError(CodeProgramInvalid, r.prog.ID, n.ID, err, "onExit effects failed")
	}
	r.emit("node.exited", map[string]interface{}{"node_id": n.ID})
	return nil
}

// count guards against authoring cycles that never suspend.
func (r *run) count() error {
	r.transitions++
	if r.transitions > r.e.maxTransitions {
		return newError(CodeInfiniteLoopDetected, r.prog.ID, r.rs.ActiveNodeID, nil,
			"more than %d transitions without suspending", r.e.maxTransitions)
	}
	return nil
}

// drive applies node results until the runtime suspends or finishes.
func (r *run) drive(res NodeResult) (*StepResult, error) {
	for {
		var err error
		if _, waiting := res.(Suspend); !waiting {
			r.rs.Awaiting = nil
		}

		switch v := res.(type) {
		case Advance:
			if err = r.count(); err != nil {
				return nil, err
			}
			if err = r.exit(); err != nil {
				return nil, err
			}
			if err = r.enter(v.Next); err != nil {
				return nil, err
			}
			res, err = r.execute(r.current)

		case Suspend:
			return r.suspend(v), nil

		case PushFrame:
			if err = r.count(); err != nil {
				return nil, err
			}
			child, perr := r.e.program(r.ctx, v.ProgramID)
			if perr != nil {
				return nil, perr
			}
			if err = r.exit(); err != nil {
				return nil, err
			}
			r.rs.Push(session.Frame{
				ProgramID:      r.prog.ID,
				ProgramVersion: r.prog.Version,
				ReturnNodeID:   v.ReturnNodeID,
				Variables:      r.rs.Variables,
			})
			r.emit("frame.pushed", map[string]interface{}{
				"child_program_id": child.ID,
				"return_node_id":   v.ReturnNodeID,
				"depth":            len(r.rs.Stack),
			})
			r.enterProgram(child, bindings(v.Bindings))
			entry := v.EntryNodeID
			if entry == "" {
				entry = child.EntryNodeID
			}
			if err = r.enter(entry); err != nil {
				return nil, err
			}
			res, err = r.execute(r.current)

		case PopFrame:
			if err = r.exit(); err != nil {
				return nil, err
			}
			frame, ok := r.rs.Pop()
			if !ok {
				res = Finish{}
				continue
			}
			if err = r.count(); err != nil {
				return nil, err
			}
			caller, perr := r.e.programAt(r.ctx, frame.ProgramID, frame.ProgramVersion)
			if perr != nil {
				return nil, perr
			}
			r.emit("frame.popped", map[string]interface{}{
				"caller_program_id": caller.ID,
				"return_node_id":    frame.ReturnNodeID,
			})
			r.enterProgram(caller, frame.Variables)
			if frame.ReturnNodeID == "" {
				res = PopFrame{}
				continue
			}
			if err = r.enter(frame.ReturnNodeID); err != nil {
				return nil, err
			}
			res, err = r.execute(r.current)

		case Finish:
			if err = r.exit(); err != nil {
				return nil, err
			}
			if v.Handoff != nil {
				r.rs.Stack = []session.Frame{}
			}
			r.emit("program.finished", nil)
			r.rs.Clear()
			out := r.result()
			out.Finished = true
			out.Handoff = v.Handoff
			return out, nil
		}

		if err != nil {
			return nil, err
		}
	}
}

func (r *run) enterProgram(p *program.Program, vars map[string]any) {
	if vars == nil {
		vars = make(map[string]any)
	}
	r.prog = p
	r.rs.ActiveProgramID = p.ID
	r.rs.ActiveProgramVersion = p.Version
	r.rs.Variables = vars
}

func bindings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *run) suspend(s Suspend) *StepResult {
	aw := s.Awaiting
	if aw.NodeID == "" {
		aw.NodeID = r.rs.ActiveNodeID
	}
	r.rs.Status = session.StatusSuspended
	r.rs.Awaiting = &aw
	r.unchanged = s.Unchanged && r.transitions == 0

	if s.Display != nil {
		r.show(*s.Display)
	}
	fields := map[string]interface{}{"node_id": aw.NodeID, "awaiting": string(aw.Kind)}
	if s.Err != nil {
		fields["error_code"] = string(s.Err.Code)
	}
	r.emit("runtime.suspended", fields)

	out := r.result()
	out.Display = s.Display
	out.Choices = s.Choices
	awCopy := aw
	out.Awaiting = &awCopy
	if s.Err != nil {
		out.Error = s.Err.Descriptor()
	}
	return out
}

func (r *run) result() *StepResult {
	return &StepResult{
		SessionID:  r.sessionID,
		NPCID:      r.rs.NPCID,
		State:      r.rs.Status,
		ProgramID:  r.rs.ActiveProgramID,
		NodeID:     r.rs.ActiveNodeID,
		Transcript: r.transcript,
	}
}
