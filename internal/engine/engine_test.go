package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
	"github.com/AaronLay10/SentientNarrative/internal/storage/memory"
)

func mustParse(t *testing.T, src string) *program.Program {
	t.Helper()
	p, err := program.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return p
}

func setup(t *testing.T, opts []Option, progs ...*program.Program) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	for _, p := range progs {
		if err := store.PutProgram(context.Background(), p); err != nil {
			t.Fatalf("put program failed: %v", err)
		}
	}
	return New(store, store, opts...), store
}

func seed(t *testing.T, store *memory.Store, doc *session.Document) {
	t.Helper()
	if err := store.Save(context.Background(), doc); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func encode(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(b)
}

func storedJSON(t *testing.T, store *memory.Store, id string) string {
	t.Helper()
	doc, err := store.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return encode(t, doc)
}

type fakeResolver struct {
	failures int
	text     string
	requests []ContentRequest
}

func (f *fakeResolver) ResolveContent(_ context.Context, req ContentRequest) (*Content, error) {
	f.requests = append(f.requests, req)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("model offline")
	}
	return &Content{Text: f.text}, nil
}

const linearProgram = `{
  "id": "linear", "version": 1, "entryNodeId": "n1",
  "nodes": [
    {"id": "n1", "kind": "dialogue", "speaker": "alice", "text": "Hi"},
    {"id": "n2", "kind": "dialogue", "speaker": "alice", "text": "Bye"}
  ],
  "edges": [{"id": "e1", "from": "n1", "to": "n2"}]
}`

func TestLinearDialogue(t *testing.T) {
	eng, _ := setup(t, nil, mustParse(t, linearProgram))
	ctx := context.Background()

	res, err := eng.Start(ctx, "s1", "alice", "linear", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.State != session.StatusSuspended || res.NodeID != "n1" {
		t.Fatalf("expected suspended at n1, got %s at %s", res.State, res.NodeID)
	}
	if res.Display == nil || res.Display.Text != "Hi" {
		t.Errorf("expected display Hi, got %+v", res.Display)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Display == nil || res.Display.Text != "Bye" {
		t.Errorf("expected display Bye, got %+v", res.Display)
	}
	if res.Awaiting == nil || res.Awaiting.Kind != session.AwaitAck {
		t.Errorf("expected ack awaiting, got %+v", res.Awaiting)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !res.Finished || res.State != session.StatusFinished {
		t.Errorf("expected finished, got %s finished=%v", res.State, res.Finished)
	}

	state, err := eng.GetState(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if state.Status != session.StatusFinished || state.Awaiting != nil {
		t.Errorf("expected finished state without awaiting, got %+v", state)
	}
}

const gatedProgram = `{
  "id": "gated", "version": 1, "entryNodeId": "ask",
  "nodes": [
    {"id": "ask", "kind": "choice", "prompt": "Well?", "choices": [
      {"id": "c1", "text": "Hello", "targetNodeId": "end"},
      {"id": "c2", "text": "I love you", "condition": "affinity >= 60", "targetNodeId": "end"}
    ]},
    {"id": "end", "kind": "dialogue", "text": "Okay."}
  ],
  "edges": []
}`

func TestGatedChoice(t *testing.T) {
	eng, store := setup(t, nil, mustParse(t, gatedProgram))
	ctx := context.Background()

	doc := session.NewDocument("s1")
	doc.Relationship("alice").Affinity = 40
	seed(t, store, doc)

	res, err := eng.Start(ctx, "s1", "alice", "gated", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(res.Choices) != 1 || res.Choices[0].ID != "c1" {
		t.Fatalf("expected only c1 visible, got %+v", res.Choices)
	}
	if res.Display == nil || res.Display.Prompt != "Well?" {
		t.Errorf("expected prompt, got %+v", res.Display)
	}

	before := storedJSON(t, store, "s1")
	res, err = eng.Step(ctx, "s1", "alice", Input{ChoiceID: "c2"})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Error == nil || res.Error.Code != CodeInvalidResumeInput {
		t.Fatalf("expected INVALID_RESUME_INPUT, got %+v", res.Error)
	}
	if !res.Error.Retryable {
		t.Error("expected rejected input to be retryable")
	}
	if res.State != session.StatusSuspended || res.NodeID != "ask" {
		t.Errorf("expected still suspended at ask, got %s at %s", res.State, res.NodeID)
	}
	if len(res.Choices) != 1 {
		t.Errorf("expected choices re-presented, got %+v", res.Choices)
	}
	if after := storedJSON(t, store, "s1"); after != before {
		t.Errorf("expected session unchanged\nbefore: %s\nafter:  %s", before, after)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{ChoiceID: "c1"})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "end" || res.Error != nil {
		t.Errorf("expected end without error, got %s %+v", res.NodeID, res.Error)
	}
}

func TestBranchFallsBackToDefault(t *testing.T) {
	src := `{
	  "id": "trusty", "version": 1, "entryNodeId": "check",
	  "nodes": [
	    {"id": "check", "kind": "branch",
	     "branches": [{"condition": "trust >= 50", "targetNodeId": "high_trust_node"}],
	     "defaultTargetNodeId": "low_trust_node"},
	    {"id": "high_trust_node", "kind": "dialogue", "text": "I trust you."},
	    {"id": "low_trust_node", "kind": "dialogue", "text": "Hmm."}
	  ],
	  "edges": []
	}`
	eng, store := setup(t, nil, mustParse(t, src))
	doc := session.NewDocument("s1")
	doc.Relationship("alice").Trust = 10
	seed(t, store, doc)

	res, err := eng.Start(context.Background(), "s1", "alice", "trusty", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.NodeID != "low_trust_node" {
		t.Errorf("expected low_trust_node, got %s", res.NodeID)
	}
}

func TestInfiniteLoopLeavesSessionUntouched(t *testing.T) {
	src := `{
	  "id": "spin", "version": 1, "entryNodeId": "loop",
	  "nodes": [
	    {"id": "loop", "kind": "action", "effects": [
	      {"flag": {"path": "spins", "op": "increment", "value": 1}}
	    ]}
	  ],
	  "edges": [{"id": "e1", "from": "loop", "to": "loop"}]
	}`
	eng, store := setup(t, []Option{WithMaxTransitions(10)}, mustParse(t, src))
	seed(t, store, session.NewDocument("s1"))
	before := storedJSON(t, store, "s1")

	_, err := eng.Start(context.Background(), "s1", "alice", "spin", nil)
	if CodeOf(err) != CodeInfiniteLoopDetected {
		t.Fatalf("expected INFINITE_LOOP_DETECTED, got %v", err)
	}
	if after := storedJSON(t, store, "s1"); after != before {
		t.Errorf("expected session unchanged\nbefore: %s\nafter:  %s", before, after)
	}
}

func TestOnEnterRunsOnEveryEntry(t *testing.T) {
	src := `{
	  "id": "hub", "version": 1, "entryNodeId": "hub",
	  "nodes": [
	    {"id": "hub", "kind": "dialogue", "text": "Again?",
	     "onEnter": [{"flag": {"path": "visits", "op": "increment", "value": 1}}]}
	  ],
	  "edges": [{"id": "e1", "from": "hub", "to": "hub"}]
	}`
	eng, store := setup(t, nil, mustParse(t, src))
	ctx := context.Background()

	if _, err := eng.Start(ctx, "s1", "alice", "hub", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := eng.Step(ctx, "s1", "alice", Input{}); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	doc, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	v, _ := doc.Flag("visits")
	if fmt.Sprint(v) != "2" {
		t.Errorf("expected visits 2, got %v", v)
	}
	rs := doc.Runtime("alice")
	if len(rs.History) != 2 {
		t.Errorf("expected 2 history entries, got %v", rs.History)
	}
}

func TestSerializedStateResumesIdentically(t *testing.T) {
	p := mustParse(t, gatedProgram)
	engA, storeA := setup(t, nil, p)
	engB, storeB := setup(t, nil, p)
	ctx := context.Background()

	if _, err := engA.Start(ctx, "s1", "alice", "gated", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	doc, err := storeA.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	copied, err := session.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	copied.Version = 0
	seed(t, storeB, copied)

	resA, err := engA.Step(ctx, "s1", "alice", Input{ChoiceID: "c1"})
	if err != nil {
		t.Fatalf("step A failed: %v", err)
	}
	resB, err := engB.Step(ctx, "s1", "alice", Input{ChoiceID: "c1"})
	if err != nil {
		t.Fatalf("step B failed: %v", err)
	}
	if a, b := encode(t, resA), encode(t, resB); a != b {
		t.Errorf("expected identical results\nA: %s\nB: %s", a, b)
	}
}

func loadSample(t *testing.T, name string) *program.Program {
	t.Helper()
	p, err := program.LoadFile("../../programs/" + name)
	if err != nil {
		t.Fatalf("load %s failed: %v", name, err)
	}
	return p
}

func TestSubProgramCallAndReturn(t *testing.T) {
	resolver := &fakeResolver{text: "I remember the rain."}
	eng, store := setup(t, []Option{WithResolver(resolver)},
		loadSample(t, "alice_intro.json"), loadSample(t, "alice_memory.yaml"))
	ctx := context.Background()

	doc := session.NewDocument("s1")
	doc.Relationship("alice").Affinity = 60
	seed(t, store, doc)

	res, err := eng.Start(ctx, "s1", "alice", "alice_intro", map[string]any{"playerName": "Sam"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(res.Transcript) == 0 || res.Transcript[0].Text != "Oh, Sam. Back again?" {
		t.Errorf("expected rendered greeting, got %+v", res.Transcript)
	}
	if len(res.Choices) != 3 {
		t.Fatalf("expected 3 choices, got %+v", res.Choices)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{ChoiceID: "confide"})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.ProgramID != "alice_memory" || res.NodeID != "linger" {
		t.Fatalf("expected alice_memory/linger, got %s/%s", res.ProgramID, res.NodeID)
	}
	if res.Awaiting == nil || res.Awaiting.Kind != session.AwaitText {
		t.Errorf("expected text awaiting, got %+v", res.Awaiting)
	}
	if len(resolver.requests) != 1 || resolver.requests[0].ProgramKey != "alice.memory.recall" {
		t.Errorf("expected one generation request, got %+v", resolver.requests)
	}
	if got := resolver.requests[0].Variables["companion"]; got != "player" {
		t.Errorf("expected role binding in child variables, got %v", got)
	}

	state, err := eng.GetState(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if len(state.Stack) != 1 || state.Stack[0].ReturnNodeID != "reward" {
		t.Errorf("expected one frame returning to reward, got %+v", state.Stack)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{Text: "me too"})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.ProgramID != "alice_intro" || res.NodeID != "goodbye" {
		t.Fatalf("expected alice_intro/goodbye, got %s/%s", res.ProgramID, res.NodeID)
	}

	doc, err = store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := doc.Relationships["alice"].Chemistry; got != 10 {
		t.Errorf("expected chemistry 10, got %v", got)
	}
	if v, _ := doc.Flag("alice.shared_memory"); v != true {
		t.Errorf("expected shared_memory flag, got %v", v)
	}
	if doc.Inventory["pressed_flower"] != 1 {
		t.Errorf("expected pressed_flower, got %v", doc.Inventory)
	}
	if arc := doc.Arcs["alice_romance"]; arc == nil || arc.Stage != 1 {
		t.Errorf("expected alice_romance stage 1, got %+v", arc)
	}
	rs := doc.Runtime("alice")
	if len(rs.Stack) != 0 {
		t.Errorf("expected empty stack after return, got %+v", rs.Stack)
	}
	if rs.Variables["playerName"] != "Sam" {
		t.Errorf("expected caller variables restored, got %v", rs.Variables)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !res.Finished || res.Handoff == nil || res.Handoff.SceneID != "market_square" {
		t.Errorf("expected handoff to market_square, got %+v", res)
	}
}

func TestWaits(t *testing.T) {
	src := `{
	  "id": "waits", "version": 1, "entryNodeId": "pause",
	  "nodes": [
	    {"id": "pause", "kind": "wait", "mode": "duration", "duration": "30s"},
	    {"id": "door", "kind": "wait", "mode": "condition", "condition": "flags.door_open"},
	    {"id": "ask", "kind": "wait", "mode": "player_input", "prompt": "Name?", "variable": "answer"},
	    {"id": "echo", "kind": "dialogue", "mode": "template", "text": "You said {{vars.answer}}"}
	  ],
	  "edges": [
	    {"id": "e1", "from": "pause", "to": "door"},
	    {"id": "e2", "from": "door", "to": "ask"},
	    {"id": "e3", "from": "ask", "to": "echo"}
	  ]
	}`
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng, store := setup(t, []Option{WithClock(func() time.Time { return now })}, mustParse(t, src))
	ctx := context.Background()

	res, err := eng.Start(ctx, "s1", "alice", "waits", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Awaiting == nil || res.Awaiting.Kind != session.AwaitTimer || res.Awaiting.ResumeAfter == nil {
		t.Fatalf("expected timer awaiting, got %+v", res.Awaiting)
	}
	if !res.Awaiting.ResumeAfter.Equal(now.Add(30 * time.Second)) {
		t.Errorf("expected resume at +30s, got %v", res.Awaiting.ResumeAfter)
	}

	now = now.Add(10 * time.Second)
	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "pause" {
		t.Errorf("expected still paused, got %s", res.NodeID)
	}

	now = now.Add(25 * time.Second)
	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "door" || res.Awaiting.Kind != session.AwaitCondition {
		t.Fatalf("expected condition wait at door, got %s %+v", res.NodeID, res.Awaiting)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "door" {
		t.Errorf("expected door to stay closed, got %s", res.NodeID)
	}

	doc, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := doc.SetFlag("door_open", true); err != nil {
		t.Fatalf("set flag failed: %v", err)
	}
	if err := store.Save(ctx, doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "ask" || res.Awaiting.Kind != session.AwaitText {
		t.Fatalf("expected text wait at ask, got %s %+v", res.NodeID, res.Awaiting)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{Text: "Sam"})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Display == nil || res.Display.Text != "You said Sam" {
		t.Errorf("expected echoed answer, got %+v", res.Display)
	}
}

func TestGenerationFailureIsRetryable(t *testing.T) {
	src := `{
	  "id": "llm", "version": 1, "entryNodeId": "line",
	  "nodes": [
	    {"id": "line", "kind": "dialogue", "speaker": "alice", "mode": "llm_program", "programKey": "alice.smalltalk",
	     "onEnter": [{"flag": {"path": "entered", "op": "increment", "value": 1}}]}
	  ],
	  "edges": []
	}`
	resolver := &fakeResolver{failures: 1, text: "Lovely weather."}
	eng, store := setup(t, []Option{WithResolver(resolver)}, mustParse(t, src))
	ctx := context.Background()

	res, err := eng.Start(ctx, "s1", "alice", "llm", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Error == nil || res.Error.Code != CodeGenerationUnavailable || !res.Error.Retryable {
		t.Fatalf("expected retryable GENERATION_UNAVAILABLE, got %+v", res.Error)
	}
	if res.Awaiting == nil || res.Awaiting.Kind != session.AwaitGeneration {
		t.Errorf("expected generation awaiting, got %+v", res.Awaiting)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Error != nil || res.Display == nil || res.Display.Text != "Lovely weather." {
		t.Errorf("expected generated line, got %+v", res)
	}
	if len(resolver.requests) != 2 || resolver.requests[1].ProgramKey != "alice.smalltalk" {
		t.Errorf("expected two requests, got %+v", resolver.requests)
	}

	doc, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if v, _ := doc.Flag("entered"); fmt.Sprint(v) != "1" {
		t.Errorf("expected onEnter applied once, got %v", v)
	}
}

func TestGenerationWithoutResolver(t *testing.T) {
	src := `{
	  "id": "llm", "version": 1, "entryNodeId": "line",
	  "nodes": [{"id": "line", "kind": "dialogue", "mode": "llm_program", "programKey": "k"}],
	  "edges": []
	}`
	eng, _ := setup(t, nil, mustParse(t, src))
	res, err := eng.Start(context.Background(), "s1", "alice", "llm", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.Error == nil || res.Error.Code != CodeGenerationUnavailable {
		t.Errorf("expected GENERATION_UNAVAILABLE, got %+v", res.Error)
	}
}

func TestPendingActionBlockDoesNotBlock(t *testing.T) {
	src := `{
	  "id": "blocks", "version": 1, "entryNodeId": "kiss",
	  "nodes": [
	    {"id": "kiss", "kind": "action_block", "mode": "direct", "blockIds": ["kiss_01"], "launchMode": "pending"},
	    {"id": "show", "kind": "action_block", "mode": "query", "query": {"location": "park", "mood": "calm"}},
	    {"id": "after", "kind": "dialogue", "text": "Well then."}
	  ],
	  "edges": [
	    {"id": "e1", "from": "kiss", "to": "show"},
	    {"id": "e2", "from": "show", "to": "after"}
	  ]
	}`
	resolver := &fakeResolver{text: "They sit on the bench."}
	eng, _ := setup(t, []Option{WithResolver(resolver)}, mustParse(t, src))
	ctx := context.Background()

	res, err := eng.Start(ctx, "s1", "alice", "blocks", nil)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if res.NodeID != "show" || res.Display == nil || res.Display.Text != "They sit on the bench." {
		t.Fatalf("expected immediate block display, got %s %+v", res.NodeID, res.Display)
	}
	if len(resolver.requests) != 2 || !resolver.requests[0].Async || resolver.requests[1].Async {
		t.Errorf("expected async then sync request, got %+v", resolver.requests)
	}
	if q := resolver.requests[1].Query; q == nil || q.Location != "park" {
		t.Errorf("expected query forwarded, got %+v", q)
	}

	res, err = eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.NodeID != "after" {
		t.Errorf("expected after, got %s", res.NodeID)
	}
}

func TestProgramErrors(t *testing.T) {
	invalid := `{
	  "id": "broken", "version": 1, "entryNodeId": "missing",
	  "nodes": [{"id": "a", "kind": "dialogue", "text": "x"}],
	  "edges": []
	}`
	eng, _ := setup(t, nil, mustParse(t, invalid))
	ctx := context.Background()

	if _, err := eng.Start(ctx, "s1", "alice", "nope", nil); CodeOf(err) != CodeProgramNotFound {
		t.Errorf("expected PROGRAM_NOT_FOUND, got %v", err)
	}
	if _, err := eng.Start(ctx, "s1", "alice", "broken", nil); CodeOf(err) != CodeProgramInvalid {
		t.Errorf("expected PROGRAM_INVALID, got %v", err)
	}
}

func TestStepRequiresSuspension(t *testing.T) {
	eng, store := setup(t, nil, mustParse(t, linearProgram))
	ctx := context.Background()

	if _, err := eng.Step(ctx, "ghost", "alice", Input{}); CodeOf(err) != CodeSessionNotFound {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", err)
	}

	seed(t, store, session.NewDocument("s1"))
	if _, err := eng.Step(ctx, "s1", "alice", Input{}); CodeOf(err) != CodeNotSuspended {
		t.Errorf("expected NOT_SUSPENDED for a fresh NPC, got %v", err)
	}

	state, err := eng.GetState(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if state.Status != session.StatusNotStarted {
		t.Errorf("expected not_started, got %s", state.Status)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	src := `{
	  "id": "chain", "version": 1, "entryNodeId": "a",
	  "nodes": [
	    {"id": "a", "kind": "comment"},
	    {"id": "b", "kind": "comment"},
	    {"id": "c", "kind": "comment"},
	    {"id": "d", "kind": "comment"},
	    {"id": "e", "kind": "dialogue", "text": "end of the line"}
	  ],
	  "edges": [
	    {"id": "e1", "from": "a", "to": "b"},
	    {"id": "e2", "from": "b", "to": "c"},
	    {"id": "e3", "from": "c", "to": "d"},
	    {"id": "e4", "from": "d", "to": "e"}
	  ]
	}`
	eng, _ := setup(t, []Option{WithHistoryLimit(3)}, mustParse(t, src))
	ctx := context.Background()

	if _, err := eng.Start(ctx, "s1", "alice", "chain", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	state, err := eng.GetState(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if encode(t, state.History) != `["c","d","e"]` {
		t.Errorf("expected last three nodes, got %v", state.History)
	}
}

type conflictStore struct {
	*memory.Store
}

func (c conflictStore) Save(context.Context, *session.Document) error {
	return session.ErrConflict
}

func TestEventsPublishedOnlyAfterSave(t *testing.T) {
	store := memory.New()
	if err := store.PutProgram(context.Background(), mustParse(t, linearProgram)); err != nil {
		t.Fatalf("put program failed: %v", err)
	}
	eng := New(store, conflictStore{store})
	events.Clear()

	_, err := eng.Start(context.Background(), "s1", "alice", "linear", nil)
	if CodeOf(err) != CodeSessionConflict {
		t.Fatalf("expected SESSION_CONFLICT, got %v", err)
	}
	for _, e := range events.Snapshot() {
		if e.Name == "node.entered" || e.Name == "program.started" {
			t.Errorf("expected no %s before a successful save", e.Name)
		}
	}

	eng = New(store, store)
	events.Clear()
	if _, err := eng.Start(context.Background(), "s1", "alice", "linear", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	names := map[string]bool{}
	for _, e := range events.Snapshot() {
		names[e.Name] = true
	}
	for _, want := range []string{"program.started", "node.entered", "runtime.suspended", "session.saved"} {
		if !names[want] {
			t.Errorf("expected %s event, got %v", want, names)
		}
	}
}

// latestOnly hides the store's versioned lookup.
type latestOnly struct {
	store *memory.Store
}

func (l latestOnly) GetProgram(ctx context.Context, id string) (*program.Program, error) {
	return l.store.GetProgram(ctx, id)
}

func linearV2(t *testing.T) *program.Program {
	t.Helper()
	p := mustParse(t, strings.Replace(strings.Replace(linearProgram,
		`"version": 1`, `"version": 2`, 1), `"Bye"`, `"Bye again"`, 1))
	if p.Version != 2 {
		t.Fatalf("expected version 2, got %d", p.Version)
	}
	return p
}

func TestSuspendedRuntimeKeepsItsProgramVersion(t *testing.T) {
	eng, store := setup(t, nil, mustParse(t, linearProgram))
	ctx := context.Background()

	if _, err := eng.Start(ctx, "s1", "alice", "linear", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := store.PutProgram(ctx, linearV2(t)); err != nil {
		t.Fatalf("put v2 failed: %v", err)
	}

	res, err := eng.Step(ctx, "s1", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Display == nil || res.Display.Text != "Bye" {
		t.Errorf("expected v1 text Bye, got %+v", res.Display)
	}
	state, _ := eng.GetState(ctx, "s1", "alice")
	if state.ActiveProgramVersion != 1 {
		t.Errorf("expected runtime still on version 1, got %d", state.ActiveProgramVersion)
	}

	if _, err := eng.Start(ctx, "s2", "alice", "linear", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	res, err = eng.Step(ctx, "s2", "alice", Input{})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if res.Display == nil || res.Display.Text != "Bye again" {
		t.Errorf("expected new runs on v2, got %+v", res.Display)
	}
}

func TestReplacedVersionAbandonsRuntimeWithoutVersionedSource(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if err := store.PutProgram(ctx, mustParse(t, linearProgram)); err != nil {
		t.Fatalf("put program failed: %v", err)
	}
	eng := New(latestOnly{store}, store)

	if _, err := eng.Start(ctx, "s1", "alice", "linear", nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := store.PutProgram(ctx, linearV2(t)); err != nil {
		t.Fatalf("put v2 failed: %v", err)
	}

	if _, err := eng.Step(ctx, "s1", "alice", Input{}); CodeOf(err) != CodeProgramInvalid {
		t.Fatalf("expected PROGRAM_INVALID, got %v", err)
	}
	state, _ := eng.GetState(ctx, "s1", "alice")
	if state.Status != session.StatusFailed {
		t.Errorf("expected failed runtime, got %s", state.Status)
	}
}
