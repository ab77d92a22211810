// Package storagetest holds the behaviour every program/session store must
// share, run against each backend from its own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// Store is the union of the engine's program source and session store plus
// the registry calls the API uses.
type Store interface {
	PutProgram(ctx context.Context, p *program.Program) error
	GetProgram(ctx context.Context, id string) (*program.Program, error)
	GetProgramVersion(ctx context.Context, id string, version int) (*program.Program, error)
	ListPrograms(ctx context.Context) ([]program.Summary, error)
	Load(ctx context.Context, sessionID string) (*session.Document, error)
	Save(ctx context.Context, doc *session.Document) error
}

const sampleProgram = `{
	"id": "greeting", "version": 1, "kind": "dialogue", "entryNodeId": "hi",
	"nodes": [{"id": "hi", "kind": "dialogue", "text": "Hello"}]
}`

// Run exercises s. Session and program ids are prefixed with prefix so a
// shared database can be reused across runs.
func Run(t *testing.T, s Store, prefix string) {
	t.Helper()
	t.Run("programs", func(t *testing.T) { programs(t, s, prefix) })
	t.Run("sessions", func(t *testing.T) { sessions(t, s, prefix) })
}

func programs(t *testing.T, s Store, prefix string) {
	ctx := context.Background()

	if _, err := s.GetProgram(ctx, prefix+"missing"); !errors.Is(err, program.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	v1, err := program.Parse([]byte(sampleProgram))
	if err != nil {
		t.Fatalf("failed to parse program: %v", err)
	}
	v1.ID = prefix + "greeting"
	if err := s.PutProgram(ctx, v1); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	v2, _ := program.Parse([]byte(sampleProgram))
	v2.ID = prefix + "greeting"
	v2.Version = 2
	if err := s.PutProgram(ctx, v2); err != nil {
		t.Fatalf("put v2 failed: %v", err)
	}

	got, err := s.GetProgram(ctx, prefix+"greeting")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected latest version 2, got %d", got.Version)
	}
	old, err := s.GetProgramVersion(ctx, prefix+"greeting", 1)
	if err != nil {
		t.Fatalf("get v1 failed: %v", err)
	}
	if old.Version != 1 {
		t.Errorf("expected version 1, got %d", old.Version)
	}
	if _, err := s.GetProgramVersion(ctx, prefix+"greeting", 3); !errors.Is(err, program.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown version, got %v", err)
	}
	n, ok := got.Node("hi")
	if !ok {
		t.Fatal("expected node hi after round trip")
	}
	if d, ok := n.Body.(*program.Dialogue); !ok || d.Text != "Hello" {
		t.Errorf("unexpected node body %+v", n.Body)
	}

	list, err := s.ListPrograms(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	found := false
	for _, sum := range list {
		if sum.ID == prefix+"greeting" {
			found = true
			if sum.Version != 2 || sum.Nodes != 1 {
				t.Errorf("unexpected summary %+v", sum)
			}
		}
	}
	if !found {
		t.Errorf("expected %sgreeting in %v", prefix, list)
	}
}

func sessions(t *testing.T, s Store, prefix string) {
	ctx := context.Background()
	id := prefix + "session-1"

	if _, err := s.Load(ctx, id); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	doc := session.NewDocument(id)
	doc.Flags["met"] = true
	doc.Relationship("alice").Trust = 30
	rs := doc.EnsureRuntime("alice")
	rs.Reset("greeting", 1, "hi", map[string]any{"name": "Sam"})
	rs.Status = session.StatusSuspended
	rs.Awaiting = &session.Awaiting{Kind: session.AwaitAck, NodeID: "hi"}

	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("expected version 1 after first save, got %d", doc.Version)
	}

	loaded, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Version != 1 {
		t.Errorf("expected loaded version 1, got %d", loaded.Version)
	}
	if loaded.Flags["met"] != true || loaded.Relationships["alice"].Trust != 30 {
		t.Errorf("unexpected loaded document %+v", loaded)
	}
	lrs := loaded.Runtime("alice")
	if lrs == nil || lrs.Status != session.StatusSuspended || lrs.Awaiting.NodeID != "hi" || lrs.Variables["name"] != "Sam" {
		t.Errorf("unexpected runtime state %+v", lrs)
	}

	// A stale writer loses.
	stale, _ := s.Load(ctx, id)
	loaded.Flags["met"] = false
	if err := s.Save(ctx, loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	stale.Flags["met"] = "stale"
	if err := s.Save(ctx, stale); !errors.Is(err, session.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if stale.Version != 1 {
		t.Errorf("expected failed save to keep version 1, got %d", stale.Version)
	}

	// Creating an existing session also conflicts.
	dup := session.NewDocument(id)
	if err := s.Save(ctx, dup); !errors.Is(err, session.ErrConflict) {
		t.Errorf("expected ErrConflict creating existing session, got %v", err)
	}

	final, _ := s.Load(ctx, id)
	if final.Version != 2 || final.Flags["met"] != false {
		t.Errorf("expected version 2 with met=false, got %d %v", final.Version, final.Flags["met"])
	}
}
