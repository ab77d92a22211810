// Package memory is an in-process program registry and session store. It
// keeps sessions in serialized form so every Load hands out an independent
// copy, the same as a database would.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

type storedSession struct {
	version int64
	body    []byte
}

// Store implements the engine's program source and session store.
type Store struct {
	mu       sync.RWMutex
	programs map[string]map[int]*program.Program
	sessions map[string]storedSession
}

// New creates an empty store.
func New() *Store {
	return &Store{
		programs: make(map[string]map[int]*program.Program),
		sessions: make(map[string]storedSession),
	}
}

// PutProgram registers p under (id, version), replacing an earlier upload of
// the same version. Older versions stay available to runtimes still on them.
func (s *Store) PutProgram(_ context.Context, p *program.Program) error {
	if p.ID == "" {
		return fmt.Errorf("program has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.programs[p.ID]
	if !ok {
		versions = make(map[int]*program.Program)
		s.programs[p.ID] = versions
	}
	versions[p.Version] = p
	return nil
}

// GetProgram returns the highest registered version of id, or
// program.ErrNotFound.
func (s *Store) GetProgram(_ context.Context, id string) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := latest(s.programs[id])
	if p == nil {
		return nil, fmt.Errorf("%w: %s", program.ErrNotFound, id)
	}
	return p, nil
}

// GetProgramVersion returns exactly (id, version), or program.ErrNotFound.
func (s *Store) GetProgramVersion(_ context.Context, id string, version int) (*program.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[id][version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", program.ErrNotFound, id, version)
	}
	return p, nil
}

// ListPrograms returns summaries of the latest version of every program,
// sorted by id.
func (s *Store) ListPrograms(_ context.Context) ([]program.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]program.Summary, 0, len(s.programs))
	for _, versions := range s.programs {
		if p := latest(versions); p != nil {
			out = append(out, p.Summarize())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func latest(versions map[int]*program.Program) *program.Program {
	var best *program.Program
	for _, p := range versions {
		if best == nil || p.Version > best.Version {
			best = p
		}
	}
	return best
}

// Load returns a copy of the stored document, or session.ErrNotFound.
func (s *Store) Load(_ context.Context, sessionID string) (*session.Document, error) {
	s.mu.RLock()
	stored, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, sessionID)
	}
	doc, err := session.Unmarshal(stored.body)
	if err != nil {
		return nil, err
	}
	doc.Version = stored.version
	return doc, nil
}

// Save stores doc if its version matches the stored one (0 for a new
// session) and bumps doc.Version. A mismatch returns session.ErrConflict.
func (s *Store) Save(_ context.Context, doc *session.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if stored, ok := s.sessions[doc.ID]; ok {
		current = stored.version
	}
	if doc.Version != current {
		return fmt.Errorf("%w: %s at version %d, stored %d", session.ErrConflict, doc.ID, doc.Version, current)
	}

	doc.Version = current + 1
	body, err := json.Marshal(doc)
	if err != nil {
		doc.Version = current
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	s.sessions[doc.ID] = storedSession{version: doc.Version, body: body}
	return nil
}
