package engine

import (
	"context"

	"github.com/AaronLay10/SentientNarrative/internal/program"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// ProgramSource returns programs by id. Returned programs must not change
// while any runtime references them.
type ProgramSource interface {
	GetProgram(ctx context.Context, id string) (*program.Program, error)
}

// VersionedProgramSource also serves older versions of a program. Runtimes
// suspended on an older version keep running it when the source provides
// this; otherwise they are abandoned once a newer version replaces it.
type VersionedProgramSource interface {
	ProgramSource
	GetProgramVersion(ctx context.Context, id string, version int) (*program.Program, error)
}

// SessionStore persists session documents with optimistic versioning: Save
// fails with session.ErrConflict when doc.Version is stale and bumps
// doc.Version on success.
type SessionStore interface {
	Load(ctx context.Context, sessionID string) (*session.Document, error)
	Save(ctx context.Context, doc *session.Document) error
}

// ContentRequest asks the generation collaborator for content.
type ContentRequest struct {
	RequestID  string              `json:"requestId"`
	SessionID  string              `json:"sessionId"`
	NPCID      string              `json:"npcId"`
	ProgramID  string              `json:"programId"`
	NodeID     string              `json:"nodeId"`
	ProgramKey string              `json:"programKey,omitempty"`
	BlockIDs   []string            `json:"blockIds,omitempty"`
	Query      *program.BlockQuery `json:"query,omitempty"`
	Variables  map[string]any      `json:"variables,omitempty"`
	// Async requests fire-and-forget generation; the resolver returns as soon
	// as the request is handed off.
	Async bool `json:"async,omitempty"`
}

// Content is a generation result.
type Content struct {
	Text    string `json:"text,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ContentResolver produces generated text and content blocks.
type ContentResolver interface {
	ResolveContent(ctx context.Context, req ContentRequest) (*Content, error)
}
