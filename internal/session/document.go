// Package session defines the session document the narrative engine reads and
// writes: flags, relationships, arcs, inventory and the per-NPC runtime slot.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a session document does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned by stores when the document version on save does
	// not match the stored version.
	ErrConflict = errors.New("session version conflict")
)

// Relationship metric names.
const (
	MetricAffinity  = "affinity"
	MetricTrust     = "trust"
	MetricChemistry = "chemistry"
	MetricTension   = "tension"
)

// IsMetric reports whether name is a numeric relationship metric.
func IsMetric(name string) bool {
	switch name {
	case MetricAffinity, MetricTrust, MetricChemistry, MetricTension:
		return true
	}
	return false
}

// Relationship holds the player's standing with one NPC.
type Relationship struct {
	Affinity        float64 `json:"affinity"`
	Trust           float64 `json:"trust"`
	Chemistry       float64 `json:"chemistry"`
	Tension         float64 `json:"tension"`
	TierID          string  `json:"tierId,omitempty"`
	IntimacyLevelID string  `json:"intimacyLevelId,omitempty"`
}

// Metric returns the named numeric metric.
func (r Relationship) Metric(name string) (float64, bool) {
	switch name {
	case MetricAffinity:
		return r.Affinity, true
	case MetricTrust:
		return r.Trust, true
	case MetricChemistry:
		return r.Chemistry, true
	case MetricTension:
		return r.Tension, true
	}
	return 0, false
}

// SetMetric sets the named numeric metric. Unknown names are an error.
func (r *Relationship) SetMetric(name string, v float64) error {
	switch name {
	case MetricAffinity:
		r.Affinity = v
	case MetricTrust:
		r.Trust = v
	case MetricChemistry:
		r.Chemistry = v
	case MetricTension:
		r.Tension = v
	default:
		return fmt.Errorf("unknown relationship metric: %s", name)
	}
	return nil
}

// Arc tracks the stage of one quest or story arc.
type Arc struct {
	Stage int `json:"stage"`
}

// Document is the long-lived session document. The engine receives it for the
// duration of one call and returns an updated copy.
type Document struct {
	ID            string                   `json:"id"`
	Version       int64                    `json:"version"`
	Flags         map[string]any           `json:"flags"`
	Relationships map[string]*Relationship `json:"relationships"`
	Arcs          map[string]*Arc          `json:"arcs"`
	Inventory     map[string]int           `json:"inventory"`
	Runtimes      map[string]*RuntimeState `json:"narrative"`
}

// NewDocument returns an empty document with all maps allocated.
func NewDocument(id string) *Document {
	d := &Document{ID: id}
	d.Normalize()
	return d
}

// Normalize allocates any nil maps.
func (d *Document) Normalize() {
	if d.Flags == nil {
		d.Flags = make(map[string]any)
	}
	if d.Relationships == nil {
		d.Relationships = make(map[string]*Relationship)
	}
	if d.Arcs == nil {
		d.Arcs = make(map[string]*Arc)
	}
	if d.Inventory == nil {
		d.Inventory = make(map[string]int)
	}
	if d.Runtimes == nil {
		d.Runtimes = make(map[string]*RuntimeState)
	}
}

// Relationship returns the relationship for npcID, creating it when missing.
func (d *Document) Relationship(npcID string) *Relationship {
	d.Normalize()
	rel, ok := d.Relationships[npcID]
	if !ok {
		rel = &Relationship{}
		d.Relationships[npcID] = rel
	}
	return rel
}

// Runtime returns the runtime slot for npcID, or nil if none was ever created.
func (d *Document) Runtime(npcID string) *RuntimeState {
	if d.Runtimes == nil {
		return nil
	}
	return d.Runtimes[npcID]
}

// EnsureRuntime returns the runtime slot for npcID, creating it lazily.
func (d *Document) EnsureRuntime(npcID string) *RuntimeState {
	d.Normalize()
	rs, ok := d.Runtimes[npcID]
	if !ok {
		rs = &RuntimeState{NPCID: npcID, Status: StatusNotStarted}
		d.Runtimes[npcID] = rs
	}
	return rs
}

// Clone returns a deep copy of the document through its serialized form, so a
// clone is exactly what a store would hand back after a save.
func (d *Document) Clone() (*Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	var out Document
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	out.Normalize()
	return &out, nil
}

// Unmarshal decodes a stored document.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse session JSON: %w", err)
	}
	d.Normalize()
	return &d, nil
}

// Flag reads a dotted path under flags. The leading "flags." is optional.
func (d *Document) Flag(path string) (any, bool) {
	return lookupPath(d.Flags, splitPath(strings.TrimPrefix(path, "flags.")))
}

// SetFlag writes a dotted path under flags, creating intermediate maps.
func (d *Document) SetFlag(path string, v any) error {
	d.Normalize()
	parts := splitPath(strings.TrimPrefix(path, "flags."))
	if len(parts) == 0 {
		return fmt.Errorf("empty flag path")
	}
	m := d.Flags
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
	return nil
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// LookupPath walks nested maps along parts.
func LookupPath(root map[string]any, parts []string) (any, bool) {
	return lookupPath(root, parts)
}

func lookupPath(root map[string]any, parts []string) (any, bool) {
	if len(parts) == 0 || root == nil {
		return nil, false
	}
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
