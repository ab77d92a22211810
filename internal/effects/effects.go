// Package effects applies declarative state mutations to a session document.
package effects

import (
	"fmt"

	"github.com/AaronLay10/SentientNarrative/internal/condition"
	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// Flag operations.
const (
	FlagSet       = "set"
	FlagIncrement = "increment"
)

// Inventory operations.
const (
	InventoryAdd    = "add"
	InventoryRemove = "remove"
)

// Effect is a one-of record: exactly one field is set.
type Effect struct {
	Relationship *RelationshipDelta `json:"relationship,omitempty"`
	Flag         *FlagOp            `json:"flag,omitempty"`
	Arc          *ArcTransition     `json:"arc,omitempty"`
	Inventory    *InventoryOp       `json:"inventory,omitempty"`
}

// RelationshipDelta adds Delta to one relationship metric. An empty NPC means
// the NPC the runtime belongs to.
type RelationshipDelta struct {
	NPC    string  `json:"npc,omitempty"`
	Metric string  `json:"metric"`
	Delta  float64 `json:"delta"`
}

// FlagOp sets or increments a flag path.
type FlagOp struct {
	Path  string `json:"path"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// ArcTransition moves an arc to Stage. Moving backwards requires AllowRegression.
type ArcTransition struct {
	ArcID           string `json:"arcId"`
	Stage           int    `json:"stage"`
	AllowRegression bool   `json:"allowRegression,omitempty"`
}

// InventoryOp adds or removes items.
type InventoryOp struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
	Op       string `json:"op"`
}

// Limits bounds relationship metrics.
type Limits struct {
	RelationshipMin float64
	RelationshipMax float64
}

// DefaultLimits clamps relationship metrics to [0, 100].
func DefaultLimits() Limits {
	return Limits{RelationshipMin: 0, RelationshipMax: 100}
}

// Kind names the populated variant.
func (e Effect) Kind() string {
	switch {
	case e.Relationship != nil:
		return "relationship"
	case e.Flag != nil:
		return "flag"
	case e.Arc != nil:
		return "arc"
	case e.Inventory != nil:
		return "inventory"
	}
	return ""
}

// Validate checks the effect is well formed.
func (e Effect) Validate() error {
	set := 0
	for _, present := range []bool{e.Relationship != nil, e.Flag != nil, e.Arc != nil, e.Inventory != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("effect must set exactly one of relationship, flag, arc, inventory (got %d)", set)
	}

	switch {
	case e.Relationship != nil:
		if !session.IsMetric(e.Relationship.Metric) {
			return fmt.Errorf("unknown relationship metric: %q", e.Relationship.Metric)
		}
	case e.Flag != nil:
		if e.Flag.Path == "" {
			return fmt.Errorf("flag effect missing path")
		}
		switch e.Flag.Op {
		case FlagSet:
		case FlagIncrement:
			if _, ok := condition.ToFloat(e.Flag.Value); !ok {
				return fmt.Errorf("flag increment on %s needs a numeric value", e.Flag.Path)
			}
		default:
			return fmt.Errorf("unknown flag op: %q", e.Flag.Op)
		}
	case e.Arc != nil:
		if e.Arc.ArcID == "" {
			return fmt.Errorf("arc effect missing arcId")
		}
	case e.Inventory != nil:
		if e.Inventory.ItemID == "" {
			return fmt.Errorf("inventory effect missing itemId")
		}
		if e.Inventory.Quantity < 0 {
			return fmt.Errorf("inventory quantity must not be negative")
		}
		if e.Inventory.Op != InventoryAdd && e.Inventory.Op != InventoryRemove {
			return fmt.Errorf("unknown inventory op: %q", e.Inventory.Op)
		}
	}
	return nil
}

// Apply folds effects over ctx.Doc in list order, mutating it in place. No I/O
// happens here. The first malformed effect stops the fold and is returned.
func Apply(list []Effect, ctx *session.Context, limits Limits) error {
	for i, e := range list {
		if err := applyOne(e, ctx, limits); err != nil {
			return fmt.Errorf("effect %d (%s): %w", i, e.Kind(), err)
		}
	}
	return nil
}

func applyOne(e Effect, ctx *session.Context, limits Limits) error {
	if err := e.Validate(); err != nil {
		return err
	}
	doc := ctx.Doc
	doc.Normalize()

	switch {
	case e.Relationship != nil:
		npc := e.Relationship.NPC
		if npc == "" {
			npc = ctx.NPCID
		}
		rel := doc.Relationship(npc)
		cur, _ := rel.Metric(e.Relationship.Metric)
		return rel.SetMetric(e.Relationship.Metric, clamp(cur+e.Relationship.Delta, limits))

	case e.Flag != nil:
		if e.Flag.Op == FlagSet {
			return doc.SetFlag(e.Flag.Path, e.Flag.Value)
		}
		inc, _ := condition.ToFloat(e.Flag.Value)
		cur, _ := doc.Flag(e.Flag.Path)
		base, ok := condition.ToFloat(cur)
		if !ok {
			base = 0
		}
		return doc.SetFlag(e.Flag.Path, base+inc)

	case e.Arc != nil:
		arc, ok := doc.Arcs[e.Arc.ArcID]
		if !ok || arc == nil {
			arc = &session.Arc{}
			doc.Arcs[e.Arc.ArcID] = arc
		}
		if e.Arc.Stage < arc.Stage && !e.Arc.AllowRegression {
			return nil
		}
		arc.Stage = e.Arc.Stage

	case e.Inventory != nil:
		held := doc.Inventory[e.Inventory.ItemID]
		if e.Inventory.Op == InventoryAdd {
			held += e.Inventory.Quantity
		} else {
			held -= e.Inventory.Quantity
		}
		if held <= 0 {
			delete(doc.Inventory, e.Inventory.ItemID)
			return nil
		}
		doc.Inventory[e.Inventory.ItemID] = held
	}
	return nil
}

func clamp(v float64, limits Limits) float64 {
	if v < limits.RelationshipMin {
		return limits.RelationshipMin
	}
	if v > limits.RelationshipMax {
		return limits.RelationshipMax
	}
	return v
}
