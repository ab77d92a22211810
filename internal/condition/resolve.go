package condition

import (
	"strings"

	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// ResolvePath looks up a dotted path the same way expressions do.
func ResolvePath(ctx *session.Context, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	return resolve(ctx, strings.Split(path, "."))
}

func resolve(ctx *session.Context, path []string) (any, bool) {
	if ctx == nil || len(path) == 0 {
		return nil, false
	}
	doc := ctx.Doc

	switch path[0] {
	case "flags":
		if doc == nil {
			return nil, false
		}
		return session.LookupPath(doc.Flags, path[1:])

	case "arcs":
		if doc == nil || len(path) < 2 || len(path) > 3 {
			return nil, false
		}
		arc, ok := doc.Arcs[path[1]]
		if !ok || arc == nil {
			return nil, false
		}
		if len(path) == 3 && path[2] != "stage" {
			return nil, false
		}
		return arc.Stage, true

	case "inventory":
		if doc == nil || len(path) != 2 {
			return nil, false
		}
		qty, ok := doc.Inventory[path[1]]
		return qty, ok

	case "relationships":
		if doc == nil || len(path) != 3 {
			return nil, false
		}
		return relationshipField(doc, path[1], path[2])

	case "vars", "variables":
		return session.LookupPath(ctx.Variables, path[1:])
	}

	if len(path) == 1 && isRelationshipField(path[0]) {
		if doc == nil {
			return nil, false
		}
		return relationshipField(doc, ctx.NPCID, path[0])
	}
	return session.LookupPath(ctx.Variables, path)
}

func isRelationshipField(name string) bool {
	return session.IsMetric(name) || name == "tierId" || name == "intimacyLevelId"
}

func relationshipField(doc *session.Document, npcID, field string) (any, bool) {
	rel, ok := doc.Relationships[npcID]
	if !ok || rel == nil {
		return nil, false
	}
	if v, ok := rel.Metric(field); ok {
		return v, true
	}
	switch field {
	case "tierId":
		return rel.TierID, rel.TierID != ""
	case "intimacyLevelId":
		return rel.IntimacyLevelID, rel.IntimacyLevelID != ""
	}
	return nil, false
}
