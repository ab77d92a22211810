package session

// Context is the explicit evaluation context threaded through the condition
// evaluator and effect applier. Nothing reads session state any other way.
type Context struct {
	Doc       *Document
	NPCID     string
	Variables map[string]any
}

// NewContext builds a context for npcID over doc.
func NewContext(doc *Document, npcID string, vars map[string]any) *Context {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Context{Doc: doc, NPCID: npcID, Variables: vars}
}
