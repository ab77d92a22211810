// Package program holds the immutable narrative program model: nodes, edges
// and the entry point, plus loading and structural validation.
package program

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by registries when a program id is unknown.
var ErrNotFound = errors.New("program not found")

// Program is an authored, versioned dialogue/scene graph. Programs are never
// mutated after loading.
type Program struct {
	ID          string         `json:"id"`
	Version     int            `json:"version"`
	Kind        string         `json:"kind,omitempty"`
	EntryNodeID string         `json:"entryNodeId"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`

	once  sync.Once
	index map[string]*Node
	out   map[string][]string
}

// Edge is a directed positional transition.
type Edge struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (p *Program) build() {
	p.once.Do(func() {
		p.index = make(map[string]*Node, len(p.Nodes))
		for i := range p.Nodes {
			if _, dup := p.index[p.Nodes[i].ID]; !dup {
				p.index[p.Nodes[i].ID] = &p.Nodes[i]
			}
		}
		p.out = make(map[string][]string)
		for _, e := range p.Edges {
			p.out[e.From] = append(p.out[e.From], e.To)
		}
	})
}

// Node returns the node with id.
func (p *Program) Node(id string) (*Node, bool) {
	p.build()
	n, ok := p.index[id]
	return n, ok
}

// HasNode reports whether id names a node in the program.
func (p *Program) HasNode(id string) bool {
	_, ok := p.Node(id)
	return ok
}

// Successor returns the first outgoing edge target of id in declaration order.
// A node without outgoing edges is terminal.
func (p *Program) Successor(id string) (string, bool) {
	p.build()
	targets := p.out[id]
	if len(targets) == 0 {
		return "", false
	}
	return targets[0], true
}

// Outgoing returns every edge target of id in declaration order.
func (p *Program) Outgoing(id string) []string {
	p.build()
	return p.out[id]
}

// Summary identifies a stored program without its graph.
type Summary struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Kind    string `json:"kind,omitempty"`
	Nodes   int    `json:"nodes"`
}

// Summarize returns p's summary.
func (p *Program) Summarize() Summary {
	return Summary{ID: p.ID, Version: p.Version, Kind: p.Kind, Nodes: len(p.Nodes)}
}
