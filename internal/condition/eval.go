// Package condition evaluates authored boolean expressions against a session
// context.
//
// Supported grammar:
//   - comparisons: >=, >, <, <=, ==, !=
//   - logical: && (and), || (or), ! (not); comparisons bind tighter than &&,
//     which binds tighter than ||
//   - "x BETWEEN a AND b", inclusive on both bounds
//   - dotted paths: flags.x, arcs.y.stage, inventory.item, relationships.npc.trust,
//     vars.name, bare relationship metrics (affinity, trust, ...) for the current NPC
//
// Unknown paths never fail: they resolve to an absent value that takes the
// zero of whatever it is compared against (0, false or "").
package condition

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/AaronLay10/SentientNarrative/internal/session"
)

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Expr string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition syntax error in %q: %v", e.Expr, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Expression is a parsed condition ready for repeated evaluation.
type Expression struct {
	source string
	root   ast.Node
}

// Source returns the expression as authored.
func (e *Expression) Source() string {
	return e.source
}

var betweenPattern = regexp.MustCompile(
	`([A-Za-z_][A-Za-z0-9_.]*)\s+BETWEEN\s+(-?[0-9][0-9.]*|[A-Za-z_][A-Za-z0-9_.]*)\s+AND\s+(-?[0-9][0-9.]*|[A-Za-z_][A-Za-z0-9_.]*)`)

// maxCached bounds the compiled-expression cache. Authored programs hold far
// fewer distinct conditions; the cache starts over when it fills.
const maxCached = 1024

var cache = struct {
	sync.RWMutex
	exprs map[string]*Expression
}{exprs: make(map[string]*Expression)}

// Compile parses expr and caches the result. An empty expression compiles to
// one that is always true.
func Compile(expr string) (*Expression, error) {
	cache.RLock()
	cached, ok := cache.exprs[expr]
	cache.RUnlock()
	if ok {
		return cached, nil
	}

	compiled, err := parse(expr)
	if err != nil {
		return nil, err
	}
	cache.Lock()
	if len(cache.exprs) >= maxCached {
		clear(cache.exprs)
	}
	cache.exprs[expr] = compiled
	cache.Unlock()
	return compiled, nil
}

func parse(expr string) (*Expression, error) {
	src := strings.TrimSpace(expr)
	compiled := &Expression{source: expr}
	if src == "" {
		return compiled, nil
	}
	rewritten := betweenPattern.ReplaceAllString(src, "($1 >= $2 && $1 <= $3)")
	tree, err := parser.Parse(rewritten)
	if err != nil {
		return nil, &SyntaxError{Expr: expr, Err: err}
	}
	if err := check(tree.Node); err != nil {
		return nil, &SyntaxError{Expr: expr, Err: err}
	}
	compiled.root = tree.Node
	return compiled, nil
}

// Check returns a *SyntaxError if expr is malformed. It does not populate the
// compile cache, so validating untrusted programs cannot grow it.
func Check(expr string) error {
	_, err := parse(expr)
	return err
}

// Evaluate compiles and evaluates expr. A syntax error yields false and the error.
func Evaluate(expr string, ctx *session.Context) (bool, error) {
	e, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Eval(ctx), nil
}

// Eval evaluates the expression. It never fails.
func (e *Expression) Eval(ctx *session.Context) bool {
	if e.root == nil {
		return true
	}
	return eval(e.root, ctx).truthy()
}

// check rejects node types outside the grammar so they fail at validation time.
func check(node ast.Node) error {
	switch n := node.(type) {
	case *ast.BoolNode, *ast.IntegerNode, *ast.FloatNode, *ast.StringNode, *ast.NilNode, *ast.IdentifierNode:
		return nil
	case *ast.MemberNode:
		if _, err := memberPath(n); err != nil {
			return err
		}
		return nil
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not", "-", "+":
			return check(n.Node)
		}
		return fmt.Errorf("unsupported operator %q", n.Operator)
	case *ast.BinaryNode:
		switch n.Operator {
		case "&&", "and", "||", "or", "==", "!=", ">=", ">", "<", "<=":
		default:
			return fmt.Errorf("unsupported operator %q", n.Operator)
		}
		if err := check(n.Left); err != nil {
			return err
		}
		return check(n.Right)
	}
	return fmt.Errorf("unsupported expression %s", node.String())
}

func memberPath(n *ast.MemberNode) ([]string, error) {
	if n.Method {
		return nil, fmt.Errorf("method calls are not supported")
	}
	var prop string
	switch p := n.Property.(type) {
	case *ast.StringNode:
		prop = p.Value
	case *ast.IntegerNode:
		prop = fmt.Sprint(p.Value)
	default:
		return nil, fmt.Errorf("unsupported member access %s", n.String())
	}
	switch inner := n.Node.(type) {
	case *ast.IdentifierNode:
		return []string{inner.Value, prop}, nil
	case *ast.MemberNode:
		head, err := memberPath(inner)
		if err != nil {
			return nil, err
		}
		return append(head, prop), nil
	}
	return nil, fmt.Errorf("unsupported member access %s", n.String())
}

func eval(node ast.Node, ctx *session.Context) value {
	switch n := node.(type) {
	case *ast.BoolNode:
		return boolValue(n.Value)
	case *ast.IntegerNode:
		return numberValue(float64(n.Value))
	case *ast.FloatNode:
		return numberValue(n.Value)
	case *ast.StringNode:
		return stringValue(n.Value)
	case *ast.NilNode:
		return value{}
	case *ast.IdentifierNode:
		return fromAny(resolve(ctx, []string{n.Value}))
	case *ast.MemberNode:
		path, err := memberPath(n)
		if err != nil {
			return value{}
		}
		return fromAny(resolve(ctx, path))
	case *ast.UnaryNode:
		v := eval(n.Node, ctx)
		switch n.Operator {
		case "!", "not":
			return boolValue(!v.truthy())
		case "-":
			return numberValue(-v.number())
		case "+":
			return numberValue(v.number())
		}
	case *ast.BinaryNode:
		switch n.Operator {
		case "&&", "and":
			if !eval(n.Left, ctx).truthy() {
				return boolValue(false)
			}
			return boolValue(eval(n.Right, ctx).truthy())
		case "||", "or":
			if eval(n.Left, ctx).truthy() {
				return boolValue(true)
			}
			return boolValue(eval(n.Right, ctx).truthy())
		default:
			return boolValue(compare(n.Operator, eval(n.Left, ctx), eval(n.Right, ctx)))
		}
	}
	return value{}
}
