package condition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/AaronLay10/SentientNarrative/internal/session"
)

func testContext() *session.Context {
	doc := session.NewDocument("s1")
	doc.Relationships["alice"] = &session.Relationship{Affinity: 40, Trust: 55, TierID: "friend"}
	doc.Relationships["bob"] = &session.Relationship{Affinity: 90}
	doc.Flags["met_alice"] = true
	doc.Flags["visits"] = float64(3)
	doc.Flags["quest"] = map[string]any{"stage": "started"}
	doc.Arcs["romance"] = &session.Arc{Stage: 2}
	doc.Inventory["rose"] = 1
	return session.NewContext(doc, "alice", map[string]any{"mood": "happy", "count": 2})
}

func mustEval(t *testing.T, expr string, ctx *session.Context) bool {
	t.Helper()
	got, err := Evaluate(expr, ctx)
	if err != nil {
		t.Fatalf("unexpected error for %q: %v", expr, err)
	}
	return got
}

func TestEmptyConditionIsTrue(t *testing.T) {
	if !mustEval(t, "", testContext()) {
		t.Error("expected empty condition to be true")
	}
	if !mustEval(t, "   ", testContext()) {
		t.Error("expected blank condition to be true")
	}
}

func TestComparisons(t *testing.T) {
	ctx := testContext()
	cases := map[string]bool{
		"affinity >= 40":                  true,
		"affinity > 40":                   false,
		"affinity < 41":                   true,
		"affinity <= 39":                  false,
		"affinity == 40":                  true,
		"affinity != 40":                  false,
		"trust >= 50":                     true,
		"relationships.bob.affinity > 80": true,
		"tierId == 'friend'":              true,
		"flags.met_alice == true":         true,
		"flags.met_alice":                 true,
		"flags.visits >= 3":               true,
		"flags.quest.stage == 'started'":  true,
		"arcs.romance.stage == 2":         true,
		"arcs.romance >= 2":               true,
		"inventory.rose > 0":              true,
		"vars.mood == \"happy\"":          true,
		"mood == 'happy'":                 true,
		"count > 1":                       true,
		"tension > -5":                    true,
	}
	for expr, want := range cases {
		if got := mustEval(t, expr, ctx); got != want {
			t.Errorf("%q: expected %v, got %v", expr, want, got)
		}
	}
}

func TestAbsentPathsUseTypedDefaults(t *testing.T) {
	ctx := testContext()
	cases := map[string]bool{
		"flags.unknown >= 1":          false,
		"flags.unknown >= 0":          true,
		"flags.unknown == false":      true,
		"flags.unknown == ''":         true,
		"flags.unknown":               false,
		"!flags.unknown":              true,
		"arcs.missing.stage < 1":      true,
		"inventory.sword == 0":        true,
		"relationships.zed.trust < 1": true,
		"nothing_here == nil":         true,
	}
	for expr, want := range cases {
		if got := mustEval(t, expr, ctx); got != want {
			t.Errorf("%q: expected %v, got %v", expr, want, got)
		}
	}
}

func TestAbsentGreaterThanPositiveIsFalse(t *testing.T) {
	ctx := session.NewContext(session.NewDocument("empty"), "npc", nil)
	for _, n := range []string{"1", "5", "60", "100"} {
		expr := "x >= " + n
		if mustEval(t, expr, ctx) {
			t.Errorf("%q: expected false for absent x", expr)
		}
	}
}

func TestLogicalPrecedence(t *testing.T) {
	ctx := testContext()
	// && binds tighter than ||
	if !mustEval(t, "affinity > 100 && trust > 0 || flags.met_alice", ctx) {
		t.Error("expected (false && true) || true to be true")
	}
	if mustEval(t, "affinity > 100 && (trust > 0 || flags.met_alice)", ctx) {
		t.Error("expected false && (...) to be false")
	}
	if !mustEval(t, "affinity >= 40 and not flags.unknown", ctx) {
		t.Error("expected keyword operators to work")
	}
}

func TestBetweenIsInclusive(t *testing.T) {
	ctx := testContext()
	cases := map[string]bool{
		"affinity BETWEEN 40 AND 60":                                     true,
		"affinity BETWEEN 20 AND 40":                                     true,
		"affinity BETWEEN 41 AND 60":                                     false,
		"trust BETWEEN 50 AND 60 && affinity < 50":                       true,
		"flags.visits BETWEEN 1 AND 2 || inventory.rose BETWEEN 1 AND 1": true,
	}
	for expr, want := range cases {
		if got := mustEval(t, expr, ctx); got != want {
			t.Errorf("%q: expected %v, got %v", expr, want, got)
		}
	}
}

func TestSyntaxErrors(t *testing.T) {
	for _, expr := range []string{
		"affinity >=",
		"(trust > 1",
		"affinity BETWEEN 1",
		"len(flags) > 1",
		"affinity + 1 > 2",
		"flags.x ? 1 : 2",
	} {
		_, err := Evaluate(expr, testContext())
		if err == nil {
			t.Errorf("%q: expected syntax error", expr)
			continue
		}
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("%q: expected *SyntaxError, got %T", expr, err)
		}
	}
}

func TestCompileIsCached(t *testing.T) {
	a, err := Compile("trust > 10")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	b, err := Compile("trust > 10")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if a != b {
		t.Error("expected the same compiled expression from the cache")
	}
}

func TestResolvePath(t *testing.T) {
	ctx := testContext()
	if v, ok := ResolvePath(ctx, "flags.quest.stage"); !ok || v != "started" {
		t.Errorf("expected started, got %v (%v)", v, ok)
	}
	if _, ok := ResolvePath(ctx, "flags.nope"); ok {
		t.Error("expected missing flag to be absent")
	}
	if v, ok := ResolvePath(ctx, "affinity"); !ok || v != float64(40) {
		t.Errorf("expected affinity 40, got %v", v)
	}
}

func cacheSize() int {
	cache.RLock()
	defer cache.RUnlock()
	return len(cache.exprs)
}

func TestCheckDoesNotCache(t *testing.T) {
	before := cacheSize()
	for i := 0; i < 50; i++ {
		if err := Check(fmt.Sprintf("flags.unique_%d == true", i)); err != nil {
			t.Fatalf("check failed: %v", err)
		}
	}
	if got := cacheSize(); got != before {
		t.Errorf("expected cache size %d after Check, got %d", before, got)
	}
	if err := Check("affinity >="); err == nil {
		t.Error("expected syntax error from Check")
	}
}

func TestCompileCacheIsBounded(t *testing.T) {
	for i := 0; i < maxCached+10; i++ {
		if _, err := Compile(fmt.Sprintf("vars.n == %d", i)); err != nil {
			t.Fatalf("compile failed: %v", err)
		}
		if got := cacheSize(); got > maxCached {
			t.Fatalf("cache grew to %d, limit %d", got, maxCached)
		}
	}
	a, _ := Compile("trust > 10")
	b, _ := Compile("trust > 10")
	if a != b {
		t.Error("expected repeated compile to hit the cache")
	}
}
