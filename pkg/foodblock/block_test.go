package foodblock

import (
	"strings"
	"testing"
)

func TestCreate_Basic(t *testing.T) {
	b, err := Create("substance.product", map[string]any{"name": "Sourdough", "price": 4.5}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(b.Hash) != 64 {
		t.Errorf("Expected 64-hex hash, got %q", b.Hash)
	}
	if b.State["name"] != "Sourdough" {
		t.Errorf("State lost: %+v", b.State)
	}
	if b.Refs == nil {
		t.Error("Refs should default to empty map")
	}
}

func TestCreate_DoesNotMutateInput(t *testing.T) {
	state := map[string]any{"name": "Rye", "gone": nil}
	_, err := Create("transfer.order", state, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := state["instance_id"]; ok {
		t.Error("Create injected instance_id into the caller's map")
	}
	if _, ok := state["gone"]; !ok {
		t.Error("Create stripped nulls from the caller's map")
	}
}

func TestCreate_TypeValidation(t *testing.T) {
	if _, err := Create("", nil, nil); err == nil {
		t.Error("Empty type accepted")
	}
	long := "observe." + strings.Repeat("x", 93) // 101 chars
	if _, err := Create(long, nil, nil); err == nil {
		t.Error("101-char type accepted")
	}
	exact := "observe." + strings.Repeat("x", 92) // 100 chars
	if _, err := Create(exact, nil, nil); err != nil {
		t.Errorf("100-char type rejected: %v", err)
	}
}

func TestCreate_RefsValidation(t *testing.T) {
	if _, err := Create("observe", nil, map[string]any{"about": 7}); err == nil {
		t.Error("Numeric ref value accepted")
	}
	if _, err := Create("observe", nil, map[string]any{"about": []any{"h1", 2}}); err == nil {
		t.Error("Mixed-type ref array accepted")
	}
	ok := map[string]any{
		"one":   "h1",
		"many":  []any{"h2", "h3"},
		"typed": []string{"h4"},
	}
	if _, err := Create("observe", nil, ok); err != nil {
		t.Errorf("Valid refs rejected: %v", err)
	}
}

func TestCreate_InstanceID(t *testing.T) {
	b, err := Create("transfer.order", map[string]any{"total": 10}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := b.State["instance_id"]; !ok {
		t.Error("Event block missing instance_id")
	}

	// Two identical event submissions must hash differently.
	b2, _ := Create("transfer.order", map[string]any{"total": 10}, nil)
	if b.Hash == b2.Hash {
		t.Error("Two event blocks share a hash")
	}

	// Definitional observe types carry no instance_id.
	v, err := Create("observe.vocabulary", map[string]any{"domain": "bakery"}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := v.State["instance_id"]; ok {
		t.Error("Definitional type received instance_id")
	}

	// Entities carry no instance_id either.
	a, _ := Create("actor.producer", map[string]any{"name": "Hilltop"}, nil)
	if _, ok := a.State["instance_id"]; ok {
		t.Error("Entity type received instance_id")
	}

	// A supplied instance_id is kept, making the hash reproducible.
	s1, _ := Create("transfer.order", map[string]any{"total": 10, "instance_id": "fixed"}, nil)
	s2, _ := Create("transfer.order", map[string]any{"total": 10, "instance_id": "fixed"}, nil)
	if s1.Hash != s2.Hash {
		t.Error("Supplied instance_id did not pin the hash")
	}
}

func TestUpdate_Chains(t *testing.T) {
	a, err := Create("substance.product", map[string]any{"name": "Sourdough", "price": 4.5},
		map[string]any{"seller": "s1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := Update(a, map[string]any{"name": "Sourdough", "price": 5.0}, nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got, _ := b.UpdateTarget(); got != a.Hash {
		t.Errorf("refs.updates = %q, want %q", got, a.Hash)
	}
	if b.Refs["seller"] != "s1" {
		t.Error("Update dropped inherited ref")
	}
	if b.Type != a.Type {
		t.Errorf("Update changed type to %q", b.Type)
	}

	// Explicit refs override inherited ones.
	c, _ := Update(b, map[string]any{"price": 6.0}, map[string]any{"seller": "s2"})
	if c.Refs["seller"] != "s2" {
		t.Error("Ref override ignored")
	}
}

func TestMergeUpdate(t *testing.T) {
	a, _ := Create("substance.product",
		map[string]any{"name": "Rye", "price": 3.0, "organic": true}, nil)
	b, err := MergeUpdate(a, map[string]any{"price": 3.5, "organic": nil}, nil)
	if err != nil {
		t.Fatalf("MergeUpdate failed: %v", err)
	}
	if b.State["name"] != "Rye" {
		t.Error("Merge dropped untouched field")
	}
	if b.State["price"] != 3.5 {
		t.Errorf("Merge did not apply change: %v", b.State["price"])
	}
	if _, ok := b.State["organic"]; ok {
		t.Error("Nil change did not delete the key")
	}
}

func TestTombstone(t *testing.T) {
	target := strings.Repeat("ab", 32)
	tb, err := Tombstone(target, "requester-hash")
	if err != nil {
		t.Fatalf("Tombstone failed: %v", err)
	}
	if tb.Type != "observe.tombstone" {
		t.Errorf("Wrong type %q", tb.Type)
	}
	if tb.Refs["target"] != target || tb.Refs["updates"] != target {
		t.Errorf("Tombstone refs wrong: %+v", tb.Refs)
	}
	if tb.State["reason"] != "erasure_request" {
		t.Errorf("Tombstone state wrong: %+v", tb.State)
	}
	if _, err := Tombstone("", ""); err == nil {
		t.Error("Empty target accepted")
	}
}

func TestRefHashes(t *testing.T) {
	b, _ := Create("transfer.order", map[string]any{"total": 5},
		map[string]any{"buyer": "b1", "items": []any{"i1", "i2"}})
	edges := b.RefHashes()
	if len(edges) != 3 {
		t.Fatalf("Expected 3 edges, got %d: %+v", len(edges), edges)
	}
	seen := map[string]bool{}
	for _, e := range edges {
		seen[e.Role+"="+e.Target] = true
	}
	for _, want := range []string{"buyer=b1", "items=i1", "items=i2"} {
		if !seen[want] {
			t.Errorf("Missing edge %s", want)
		}
	}
}

func TestChainWalk(t *testing.T) {
	a, _ := Create("substance.product", map[string]any{"v": 1}, nil)
	b, _ := Update(a, map[string]any{"v": 2}, nil)
	c, _ := Update(b, map[string]any{"v": 3}, nil)
	byHash := map[string]Block{a.Hash: a, b.Hash: b, c.Hash: c}
	resolve := func(h string) (Block, bool) { blk, ok := byHash[h]; return blk, ok }

	chain := ChainWalk(c.Hash, resolve, 100)
	if len(chain) != 3 {
		t.Fatalf("Expected 3 blocks, got %d", len(chain))
	}
	if chain[0].Hash != c.Hash || chain[2].Hash != a.Hash {
		t.Error("Chain order wrong; want newest first")
	}

	if got := ChainWalk(c.Hash, resolve, 2); len(got) != 2 {
		t.Errorf("Depth limit ignored: %d", len(got))
	}
}

func TestChainWalk_LoopSafe(t *testing.T) {
	// Hand-built loop: x updates y, y updates x. Cannot occur through Create
	// but the walk must not spin on hostile data.
	x := Block{Hash: "x", Type: "t", Refs: map[string]any{"updates": "y"}}
	y := Block{Hash: "y", Type: "t", Refs: map[string]any{"updates": "x"}}
	byHash := map[string]Block{"x": x, "y": y}
	chain := ChainWalk("x", func(h string) (Block, bool) { b, ok := byHash[h]; return b, ok }, 1000)
	if len(chain) != 2 {
		t.Errorf("Loop not detected: %d blocks", len(chain))
	}
}

func TestHeadWalk(t *testing.T) {
	a, _ := Create("substance.product", map[string]any{"v": 1}, nil)
	b, _ := Update(a, map[string]any{"v": 2}, nil)
	forward := func(h string) []Block {
		if h == a.Hash {
			return []Block{b}
		}
		return nil
	}
	if got := HeadWalk(a.Hash, forward, 100); got != b.Hash {
		t.Errorf("HeadWalk = %q, want %q", got, b.Hash)
	}
	if got := HeadWalk(b.Hash, forward, 100); got != b.Hash {
		t.Errorf("HeadWalk from head should stay put, got %q", got)
	}
}
