package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"

	_ "modernc.org/sqlite"
)

func newValidator(t *testing.T) (*Validator, *store.SQLiteStore) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s := store.NewSQLiteStore(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	v, err := NewValidator(s, nil)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v, s
}

func jsonState(t *testing.T, src string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestValidate_BuiltinPasses(t *testing.T) {
	v, _ := newValidator(t)

	res := v.Validate(context.Background(), "substance.product",
		jsonState(t, `{"name": "Sourdough", "price": 4.5, "currency": "EUR"}`))
	if !res.Valid {
		t.Fatalf("errors = %v", res.Errors)
	}
	if !res.Advisory {
		t.Error("validation must always report advisory")
	}
	if res.Schema != "builtin:substance" {
		t.Errorf("schema source = %q", res.Schema)
	}
}

func TestValidate_BuiltinCatchesBadState(t *testing.T) {
	v, _ := newValidator(t)

	res := v.Validate(context.Background(), "substance.product",
		jsonState(t, `{"name": "", "price": -2}`))
	if res.Valid {
		t.Fatal("negative price and empty name should fail the builtin shell")
	}
	if len(res.Errors) == 0 {
		t.Fatal("failures should carry messages")
	}
	if !res.Advisory {
		t.Error("failures stay advisory")
	}
}

func TestValidate_RatingBounds(t *testing.T) {
	v, _ := newValidator(t)

	ok := v.Validate(context.Background(), "observe.review", jsonState(t, `{"rating": 5}`))
	if !ok.Valid {
		t.Errorf("rating 5 should pass, errors = %v", ok.Errors)
	}
	bad := v.Validate(context.Background(), "observe.review", jsonState(t, `{"rating": 6}`))
	if bad.Valid {
		t.Error("rating 6 should fail")
	}
}

func TestValidate_UnknownBaseTypeIsValid(t *testing.T) {
	v, _ := newValidator(t)
	res := v.Validate(context.Background(), "custom.thing", jsonState(t, `{"anything": true}`))
	if !res.Valid || res.Schema != "" {
		t.Errorf("no schema means valid, got %+v", res)
	}
}

func TestValidate_PublishedSchemaWins(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	schemaBlock, err := foodblock.Create("observe.schema", map[string]any{
		"applies_to": "transfer.order",
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"status"},
			"properties": map[string]any{
				"status": map[string]any{"enum": []any{"open", "confirmed", "delivered"}},
			},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: schemaBlock}); err != nil {
		t.Fatal(err)
	}

	res := v.Validate(ctx, "transfer.order", jsonState(t, `{"status": "pending"}`))
	if res.Valid {
		t.Fatal("published enum should reject status=pending")
	}
	if res.Schema != schemaBlock.Hash {
		t.Errorf("schema source = %q, want the block hash", res.Schema)
	}

	ok := v.Validate(ctx, "transfer.order", jsonState(t, `{"status": "open"}`))
	if !ok.Valid {
		t.Errorf("status=open should pass, errors = %v", ok.Errors)
	}
}

func TestValidate_ParentSchemaCoversSubtypes(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	schemaBlock, err := foodblock.Create("observe.schema", map[string]any{
		"applies_to": "transfer.order",
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"status"},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: schemaBlock}); err != nil {
		t.Fatal(err)
	}

	res := v.Validate(ctx, "transfer.order.wholesale", jsonState(t, `{}`))
	if res.Valid {
		t.Error("subtype should inherit the parent's published schema")
	}
}

func TestValidate_BrokenPublishedSchemaFallsBack(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	schemaBlock, err := foodblock.Create("observe.schema", map[string]any{
		"applies_to": "substance.product",
		"schema":     map[string]any{"type": "no-such-type"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: schemaBlock}); err != nil {
		t.Fatal(err)
	}

	res := v.Validate(ctx, "substance.product", jsonState(t, `{"name": "Milk"}`))
	if !res.Valid || res.Schema != "builtin:substance" {
		t.Errorf("broken published schema should fall back to builtin, got %+v", res)
	}
}

func TestBuiltinBlocks(t *testing.T) {
	blocks, err := BuiltinBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != len(builtinSchemas) {
		t.Fatalf("got %d blocks, want %d", len(blocks), len(builtinSchemas))
	}

	seen := make(map[string]bool)
	for _, b := range blocks {
		if b.Type != "observe.schema" {
			t.Errorf("type = %q", b.Type)
		}
		if _, ok := b.State["instance_id"]; ok {
			t.Error("builtin schema blocks must be content-addressed")
		}
		target, _ := b.State["applies_to"].(string)
		if _, ok := builtinSchemas[target]; !ok {
			t.Errorf("applies_to = %q is not a builtin", target)
		}
		seen[target] = true
	}
	if len(seen) != len(builtinSchemas) {
		t.Errorf("covered %d base types, want %d", len(seen), len(builtinSchemas))
	}

	again, err := BuiltinBlocks()
	if err != nil {
		t.Fatal(err)
	}
	for i := range blocks {
		if blocks[i].Hash != again[i].Hash {
			t.Errorf("block %d hash changed between renders", i)
		}
	}
}

func TestBuiltinBlocks_RoundTripThroughValidator(t *testing.T) {
	v, s := newValidator(t)
	ctx := context.Background()

	blocks, err := BuiltinBlocks()
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range blocks {
		if _, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: b}); err != nil {
			t.Fatalf("insert %s: %v", b.State["applies_to"], err)
		}
	}
	// Re-inserting the same content-addressed blocks is a no-op.
	for _, b := range blocks {
		res, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: b})
		if err != nil {
			t.Fatalf("reinsert %s: %v", b.State["applies_to"], err)
		}
		if !res.Exists {
			t.Errorf("reinsert of %s should report exists", b.State["applies_to"])
		}
	}

	// The published copy behaves like the compiled-in shell.
	res := v.Validate(ctx, "observe.review", jsonState(t, `{"rating": 6}`))
	if res.Valid {
		t.Error("rating 6 should fail against the published builtin")
	}
	if res.Schema == "" || strings.HasPrefix(res.Schema, "builtin:") {
		t.Errorf("schema source = %q, want a published block hash", res.Schema)
	}
}
