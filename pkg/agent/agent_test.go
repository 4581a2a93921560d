package agent

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"

	_ "modernc.org/sqlite"
)

func newAgentStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// In-memory sqlite gives every connection its own database.
	db.SetMaxOpenConns(1)
	s := store.NewSQLiteStore(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return s
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(strings.Repeat("a1", 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

// enrollAgent inserts an actor.agent block with the given grants and returns
// its hash and signing key.
func enrollAgent(t *testing.T, s *store.SQLiteStore, v *Vault, settings map[string]any) (string, ed25519.PrivateKey) {
	t.Helper()
	sb, priv, err := Enroll(v, nil, "test-agent", settings)
	if err != nil {
		t.Fatalf("enroll agent: %v", err)
	}
	res, err := s.Insert(context.Background(), sb)
	if err != nil {
		t.Fatalf("insert agent block: %v", err)
	}
	return res.Record.Block.Hash, priv
}

func signedDraft(t *testing.T, agentHash string, priv ed25519.PrivateKey, state map[string]any) foodblock.SignedBlock {
	t.Helper()
	if state == nil {
		state = map[string]any{}
	}
	state["draft"] = true
	b, err := foodblock.Create("transfer.order", state, map[string]any{"agent": agentHash})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	sb, err := foodblock.Sign(b, agentHash, priv)
	if err != nil {
		t.Fatalf("sign draft: %v", err)
	}
	return sb
}

func TestVault_SealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)
	_, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := v.Seal(priv)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !priv.Equal(opened) {
		t.Error("opened key differs from sealed key")
	}

	// Two seals of the same key use fresh nonces.
	sealed2, err := v.Seal(priv)
	if err != nil {
		t.Fatal(err)
	}
	if sealed == sealed2 {
		t.Error("sealing twice produced identical ciphertext")
	}
}

func TestVault_RejectsTampering(t *testing.T) {
	v := newTestVault(t)
	_, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := v.Seal(priv)
	if err != nil {
		t.Fatal(err)
	}

	tampered := []byte(sealed)
	tampered[len(tampered)-2] ^= 'x'
	if _, err := v.Open(string(tampered)); err == nil {
		t.Error("tampered ciphertext opened without error")
	}
}

func TestNewVault_KeyHandling(t *testing.T) {
	if v, err := NewVault(""); err != nil || v != nil {
		t.Errorf("empty master key: vault=%v err=%v, want nil/nil", v, err)
	}
	if _, err := NewVault("not-hex"); err == nil {
		t.Error("malformed master key accepted")
	}
	if _, err := NewVault("a1b2"); err == nil {
		t.Error("short master key accepted")
	}
}

func TestGate_RejectsNonAgents(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	person, err := foodblock.Create("actor.person", map[string]any{"name": "Mara"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, foodblock.SignedBlock{FoodBlock: person}); err != nil {
		t.Fatal(err)
	}

	b, _ := foodblock.Create("transfer.order", map[string]any{"total": 5}, nil)
	if _, err := g.Check(ctx, person.Hash, b); !errors.Is(err, ErrNotAgent) {
		t.Errorf("person as agent: err = %v, want ErrNotAgent", err)
	}
	if _, err := g.Check(ctx, "0000000000000000000000000000000000000000000000000000000000000000", b); !errors.Is(err, ErrNotAgent) {
		t.Errorf("unknown hash: err = %v, want ErrNotAgent", err)
	}
}

func TestGate_CapabilityPatterns(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, _ := enrollAgent(t, s, nil, map[string]any{
		"capabilities": []any{"transfer.order", "observe.*"},
	})

	cases := []struct {
		typ     string
		allowed bool
	}{
		{"transfer.order", true},
		{"observe.rating", true},
		{"observe", true},
		{"transfer.payment", false},
		{"actor.person", false},
	}
	for _, tc := range cases {
		b, err := foodblock.Create(tc.typ, map[string]any{"n": 1}, nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = g.Check(ctx, agentHash, b)
		if tc.allowed && err != nil {
			t.Errorf("%s: unexpected denial %v", tc.typ, err)
		}
		if !tc.allowed && !errors.Is(err, ErrCapabilityDenied) {
			t.Errorf("%s: err = %v, want ErrCapabilityDenied", tc.typ, err)
		}
	}
}

func TestGate_WildcardCapability(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)

	agentHash, _ := enrollAgent(t, s, nil, map[string]any{"capabilities": []any{"*"}})
	b, _ := foodblock.Create("transform.bake", map[string]any{"n": 1}, nil)
	if _, err := g.Check(context.Background(), agentHash, b); err != nil {
		t.Errorf("wildcard capability denied %s: %v", b.Type, err)
	}
}

func TestGate_AmountLimit(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, _ := enrollAgent(t, s, nil, map[string]any{
		"capabilities": []any{"transfer.*"},
		"max_amount":   100.0,
	})

	over, _ := foodblock.Create("transfer.order", map[string]any{"total": 250.0}, nil)
	if _, err := g.Check(ctx, agentHash, over); !errors.Is(err, ErrAmountExceeded) {
		t.Errorf("over limit: err = %v, want ErrAmountExceeded", err)
	}

	under, _ := foodblock.Create("transfer.order", map[string]any{"total": 99.5}, nil)
	if _, err := g.Check(ctx, agentHash, under); err != nil {
		t.Errorf("under limit denied: %v", err)
	}

	// The amount field falls back through total, amount, value.
	byValue, _ := foodblock.Create("transfer.order", map[string]any{"value": 300.0}, nil)
	if _, err := g.Check(ctx, agentHash, byValue); !errors.Is(err, ErrAmountExceeded) {
		t.Errorf("value field not checked: err = %v", err)
	}

	free, _ := foodblock.Create("transfer.order", map[string]any{"note": "no amount"}, nil)
	if _, err := g.Check(ctx, agentHash, free); err != nil {
		t.Errorf("amountless block denied: %v", err)
	}
}

func TestGate_RateLimit(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, nil, map[string]any{
		"capabilities":        []any{"*"},
		"rate_limit_per_hour": 2,
	})

	for i := 0; i < 2; i++ {
		out, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"n": i}))
		if err != nil {
			t.Fatalf("draft %d: %v", i, err)
		}
		if out.Status != StatusPending {
			t.Fatalf("draft %d status = %q", i, out.Status)
		}
	}

	_, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"n": 2}))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("third draft in window: err = %v, want ErrRateLimited", err)
	}
}

func TestSubmitDraft_RequiresDraftShape(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, nil, map[string]any{"capabilities": []any{"*"}})

	noAgent, err := foodblock.Create("transfer.order", map[string]any{"draft": true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.SubmitDraft(ctx, foodblock.SignedBlock{FoodBlock: noAgent}); err == nil {
		t.Error("draft without refs.agent accepted")
	}

	noFlag, err := foodblock.Create("transfer.order", map[string]any{"total": 1.0}, map[string]any{"agent": agentHash})
	if err != nil {
		t.Fatal(err)
	}
	signed, err := foodblock.Sign(noFlag, agentHash, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.SubmitDraft(ctx, signed); err == nil {
		t.Error("block without state.draft accepted as draft")
	}
}

func TestSubmitDraft_AutoApproves(t *testing.T) {
	s := newAgentStore(t)
	v := newTestVault(t)
	g := NewGate(s, v, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, v, map[string]any{
		"capabilities":       []any{"transfer.*"},
		"max_amount":         500.0,
		"auto_approve_under": 100.0,
	})

	out, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 50.0}))
	if err != nil {
		t.Fatalf("submit draft: %v", err)
	}
	if out.Status != StatusAutoApproved {
		t.Fatalf("status = %q, want %q", out.Status, StatusAutoApproved)
	}
	if out.Confirmed == nil {
		t.Fatal("no confirmed record")
	}
	if _, ok := out.Confirmed.Block.State["draft"]; ok {
		t.Error("confirmed block still carries the draft flag")
	}
	if got, _ := out.Confirmed.Block.Refs["approved_agent"].(string); got != agentHash {
		t.Errorf("refs.approved_agent = %q, want agent hash", got)
	}
	if out.Confirmed.ChainID != out.Draft.ChainID {
		t.Errorf("confirmed block forked: chain %q vs draft chain %q",
			out.Confirmed.ChainID, out.Draft.ChainID)
	}

	head, err := s.Head(ctx, out.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if head.Block.Hash != out.Confirmed.Block.Hash {
		t.Error("confirmed block is not the chain head")
	}

	status, err := g.DraftStatus(ctx, out.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusAutoApproved {
		t.Errorf("DraftStatus = %q, want %q", status, StatusAutoApproved)
	}
}

func TestSubmitDraft_AmountlessAutoApproves(t *testing.T) {
	s := newAgentStore(t)
	v := newTestVault(t)
	g := NewGate(s, v, nil, nil)

	agentHash, priv := enrollAgent(t, s, v, map[string]any{
		"capabilities":       []any{"*"},
		"auto_approve_under": 25.0,
	})

	out, err := g.SubmitDraft(context.Background(), signedDraft(t, agentHash, priv, map[string]any{"note": "reorder flour"}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAutoApproved {
		t.Errorf("amountless draft status = %q, want %q", out.Status, StatusAutoApproved)
	}
}

func TestSubmitDraft_OverThresholdStaysPending(t *testing.T) {
	s := newAgentStore(t)
	v := newTestVault(t)
	g := NewGate(s, v, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, v, map[string]any{
		"capabilities":       []any{"transfer.*"},
		"max_amount":         500.0,
		"auto_approve_under": 100.0,
	})

	out, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 250.0}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPending {
		t.Errorf("status = %q, want %q", out.Status, StatusPending)
	}
	if out.Confirmed != nil {
		t.Error("over-threshold draft was confirmed")
	}

	status, err := g.DraftStatus(ctx, out.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusPending {
		t.Errorf("DraftStatus = %q, want %q", status, StatusPending)
	}
}

func TestSubmitDraft_NoVaultStaysPending(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)

	// Key sealed at enrollment, but the gate has no vault to open it.
	v := newTestVault(t)
	agentHash, priv := enrollAgent(t, s, v, map[string]any{
		"capabilities":       []any{"*"},
		"auto_approve_under": 100.0,
	})

	out, err := g.SubmitDraft(context.Background(), signedDraft(t, agentHash, priv, map[string]any{"total": 10.0}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusPending {
		t.Errorf("status without vault = %q, want %q", out.Status, StatusPending)
	}
}

func TestDraftStatus_RejectedAndSuperseded(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, nil, map[string]any{"capabilities": []any{"*"}})

	// Rejection: the decision block records rejected=true.
	out, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 10.0}))
	if err != nil {
		t.Fatal(err)
	}
	rejection, err := foodblock.Update(out.Draft.Block,
		map[string]any{"rejected": true, "reason": "out of stock"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	signedRej, err := foodblock.Sign(rejection, agentHash, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, signedRej); err != nil {
		t.Fatal(err)
	}
	status, err := g.DraftStatus(ctx, out.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusRejected {
		t.Errorf("rejected draft status = %q, want %q", status, StatusRejected)
	}

	// Supersession: a second draft version replaces the first.
	out2, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 20.0}))
	if err != nil {
		t.Fatal(err)
	}
	edit := make(map[string]any, len(out2.Draft.Block.State))
	for k, vv := range out2.Draft.Block.State {
		edit[k] = vv
	}
	edit["total"] = 25.0
	edited, err := foodblock.Update(out2.Draft.Block, edit, nil)
	if err != nil {
		t.Fatal(err)
	}
	signedEdit, err := foodblock.Sign(edited, agentHash, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, signedEdit); err != nil {
		t.Fatal(err)
	}
	status, err = g.DraftStatus(ctx, out2.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusSuperseded {
		t.Errorf("edited draft status = %q, want %q", status, StatusSuperseded)
	}
}

func TestDraftStatus_ManualApproval(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, nil, map[string]any{"capabilities": []any{"*"}})
	out, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 10.0}))
	if err != nil {
		t.Fatal(err)
	}

	// The operator side confirms by dropping the draft flag, without the
	// approved_agent ref the server stamps on auto-approval.
	state := make(map[string]any, len(out.Draft.Block.State))
	for k, v := range out.Draft.Block.State {
		if k == "draft" {
			continue
		}
		state[k] = v
	}
	confirm, err := foodblock.Update(out.Draft.Block, state, nil)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := foodblock.Sign(confirm, agentHash, priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, signed); err != nil {
		t.Fatal(err)
	}

	status, err := g.DraftStatus(ctx, out.Draft.Block.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusApproved {
		t.Errorf("status = %q, want %q", status, StatusApproved)
	}
}

func TestPendingDrafts(t *testing.T) {
	s := newAgentStore(t)
	v := newTestVault(t)
	g := NewGate(s, v, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, v, map[string]any{
		"capabilities":       []any{"*"},
		"auto_approve_under": 100.0,
	})

	if _, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 50.0})); err != nil {
		t.Fatal(err)
	}
	pending, err := g.SubmitDraft(ctx, signedDraft(t, agentHash, priv, map[string]any{"total": 900.0}))
	if err != nil {
		t.Fatal(err)
	}

	drafts, err := g.PendingDrafts(ctx, agentHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 {
		t.Fatalf("pending drafts = %d, want 1", len(drafts))
	}
	if drafts[0].Block.Hash != pending.Draft.Block.Hash {
		t.Errorf("pending draft = %s, want %s", drafts[0].Block.Hash, pending.Draft.Block.Hash)
	}
}

func TestEnroll_WithoutVaultKeepsKeyClientSide(t *testing.T) {
	sb, priv, err := Enroll(nil, nil, "standalone-agent", map[string]any{"capabilities": []any{"*"}})
	if err != nil {
		t.Fatal(err)
	}
	if priv == nil {
		t.Fatal("no private key returned")
	}
	if _, ok := sb.FoodBlock.State["encrypted_key"]; ok {
		t.Error("vaultless enrollment sealed a key into state")
	}
	if sb.FoodBlock.State["public_key"] == "" {
		t.Error("public key missing from state")
	}
}

func TestAgentFor(t *testing.T) {
	s := newAgentStore(t)
	g := NewGate(s, nil, nil, nil)
	ctx := context.Background()

	agentHash, priv := enrollAgent(t, s, nil, map[string]any{"capabilities": []any{"*"}})

	byRef, err := foodblock.Create("transfer.order", map[string]any{"n": 1}, map[string]any{"agent": agentHash})
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := g.AgentFor(ctx, foodblock.SignedBlock{FoodBlock: byRef}); !ok || got != agentHash {
		t.Errorf("refs.agent: got %q ok=%v", got, ok)
	}

	byAuthor, err := foodblock.Create("transfer.order", map[string]any{"n": 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := foodblock.Sign(byAuthor, agentHash, priv)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := g.AgentFor(ctx, signed); !ok || got != agentHash {
		t.Errorf("agent author: got %q ok=%v", got, ok)
	}

	plain, err := foodblock.Create("observe.rating", map[string]any{"rating": 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.AgentFor(ctx, foodblock.SignedBlock{FoodBlock: plain}); ok {
		t.Error("unattributed block matched an agent")
	}
}
