package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/identity"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// In-memory sqlite gives every connection its own database.
	db.SetMaxOpenConns(1)
	s := NewSQLiteStore(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return s
}

func mustCreate(t *testing.T, typ string, state, refs map[string]any) foodblock.Block {
	t.Helper()
	b, err := foodblock.Create(typ, state, refs)
	if err != nil {
		t.Fatalf("create %s: %v", typ, err)
	}
	return b
}

func mustInsert(t *testing.T, s *SQLiteStore, sb foodblock.SignedBlock) InsertResult {
	t.Helper()
	res, err := s.Insert(context.Background(), sb)
	if err != nil {
		t.Fatalf("insert %s: %v", sb.FoodBlock.Type, err)
	}
	return res
}

func unsigned(b foodblock.Block, author string) foodblock.SignedBlock {
	return foodblock.SignedBlock{FoodBlock: b, AuthorHash: author}
}

func TestInsert_NewBlockStartsChain(t *testing.T) {
	s := newTestStore(t)
	b := mustCreate(t, "substance.product", map[string]any{"name": "Sourdough"}, nil)

	res := mustInsert(t, s, unsigned(b, ""))
	if res.Exists {
		t.Fatal("first insert reported Exists")
	}
	if res.Record.ChainID != b.Hash {
		t.Errorf("chain_id = %q, want own hash", res.Record.ChainID)
	}
	if !res.Record.IsHead {
		t.Error("fresh block should be head")
	}
	if res.Record.Visibility != VisibilityPublic {
		t.Errorf("visibility = %q", res.Record.Visibility)
	}

	again := mustInsert(t, s, unsigned(b, ""))
	if !again.Exists {
		t.Error("duplicate insert should report Exists")
	}
}

func TestInsert_HashMismatch(t *testing.T) {
	s := newTestStore(t)
	b := mustCreate(t, "substance.product", map[string]any{"name": "Rye"}, nil)
	b.Hash = "deadbeef" + b.Hash[8:]

	_, err := s.Insert(context.Background(), unsigned(b, ""))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
}

func TestInsert_MissingHashFilledIn(t *testing.T) {
	s := newTestStore(t)
	b := mustCreate(t, "substance.product", map[string]any{"name": "Rye"}, nil)
	want := b.Hash
	b.Hash = ""

	res := mustInsert(t, s, unsigned(b, ""))
	if res.Record.Block.Hash != want {
		t.Errorf("hash = %q, want recomputed %q", res.Record.Block.Hash, want)
	}
}

func TestInsert_SameAuthorUpdateAttaches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := mustCreate(t, "substance.product", map[string]any{"name": "Loaf", "price": 4}, nil)
	mustInsert(t, s, unsigned(v1, "alice"))

	v2, err := foodblock.Update(v1, map[string]any{"name": "Loaf", "price": 5}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := mustInsert(t, s, unsigned(v2, "alice"))
	if res.Forked {
		t.Error("same-author update must not fork")
	}
	if res.Record.ChainID != v1.Hash {
		t.Errorf("chain_id = %q, want %q", res.Record.ChainID, v1.Hash)
	}

	old, err := s.Get(ctx, v1.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if old.IsHead {
		t.Error("predecessor should lose head flag")
	}

	heads, err := s.Heads(ctx, "substance.product")
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 || heads[0].Block.Hash != v2.Hash {
		t.Errorf("heads = %v, want just v2", heads)
	}
}

func TestInsert_CrossAuthorUpdateForks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := mustCreate(t, "substance.product", map[string]any{"name": "Loaf"}, nil)
	mustInsert(t, s, unsigned(v1, "alice"))

	v2, err := foodblock.Update(v1, map[string]any{"name": "Loaf", "organic": true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := mustInsert(t, s, unsigned(v2, "bob"))
	if !res.Forked {
		t.Error("cross-author update should fork")
	}
	if res.Record.ChainID != v2.Hash {
		t.Errorf("fork chain_id = %q, want own hash", res.Record.ChainID)
	}

	orig, err := s.Get(ctx, v1.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !orig.IsHead {
		t.Error("forked-from block must stay head of its own chain")
	}

	heads, err := s.Heads(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 2 {
		t.Errorf("want both heads visible, got %d", len(heads))
	}
}

func TestInsert_ApprovalGrantsCrossAuthorUpdate(t *testing.T) {
	s := newTestStore(t)

	v1 := mustCreate(t, "substance.product", map[string]any{"name": "Loaf"}, nil)
	mustInsert(t, s, unsigned(v1, "alice"))

	grant := mustCreate(t, "observe.approval",
		map[string]any{"target_chain": v1.Hash},
		map[string]any{"grantee": "bob"})
	mustInsert(t, s, unsigned(grant, "alice"))

	v2, err := foodblock.Update(v1, map[string]any{"name": "Loaf", "verified": true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := mustInsert(t, s, unsigned(v2, "bob"))
	if res.Forked {
		t.Error("approved cross-author update should attach")
	}
	if res.Record.ChainID != v1.Hash {
		t.Errorf("chain_id = %q, want %q", res.Record.ChainID, v1.Hash)
	}
}

func TestInsert_UnresolvedPredecessor(t *testing.T) {
	s := newTestStore(t)
	ghost := mustCreate(t, "substance.product", map[string]any{"name": "Ghost"}, nil)
	upd, err := foodblock.Update(ghost, map[string]any{"name": "Ghost2"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Insert(context.Background(), unsigned(upd, ""))
	if !errors.Is(err, ErrUnresolvedDependency) {
		t.Fatalf("err = %v, want ErrUnresolvedDependency", err)
	}
}

func TestInsert_TombstoneErasesTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := mustCreate(t, "observe.review",
		map[string]any{"rating": 1, "text": "awful"}, nil)
	mustInsert(t, s, unsigned(target, "alice"))

	tomb, err := foodblock.Tombstone(target.Hash, "alice")
	if err != nil {
		t.Fatal(err)
	}
	res := mustInsert(t, s, unsigned(tomb, "moderator"))
	if res.Forked {
		t.Error("tombstone attaches to the target's chain regardless of author")
	}
	if res.Record.ChainID != target.Hash {
		t.Errorf("chain_id = %q, want target's chain", res.Record.ChainID)
	}

	erased, err := s.Get(ctx, target.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if erased.Block.Hash != target.Hash || erased.Block.Type != target.Type {
		t.Error("tombstone must preserve target hash and type")
	}
	if v, ok := erased.Block.State["tombstoned"].(bool); !ok || !v {
		t.Errorf("target state = %v, want tombstoned marker only", erased.Block.State)
	}
	if len(erased.Block.State) != 1 {
		t.Errorf("target state should hold nothing but the marker, got %v", erased.Block.State)
	}
	if erased.Visibility != VisibilityDeleted {
		t.Errorf("target visibility = %q", erased.Visibility)
	}

	pulled, err := s.Pull(ctx, Cursor{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range pulled {
		if r.Block.Hash == target.Hash {
			t.Error("tombstoned block must not leave via pull")
		}
	}
}

func TestInsert_MergeUnionsChains(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := mustCreate(t, "substance.product", map[string]any{"name": "Olive Oil A"}, nil)
	mustInsert(t, s, unsigned(a1, "alice"))
	a2, err := foodblock.Update(a1, map[string]any{"name": "Olive Oil A", "origin": "Crete"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, s, unsigned(a2, "alice"))

	b1 := mustCreate(t, "substance.product", map[string]any{"name": "Olive Oil B"}, nil)
	mustInsert(t, s, unsigned(b1, "alice"))

	merge := mustCreate(t, "observe.merge",
		map[string]any{"reason": "duplicate listing"},
		map[string]any{"merges": []string{a2.Hash, b1.Hash}})
	res := mustInsert(t, s, unsigned(merge, "alice"))

	union := res.Record.ChainID
	want := a1.Hash
	if b1.Hash < a1.Hash {
		want = b1.Hash
	}
	if union != want {
		t.Errorf("union chain = %q, want lexicographically first %q", union, want)
	}

	for _, h := range []string{a1.Hash, a2.Hash, b1.Hash} {
		rec, err := s.Get(ctx, h)
		if err != nil {
			t.Fatal(err)
		}
		if rec.ChainID != union {
			t.Errorf("block %s chain = %q, want union %q", h[:8], rec.ChainID, union)
		}
	}
	for _, h := range []string{a2.Hash, b1.Hash} {
		rec, _ := s.Get(ctx, h)
		if rec.IsHead {
			t.Errorf("merged head %s should be retired", h[:8])
		}
	}
	if !res.Record.IsHead {
		t.Error("merge block should head the union chain")
	}
}

func TestInsert_SignatureVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pub, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	actor := mustCreate(t, "actor.bakery", map[string]any{
		"name":       "Rise & Shine",
		"public_key": foodblock.PublicKeyHex(pub),
	}, nil)
	mustInsert(t, s, unsigned(actor, ""))

	signer, err := foodblock.NewSigner(actor.Hash, priv)
	if err != nil {
		t.Fatal(err)
	}

	order := mustCreate(t, "transfer.order",
		map[string]any{"status": "pending"},
		map[string]any{"buyer": actor.Hash})
	sb, err := signer.Sign(order)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, sb); err != nil {
		t.Fatalf("valid signed insert: %v", err)
	}

	other := mustCreate(t, "transfer.order",
		map[string]any{"status": "draft"},
		map[string]any{"buyer": actor.Hash})
	forged, err := signer.Sign(other)
	if err != nil {
		t.Fatal(err)
	}
	forged.Signature = sb.Signature
	if _, err := s.Insert(ctx, forged); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged signature err = %v, want ErrInvalidSignature", err)
	}

	bare := mustCreate(t, "transfer.order", map[string]any{"status": "open"}, nil)
	if _, err := s.Insert(ctx, unsigned(bare, actor.Hash)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("unsigned claim of registered author err = %v, want ErrInvalidSignature", err)
	}
}

func TestInsert_IdentityClaimToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pub, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	actor := mustCreate(t, "actor.person", map[string]any{
		"name":       "Mara",
		"public_key": foodblock.PublicKeyHex(pub),
	}, nil)
	mustInsert(t, s, unsigned(actor, ""))
	signer, err := foodblock.NewSigner(actor.Hash, priv)
	if err != nil {
		t.Fatal(err)
	}

	token, err := identity.Issue(actor.Hash, priv, "github", "mara", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claim := mustCreate(t, "identity.claim", map[string]any{"token": token}, nil)
	sb, err := signer.Sign(claim)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, sb); err != nil {
		t.Fatalf("valid claim: %v", err)
	}

	bad := mustCreate(t, "identity.claim", map[string]any{"token": "not.a.jwt"}, nil)
	badSigned, err := signer.Sign(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, badSigned); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("garbage token err = %v, want ErrInvalidSignature", err)
	}

	// Claims without tokens are stored uninterpreted.
	bare := mustCreate(t, "identity.claim", map[string]any{"provider": "dns"}, nil)
	bareSigned, err := signer.Sign(bare)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, bareSigned); err != nil {
		t.Fatalf("tokenless claim: %v", err)
	}
}

func TestPublicKeyOf_FollowsKeyRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pub1, _, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	pub2, _, err := foodblock.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	v1 := mustCreate(t, "actor.farm", map[string]any{
		"name":       "Green Acres",
		"public_key": foodblock.PublicKeyHex(pub1),
	}, nil)
	mustInsert(t, s, unsigned(v1, ""))

	got, err := s.PublicKeyOf(ctx, v1.Hash)
	if err != nil || got != foodblock.PublicKeyHex(pub1) {
		t.Fatalf("PublicKeyOf = %q, %v", got, err)
	}

	v2, err := foodblock.MergeUpdate(v1, map[string]any{
		"public_key": foodblock.PublicKeyHex(pub2),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, s, unsigned(v2, ""))

	got, err = s.PublicKeyOf(ctx, v1.Hash)
	if err != nil || got != foodblock.PublicKeyHex(pub2) {
		t.Fatalf("after rotation PublicKeyOf = %q, %v", got, err)
	}
}

func TestInsert_EmitterFiresOncePerNewBlock(t *testing.T) {
	s := newTestStore(t)
	var events []string
	s.OnInsert(func(hash string) { events = append(events, hash) })

	b1 := mustCreate(t, "substance.product", map[string]any{"name": "Kefir"}, nil)
	mustInsert(t, s, unsigned(b1, ""))
	mustInsert(t, s, unsigned(b1, "")) // duplicate, no event

	tomb, err := foodblock.Tombstone(b1.Hash, "owner")
	if err != nil {
		t.Fatal(err)
	}
	mustInsert(t, s, unsigned(tomb, ""))

	if len(events) != 2 {
		t.Fatalf("events = %v, want exactly one per new block", events)
	}
	if events[0] != b1.Hash || events[1] != tomb.Hash {
		t.Errorf("events = %v", events)
	}
}

func TestQuery_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := mustCreate(t, "substance.product", map[string]any{"name": "Honey"}, nil)
	mustInsert(t, s, unsigned(p, "alice"))
	o1 := mustCreate(t, "transfer.order",
		map[string]any{"status": "open"}, map[string]any{"product": p.Hash})
	mustInsert(t, s, unsigned(o1, "bob"))
	o2 := mustCreate(t, "transfer.order.wholesale",
		map[string]any{"status": "closed"}, map[string]any{"product": p.Hash})
	mustInsert(t, s, unsigned(o2, "bob"))

	page, err := s.Query(ctx, Query{Type: "transfer.order", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("type filter should cover subtypes, total = %d", page.Total)
	}

	page, err = s.Query(ctx, Query{Type: "transfer.order", StateEquals: map[string]string{"status": "open"}, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Records[0].Block.Hash != o1.Hash {
		t.Errorf("state filter total = %d", page.Total)
	}

	page, err = s.Query(ctx, Query{RefValue: p.Hash, RefRole: "product", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("ref filter total = %d", page.Total)
	}

	page, err = s.Query(ctx, Query{Author: "alice", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || page.Records[0].Block.Hash != p.Hash {
		t.Errorf("author filter total = %d", page.Total)
	}
}

func TestQuery_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 5; i++ {
		b := mustCreate(t, "observe.reading",
			map[string]any{"sensor": "t1", "seq": i}, nil)
		mustInsert(t, s, unsigned(b, ""))
		hashes = append(hashes, b.Hash)
	}

	page, err := s.Query(ctx, Query{Type: "observe.reading", Sort: "oldest", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 2 || page.Total != 5 || !page.HasMore {
		t.Fatalf("page 1 = %d records, total %d, more %v", len(page.Records), page.Total, page.HasMore)
	}
	if page.Records[0].Block.Hash != hashes[0] {
		t.Error("oldest sort should lead with the first insert")
	}

	last, err := s.Query(ctx, Query{Type: "observe.reading", Sort: "oldest", Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Records) != 1 || last.HasMore {
		t.Errorf("final page = %d records, more %v", len(last.Records), last.HasMore)
	}
}

func TestChainAndForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := mustCreate(t, "substance.product", map[string]any{"name": "Cheese", "age_months": 3}, nil)
	mustInsert(t, s, unsigned(v1, "alice"))
	v2, _ := foodblock.MergeUpdate(v1, map[string]any{"age_months": 6}, nil)
	mustInsert(t, s, unsigned(v2, "alice"))
	v3, _ := foodblock.MergeUpdate(v2, map[string]any{"age_months": 12}, nil)
	mustInsert(t, s, unsigned(v3, "alice"))

	chain, err := s.Chain(ctx, v3.Hash, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d", len(chain))
	}
	if chain[0].Block.Hash != v3.Hash || chain[2].Block.Hash != v1.Hash {
		t.Error("chain should run newest to oldest")
	}

	capped, err := s.Chain(ctx, v3.Hash, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) != 2 {
		t.Errorf("depth cap ignored, got %d", len(capped))
	}

	fwd, err := s.Forward(ctx, v1.Hash, "", "updates")
	if err != nil {
		t.Fatal(err)
	}
	if len(fwd) != 1 || fwd[0].Block.Hash != v2.Hash {
		t.Errorf("forward refs = %v", fwd)
	}

	head, err := s.Head(ctx, v1.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if head.Block.Hash != v3.Hash {
		t.Errorf("head of chain = %s, want v3", head.Block.Hash[:8])
	}
}

func TestPull_CursorOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 4; i++ {
		b := mustCreate(t, "transfer.order", map[string]any{"n": i}, nil)
		mustInsert(t, s, unsigned(b, ""))
		hashes = append(hashes, b.Hash)
	}

	all, err := s.Pull(ctx, Cursor{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("pull = %d records", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
			t.Error("pull must run oldest first")
		}
	}

	rest, err := s.Pull(ctx, Cursor{AfterHash: all[1].Block.Hash, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) >= len(all) {
		t.Errorf("cursor should skip already-seen blocks, got %d", len(rest))
	}
	for _, r := range rest {
		if r.Block.Hash == all[0].Block.Hash || r.Block.Hash == all[1].Block.Hash {
			t.Error("cursor returned a block at or before the cursor position")
		}
	}
}

func TestBatchInsert_ResolvesOutOfOrder(t *testing.T) {
	s := newTestStore(t)

	v1 := mustCreate(t, "substance.product", map[string]any{"name": "Tea"}, nil)
	v2, err := foodblock.Update(v1, map[string]any{"name": "Green Tea"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := BatchInsert(context.Background(), s, []foodblock.SignedBlock{
		unsigned(v2, "alice"), // predecessor arrives later in the batch
		unsigned(v1, "alice"),
	})
	if res.Inserted != 2 || res.Failed != 0 {
		t.Fatalf("batch = %+v", res)
	}
	if res.Items[0].Status != "inserted" || res.Items[1].Status != "inserted" {
		t.Errorf("items = %+v", res.Items)
	}

	rec, err := s.Get(context.Background(), v2.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ChainID != v1.Hash {
		t.Error("out-of-order batch should still build one chain")
	}
}

func TestBatchInsert_ReportsUnresolved(t *testing.T) {
	s := newTestStore(t)

	ok := mustCreate(t, "substance.product", map[string]any{"name": "Salt"}, nil)
	ghost := mustCreate(t, "substance.product", map[string]any{"name": "Ghost"}, nil)
	orphan, err := foodblock.Update(ghost, map[string]any{"name": "Ghost2"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	res := BatchInsert(context.Background(), s, []foodblock.SignedBlock{
		unsigned(ok, ""),
		unsigned(orphan, ""),
	})
	if res.Inserted != 1 || res.Failed != 1 {
		t.Fatalf("batch = %+v", res)
	}
	if res.Items[1].Status != "failed" || res.Items[1].Error == "" {
		t.Errorf("orphan item = %+v", res.Items[1])
	}
}

func TestCountAgentBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := mustCreate(t, "actor.agent", map[string]any{"name": "buyer-bot"}, nil)
	mustInsert(t, s, unsigned(agent, ""))

	for i := 0; i < 3; i++ {
		b := mustCreate(t, "transfer.order",
			map[string]any{"n": i}, map[string]any{"agent": agent.Hash})
		mustInsert(t, s, unsigned(b, ""))
	}

	n, err := s.CountAgentBlocks(ctx, agent.Hash, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("agent block count = %d", n)
	}

	n, err = s.CountAgentBlocks(ctx, agent.Hash, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("future window count = %d", n)
	}
}

func TestPeers_UpsertAndTouch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertPeer(ctx, Peer{URL: "https://other.example", Name: "other"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertPeer(ctx, Peer{URL: "https://other.example", Status: "active", PublicKey: "aabb"}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := s.TouchPeer(ctx, "https://other.example", &now); err != nil {
		t.Fatal(err)
	}

	peers, err := s.Peers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("peers = %d", len(peers))
	}
	p := peers[0]
	if p.Name != "other" || p.PublicKey != "aabb" {
		t.Errorf("upsert should merge fields, got %+v", p)
	}
	if p.LastSync == nil {
		t.Error("touch should record last_sync")
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, unsigned(mustCreate(t, "substance.product", map[string]any{"name": "A"}, nil), ""))
	mustInsert(t, s, unsigned(mustCreate(t, "transfer.order", map[string]any{"n": 1}, nil), ""))

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Blocks != 2 || len(st.Types) != 2 {
		t.Errorf("stats = %+v", st)
	}
}
