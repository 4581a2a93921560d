package agent

import (
	"context"
	"fmt"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// Draft lifecycle statuses. A draft leaves "pending" through a normal graph
// update: the confirming block drops the draft flag, a rejection records
// rejected=true, and a newer draft version supersedes the old one.
const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusAutoApproved = "auto_approved"
	StatusRejected     = "rejected"
	StatusSuperseded   = "superseded"
)

// DraftOutcome reports what SubmitDraft did.
type DraftOutcome struct {
	Draft     store.Record  `json:"draft"`
	Confirmed *store.Record `json:"confirmed,omitempty"`
	Status    string        `json:"status"`
}

// SubmitDraft gates and stores an agent-authored draft, then settles it
// immediately when the agent's auto_approve_under threshold allows. The
// draft must carry state.draft=true and refs.agent.
func (g *Gate) SubmitDraft(ctx context.Context, sb foodblock.SignedBlock) (DraftOutcome, error) {
	agentHash, _ := sb.FoodBlock.Refs["agent"].(string)
	if agentHash == "" {
		return DraftOutcome{}, fmt.Errorf("%w: draft requires refs.agent", store.ErrBadRequest)
	}
	if isDraft, _ := sb.FoodBlock.State["draft"].(bool); !isDraft {
		return DraftOutcome{}, fmt.Errorf("%w: draft requires state.draft=true", store.ErrBadRequest)
	}

	head, err := g.Check(ctx, agentHash, sb.FoodBlock)
	if err != nil {
		return DraftOutcome{}, err
	}
	res, err := g.store.Insert(ctx, sb)
	if err != nil {
		return DraftOutcome{}, err
	}
	g.Record(ctx, agentHash)

	out := DraftOutcome{Draft: res.Record, Status: StatusPending}
	confirmed, err := g.autoApprove(ctx, agentHash, head, res.Record)
	if err != nil {
		g.logger.WarnContext(ctx, "auto-approval failed, draft stays pending",
			"draft", res.Record.Block.Hash, "error", err)
		return out, nil
	}
	if confirmed != nil {
		out.Confirmed = confirmed
		out.Status = StatusAutoApproved
		g.logger.InfoContext(ctx, "draft auto-approved",
			"draft", res.Record.Block.Hash, "confirmed", confirmed.Block.Hash)
	}
	return out, nil
}

// autoApprove settles a qualifying draft by signing the confirming update as
// the agent itself with the vault-held key, so it attaches to the draft's
// chain like any same-author update. Returns (nil, nil) when the draft does
// not qualify: no threshold, amount at or over it, no vault, no sealed key,
// or a draft authored by someone other than the agent.
func (g *Gate) autoApprove(ctx context.Context, agentHash string, agentHead, draft store.Record) (*store.Record, error) {
	threshold, ok := stateFloat(agentHead.Block.State["auto_approve_under"])
	if !ok || threshold <= 0 {
		return nil, nil
	}
	if amount, has := monetaryAmount(draft.Block.State); has && amount >= threshold {
		return nil, nil
	}
	if g.vault == nil || draft.AuthorHash != agentHash {
		return nil, nil
	}
	sealed, _ := agentHead.Block.State["encrypted_key"].(string)
	if sealed == "" {
		return nil, nil
	}
	priv, err := g.vault.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal agent key: %w", err)
	}

	state := make(map[string]any, len(draft.Block.State))
	for k, v := range draft.Block.State {
		if k == "draft" {
			continue
		}
		state[k] = v
	}
	confirmed, err := foodblock.Update(draft.Block, state, map[string]any{
		"approved_agent": agentHash,
	})
	if err != nil {
		return nil, fmt.Errorf("build confirming update: %w", err)
	}
	signed, err := foodblock.Sign(confirmed, agentHash, priv)
	if err != nil {
		return nil, err
	}
	res, err := g.store.Insert(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("insert confirming update: %w", err)
	}
	return &res.Record, nil
}

// Submit gates and stores a non-draft agent submission.
func (g *Gate) Submit(ctx context.Context, agentHash string, sb foodblock.SignedBlock) (store.InsertResult, error) {
	if _, err := g.Check(ctx, agentHash, sb.FoodBlock); err != nil {
		return store.InsertResult{}, err
	}
	res, err := g.store.Insert(ctx, sb)
	if err != nil {
		return store.InsertResult{}, err
	}
	if !res.Exists {
		g.Record(ctx, agentHash)
	}
	return res, nil
}

// Record notes one accepted submission with the configured counter. Counter
// failures degrade to the graph count on the next check, so they only warn.
func (g *Gate) Record(ctx context.Context, agentHash string) {
	if err := g.counter.Record(ctx, agentHash); err != nil {
		g.logger.WarnContext(ctx, "recording agent submission failed",
			"agent", agentHash, "error", err)
	}
}

// DraftStatus projects a draft's lifecycle state from its update chain.
func (g *Gate) DraftStatus(ctx context.Context, draftHash string) (string, error) {
	draft, err := g.store.Get(ctx, draftHash)
	if err != nil {
		return "", err
	}
	if isDraft, _ := draft.Block.State["draft"].(bool); !isDraft {
		return "", fmt.Errorf("%w: %s is not a draft", store.ErrBadRequest, draftHash)
	}
	head, err := g.store.Head(ctx, draftHash)
	if err != nil {
		return "", err
	}
	if head.Block.Hash == draft.Block.Hash {
		return StatusPending, nil
	}

	chain, err := g.store.Chain(ctx, head.Block.Hash, 0)
	if err != nil {
		return "", err
	}
	var successor *store.Record
	for i := range chain {
		if t, ok := chain[i].Block.UpdateTarget(); ok && t == draftHash {
			successor = &chain[i]
			break
		}
	}
	switch {
	case successor == nil || successor.Block.Hash != head.Block.Hash:
		return StatusSuperseded, nil
	case stateBool(successor.Block.State["draft"]):
		// The draft was edited, not decided.
		return StatusSuperseded, nil
	case rejects(successor.Block):
		return StatusRejected, nil
	default:
		agentHash, _ := draft.Block.Refs["agent"].(string)
		if _, ok := successor.Block.Refs["approved_agent"]; ok && successor.AuthorHash == agentHash {
			return StatusAutoApproved, nil
		}
		return StatusApproved, nil
	}
}

// PendingDrafts lists an agent's drafts still awaiting a decision.
func (g *Gate) PendingDrafts(ctx context.Context, agentHash string) ([]store.Record, error) {
	page, err := g.store.Query(ctx, store.Query{
		RefRole:   "agent",
		RefValue:  agentHash,
		HeadsOnly: true,
		Limit:     100,
	})
	if err != nil {
		return nil, err
	}
	var drafts []store.Record
	for _, r := range page.Records {
		if stateBool(r.Block.State["draft"]) {
			drafts = append(drafts, r)
		}
	}
	return drafts, nil
}

func stateBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// rejects recognizes the shapes a rejection decision takes: rejected=true,
// status "rejected", or the rejected_agent ref an operator tool stamps.
func rejects(b foodblock.Block) bool {
	if stateBool(b.State["rejected"]) {
		return true
	}
	if s, _ := b.State["status"].(string); s == "rejected" {
		return true
	}
	_, ok := b.Refs["rejected_agent"]
	return ok
}
