// Package fb is the natural-language entry point: one sentence in, a small
// dependency-ordered batch of linked blocks out. Parsing is pure; callers
// insert the result as a batch. Confidence is reported, never enforced, and
// the scoring constants are policy, not protocol.
package fb

import (
	"fmt"
	"strings"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Result is what one sentence produced. Blocks are in dependency order:
// referenced blocks precede the blocks that reference them, so the slice
// batch-inserts cleanly. Primary is the semantically central block; Type,
// State, and Refs mirror it for callers that only want the one block.
type Result struct {
	Blocks     []foodblock.Block `json:"blocks"`
	Primary    foodblock.Block   `json:"primary"`
	Type       string            `json:"type"`
	State      map[string]any    `json:"state"`
	Refs       map[string]any    `json:"refs"`
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
}

// Parse turns a sentence into blocks.
func Parse(text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("empty input")
	}
	sc := newScan(text)
	it, conf := scoreIntents(sc)

	state := map[string]any{}
	refs := map[string]any{}
	var blocks []foodblock.Block

	if sc.party != "" {
		partyType, role := partyShape(it, sc.partyPrep)
		pb, err := foodblock.Create(partyType, map[string]any{"name": sc.party}, nil)
		if err != nil {
			return Result{}, fmt.Errorf("build %s block: %w", partyType, err)
		}
		blocks = append(blocks, pb)
		refs[role] = pb.Hash
	}

	if wantsName(it) {
		name := sc.subject
		if name == "" {
			name = subjectFallback(sc)
		}
		state["name"] = name
	}
	if sc.price != nil {
		state["price"] = sc.price.Amount
		if sc.price.Currency != "" {
			state["currency"] = sc.price.Currency
		}
	}
	if sc.quantity != nil {
		if it.name == "reading" {
			state["value"] = sc.quantity.Value
			state["unit"] = sc.quantity.Unit
		} else {
			state["quantity"] = map[string]any{
				"value": sc.quantity.Value,
				"unit":  sc.quantity.Unit,
			}
		}
	}
	if sc.rating > 0 && it.name == "review" {
		state["rating"] = sc.rating
	}
	for flag := range sc.flags {
		state[flag] = true
	}
	if sc.status != "" && it.name == "order" {
		state["status"] = sc.status
	}
	if sc.lotID != "" {
		state["lot_id"] = sc.lotID
	}

	primary, err := foodblock.Create(it.typ, state, refs)
	if err != nil {
		return Result{}, fmt.Errorf("build %s block: %w", it.typ, err)
	}
	blocks = append(blocks, primary)

	return Result{
		Blocks:     blocks,
		Primary:    primary,
		Type:       primary.Type,
		State:      primary.State,
		Refs:       primary.Refs,
		Text:       sc.text,
		Confidence: conf,
	}, nil
}

// partyShape decides what kind of block the other party becomes and which
// ref role links the primary block to it.
func partyShape(it intent, prep string) (typ, role string) {
	typ = "place.venue"
	if prep == "from" || prep == "by" || prep == "to" {
		typ = "actor.producer"
	}
	switch it.name {
	case "certification":
		return "actor.authority", "authority"
	case "review":
		return typ, "target"
	case "reading":
		return "place.venue", "site"
	case "order":
		if prep == "to" {
			return typ, "buyer"
		}
		return typ, "seller"
	case "venue", "producer":
		return "place.venue", "located_in"
	default:
		return typ, "seller"
	}
}

// wantsName reports whether the intent's block carries a subject name.
func wantsName(it intent) bool {
	switch it.name {
	case "product", "venue", "producer", "agent", "surplus", "transform":
		return true
	default:
		return false
	}
}

// subjectFallback names the subject when no proper noun was found: the text
// up to the party clause, with any price fragment removed.
func subjectFallback(sc *scan) string {
	cut := len(sc.tokens)
	if sc.party != "" {
		for i, tok := range sc.lowerTokens {
			if partyPreps[tok] {
				cut = i
				break
			}
		}
	}
	out := strings.Join(sc.tokens[:cut], " ")
	out = priceSymbolRe.ReplaceAllString(out, "")
	out = strings.TrimSpace(strings.Trim(out, " ,.-"))
	if out == "" {
		return sc.text
	}
	return out
}
