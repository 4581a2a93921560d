package store

import (
	"strings"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// prevInfo is what chain resolution needs to know about the predecessor row.
type prevInfo struct {
	AuthorHash string
	ChainID    string
}

// chainDecision is the outcome of author-scoped update resolution.
type chainDecision struct {
	ChainID string
	// Attach is true when the block joins the predecessor's chain and the
	// predecessor loses its head flag. False means fork: a new chain starts
	// and the predecessor stays head of its own.
	Attach bool
}

// resolveChain applies the author-scoped update rules. prev is nil when the
// block has no refs.updates. approved reports whether the predecessor's
// author granted the new author update rights over the predecessor's chain.
func resolveChain(blockType, blockAuthor, blockHash string, prev *prevInfo, approved bool) chainDecision {
	if prev == nil {
		return chainDecision{ChainID: blockHash, Attach: false}
	}
	switch {
	case blockType == "observe.tombstone":
		// Erasure attaches regardless of author; the request itself is the
		// audit trail.
		return chainDecision{ChainID: prev.ChainID, Attach: true}
	case prev.AuthorHash == "" || prev.AuthorHash == blockAuthor:
		return chainDecision{ChainID: prev.ChainID, Attach: true}
	case approved:
		return chainDecision{ChainID: prev.ChainID, Attach: true}
	default:
		return chainDecision{ChainID: blockHash, Attach: false}
	}
}

var visibilityValues = map[string]bool{
	VisibilityPublic:   true,
	VisibilityNetwork:  true,
	VisibilitySector:   true,
	VisibilityChain:    true,
	VisibilityDirect:   true,
	VisibilityPrivate:  true,
	VisibilityInternal: true,
}

// DeriveVisibility returns the stored visibility for a block: the
// state.visibility hint when it names a known level, otherwise the type-based
// default. Never part of the hash.
func DeriveVisibility(typ string, state map[string]any) string {
	if hint, ok := state["visibility"].(string); ok && visibilityValues[hint] {
		return hint
	}
	switch {
	case typeUnder(typ, "transfer.payment"), typeUnder(typ, "transfer.subscription"):
		return VisibilityDirect
	case typeUnder(typ, "observe.reading"):
		return VisibilityNetwork
	case typeUnder(typ, "actor.agent"):
		return VisibilityInternal
	default:
		return VisibilityPublic
	}
}

// typeUnder reports whether typ is base itself or a dotted subtype of it.
func typeUnder(typ, base string) bool {
	return typ == base || strings.HasPrefix(typ, base+".")
}

// mergeTargets extracts refs.merges from an observe.merge block.
func mergeTargets(b foodblock.Block) []string {
	if b.Type != "observe.merge" {
		return nil
	}
	var out []string
	switch t := b.Refs["merges"].(type) {
	case string:
		if t != "" {
			out = append(out, t)
		}
	case []string:
		for _, s := range t {
			if s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// tombstoneTarget extracts refs.target from an observe.tombstone block.
func tombstoneTarget(b foodblock.Block) string {
	if b.Type != "observe.tombstone" {
		return ""
	}
	s, _ := b.Refs["target"].(string)
	return s
}
