package foodblock

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Block is the universal protocol unit. Hash is derived, never supplied:
// callers build blocks through Create or Update and the hash is computed from
// the canonical form of the other three fields.
type Block struct {
	Hash  string         `json:"hash"`
	Type  string         `json:"type"`
	State map[string]any `json:"state"`
	Refs  map[string]any `json:"refs"`
}

// Definitional observe.* types describe the world rather than record an
// occurrence in it, so they do not receive an instance_id.
var definitionalTypes = map[string]bool{
	"observe.vocabulary":   true,
	"observe.template":     true,
	"observe.schema":       true,
	"observe.trust_policy": true,
	"observe.protocol":     true,
}

// IsEventType reports whether typ records an occurrence: transfer.* and
// transform.* always, observe.* unless definitional. Event blocks get a
// random instance_id so two identical observations hash differently.
func IsEventType(typ string) bool {
	if definitionalTypes[typ] {
		return false
	}
	return strings.HasPrefix(typ, "transfer.") ||
		strings.HasPrefix(typ, "transform.") ||
		strings.HasPrefix(typ, "observe.")
}

// ValidateType checks the dot-notation type field.
func ValidateType(typ string) error {
	if typ == "" {
		return fmt.Errorf("block type is required")
	}
	if len(typ) > MaxTypeLength {
		return fmt.Errorf("block type exceeds %d characters", MaxTypeLength)
	}
	return nil
}

// MatchType matches a dot-notation type against a pattern: "*" matches every
// type, "transfer.*" matches transfer and any subtype under it, anything else
// matches exactly. Capability grants and stream filters share these rules.
func MatchType(pattern, typ string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		base := strings.TrimSuffix(pattern, ".*")
		return typ == base || strings.HasPrefix(typ, base+".")
	default:
		return typ == pattern
	}
}

// ValidateRefs enforces the ref-value shape: each role maps to a single hash
// string or an array of hash strings, nothing else.
func ValidateRefs(refs map[string]any) error {
	for role, v := range refs {
		switch t := v.(type) {
		case nil:
		case string:
		case []string:
		case []any:
			for _, e := range t {
				if e == nil {
					continue
				}
				if _, ok := e.(string); !ok {
					return fmt.Errorf("ref %q: array values must be strings, got %T", role, e)
				}
			}
		default:
			return fmt.Errorf("ref %q must be a string or array of strings, got %T", role, v)
		}
	}
	return nil
}

// Create builds a block from a type, state, and refs. Nil maps become empty
// maps, nulls are stripped, and event types receive an instance_id when the
// caller did not supply one. The input maps are not mutated.
func Create(typ string, state, refs map[string]any) (Block, error) {
	if err := ValidateType(typ); err != nil {
		return Block{}, err
	}
	if err := ValidateRefs(refs); err != nil {
		return Block{}, err
	}
	cleanState := stripNulls(state)
	cleanRefs := stripNulls(refs)
	if IsEventType(typ) {
		if _, ok := cleanState["instance_id"]; !ok {
			cleanState["instance_id"] = uuid.NewString()
		}
	}
	hash, err := Hash(typ, cleanState, cleanRefs)
	if err != nil {
		return Block{}, err
	}
	return Block{Hash: hash, Type: typ, State: cleanState, Refs: cleanRefs}, nil
}

// Update builds a new version of prev. The new block carries the full
// replacement state, inherits prev's refs unless overridden, and points back
// through refs.updates. Identity continuity lives in that ref: the chain of
// updates refs is the object's history.
func Update(prev Block, state, refs map[string]any) (Block, error) {
	merged := make(map[string]any, len(prev.Refs)+len(refs)+1)
	for k, v := range prev.Refs {
		merged[k] = v
	}
	for k, v := range refs {
		merged[k] = v
	}
	merged["updates"] = prev.Hash
	return Create(prev.Type, state, merged)
}

// MergeUpdate is Update with shallow state merging: prev's state is the base
// and changes overwrite key by key. A nil change value deletes the key.
func MergeUpdate(prev Block, changes, refs map[string]any) (Block, error) {
	state := make(map[string]any, len(prev.State)+len(changes))
	for k, v := range prev.State {
		state[k] = v
	}
	for k, v := range changes {
		if v == nil {
			delete(state, k)
			continue
		}
		state[k] = v
	}
	return Update(prev, state, refs)
}

// Tombstone builds an observe.tombstone block requesting erasure of target.
// The target block itself is immutable; stores honor the tombstone by
// rewriting its state while preserving hash, type, and refs.
func Tombstone(target, requestedBy string) (Block, error) {
	if target == "" {
		return Block{}, fmt.Errorf("tombstone target is required")
	}
	state := map[string]any{"reason": "erasure_request"}
	if requestedBy != "" {
		state["requested_by"] = requestedBy
	}
	refs := map[string]any{
		"target":  target,
		"updates": target,
	}
	return Create("observe.tombstone", state, refs)
}

// TombstonedState is the replacement state applied to a tombstoned block.
func TombstonedState() map[string]any {
	return map[string]any{"tombstoned": true}
}

// UpdateTarget returns the hash a block's refs.updates points at, if any.
func (b Block) UpdateTarget() (string, bool) {
	v, ok := b.Refs["updates"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// RefHashes flattens a block's refs into the set of referenced hashes,
// keyed by role. Array roles contribute one entry per element.
func (b Block) RefHashes() []RefEdge {
	var edges []RefEdge
	for role, v := range b.Refs {
		switch t := v.(type) {
		case string:
			if t != "" {
				edges = append(edges, RefEdge{Role: role, Target: t})
			}
		case []string:
			for _, s := range t {
				if s != "" {
					edges = append(edges, RefEdge{Role: role, Target: s})
				}
			}
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok && s != "" {
					edges = append(edges, RefEdge{Role: role, Target: s})
				}
			}
		}
	}
	return edges
}

// RefEdge is one outgoing edge of the block graph.
type RefEdge struct {
	Role   string
	Target string
}

// stripNulls deep-copies a JSON-shaped map, dropping null values from objects
// and arrays. Canonicalization would omit them anyway; stripping at build
// time keeps the stored block equal to its canonical content.
func stripNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = stripNullsValue(v)
	}
	return out
}

func stripNullsValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return stripNulls(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, stripNullsValue(e))
		}
		return out
	default:
		return v
	}
}
