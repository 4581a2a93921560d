package foodblock

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FoodBlock Notation is the one-line human form of a block:
//
//	<type> <state-json> [@ <refs-json>]
//
// State and refs render in canonical order, so Format output is deterministic
// and ParseFBN(Format(b)) rebuilds a block with the same hash.

// Format renders a block as FBN.
func Format(b Block) (string, error) {
	var sb strings.Builder
	sb.WriteString(b.Type)
	sb.WriteByte(' ')
	if err := writeObject(&sb, b.State, false); err != nil {
		return "", fmt.Errorf("format state: %w", err)
	}
	if len(b.Refs) > 0 {
		sb.WriteString(" @ ")
		if err := writeObject(&sb, b.Refs, true); err != nil {
			return "", fmt.Errorf("format refs: %w", err)
		}
	}
	return sb.String(), nil
}

// ParseFBN parses the FBN form back into a block. The hash is recomputed, so
// a round-trip through Format preserves identity.
func ParseFBN(s string) (Block, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Block{}, fmt.Errorf("empty notation")
	}
	sp := strings.IndexAny(s, " \t")
	if sp < 0 {
		return Create(s, nil, nil)
	}
	typ := s[:sp]
	rest := strings.TrimSpace(s[sp:])

	stateRaw, tail, err := splitJSONObject(rest)
	if err != nil {
		return Block{}, fmt.Errorf("parse state: %w", err)
	}
	state, err := decodeObject(stateRaw)
	if err != nil {
		return Block{}, fmt.Errorf("parse state: %w", err)
	}

	var refs map[string]any
	tail = strings.TrimSpace(tail)
	if tail != "" {
		if !strings.HasPrefix(tail, "@") {
			return Block{}, fmt.Errorf("unexpected trailing %q", tail)
		}
		refsRaw, extra, err := splitJSONObject(strings.TrimSpace(tail[1:]))
		if err != nil {
			return Block{}, fmt.Errorf("parse refs: %w", err)
		}
		if strings.TrimSpace(extra) != "" {
			return Block{}, fmt.Errorf("unexpected trailing %q", extra)
		}
		refs, err = decodeObject(refsRaw)
		if err != nil {
			return Block{}, fmt.Errorf("parse refs: %w", err)
		}
	}
	return Create(typ, state, refs)
}

// splitJSONObject returns the leading balanced {...} of s and the remainder.
// Braces inside JSON strings do not count toward nesting.
func splitJSONObject(s string) (string, string, error) {
	if !strings.HasPrefix(s, "{") {
		return "", "", fmt.Errorf("expected object, got %q", truncate(s, 20))
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced object in %q", truncate(s, 20))
}

func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
