package foodblock

import (
	"fmt"
	"sort"
	"strings"
)

// Explain renders a one-paragraph human summary of a block: what kind of
// record it is, the fields that identify it, and what it links to. Pure
// projection over the triple; no lookups.
func Explain(b Block) string {
	var sb strings.Builder
	sb.WriteString(describeType(b.Type))
	if name, ok := b.State["name"].(string); ok && name != "" {
		fmt.Fprintf(&sb, " named %q", name)
	}
	if v, ok := b.State["tombstoned"].(bool); ok && v {
		sb.WriteString(" (content erased)")
	}
	if price, cur := stateNumber(b.State, "price"), stateString(b.State, "currency"); price != "" {
		if cur != "" {
			fmt.Fprintf(&sb, ", priced %s %s", price, cur)
		} else {
			fmt.Fprintf(&sb, ", priced %s", price)
		}
	}
	if status := stateString(b.State, "status"); status != "" {
		fmt.Fprintf(&sb, ", status %s", status)
	}
	if edges := b.RefHashes(); len(edges) > 0 {
		roles := make([]string, 0, len(edges))
		seen := make(map[string]bool, len(edges))
		for _, e := range edges {
			if !seen[e.Role] {
				seen[e.Role] = true
				roles = append(roles, e.Role)
			}
		}
		sort.Strings(roles)
		fmt.Fprintf(&sb, "; links %s", strings.Join(roles, ", "))
	}
	sb.WriteByte('.')
	if b.Hash != "" {
		fmt.Fprintf(&sb, " Identity %s…%s.", b.Hash[:8], b.Hash[56:])
	}
	return sb.String()
}

func describeType(typ string) string {
	base := typ
	if i := strings.IndexByte(typ, '.'); i > 0 {
		base = typ[:i]
	}
	switch base {
	case "actor":
		return "An actor record (" + typ + ")"
	case "place":
		return "A place record (" + typ + ")"
	case "substance":
		return "A substance record (" + typ + ")"
	case "transform":
		return "A transformation event (" + typ + ")"
	case "transfer":
		return "A transfer event (" + typ + ")"
	case "observe":
		return "An observation (" + typ + ")"
	default:
		return "A " + typ + " block"
	}
}

func stateString(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

func stateNumber(state map[string]any, key string) string {
	var sb strings.Builder
	v, ok := state[key]
	if !ok {
		return ""
	}
	if err := writeValue(&sb, v, false); err != nil {
		return ""
	}
	s := sb.String()
	if s == "" || s[0] == '"' || s[0] == '{' || s[0] == '[' {
		return ""
	}
	return s
}
