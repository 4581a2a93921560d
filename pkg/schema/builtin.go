package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

func marshalSchema(raw any) (string, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// builtinSchemas are loose shells for the base types. They constrain the
// handful of fields the query endpoints and trust scoring read, and leave
// everything else open.
var builtinSchemas = map[string]string{
	"actor": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"public_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"visibility": {"type": "string"}
		}
	}`,
	"place": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"address": {"type": "string"},
			"lat": {"type": "number", "minimum": -90, "maximum": 90},
			"lon": {"type": "number", "minimum": -180, "maximum": 180}
		}
	}`,
	"substance": `{
		"type": "object",
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"price": {"type": "number", "minimum": 0},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"unit": {"type": "string"},
			"quantity": {"type": ["number", "object"]}
		}
	}`,
	"transfer": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"price": {"type": "number", "minimum": 0},
			"amount": {"type": "number", "minimum": 0},
			"currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
			"quantity": {"type": ["number", "object"]}
		}
	}`,
	"transform": `{
		"type": "object",
		"properties": {
			"status": {"type": "string"},
			"yield": {"type": "number", "minimum": 0}
		}
	}`,
	"observe": `{
		"type": "object",
		"properties": {
			"rating": {"type": "integer", "minimum": 1, "maximum": 5},
			"text": {"type": "string"}
		}
	}`,
}

// BuiltinTypes lists the base types that ship with builtin schema shells.
func BuiltinTypes() []string {
	types := make([]string, 0, len(builtinSchemas))
	for t := range builtinSchemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BuiltinBlocks renders the builtin schemas as observe.schema blocks so a node
// can publish them at startup. The blocks carry no instance_id, so their hashes
// are stable and re-publishing is idempotent.
func BuiltinBlocks() ([]foodblock.Block, error) {
	types := make([]string, 0, len(builtinSchemas))
	for t := range builtinSchemas {
		types = append(types, t)
	}
	sort.Strings(types)

	blocks := make([]foodblock.Block, 0, len(types))
	for _, t := range types {
		var doc map[string]any
		if err := json.Unmarshal([]byte(builtinSchemas[t]), &doc); err != nil {
			return nil, fmt.Errorf("builtin schema %s: %w", t, err)
		}
		b, err := foodblock.Create("observe.schema", map[string]any{
			"applies_to": t,
			"schema":     doc,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("builtin schema %s: %w", t, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
