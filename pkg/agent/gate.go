// Package agent enforces the permission gate and draft lifecycle for
// agent-authored blocks. An agent is an actor.agent block whose operator
// granted it capabilities, spending limits, and a rate budget; the gate
// checks all three before any agent submission reaches the store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

var (
	ErrNotAgent         = errors.New("agent block not found")
	ErrCapabilityDenied = errors.New("capability denied")
	ErrAmountExceeded   = errors.New("amount limit exceeded")
	ErrRateLimited      = errors.New("agent rate limit exceeded")
)

// RateWindow is the rolling window rate_limit_per_hour is measured over.
const RateWindow = time.Hour

type Gate struct {
	store   store.Store
	vault   *Vault
	counter RateCounter
	logger  *slog.Logger
}

// NewGate wires the permission gate. vault may be nil (no server-held agent
// keys, auto-approval disabled); counter nil falls back to the graph counter.
func NewGate(s store.Store, vault *Vault, counter RateCounter, logger *slog.Logger) *Gate {
	if counter == nil {
		counter = NewGraphCounter(s)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   s,
		vault:   vault,
		counter: counter,
		logger:  logger.With("component", "agent"),
	}
}

// Vault exposes the key vault for enrollment; nil when the server holds no
// agent keys.
func (g *Gate) Vault() *Vault { return g.vault }

// AgentFor identifies which agent a submission acts as: refs.agent when
// present, otherwise the author if the author's block is an actor.agent.
// Submissions with no agent involvement return false and bypass the gate.
func (g *Gate) AgentFor(ctx context.Context, sb foodblock.SignedBlock) (string, bool) {
	if h, ok := sb.FoodBlock.Refs["agent"].(string); ok && h != "" {
		return h, true
	}
	if sb.AuthorHash == "" {
		return "", false
	}
	rec, err := g.store.Get(ctx, sb.AuthorHash)
	if err != nil {
		return "", false
	}
	if typeUnder(rec.Block.Type, "actor.agent") {
		return sb.AuthorHash, true
	}
	return "", false
}

// Check runs the three permission checks against the current head of the
// agent block and returns that head for callers that need its settings.
func (g *Gate) Check(ctx context.Context, agentHash string, b foodblock.Block) (store.Record, error) {
	head, err := g.store.Head(ctx, agentHash)
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: %s", ErrNotAgent, agentHash)
	}
	if !typeUnder(head.Block.Type, "actor.agent") {
		return store.Record{}, fmt.Errorf("%w: %s is %s", ErrNotAgent, agentHash, head.Block.Type)
	}

	caps := stateStrings(head.Block.State["capabilities"])
	if !capabilityAllows(caps, b.Type) {
		return store.Record{}, fmt.Errorf("%w: agent may not create %s", ErrCapabilityDenied, b.Type)
	}

	if amount, ok := monetaryAmount(b.State); ok {
		if max, set := stateFloat(head.Block.State["max_amount"]); set && amount > max {
			return store.Record{}, fmt.Errorf("%w: %.2f over limit %.2f", ErrAmountExceeded, amount, max)
		}
	}

	if limit, set := stateInt(head.Block.State["rate_limit_per_hour"]); set && limit > 0 {
		n, err := g.counter.Count(ctx, agentHash, RateWindow)
		if err != nil {
			return store.Record{}, fmt.Errorf("agent rate check: %w", err)
		}
		if n >= limit {
			return store.Record{}, fmt.Errorf("%w: %d of %d this hour", ErrRateLimited, n, limit)
		}
	}
	return head, nil
}

// capabilityAllows matches a block type against the agent's capability
// patterns: exact, trailing ".*" prefix, or "*".
func capabilityAllows(caps []string, typ string) bool {
	for _, c := range caps {
		if c == "" {
			continue
		}
		if foodblock.MatchType(c, typ) {
			return true
		}
	}
	return false
}

// monetaryAmount finds the value a block represents, checking the fields the
// gate recognizes in order.
func monetaryAmount(state map[string]any) (float64, bool) {
	for _, key := range []string{"total", "amount", "value"} {
		if f, ok := stateFloat(state[key]); ok {
			return f, true
		}
	}
	return 0, false
}

func typeUnder(typ, base string) bool {
	return typ == base || len(typ) > len(base) && typ[:len(base)] == base && typ[len(base)] == '.'
}

func stateFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stateInt(v any) (int, bool) {
	f, ok := stateFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func stateStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}
