package client

import (
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Record mirrors the stored-block shape every read endpoint returns. The
// client keeps its own copy of the wire types so importing it does not drag
// in the server's storage layer.
type Record struct {
	Block           foodblock.Block `json:"block"`
	AuthorHash      string          `json:"author_hash,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ChainID         string          `json:"chain_id"`
	IsHead          bool            `json:"is_head"`
	Visibility      string          `json:"visibility"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InsertResult is the POST /blocks response. Exists marks an idempotent
// replay; Forked marks an update that landed beside an existing successor.
type InsertResult struct {
	Record
	Exists bool `json:"exists,omitempty"`
	Forked bool `json:"forked,omitempty"`
}

// Page is one window of query results.
type Page struct {
	Blocks  []Record `json:"blocks"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// NodeInfo is the GET / discovery document.
type NodeInfo struct {
	Name      string   `json:"name"`
	Protocol  string   `json:"protocol"`
	Version   string   `json:"version"`
	Blocks    int      `json:"blocks"`
	Types     []string `json:"types"`
	Endpoints []string `json:"endpoints"`
}

// BatchItem is the per-block outcome of a bulk insert.
type BatchItem struct {
	Hash   string `json:"hash,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"error_kind,omitempty"`
	Forked bool   `json:"forked,omitempty"`
}

// BatchOutcome summarizes a bulk insert.
type BatchOutcome struct {
	Items    []BatchItem `json:"results"`
	Inserted int         `json:"inserted"`
	Exists   int         `json:"exists"`
	Failed   int         `json:"failed"`
}

// FBOutcome is the POST /fb response: the parse plus the insert outcomes for
// the blocks the sentence produced.
type FBOutcome struct {
	Blocks     []foodblock.Block `json:"blocks"`
	Primary    foodblock.Block   `json:"primary"`
	Type       string            `json:"type"`
	Confidence float64           `json:"confidence"`
	Batch      BatchOutcome      `json:"batch"`
}

// Chain is a backward walk through an update history, newest first.
type Chain struct {
	Chain []Record `json:"chain"`
	Count int      `json:"count"`
	Depth int      `json:"depth"`
}

// Tombstoned is the DELETE /blocks response: the tombstone that was written
// and the target it supersedes.
type Tombstoned struct {
	Tombstone Record `json:"tombstone"`
	Target    Record `json:"target"`
}

// VerifyResult reports a signature re-check. Verified false with a Reason is
// a normal outcome for unsigned blocks, not an error.
type VerifyResult struct {
	Hash       string `json:"hash"`
	Verified   bool   `json:"verified"`
	AuthorHash string `json:"author_hash,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Explanation is the human-readable projection of one block.
type Explanation struct {
	Hash        string `json:"hash"`
	Type        string `json:"type"`
	Explanation string `json:"explanation"`
}

// TypeInfo names one governed type and where its schema lives: a published
// block hash, or builtin:<base> for the shipped defaults.
type TypeInfo struct {
	AppliesTo string `json:"applies_to"`
	Source    string `json:"source"`
}

// ValidationResult is an advisory schema check; invalid state never blocks
// an insert.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Advisory bool     `json:"advisory"`
	Schema   string   `json:"schema,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// TrustScore is the evidence-based reputation of one actor.
type TrustScore struct {
	Actor      string             `json:"actor"`
	Score      float64            `json:"score"`
	Inputs     map[string]float64 `json:"inputs"`
	Weights    map[string]float64 `json:"weights"`
	Policy     string             `json:"policy,omitempty"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Enrollment is the POST /agents/enroll response. PrivateKey is the hex seed
// of the agent's signing key; the server keeps no plaintext copy.
type Enrollment struct {
	Agent      Record `json:"agent"`
	PrivateKey string `json:"private_key"`
}

// DraftStatus reports where a draft sits in its approval lifecycle.
type DraftStatus struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}
