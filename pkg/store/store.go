// Package store persists the block graph and implements the insert pipeline:
// hash integrity, author-scoped chain resolution, fork handling, tombstone
// erasure, visibility derivation, and the refs index. Two backends share the
// same semantics: Postgres for production (events ride LISTEN/NOTIFY via a
// DB trigger) and SQLite for sandbox and tests (events are emitted in-process
// after commit). Exactly one event source exists per backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Visibility values stored alongside blocks. Derived at insert, never hashed.
const (
	VisibilityPublic   = "public"
	VisibilityNetwork  = "network"
	VisibilitySector   = "sector"
	VisibilityChain    = "chain"
	VisibilityDirect   = "direct"
	VisibilityPrivate  = "private"
	VisibilityInternal = "internal"
	VisibilityDeleted  = "deleted"
)

var (
	// ErrNotFound is returned when a hash is not stored.
	ErrNotFound = errors.New("block not found")
	// ErrHashMismatch is returned when a supplied hash differs from the
	// recomputed one.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrInvalidSignature is returned when a wrapper fails verification
	// against the author's published key.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnresolvedDependency is returned when refs.updates names a block
	// that is not stored.
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	// ErrUnsupportedVersion is returned for wrappers outside the accepted
	// protocol range.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrBadRequest is returned for malformed block content.
	ErrBadRequest = errors.New("bad request")
)

// ErrorKind maps a pipeline error to the protocol's machine-readable error
// kind, so HTTP handlers and batch items label failures mechanically.
// Unrecognized errors report "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrUnresolvedDependency):
		return "unresolved_dependency"
	case errors.Is(err, ErrUnsupportedVersion), errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}

// Record is a stored block with its derived columns.
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

// InsertResult reports what the pipeline did with a block.
type InsertResult struct {
	Record Record
	// Exists is true when the hash was already stored; the insert is a no-op
	// and no event fires.
	Exists bool
	// Forked is true when the block named a predecessor it could not attach
	// to and started its own chain.
	Forked bool
}

// Query selects blocks for the read endpoints. Zero values mean "no filter".
type Query struct {
	// Type matches the exact type or any dotted subtype under it.
	Type      string
	RefRole   string
	RefValue  string
	Author    string
	HeadsOnly bool
	After     time.Time
	Before    time.Time
	// StateEquals filters on whitelisted top-level state fields.
	StateEquals map[string]string
	// Sort is "newest" (default) or "oldest".
	Sort   string
	Limit  int
	Offset int
}

// Page is a bounded query result.
type Page struct {
	Records []Record `json:"blocks"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// Cursor drives federation pulls: created_at strictly after Since, or after
// the insert time of AfterHash when set.
type Cursor struct {
	Since     time.Time
	AfterHash string
	Types     []string
	Limit     int
}

// Peer is a federated server known via handshake.
type Peer struct {
	URL       string     `json:"url"`
	Name      string     `json:"name,omitempty"`
	PublicKey string     `json:"public_key,omitempty"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	LastSync  *time.Time `json:"last_sync,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Stats summarizes the store for discovery documents and the root endpoint.
type Stats struct {
	Blocks int      `json:"blocks"`
	Types  []string `json:"types"`
}

// Store is the single writer of record. All mutations go through Insert.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	Insert(ctx context.Context, sb foodblock.SignedBlock) (InsertResult, error)
	Get(ctx context.Context, hash string) (Record, error)
	// Head resolves any block to the current head of its update chain.
	Head(ctx context.Context, hash string) (Record, error)
	Query(ctx context.Context, q Query) (Page, error)
	Heads(ctx context.Context, typeFilter string) ([]Record, error)
	Chain(ctx context.Context, hash string, depth int) ([]Record, error)
	Forward(ctx context.Context, hash, typeFilter, role string) ([]Record, error)
	Pull(ctx context.Context, c Cursor) ([]Record, error)
	AuthoredSince(ctx context.Context, since time.Time, limit int) ([]Record, error)

	// PublicKeyOf resolves an author_hash to the Ed25519 key hex the actor
	// block publishes, or "" when the author is unknown.
	PublicKeyOf(ctx context.Context, authorHash string) (string, error)
	// CountAgentBlocks counts blocks created through an agent inside a
	// rolling window, for the rate gate.
	CountAgentBlocks(ctx context.Context, agentHash string, since time.Time) (int, error)

	UpsertPeer(ctx context.Context, p Peer) error
	Peers(ctx context.Context) ([]Peer, error)
	TouchPeer(ctx context.Context, url string, lastSync *time.Time) error

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
}

// Emitter receives the hash of each newly inserted block. Only the SQLite
// backend calls it; the Postgres backend leaves emission to the DB trigger so
// events have exactly one source.
type Emitter func(hash string)
