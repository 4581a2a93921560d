package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

const (
	defaultPageLimit  = 50
	maxPageLimit      = 100
	defaultChainDepth = 100
	maxChainDepth     = 500
	defaultTreeDepth  = 10
	maxTreeDepth      = 50
)

// typeFilter normalizes a type query parameter: trailing "." or ".*" mean
// the same subtype-prefix match the store already applies.
func typeFilter(raw string) string {
	raw = strings.TrimSuffix(raw, ".*")
	return strings.TrimSuffix(raw, ".")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.store.Query(r.Context(), store.Query{
		Type:      typeFilter(q.Get("type")),
		RefRole:   q.Get("ref"),
		RefValue:  q.Get("ref_value"),
		HeadsOnly: boolParam(q.Get("heads"), false),
		Limit:     queryInt(r, "limit", defaultPageLimit, 1, maxPageLimit),
		Offset:    queryInt(r, "offset", 0, 0, 1<<30),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleHeads(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.Heads(r.Context(), typeFilter(r.URL.Query().Get("type")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"heads": recs, "count": len(recs)})
}

// handleChain walks refs.updates backward from a block, newest first.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	depth := queryInt(r, "depth", defaultChainDepth, 1, maxChainDepth)
	chain, err := s.store.Chain(r.Context(), hash, depth)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chain": chain,
		"count": len(chain),
		"depth": depth,
	})
}

// treeNode is one block in the recursive ref expansion. A revisited hash
// comes back as a bare stub so shared ancestry does not explode the payload,
// and cycles cannot recurse.
type treeNode struct {
	Hash      string                 `json:"hash"`
	Block     *store.Record          `json:"block,omitempty"`
	Children  map[string][]*treeNode `json:"children,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Missing   bool                   `json:"missing,omitempty"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), hash); err != nil {
		s.fail(w, err)
		return
	}
	depth := queryInt(r, "depth", defaultTreeDepth, 1, maxTreeDepth)
	root := s.buildTree(r.Context(), hash, depth, map[string]bool{})
	writeJSON(w, http.StatusOK, map[string]any{"tree": root, "depth": depth})
}

func (s *Server) buildTree(ctx context.Context, hash string, depth int, visited map[string]bool) *treeNode {
	node := &treeNode{Hash: hash}
	if visited[hash] {
		return node
	}
	visited[hash] = true

	rec, err := s.store.Get(ctx, hash)
	if err != nil {
		node.Missing = true
		return node
	}
	node.Block = &rec

	edges := rec.Block.RefHashes()
	if len(edges) == 0 {
		return node
	}
	if depth <= 0 {
		node.Truncated = true
		return node
	}
	node.Children = make(map[string][]*treeNode)
	for _, edge := range edges {
		node.Children[edge.Role] = append(node.Children[edge.Role],
			s.buildTree(ctx, edge.Target, depth-1, visited))
	}
	return node
}

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	recs, err := s.store.Forward(r.Context(), hash, typeFilter(q.Get("type")), q.Get("role"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": recs, "count": len(recs)})
}

// findStateFields is the closed set of state.<field> filters /find accepts.
// Anything else is silently ignored rather than indexed.
var findStateFields = map[string]bool{
	"status":   true,
	"name":     true,
	"category": true,
	"lot_id":   true,
	"currency": true,
	"origin":   true,
	"unit":     true,
}

// handleFind is the composable search: filters AND together, heads-only by
// default, bounded pages with a total count.
func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.Query{
		Type:      typeFilter(q.Get("type")),
		RefRole:   q.Get("ref"),
		RefValue:  q.Get("ref_value"),
		Author:    q.Get("author"),
		HeadsOnly: boolParam(q.Get("heads"), true),
		Sort:      q.Get("sort"),
		Limit:     queryInt(r, "limit", defaultPageLimit, 1, maxPageLimit),
		Offset:    queryInt(r, "offset", 0, 0, 1<<30),
	}
	switch query.Sort {
	case "", "newest", "oldest":
	default:
		writeError(w, http.StatusBadRequest, `sort must be "newest" or "oldest"`)
		return
	}
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"after", &query.After}, {"before", &query.Before}} {
		raw := q.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, bound.name+" must be an RFC 3339 timestamp")
			return
		}
		*bound.dst = ts
	}
	for key, vals := range q {
		field, isState := strings.CutPrefix(key, "state.")
		if !isState || len(vals) == 0 || !findStateFields[field] {
			continue
		}
		if query.StateEquals == nil {
			query.StateEquals = make(map[string]string)
		}
		query.StateEquals[field] = vals[0]
	}

	page, err := s.store.Query(r.Context(), query)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleVerify re-checks a stored block's signature against the author's
// published key. An unverifiable block is a 200 with verified=false and a
// reason; only a missing block is an error.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}

	out := map[string]any{"hash": hash, "verified": false}
	if rec.Signature == "" || rec.AuthorHash == "" {
		out["reason"] = "block is unsigned"
		writeJSON(w, http.StatusOK, out)
		return
	}
	out["author_hash"] = rec.AuthorHash

	pubHex, err := s.store.PublicKeyOf(r.Context(), rec.AuthorHash)
	if err != nil {
		s.fail(w, err)
		return
	}
	if pubHex == "" {
		out["reason"] = "author has no published key"
		writeJSON(w, http.StatusOK, out)
		return
	}
	if err := foodblock.VerifyHex(rec.SignedRecord(), pubHex); err != nil {
		out["reason"] = err.Error()
		writeJSON(w, http.StatusOK, out)
		return
	}
	out["verified"] = true
	writeJSON(w, http.StatusOK, out)
}

func boolParam(raw string, def bool) bool {
	switch strings.ToLower(raw) {
	case "":
		return def
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
