package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/agent"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/fb"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// insertResponse is what the write endpoints return for one block.
type insertResponse struct {
	store.Record
	Exists bool `json:"exists,omitempty"`
	Forked bool `json:"forked,omitempty"`
}

// readBlock decodes a body that is either a signed wrapper or a bare block.
// Bare blocks without a hash are built through foodblock.Create so event
// types pick up their instance_id; wrappers and pre-hashed blocks pass
// through untouched and prove their own integrity in the pipeline.
func readBlock(w http.ResponseWriter, r *http.Request) (foodblock.SignedBlock, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return foodblock.SignedBlock{}, false
	}
	return parseBlock(w, body)
}

func parseBlock(w http.ResponseWriter, body []byte) (foodblock.SignedBlock, bool) {
	var probe struct {
		FoodBlock *json.RawMessage `json:"foodblock"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return foodblock.SignedBlock{}, false
	}

	if probe.FoodBlock != nil {
		var sb foodblock.SignedBlock
		if err := unmarshalNumber(body, &sb); err != nil {
			writeError(w, http.StatusBadRequest, "invalid signed block: "+err.Error())
			return foodblock.SignedBlock{}, false
		}
		return sb, true
	}

	var b foodblock.Block
	if err := unmarshalNumber(body, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid block: "+err.Error())
		return foodblock.SignedBlock{}, false
	}
	if b.Hash == "" {
		built, err := foodblock.Create(b.Type, b.State, b.Refs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return foodblock.SignedBlock{}, false
		}
		b = built
	}
	return foodblock.SignedBlock{FoodBlock: b, ProtocolVersion: foodblock.ProtocolVersion}, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	sb, ok := readBlock(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if s.gate != nil {
		if agentHash, acting := s.gate.AgentFor(ctx, sb); acting {
			if isDraft(sb.FoodBlock) {
				out, err := s.gate.SubmitDraft(ctx, sb)
				if err != nil {
					s.denied(ctx, err)
					s.fail(w, err)
					return
				}
				s.metrics.BlocksInserted(ctx, "api", 1)
				writeJSON(w, http.StatusCreated, out)
				return
			}
			res, err := s.gate.Submit(ctx, agentHash, sb)
			if err != nil {
				s.denied(ctx, err)
				s.fail(w, err)
				return
			}
			s.respondInsert(ctx, w, res)
			return
		}
	}

	res, err := s.store.Insert(ctx, sb)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondInsert(ctx, w, res)
}

func isDraft(b foodblock.Block) bool {
	d, _ := b.State["draft"].(bool)
	_, hasAgent := b.Refs["agent"]
	return d && hasAgent
}

// respondInsert writes the insert outcome: 201 for new blocks, 200 for
// replays of an already-stored hash.
func (s *Server) respondInsert(ctx context.Context, w http.ResponseWriter, res store.InsertResult) {
	status := http.StatusCreated
	if res.Exists {
		status = http.StatusOK
	} else {
		s.metrics.BlocksInserted(ctx, "api", 1)
	}
	writeJSON(w, status, insertResponse{Record: res.Record, Exists: res.Exists, Forked: res.Forked})
}

// denied meters gate rejections by reason; other errors pass through silently.
func (s *Server) denied(ctx context.Context, err error) {
	switch {
	case errors.Is(err, agent.ErrCapabilityDenied):
		s.metrics.AgentDenied(ctx, "capability")
	case errors.Is(err, agent.ErrAmountExceeded):
		s.metrics.AgentDenied(ctx, "amount")
	case errors.Is(err, agent.ErrRateLimited):
		s.metrics.AgentDenied(ctx, "rate")
	case errors.Is(err, agent.ErrNotAgent):
		s.metrics.AgentDenied(ctx, "unknown_agent")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDelete tombstones a block: the target's state is rewritten to the
// erasure marker while its hash, type, and refs survive, so the graph around
// it stays intact.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.store.Get(ctx, hash); err != nil {
		s.fail(w, err)
		return
	}

	tomb, err := foodblock.Tombstone(hash, r.URL.Query().Get("requested_by"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.store.Insert(ctx, foodblock.SignedBlock{
		FoodBlock:       tomb,
		ProtocolVersion: foodblock.ProtocolVersion,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if !res.Exists {
		s.metrics.BlocksInserted(ctx, "api", 1)
	}

	target, err := s.store.Get(ctx, hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tombstone": res.Record,
		"target":    target,
	})
}

// handleBatch bulk-inserts blocks that may arrive in any order. Items that
// depend on other items park and retry; per-item outcomes come back in
// submission order and one bad block never fails the batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		Blocks []json.RawMessage `json:"blocks"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Blocks) == 0 {
		writeError(w, http.StatusBadRequest, "batch requires a blocks array")
		return
	}
	if len(req.Blocks) > maxBatchBlocks {
		writeError(w, http.StatusBadRequest, "batch exceeds 100 blocks")
		return
	}

	ctx := r.Context()
	result := store.BatchResult{Items: make([]store.BatchItem, len(req.Blocks))}
	accepted := make([]foodblock.SignedBlock, 0, len(req.Blocks))
	positions := make([]int, 0, len(req.Blocks))

	for i, raw := range req.Blocks {
		sb, err := parseBatchItem(raw)
		if err != nil {
			result.Items[i] = store.BatchItem{Status: "failed", Error: err.Error(), Kind: "bad_request"}
			result.Failed++
			continue
		}
		if s.gate != nil {
			if agentHash, acting := s.gate.AgentFor(ctx, sb); acting {
				if _, err := s.gate.Check(ctx, agentHash, sb.FoodBlock); err != nil {
					s.denied(ctx, err)
					result.Items[i] = store.BatchItem{
						Hash:   sb.FoodBlock.Hash,
						Status: "failed",
						Error:  err.Error(),
						Kind:   batchKind(err),
					}
					result.Failed++
					continue
				}
			}
		}
		accepted = append(accepted, sb)
		positions = append(positions, i)
	}

	inner := store.BatchInsert(ctx, s.store, accepted)
	for j, item := range inner.Items {
		result.Items[positions[j]] = item
		if item.Status == "inserted" && s.gate != nil {
			if agentHash, acting := s.gate.AgentFor(ctx, accepted[j]); acting {
				s.gate.Record(ctx, agentHash)
			}
		}
	}
	result.Inserted += inner.Inserted
	result.Exists += inner.Exists
	result.Failed += inner.Failed

	s.metrics.BlocksInserted(ctx, "api", int64(result.Inserted))
	writeJSON(w, http.StatusOK, result)
}

const maxBatchBlocks = 100

// parseBatchItem mirrors parseBlock without a ResponseWriter: item failures
// land in the batch result, not the response status.
func parseBatchItem(raw json.RawMessage) (foodblock.SignedBlock, error) {
	var probe struct {
		FoodBlock *json.RawMessage `json:"foodblock"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return foodblock.SignedBlock{}, err
	}
	if probe.FoodBlock != nil {
		var sb foodblock.SignedBlock
		if err := unmarshalNumber(raw, &sb); err != nil {
			return foodblock.SignedBlock{}, err
		}
		return sb, nil
	}
	var b foodblock.Block
	if err := unmarshalNumber(raw, &b); err != nil {
		return foodblock.SignedBlock{}, err
	}
	if b.Hash == "" {
		built, err := foodblock.Create(b.Type, b.State, b.Refs)
		if err != nil {
			return foodblock.SignedBlock{}, err
		}
		b = built
	}
	return foodblock.SignedBlock{FoodBlock: b, ProtocolVersion: foodblock.ProtocolVersion}, nil
}

func batchKind(err error) string {
	switch {
	case errors.Is(err, agent.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, agent.ErrNotAgent),
		errors.Is(err, agent.ErrCapabilityDenied),
		errors.Is(err, agent.ErrAmountExceeded):
		return "permission_denied"
	default:
		return store.ErrorKind(err)
	}
}

// fbResponse pairs the parse with what the store did with its blocks.
type fbResponse struct {
	fb.Result
	Batch store.BatchResult `json:"batch"`
}

// handleFB is the natural-language entry: one sentence in, a linked batch of
// blocks inserted, the parse and per-block outcomes out.
func (s *Server) handleFB(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := fb.Parse(req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	signed := make([]foodblock.SignedBlock, len(res.Blocks))
	for i, b := range res.Blocks {
		signed[i] = foodblock.SignedBlock{FoodBlock: b, ProtocolVersion: foodblock.ProtocolVersion}
	}
	batch := store.BatchInsert(ctx, s.store, signed)
	s.metrics.BlocksInserted(ctx, "api", int64(batch.Inserted))

	writeJSON(w, http.StatusCreated, fbResponse{Result: res, Batch: batch})
}
