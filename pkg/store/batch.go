package store

import (
	"context"
	"errors"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// BatchItem is the per-block outcome of a bulk insert, in submission order.
type BatchItem struct {
	Hash   string `json:"hash,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"error_kind,omitempty"`
	Forked bool   `json:"forked,omitempty"`
}

type BatchResult struct {
	Items    []BatchItem `json:"results"`
	Inserted int         `json:"inserted"`
	Exists   int         `json:"exists"`
	Failed   int         `json:"failed"`
}

// BatchInsert stores a batch that may arrive in any order. Blocks whose
// predecessor is elsewhere in the batch park on ErrUnresolvedDependency and
// retry on the next pass; one block per pass is guaranteed to land, so the
// loop terminates. Anything still unresolved when a pass makes no progress
// fails with the dependency error. Other failures never abort the batch.
func BatchInsert(ctx context.Context, s Store, blocks []foodblock.SignedBlock) BatchResult {
	res := BatchResult{Items: make([]BatchItem, len(blocks))}
	pending := make([]int, 0, len(blocks))
	for i := range blocks {
		pending = append(pending, i)
	}
	parked := make(map[int]error)

	for len(pending) > 0 {
		var deferred []int
		progress := false
		for _, i := range pending {
			out, err := s.Insert(ctx, blocks[i])
			switch {
			case err == nil && out.Exists:
				res.Items[i] = BatchItem{Hash: out.Record.Block.Hash, Status: "exists"}
				res.Exists++
				progress = true
			case err == nil:
				res.Items[i] = BatchItem{Hash: out.Record.Block.Hash, Status: "inserted", Forked: out.Forked}
				res.Inserted++
				progress = true
			case errors.Is(err, ErrUnresolvedDependency):
				parked[i] = err
				deferred = append(deferred, i)
			default:
				res.Items[i] = BatchItem{
					Hash:   blocks[i].FoodBlock.Hash,
					Status: "failed",
					Error:  err.Error(),
					Kind:   ErrorKind(err),
				}
				res.Failed++
				progress = true
			}
		}
		if !progress {
			for _, i := range deferred {
				res.Items[i] = BatchItem{
					Hash:   blocks[i].FoodBlock.Hash,
					Status: "failed",
					Error:  parked[i].Error(),
					Kind:   ErrorKind(parked[i]),
				}
				res.Failed++
			}
			break
		}
		pending = deferred
	}
	return res
}
