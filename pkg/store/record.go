package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// marshalBlockJSON renders state and refs for storage. Numbers already ride
// as json.Number from the decode path, so round-trips keep their precision.
func marshalBlockJSON(b foodblock.Block) (string, string, error) {
	state, err := json.Marshal(b.State)
	if err != nil {
		return "", "", fmt.Errorf("marshal state: %w", err)
	}
	refs, err := json.Marshal(b.Refs)
	if err != nil {
		return "", "", fmt.Errorf("marshal refs: %w", err)
	}
	return string(state), string(refs), nil
}

func unmarshalObject(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one row in recordColumns order.
func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var state, refs []byte
	var author, sig, version sql.NullString
	err := row.Scan(
		&rec.Block.Hash, &rec.Block.Type, &state, &refs,
		&author, &sig, &version,
		&rec.ChainID, &rec.IsHead, &rec.Visibility, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan block: %w", err)
	}
	rec.AuthorHash = author.String
	rec.Signature = sig.String
	rec.ProtocolVersion = version.String
	if rec.Block.State, err = unmarshalObject(state); err != nil {
		return Record{}, fmt.Errorf("decode state for %s: %w", rec.Block.Hash, err)
	}
	if rec.Block.Refs, err = unmarshalObject(refs); err != nil {
		return Record{}, fmt.Errorf("decode refs for %s: %w", rec.Block.Hash, err)
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// chainByGet walks refs.updates backward one Get at a time. Depth is capped
// by the caller; a visited set guards against reference loops in data that
// predates validation.
func chainByGet(ctx context.Context, s Store, hash string, depth int) ([]Record, error) {
	if depth <= 0 {
		depth = 100
	}
	seen := make(map[string]bool, depth)
	var out []Record
	cur := hash
	for len(out) < depth {
		rec, err := s.Get(ctx, cur)
		if err != nil {
			if errors.Is(err, ErrNotFound) && len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, rec)
		seen[cur] = true
		next, ok := rec.Block.UpdateTarget()
		if !ok || seen[next] {
			break
		}
		cur = next
	}
	return out, nil
}

// SignedRecord rebuilds the wire wrapper for federation push and pull.
func (r Record) SignedRecord() foodblock.SignedBlock {
	return foodblock.SignedBlock{
		FoodBlock:       r.Block,
		AuthorHash:      r.AuthorHash,
		Signature:       r.Signature,
		ProtocolVersion: r.ProtocolVersion,
	}
}
