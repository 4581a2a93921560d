package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// PostgresStore is the production backend. New-block events originate from
// the AFTER INSERT trigger below and nowhere else; the tombstone UPDATE on
// the target row deliberately does not fire it.
type PostgresStore struct {
	db *sql.DB
}

// NotifyChannel is the LISTEN/NOTIFY channel the insert trigger publishes to.
const NotifyChannel = "new_block"

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	hash TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	state JSONB NOT NULL DEFAULT '{}'::jsonb,
	refs JSONB NOT NULL DEFAULT '{}'::jsonb,
	author_hash TEXT,
	signature TEXT,
	protocol_version TEXT,
	chain_id TEXT NOT NULL,
	is_head BOOLEAN NOT NULL DEFAULT TRUE,
	visibility TEXT NOT NULL DEFAULT 'public',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_blocks_type ON blocks (type);
CREATE INDEX IF NOT EXISTS idx_blocks_author ON blocks (author_hash);
CREATE INDEX IF NOT EXISTS idx_blocks_chain_head ON blocks (chain_id, is_head);
CREATE INDEX IF NOT EXISTS idx_blocks_created ON blocks (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_blocks_type_head ON blocks (type, is_head) WHERE is_head;
CREATE INDEX IF NOT EXISTS idx_blocks_visibility_head ON blocks (visibility) WHERE is_head;
CREATE INDEX IF NOT EXISTS idx_blocks_refs_gin ON blocks USING GIN (refs);

CREATE TABLE IF NOT EXISTS block_refs (
	block_hash TEXT NOT NULL REFERENCES blocks(hash) ON DELETE CASCADE,
	role TEXT NOT NULL,
	target_hash TEXT NOT NULL,
	PRIMARY KEY (block_hash, role, target_hash)
);
CREATE INDEX IF NOT EXISTS idx_block_refs_target ON block_refs (target_hash);
CREATE INDEX IF NOT EXISTS idx_block_refs_role ON block_refs (role, target_hash);

CREATE TABLE IF NOT EXISTS peers (
	url TEXT PRIMARY KEY,
	name TEXT,
	public_key TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	last_seen TIMESTAMPTZ,
	last_sync TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION notify_new_block() RETURNS trigger AS $fn$
BEGIN
	PERFORM pg_notify('new_block', NEW.hash);
	RETURN NEW;
END;
$fn$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS blocks_notify_insert ON blocks;
CREATE TRIGGER blocks_notify_insert
	AFTER INSERT ON blocks
	FOR EACH ROW EXECUTE FUNCTION notify_new_block();
`

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init blocks schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Insert(ctx context.Context, sb foodblock.SignedBlock) (InsertResult, error) {
	if err := prepareBlock(&sb); err != nil {
		return InsertResult{}, err
	}
	if err := verifyAuthor(ctx, s, sb); err != nil {
		return InsertResult{}, err
	}
	if err := verifyClaimToken(ctx, s, sb); err != nil {
		return InsertResult{}, err
	}
	blk := sb.FoodBlock

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec, err := s.getTx(ctx, tx, blk.Hash); err == nil {
		return InsertResult{Record: rec, Exists: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return InsertResult{}, err
	}

	// Author-scoped update resolution, predecessor row locked for the head flip.
	var prev *prevInfo
	prevHash, hasPrev := blk.UpdateTarget()
	if hasPrev {
		var author sql.NullString
		var chainID string
		err := tx.QueryRowContext(ctx,
			`SELECT author_hash, chain_id FROM blocks WHERE hash = $1 FOR UPDATE`,
			prevHash).Scan(&author, &chainID)
		if errors.Is(err, sql.ErrNoRows) {
			return InsertResult{}, fmt.Errorf("%w: predecessor %s", ErrUnresolvedDependency, prevHash)
		}
		if err != nil {
			return InsertResult{}, fmt.Errorf("resolve predecessor: %w", err)
		}
		prev = &prevInfo{AuthorHash: author.String, ChainID: chainID}
	}

	approved := false
	if prev != nil && prev.AuthorHash != "" && prev.AuthorHash != sb.AuthorHash &&
		blk.Type != "observe.tombstone" {
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM blocks
				WHERE type = 'observe.approval'
				  AND author_hash = $1
				  AND state->>'target_chain' = $2
				  AND refs->>'grantee' = $3
			)`, prev.AuthorHash, prev.ChainID, sb.AuthorHash).Scan(&approved)
		if err != nil {
			return InsertResult{}, fmt.Errorf("check approval: %w", err)
		}
	}

	dec := resolveChain(blk.Type, sb.AuthorHash, blk.Hash, prev, approved)
	chainID := dec.ChainID

	// Merge resolution: lock the target heads, adopt the lowest chain_id as
	// the union chain, fold the others into it.
	merges := mergeTargets(blk)
	if len(merges) > 0 {
		rows, err := tx.QueryContext(ctx,
			`SELECT hash, chain_id FROM blocks WHERE hash = ANY($1) FOR UPDATE`,
			pq.Array(merges))
		if err != nil {
			return InsertResult{}, fmt.Errorf("resolve merge targets: %w", err)
		}
		found := map[string]string{}
		for rows.Next() {
			var h, c string
			if err := rows.Scan(&h, &c); err != nil {
				_ = rows.Close()
				return InsertResult{}, err
			}
			found[h] = c
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return InsertResult{}, err
		}
		for _, m := range merges {
			if _, ok := found[m]; !ok {
				return InsertResult{}, fmt.Errorf("%w: merge target %s", ErrUnresolvedDependency, m)
			}
		}
		chains := distinctSorted(found)
		chainID = chains[0]
		if len(chains) > 1 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE blocks SET chain_id = $1 WHERE chain_id = ANY($2)`,
				chainID, pq.Array(chains[1:])); err != nil {
				return InsertResult{}, fmt.Errorf("fold merged chains: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET is_head = FALSE WHERE hash = ANY($1)`,
			pq.Array(merges)); err != nil {
			return InsertResult{}, fmt.Errorf("retire merged heads: %w", err)
		}
	}

	visibility := DeriveVisibility(blk.Type, blk.State)
	stateJSON, refsJSON, err := marshalBlockJSON(blk)
	if err != nil {
		return InsertResult{}, err
	}

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO blocks (hash, type, state, refs, author_hash, signature, protocol_version, chain_id, is_head, visibility)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, TRUE, $9)
		ON CONFLICT (hash) DO NOTHING
		RETURNING created_at`,
		blk.Hash, blk.Type, stateJSON, refsJSON,
		sb.AuthorHash, sb.Signature, sb.ProtocolVersion,
		chainID, visibility).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Raced with an identical insert; idempotent.
		if err := tx.Commit(); err != nil {
			return InsertResult{}, err
		}
		rec, err := s.Get(ctx, blk.Hash)
		if err != nil {
			return InsertResult{}, err
		}
		return InsertResult{Record: rec, Exists: true}, nil
	}
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert block: %w", err)
	}

	if dec.Attach && prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET is_head = FALSE WHERE hash = $1`, prevHash); err != nil {
			return InsertResult{}, fmt.Errorf("retire predecessor head: %w", err)
		}
	}

	for _, e := range blk.RefHashes() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO block_refs (block_hash, role, target_hash)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			blk.Hash, e.Role, e.Target); err != nil {
			return InsertResult{}, fmt.Errorf("index ref %s: %w", e.Role, err)
		}
	}

	// Tombstone erasure: rewrite the target's state in place. The trigger is
	// INSERT-only, so this UPDATE emits no second event.
	if target := tombstoneTarget(blk); target != "" {
		tombJSON, _ := json.Marshal(foodblock.TombstonedState())
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET state = $1::jsonb, visibility = $2 WHERE hash = $3`,
			string(tombJSON), VisibilityDeleted, target); err != nil {
			return InsertResult{}, fmt.Errorf("apply tombstone: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit insert: %w", err)
	}

	return InsertResult{
		Record: Record{
			Block:           blk,
			AuthorHash:      sb.AuthorHash,
			Signature:       sb.Signature,
			ProtocolVersion: sb.ProtocolVersion,
			ChainID:         chainID,
			IsHead:          true,
			Visibility:      visibility,
			CreatedAt:       createdAt,
		},
		Forked: hasPrev && !dec.Attach,
	}, nil
}

const recordColumns = `hash, type, state, refs, author_hash, signature, protocol_version, chain_id, is_head, visibility, created_at`

func (s *PostgresStore) Get(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM blocks WHERE hash = $1`, hash)
	return scanRecord(row)
}

func (s *PostgresStore) getTx(ctx context.Context, tx *sql.Tx, hash string) (Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM blocks WHERE hash = $1`, hash)
	return scanRecord(row)
}

func (s *PostgresStore) Head(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM blocks
		WHERE chain_id = (SELECT chain_id FROM blocks WHERE hash = $1) AND is_head
		ORDER BY created_at DESC, hash ASC LIMIT 1`, hash)
	return scanRecord(row)
}

func (s *PostgresStore) Query(ctx context.Context, q Query) (Page, error) {
	conds, args := pgConds(q)
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocks`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count blocks: %w", err)
	}

	order := " ORDER BY created_at DESC, hash ASC"
	if q.Sort == "oldest" {
		order = " ORDER BY created_at ASC, hash ASC"
	}
	args = append(args, q.Limit, q.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM blocks`+where+order+
			fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args...)
	if err != nil {
		return Page{}, fmt.Errorf("query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := collectRecords(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Records: records,
		Total:   total,
		HasMore: q.Offset+len(records) < total,
	}, nil
}

// pgConds builds WHERE clauses with $n placeholders.
func pgConds(q Query) ([]string, []any) {
	var conds []string
	var args []any
	n := func() int { return len(args) }

	if q.Type != "" {
		args = append(args, q.Type)
		conds = append(conds, fmt.Sprintf("(type = $%d OR type LIKE $%d || '.%%')", n(), n()))
	}
	if q.RefValue != "" {
		if q.RefRole != "" {
			args = append(args, q.RefRole, q.RefValue)
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM block_refs br WHERE br.block_hash = blocks.hash AND br.role = $%d AND br.target_hash = $%d)",
				n()-1, n()))
		} else {
			args = append(args, q.RefValue)
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM block_refs br WHERE br.block_hash = blocks.hash AND br.target_hash = $%d)", n()))
		}
	}
	if q.Author != "" {
		args = append(args, q.Author)
		conds = append(conds, fmt.Sprintf("author_hash = $%d", n()))
	}
	if q.HeadsOnly {
		conds = append(conds, "is_head")
	}
	if !q.After.IsZero() {
		args = append(args, q.After)
		conds = append(conds, fmt.Sprintf("created_at > $%d", n()))
	}
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		conds = append(conds, fmt.Sprintf("created_at < $%d", n()))
	}
	for _, field := range sortedKeys(q.StateEquals) {
		args = append(args, field, q.StateEquals[field])
		conds = append(conds, fmt.Sprintf("state->>$%d = $%d", n()-1, n()))
	}
	return conds, args
}

func (s *PostgresStore) Heads(ctx context.Context, typeFilter string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM blocks WHERE is_head`
	var args []any
	if typeFilter != "" {
		args = append(args, typeFilter)
		query += ` AND (type = $1 OR type LIKE $1 || '.%')`
	}
	query += ` ORDER BY created_at DESC, hash ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *PostgresStore) Chain(ctx context.Context, hash string, depth int) ([]Record, error) {
	return chainByGet(ctx, s, hash, depth)
}

func (s *PostgresStore) Forward(ctx context.Context, hash, typeFilter, role string) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + ` FROM blocks
		WHERE hash IN (SELECT block_hash FROM block_refs WHERE target_hash = $1`
	args := []any{hash}
	if role != "" {
		args = append(args, role)
		query += fmt.Sprintf(` AND role = $%d`, len(args))
	}
	query += `)`
	if typeFilter != "" {
		args = append(args, typeFilter)
		query += fmt.Sprintf(` AND (type = $%d OR type LIKE $%d || '.%%')`, len(args), len(args))
	}
	query += ` ORDER BY created_at ASC, hash ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query forward refs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *PostgresStore) Pull(ctx context.Context, c Cursor) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM blocks WHERE visibility <> '` + VisibilityDeleted + `'`
	var args []any
	if c.AfterHash != "" {
		args = append(args, c.AfterHash)
		query += fmt.Sprintf(` AND created_at > (SELECT created_at FROM blocks WHERE hash = $%d)`, len(args))
	} else if !c.Since.IsZero() {
		args = append(args, c.Since)
		query += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	if len(c.Types) > 0 {
		args = append(args, pq.Array(c.Types))
		query += fmt.Sprintf(` AND type = ANY($%d)`, len(args))
	}
	args = append(args, c.Limit)
	query += fmt.Sprintf(` ORDER BY created_at ASC, hash ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *PostgresStore) AuthoredSince(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM blocks
		WHERE visibility <> $1 AND created_at > $2
		ORDER BY created_at ASC, hash ASC LIMIT $3`,
		VisibilityDeleted, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list authored blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

func (s *PostgresStore) PublicKeyOf(ctx context.Context, authorHash string) (string, error) {
	// Key rotation rides the actor's update chain, so read the chain head.
	var pub sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT state->>'public_key' FROM blocks
		WHERE chain_id = (SELECT chain_id FROM blocks WHERE hash = $1)
		  AND is_head AND type LIKE 'actor%'
		ORDER BY created_at DESC LIMIT 1`, authorHash).Scan(&pub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve author key: %w", err)
	}
	return pub.String, nil
}

func (s *PostgresStore) CountAgentBlocks(ctx context.Context, agentHash string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks b
		JOIN block_refs r ON r.block_hash = b.hash
		WHERE r.role = 'agent' AND r.target_hash = $1 AND b.created_at > $2`,
		agentHash, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent blocks: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpsertPeer(ctx context.Context, p Peer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (url, name, public_key, status, last_seen)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), COALESCE(NULLIF($4, ''), 'active'), now())
		ON CONFLICT (url) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, peers.name),
			public_key = COALESCE(EXCLUDED.public_key, peers.public_key),
			status = EXCLUDED.status,
			last_seen = now()`,
		p.URL, p.Name, p.PublicKey, p.Status)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Peers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, name, public_key, status, last_seen, last_sync, created_at
		FROM peers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var peers []Peer
	for rows.Next() {
		var p Peer
		var name, pub sql.NullString
		var lastSeen, lastSync sql.NullTime
		if err := rows.Scan(&p.URL, &name, &pub, &p.Status, &lastSeen, &lastSync, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Name = name.String
		p.PublicKey = pub.String
		if lastSeen.Valid {
			t := lastSeen.Time
			p.LastSeen = &t
		}
		if lastSync.Valid {
			t := lastSync.Time
			p.LastSync = &t
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *PostgresStore) TouchPeer(ctx context.Context, url string, lastSync *time.Time) error {
	var err error
	if lastSync != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE peers SET last_seen = now(), last_sync = $2 WHERE url = $1`, url, *lastSync)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE peers SET last_seen = now() WHERE url = $1`, url)
	}
	if err != nil {
		return fmt.Errorf("touch peer: %w", err)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&st.Blocks); err != nil {
		return Stats{}, fmt.Errorf("count blocks: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM blocks ORDER BY type`)
	if err != nil {
		return Stats{}, fmt.Errorf("list types: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return Stats{}, err
		}
		st.Types = append(st.Types, t)
	}
	return st, rows.Err()
}

func distinctSorted(byHash map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range byHash {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
