package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// SQLiteStore is the lite-mode backend. It has no LISTEN/NOTIFY, so the
// in-process emitter registered with OnInsert is the single event source;
// Insert calls it after commit for genuinely new blocks only.
type SQLiteStore struct {
	db   *sql.DB
	emit Emitter
}

// sqliteTimeLayout pads nanoseconds so stored timestamps order correctly
// under text comparison. RFC3339Nano trims trailing zeros and would not.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OnInsert registers the new-block callback. Register before serving traffic.
func (s *SQLiteStore) OnInsert(fn Emitter) { s.emit = fn }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	hash TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT '{}',
	refs TEXT NOT NULL DEFAULT '{}',
	author_hash TEXT,
	signature TEXT,
	protocol_version TEXT,
	chain_id TEXT NOT NULL,
	is_head INTEGER NOT NULL DEFAULT 1,
	visibility TEXT NOT NULL DEFAULT 'public',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_type ON blocks (type);
CREATE INDEX IF NOT EXISTS idx_blocks_author ON blocks (author_hash);
CREATE INDEX IF NOT EXISTS idx_blocks_chain_head ON blocks (chain_id, is_head);
CREATE INDEX IF NOT EXISTS idx_blocks_created ON blocks (created_at);
CREATE INDEX IF NOT EXISTS idx_blocks_type_head ON blocks (type, is_head) WHERE is_head = 1;

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
	last_seen TEXT,
	last_sync TEXT,
	created_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("init blocks schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Insert(ctx context.Context, sb foodblock.SignedBlock) (InsertResult, error) {
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

	if rec, err := s.getRow(ctx, tx, blk.Hash); err == nil {
		return InsertResult{Record: rec, Exists: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return InsertResult{}, err
	}

	var prev *prevInfo
	prevHash, hasPrev := blk.UpdateTarget()
	if hasPrev {
		var author sql.NullString
		var chainID string
		err := tx.QueryRowContext(ctx,
			`SELECT author_hash, chain_id FROM blocks WHERE hash = ?`,
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
				  AND author_hash = ?
				  AND json_extract(state, '$.target_chain') = ?
				  AND json_extract(refs, '$.grantee') = ?
			)`, prev.AuthorHash, prev.ChainID, sb.AuthorHash).Scan(&approved)
		if err != nil {
			return InsertResult{}, fmt.Errorf("check approval: %w", err)
		}
	}

	dec := resolveChain(blk.Type, sb.AuthorHash, blk.Hash, prev, approved)
	chainID := dec.ChainID

	merges := mergeTargets(blk)
	if len(merges) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(merges)), ",")
		args := make([]any, len(merges))
		for i, m := range merges {
			args[i] = m
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT hash, chain_id FROM blocks WHERE hash IN (`+placeholders+`)`, args...)
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
			ph := strings.TrimSuffix(strings.Repeat("?,", len(chains)-1), ",")
			cargs := []any{chainID}
			for _, c := range chains[1:] {
				cargs = append(cargs, c)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE blocks SET chain_id = ? WHERE chain_id IN (`+ph+`)`, cargs...); err != nil {
				return InsertResult{}, fmt.Errorf("fold merged chains: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET is_head = 0 WHERE hash IN (`+placeholders+`)`, args...); err != nil {
			return InsertResult{}, fmt.Errorf("retire merged heads: %w", err)
		}
	}

	visibility := DeriveVisibility(blk.Type, blk.State)
	stateJSON, refsJSON, err := marshalBlockJSON(blk)
	if err != nil {
		return InsertResult{}, err
	}

	createdAt := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO blocks (hash, type, state, refs, author_hash, signature, protocol_version, chain_id, is_head, visibility, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, 1, ?, ?)`,
		blk.Hash, blk.Type, stateJSON, refsJSON,
		sb.AuthorHash, sb.Signature, sb.ProtocolVersion,
		chainID, visibility, createdAt.Format(sqliteTimeLayout))
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Commit(); err != nil {
			return InsertResult{}, err
		}
		rec, err := s.Get(ctx, blk.Hash)
		if err != nil {
			return InsertResult{}, err
		}
		return InsertResult{Record: rec, Exists: true}, nil
	}

	if dec.Attach && prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET is_head = 0 WHERE hash = ?`, prevHash); err != nil {
			return InsertResult{}, fmt.Errorf("retire predecessor head: %w", err)
		}
	}

	for _, e := range blk.RefHashes() {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO block_refs (block_hash, role, target_hash)
			VALUES (?, ?, ?)`, blk.Hash, e.Role, e.Target); err != nil {
			return InsertResult{}, fmt.Errorf("index ref %s: %w", e.Role, err)
		}
	}

	if target := tombstoneTarget(blk); target != "" {
		tombJSON, _ := json.Marshal(foodblock.TombstonedState())
		if _, err := tx.ExecContext(ctx,
			`UPDATE blocks SET state = ?, visibility = ? WHERE hash = ?`,
			string(tombJSON), VisibilityDeleted, target); err != nil {
			return InsertResult{}, fmt.Errorf("apply tombstone: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit insert: %w", err)
	}

	if s.emit != nil {
		s.emit(blk.Hash)
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

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Get(ctx context.Context, hash string) (Record, error) {
	return s.getRow(ctx, s.db, hash)
}

func (s *SQLiteStore) getRow(ctx context.Context, q sqliteQuerier, hash string) (Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM blocks WHERE hash = ?`, hash)
	return scanSQLiteRecord(row)
}

func (s *SQLiteStore) Head(ctx context.Context, hash string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM blocks
		WHERE chain_id = (SELECT chain_id FROM blocks WHERE hash = ?) AND is_head = 1
		ORDER BY created_at DESC, hash ASC LIMIT 1`, hash)
	return scanSQLiteRecord(row)
}

func (s *SQLiteStore) Query(ctx context.Context, q Query) (Page, error) {
	conds, args := sqliteConds(q)
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
		`SELECT `+recordColumns+` FROM blocks`+where+order+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return Page{}, fmt.Errorf("query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records, err := collectSQLiteRecords(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Records: records,
		Total:   total,
		HasMore: q.Offset+len(records) < total,
	}, nil
}

func sqliteConds(q Query) ([]string, []any) {
	var conds []string
	var args []any

	if q.Type != "" {
		conds = append(conds, "(type = ? OR type LIKE ? || '.%')")
		args = append(args, q.Type, q.Type)
	}
	if q.RefValue != "" {
		if q.RefRole != "" {
			conds = append(conds, "EXISTS (SELECT 1 FROM block_refs br WHERE br.block_hash = blocks.hash AND br.role = ? AND br.target_hash = ?)")
			args = append(args, q.RefRole, q.RefValue)
		} else {
			conds = append(conds, "EXISTS (SELECT 1 FROM block_refs br WHERE br.block_hash = blocks.hash AND br.target_hash = ?)")
			args = append(args, q.RefValue)
		}
	}
	if q.Author != "" {
		conds = append(conds, "author_hash = ?")
		args = append(args, q.Author)
	}
	if q.HeadsOnly {
		conds = append(conds, "is_head = 1")
	}
	if !q.After.IsZero() {
		conds = append(conds, "created_at > ?")
		args = append(args, q.After.UTC().Format(sqliteTimeLayout))
	}
	if !q.Before.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, q.Before.UTC().Format(sqliteTimeLayout))
	}
	for _, field := range sortedKeys(q.StateEquals) {
		conds = append(conds, "json_extract(state, ?) = ?")
		args = append(args, "$."+field, q.StateEquals[field])
	}
	return conds, args
}

func (s *SQLiteStore) Heads(ctx context.Context, typeFilter string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM blocks WHERE is_head = 1`
	var args []any
	if typeFilter != "" {
		query += ` AND (type = ? OR type LIKE ? || '.%')`
		args = append(args, typeFilter, typeFilter)
	}
	query += ` ORDER BY created_at DESC, hash ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query heads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteRecords(rows)
}

func (s *SQLiteStore) Chain(ctx context.Context, hash string, depth int) ([]Record, error) {
	return chainByGet(ctx, s, hash, depth)
}

func (s *SQLiteStore) Forward(ctx context.Context, hash, typeFilter, role string) ([]Record, error) {
	query := `
		SELECT ` + recordColumns + ` FROM blocks
		WHERE hash IN (SELECT block_hash FROM block_refs WHERE target_hash = ?`
	args := []any{hash}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	query += `)`
	if typeFilter != "" {
		query += ` AND (type = ? OR type LIKE ? || '.%')`
		args = append(args, typeFilter, typeFilter)
	}
	query += ` ORDER BY created_at ASC, hash ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query forward refs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteRecords(rows)
}

func (s *SQLiteStore) Pull(ctx context.Context, c Cursor) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM blocks WHERE visibility <> ?`
	args := []any{VisibilityDeleted}
	if c.AfterHash != "" {
		query += ` AND created_at > (SELECT created_at FROM blocks WHERE hash = ?)`
		args = append(args, c.AfterHash)
	} else if !c.Since.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, c.Since.UTC().Format(sqliteTimeLayout))
	}
	if len(c.Types) > 0 {
		query += ` AND type IN (` + strings.TrimSuffix(strings.Repeat("?,", len(c.Types)), ",") + `)`
		for _, t := range c.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_at ASC, hash ASC LIMIT ?`
	args = append(args, c.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pull blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteRecords(rows)
}

func (s *SQLiteStore) AuthoredSince(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM blocks
		WHERE visibility <> ? AND created_at > ?
		ORDER BY created_at ASC, hash ASC LIMIT ?`,
		VisibilityDeleted, since.UTC().Format(sqliteTimeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("list authored blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectSQLiteRecords(rows)
}

func (s *SQLiteStore) PublicKeyOf(ctx context.Context, authorHash string) (string, error) {
	var pub sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT json_extract(state, '$.public_key') FROM blocks
		WHERE chain_id = (SELECT chain_id FROM blocks WHERE hash = ?)
		  AND is_head = 1 AND type LIKE 'actor%'
		ORDER BY created_at DESC LIMIT 1`, authorHash).Scan(&pub)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve author key: %w", err)
	}
	return pub.String, nil
}

func (s *SQLiteStore) CountAgentBlocks(ctx context.Context, agentHash string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks b
		JOIN block_refs r ON r.block_hash = b.hash
		WHERE r.role = 'agent' AND r.target_hash = ? AND b.created_at > ?`,
		agentHash, since.UTC().Format(sqliteTimeLayout)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agent blocks: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpsertPeer(ctx context.Context, p Peer) error {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (url, name, public_key, status, last_seen, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), COALESCE(NULLIF(?, ''), 'active'), ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			name = COALESCE(excluded.name, peers.name),
			public_key = COALESCE(excluded.public_key, peers.public_key),
			status = excluded.status,
			last_seen = excluded.last_seen`,
		p.URL, p.Name, p.PublicKey, p.Status, now, now)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Peers(ctx context.Context) ([]Peer, error) {
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
		var name, pub, lastSeen, lastSync sql.NullString
		var created string
		if err := rows.Scan(&p.URL, &name, &pub, &p.Status, &lastSeen, &lastSync, &created); err != nil {
			return nil, err
		}
		p.Name = name.String
		p.PublicKey = pub.String
		if t, err := parseSQLiteTime(created); err == nil {
			p.CreatedAt = t
		}
		if lastSeen.Valid {
			if t, err := parseSQLiteTime(lastSeen.String); err == nil {
				p.LastSeen = &t
			}
		}
		if lastSync.Valid {
			if t, err := parseSQLiteTime(lastSync.String); err == nil {
				p.LastSync = &t
			}
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *SQLiteStore) TouchPeer(ctx context.Context, url string, lastSync *time.Time) error {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	var err error
	if lastSync != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE peers SET last_seen = ?, last_sync = ? WHERE url = ?`,
			now, lastSync.UTC().Format(sqliteTimeLayout), url)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE peers SET last_seen = ? WHERE url = ?`, now, url)
	}
	if err != nil {
		return fmt.Errorf("touch peer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
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

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// scanSQLiteRecord mirrors scanRecord for TEXT timestamps and integer bools.
func scanSQLiteRecord(row rowScanner) (Record, error) {
	var rec Record
	var state, refs []byte
	var author, sig, version sql.NullString
	var isHead int
	var created string
	err := row.Scan(
		&rec.Block.Hash, &rec.Block.Type, &state, &refs,
		&author, &sig, &version,
		&rec.ChainID, &isHead, &rec.Visibility, &created,
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
	rec.IsHead = isHead != 0
	if rec.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return Record{}, fmt.Errorf("parse created_at for %s: %w", rec.Block.Hash, err)
	}
	if rec.Block.State, err = unmarshalObject(state); err != nil {
		return Record{}, fmt.Errorf("decode state for %s: %w", rec.Block.Hash, err)
	}
	if rec.Block.Refs, err = unmarshalObject(refs); err != nil {
		return Record{}, fmt.Errorf("decode refs for %s: %w", rec.Block.Hash, err)
	}
	return rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
