package federation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

const (
	// DefaultSyncInterval paces the background loop.
	DefaultSyncInterval = time.Minute
	// maxSyncRounds bounds how many pull pages one sync drains, so a peer
	// with a deep backlog converges over several cycles instead of pinning
	// one.
	maxSyncRounds = 10
	// maxConcurrentSyncs bounds the peer fan-out per cycle.
	maxConcurrentSyncs = 4
	// pushBatchLimit caps blocks pushed per sync.
	pushBatchLimit = 500
)

// SyncResult summarizes one peer round-trip.
type SyncResult struct {
	Peer   string `json:"peer"`
	Pulled int    `json:"pulled"`
	Pushed int    `json:"pushed"`
	Failed int    `json:"failed"`
	Error  string `json:"error,omitempty"`
}

// Instruments receives transfer counts from the sync loop. Methods run on the
// sync path and must not block.
type Instruments interface {
	FederationTransfer(ctx context.Context, peerURL, direction string, n int64)
}

// Syncer converges this store with its peers: pull, insert, push, advance the
// peer's sync cursor.
type Syncer struct {
	store    store.Store
	id       *Identity
	logger   *slog.Logger
	interval time.Duration
	inst     Instruments

	// newClient is swappable so tests can point peers at httptest servers.
	newClient func(url string) *Client
}

func NewSyncer(s store.Store, id *Identity, interval time.Duration, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	logger = logger.With("component", "federation")
	return &Syncer{
		store:    s,
		id:       id,
		logger:   logger,
		interval: interval,
		newClient: func(url string) *Client {
			return NewClient(url, id, logger)
		},
	}
}

// SetInstruments attaches telemetry counters; nil keeps the syncer unmetered.
func (sy *Syncer) SetInstruments(inst Instruments) { sy.inst = inst }

// Bootstrap handshakes with each seed URL and records the peers that answer.
// Unreachable seeds are logged and skipped; they stay eligible for later
// handshakes from the other side.
func (sy *Syncer) Bootstrap(ctx context.Context, urls []string) {
	for _, url := range urls {
		if url == "" {
			continue
		}
		ack, err := sy.newClient(url).Handshake(ctx)
		if err != nil {
			sy.logger.Warn("peer bootstrap failed", "peer", url, "error", err)
			continue
		}
		err = sy.store.UpsertPeer(ctx, store.Peer{
			URL:       url,
			Name:      ack.PeerName,
			PublicKey: ack.PublicKey,
			Status:    "active",
		})
		if err != nil {
			sy.logger.Warn("peer record failed", "peer", url, "error", err)
			continue
		}
		sy.logger.Info("peer bootstrapped", "peer", url, "name", ack.PeerName)
	}
}

// SyncPeer runs one full cycle against a peer: drain its pull cursor into the
// local store, then push everything authored here since the last sync.
func (sy *Syncer) SyncPeer(ctx context.Context, p store.Peer) (SyncResult, error) {
	c := sy.newClient(p.URL)
	res := SyncResult{Peer: p.URL}

	var since time.Time
	if p.LastSync != nil {
		since = *p.LastSync
	}

	req := PullRequest{Limit: DefaultPullLimit}
	if !since.IsZero() {
		req.Since = since.UTC().Format(time.RFC3339Nano)
	}
	for round := 0; round < maxSyncRounds; round++ {
		page, err := c.Pull(ctx, req)
		if err != nil {
			return res, err
		}
		if page.Count > 0 {
			batch := store.BatchInsert(ctx, sy.store, page.Blocks)
			res.Pulled += batch.Inserted
			res.Failed += batch.Failed
			if sy.inst != nil {
				sy.inst.FederationTransfer(ctx, p.URL, "pull", int64(batch.Inserted))
			}
		}
		if !page.HasMore {
			break
		}
		req = PullRequest{AfterHash: page.Cursor.AfterHash, Limit: DefaultPullLimit}
	}

	local, err := sy.store.AuthoredSince(ctx, since, pushBatchLimit)
	if err != nil {
		return res, err
	}
	if len(local) > 0 {
		blocks := make([]foodblock.SignedBlock, len(local))
		for i, rec := range local {
			blocks[i] = rec.SignedRecord()
		}
		out, err := c.Push(ctx, blocks)
		if err != nil {
			return res, err
		}
		res.Pushed = out.Inserted
		res.Failed += out.Failed
		if sy.inst != nil {
			sy.inst.FederationTransfer(ctx, p.URL, "push", int64(out.Inserted))
		}
	}

	now := time.Now().UTC()
	if err := sy.store.TouchPeer(ctx, p.URL, &now); err != nil {
		sy.logger.Warn("sync cursor update failed", "peer", p.URL, "error", err)
	}
	return res, nil
}

// SyncAll fans out over active peers with bounded concurrency. One broken
// peer never fails the cycle; its error rides in that peer's result.
func (sy *Syncer) SyncAll(ctx context.Context) []SyncResult {
	peers, err := sy.store.Peers(ctx)
	if err != nil {
		sy.logger.Error("peer listing failed", "error", err)
		return nil
	}

	var (
		mu      sync.Mutex
		results []SyncResult
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentSyncs)
	for _, p := range peers {
		if p.Status != "active" {
			continue
		}
		g.Go(func() error {
			res, err := sy.SyncPeer(ctx, p)
			if err != nil {
				res.Error = err.Error()
				sy.logger.Warn("peer sync failed", "peer", p.URL, "error", err)
			} else {
				sy.logger.Info("peer sync complete",
					"peer", p.URL, "pulled", res.Pulled, "pushed", res.Pushed, "failed", res.Failed)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run drives sync cycles until the context ends.
func (sy *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(sy.interval)
	defer ticker.Stop()
	sy.logger.Info("federation sync loop started", "interval", sy.interval)
	for {
		select {
		case <-ctx.Done():
			sy.logger.Info("federation sync loop stopped")
			return
		case <-ticker.C:
			sy.SyncAll(ctx)
		}
	}
}
