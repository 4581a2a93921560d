// Package trust computes the trust projection for actors. Scores are derived
// reads over the block graph, parameterized by an optional observe.trust_policy
// block; they are never written back into block state.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// Weights scale the five trust inputs.
type Weights struct {
	Authority float64 `json:"authority"`
	Reviews   float64 `json:"reviews"`
	Depth     float64 `json:"depth"`
	Orders    float64 `json:"orders"`
	Age       float64 `json:"age"`
}

var DefaultWeights = Weights{
	Authority: 3.0,
	Reviews:   1.0,
	Depth:     2.0,
	Orders:    1.5,
	Age:       0.5,
}

// Policy is the active parameterization, either the defaults or the newest
// observe.trust_policy head.
type Policy struct {
	Weights     Weights
	Authorities []string
	SourceHash  string
}

// Inputs is the per-actor evidence the score weighs. Exclusions (self
// reviews, dense reviewers, expired certificates) are applied before any
// weighting.
type Inputs struct {
	AuthorityCerts int     `json:"valid_authority_certs"`
	PeerReviews    float64 `json:"independent_peer_reviews"`
	ChainDepth     int     `json:"effective_chain_depth"`
	VerifiedOrders int     `json:"verified_order_count"`
	AccountAgeDays int     `json:"account_age_days"`
}

type Score struct {
	Actor      string    `json:"actor"`
	Score      float64   `json:"score"`
	Inputs     Inputs    `json:"inputs"`
	Weights    Weights   `json:"weights"`
	Policy     string    `json:"policy,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

const (
	maxAgeDays = 365
	// maxEvidence caps how many blocks each input reads. Past this the score
	// has saturated anyway.
	maxEvidence = 500
	cacheTTL    = time.Minute
	// denseReviewerLimit is the most repeat reviews from one author that
	// still count as independent signal.
	denseReviewerLimit = 3
)

type cachedScore struct {
	score Score
	at    time.Time
}

type Scorer struct {
	store  store.Store
	logger *slog.Logger
	cache  *lru.Cache
	now    func() time.Time
}

func NewScorer(s store.Store, logger *slog.Logger) (*Scorer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New(256)
	if err != nil {
		return nil, err
	}
	return &Scorer{
		store:  s,
		logger: logger.With("component", "trust"),
		cache:  cache,
		now:    time.Now,
	}, nil
}

// ScoreActor computes (or returns a fresh cached copy of) the actor's trust
// projection.
func (sc *Scorer) ScoreActor(ctx context.Context, actorHash string) (Score, error) {
	if v, ok := sc.cache.Get(actorHash); ok {
		if c := v.(cachedScore); sc.now().Sub(c.at) < cacheTTL {
			return c.score, nil
		}
	}

	actor, err := sc.store.Get(ctx, actorHash)
	if err != nil {
		return Score{}, err
	}
	if !typeUnder(actor.Block.Type, "actor") {
		return Score{}, fmt.Errorf("%w: %s is not an actor block", store.ErrNotFound, actorHash)
	}

	policy := sc.loadPolicy(ctx)
	now := sc.now()

	inputs := Inputs{
		AuthorityCerts: sc.authorityCerts(ctx, actorHash, policy, now),
		PeerReviews:    sc.peerReviews(ctx, actorHash),
		ChainDepth:     sc.chainDepth(ctx, actorHash),
		VerifiedOrders: sc.verifiedOrders(ctx, actorHash),
		AccountAgeDays: sc.accountAgeDays(ctx, actor, now),
	}

	w := policy.Weights
	score := Score{
		Actor: actorHash,
		Score: w.Authority*float64(inputs.AuthorityCerts) +
			w.Reviews*inputs.PeerReviews +
			w.Depth*float64(inputs.ChainDepth) +
			w.Orders*float64(inputs.VerifiedOrders) +
			w.Age*(float64(inputs.AccountAgeDays)/maxAgeDays),
		Inputs:     inputs,
		Weights:    w,
		Policy:     policy.SourceHash,
		ComputedAt: now,
	}
	sc.cache.Add(actorHash, cachedScore{score: score, at: now})
	return score, nil
}

// loadPolicy reads the newest observe.trust_policy head, falling back to
// defaults when none exists or the block is malformed.
func (sc *Scorer) loadPolicy(ctx context.Context) Policy {
	policy := Policy{Weights: DefaultWeights}
	page, err := sc.store.Query(ctx, store.Query{
		Type:      "observe.trust_policy",
		HeadsOnly: true,
		Limit:     1,
	})
	if err != nil || len(page.Records) == 0 {
		return policy
	}
	rec := page.Records[0]
	policy.SourceHash = rec.Block.Hash

	if raw, ok := rec.Block.State["weights"].(map[string]any); ok {
		w := policy.Weights
		setWeight(raw, "authority", &w.Authority)
		setWeight(raw, "reviews", &w.Reviews)
		setWeight(raw, "depth", &w.Depth)
		setWeight(raw, "orders", &w.Orders)
		setWeight(raw, "age", &w.Age)
		policy.Weights = w
	}
	if raw, ok := rec.Block.State["authorities"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok && s != "" {
				policy.Authorities = append(policy.Authorities, s)
			}
		}
	}
	return policy
}

func setWeight(m map[string]any, key string, dst *float64) {
	if f, ok := stateFloat(m[key]); ok {
		*dst = f
	}
}

// authorityCerts counts unexpired certifications about the actor whose
// authors the policy recognizes.
func (sc *Scorer) authorityCerts(ctx context.Context, actorHash string, policy Policy, now time.Time) int {
	page, err := sc.store.Query(ctx, store.Query{
		Type:     "observe.certification",
		RefValue: actorHash,
		Limit:    maxEvidence,
	})
	if err != nil {
		return 0
	}
	count := 0
	for _, rec := range page.Records {
		if rec.AuthorHash == "" || rec.AuthorHash == actorHash {
			continue
		}
		if !sc.recognizedAuthority(ctx, rec.AuthorHash, policy) {
			continue
		}
		until, ok := stateTime(rec.Block.State["valid_until"])
		if !ok || !until.After(now) {
			continue
		}
		count++
	}
	return count
}

func (sc *Scorer) recognizedAuthority(ctx context.Context, authorHash string, policy Policy) bool {
	for _, a := range policy.Authorities {
		if a == authorHash {
			return true
		}
	}
	rec, err := sc.store.Get(ctx, authorHash)
	if err != nil {
		return false
	}
	return typeUnder(rec.Block.Type, "actor.authority") || typeUnder(rec.Block.Type, "actor.certifier")
}

// peerReviews weighs independent reviews about the actor. Self-reviews and
// reviewers who hammered the same target past denseReviewerLimit are excluded
// before anything is weighed. The value is independent reviewer count scaled
// by the average rating over 5.
func (sc *Scorer) peerReviews(ctx context.Context, actorHash string) float64 {
	page, err := sc.store.Query(ctx, store.Query{
		Type:     "observe.review",
		RefValue: actorHash,
		Limit:    maxEvidence,
	})
	if err != nil {
		return 0
	}
	perReviewer := map[string][]float64{}
	for _, rec := range page.Records {
		author := rec.AuthorHash
		if author == "" || author == actorHash {
			continue
		}
		r, ok := stateFloat(rec.Block.State["rating"])
		if !ok || r < 1 || r > 5 {
			continue
		}
		perReviewer[author] = append(perReviewer[author], r)
	}

	var ratingSum float64
	var rated, reviewers int
	for _, ratings := range perReviewer {
		if len(ratings) > denseReviewerLimit {
			continue
		}
		reviewers++
		for _, r := range ratings {
			ratingSum += r
			rated++
		}
	}
	if rated == 0 {
		return 0
	}
	return float64(reviewers) * (ratingSum / float64(rated) / 5)
}

// chainDepth counts distinct authors among blocks referencing the actor, a
// proxy for how many independent hands the actor's provenance passed through.
func (sc *Scorer) chainDepth(ctx context.Context, actorHash string) int {
	recs, err := sc.store.Forward(ctx, actorHash, "", "")
	if err != nil {
		return 0
	}
	authors := map[string]bool{}
	for _, rec := range recs {
		if rec.AuthorHash != "" && rec.AuthorHash != actorHash {
			authors[rec.AuthorHash] = true
		}
	}
	return len(authors)
}

// verifiedOrders counts orders touching the actor whose adapter_ref resolves
// to a processor actor.
func (sc *Scorer) verifiedOrders(ctx context.Context, actorHash string) int {
	page, err := sc.store.Query(ctx, store.Query{
		Type:     "transfer.order",
		RefValue: actorHash,
		Limit:    maxEvidence,
	})
	if err != nil {
		return 0
	}
	count := 0
	for _, rec := range page.Records {
		ref, _ := rec.Block.State["adapter_ref"].(string)
		if ref == "" {
			continue
		}
		adapter, err := sc.store.Get(ctx, ref)
		if err != nil {
			continue
		}
		if typeUnder(adapter.Block.Type, "actor.processor") {
			count++
		}
	}
	return count
}

// accountAgeDays walks to the genesis of the actor's chain and caps at a
// year; longevity beyond that stops adding signal.
func (sc *Scorer) accountAgeDays(ctx context.Context, actor store.Record, now time.Time) int {
	genesis := actor.CreatedAt
	chain, err := sc.store.Chain(ctx, actor.Block.Hash, maxEvidence)
	if err == nil && len(chain) > 0 {
		genesis = chain[len(chain)-1].CreatedAt
	}
	days := int(now.Sub(genesis).Hours() / 24)
	if days < 0 {
		days = 0
	}
	if days > maxAgeDays {
		days = maxAgeDays
	}
	return days
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

func stateTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
