package fb

// intent is one recognizable sentence purpose, with the block type it emits
// and the keyword signals that trigger it. Structural signals (currency,
// units, ratings, proper nouns) are counted by the scorer.
type intent struct {
	name     string
	typ      string
	keywords []string
	// structural signal hooks
	wantsCurrency bool
	wantsUnit     bool
	wantsRating   bool
}

// intents is the closed set, in tie-break priority order.
var intents = []intent{
	{
		name:        "review",
		typ:         "observe.review",
		keywords:    []string{"review", "reviewed", "rated", "rating", "stars", "star", "loved", "hated", "delicious", "terrible", "amazing", "awful", "recommend", "recommended"},
		wantsRating: true,
	},
	{
		name:          "order",
		typ:           "transfer.order",
		keywords:      []string{"order", "ordered", "buy", "bought", "purchase", "purchased", "sold", "invoice", "deliver", "delivery", "delivered", "restock", "reorder"},
		wantsCurrency: true,
		wantsUnit:     true,
	},
	{
		name:     "surplus",
		typ:      "observe.offer",
		keywords: []string{"surplus", "leftover", "leftovers", "excess", "spare", "unsold", "donate", "donation", "giveaway", "free to collect", "going spare"},
	},
	{
		name:     "certification",
		typ:      "observe.certification",
		keywords: []string{"certified", "certificate", "certification", "accredited", "inspection", "inspected", "audit", "audited", "licensed", "license"},
	},
	{
		name:     "reading",
		typ:      "observe.reading",
		keywords: []string{"temperature", "humidity", "reading", "sensor", "degrees", "measured", "ph", "thermometer", "probe"},
	},
	{
		name:     "transform",
		typ:      "transform.process",
		keywords: []string{"baked", "brewed", "fermented", "processed", "milled", "churned", "smoked", "cured", "butchered", "pressed", "bottled", "canned", "turned into", "made into"},
	},
	{
		name:     "agent",
		typ:      "actor.agent",
		keywords: []string{"agent", "bot", "assistant", "automation", "automated", "on my behalf", "auto-order"},
	},
	{
		name:     "venue",
		typ:      "place.venue",
		keywords: []string{"restaurant", "cafe", "bakery", "shop", "store", "market", "stall", "venue", "opened", "location", "located", "premises", "deli", "bistro"},
	},
	{
		name:     "producer",
		typ:      "actor.producer",
		keywords: []string{"farm", "farmer", "producer", "grower", "supplier", "ranch", "orchard", "grows", "produces", "harvest", "harvested", "dairy", "fishery", "creamery"},
	},
	{
		name:          "product",
		typ:           "substance.product",
		keywords:      []string{"product", "sell", "sells", "selling", "new", "fresh", "organic", "batch", "loaf", "bread", "cheese", "milk", "honey", "jam", "wine", "beer", "juice", "oil"},
		wantsCurrency: true,
		wantsUnit:     true,
	},
}

const (
	baseConfidence   = 0.4
	signalConfidence = 0.2
)

// scoreIntents picks the winning intent for a scanned sentence. Confidence is
// baseConfidence plus signalConfidence per matched signal, capped at 1.0.
// With no triggered intent the product intent wins at base confidence.
func scoreIntents(sc *scan) (intent, float64) {
	best := intents[len(intents)-1] // product default
	bestSignals := 0
	matched := false

	for _, it := range intents {
		signals := 0
		for _, kw := range it.keywords {
			if sc.hasPhrase(kw) {
				signals++
			}
		}
		if signals == 0 {
			continue
		}
		if it.wantsCurrency && sc.price != nil {
			signals++
		}
		if it.wantsUnit && sc.quantity != nil {
			signals++
		}
		if it.wantsRating && sc.rating > 0 {
			signals++
		}
		if signals > bestSignals {
			best, bestSignals, matched = it, signals, true
		}
	}
	if !matched {
		return best, baseConfidence
	}
	conf := baseConfidence + signalConfidence*float64(bestSignals)
	if conf > 1.0 {
		conf = 1.0
	}
	return best, conf
}
