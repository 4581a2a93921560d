package fb

import (
	"sort"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Vocabulary maps one food domain's human phrases onto canonical fields.
// Terms mark text as belonging to the domain; Aliases rewrite extracted
// phrases to canonical state field names.
type Vocabulary struct {
	Name    string
	Terms   []string
	Aliases map[string]string
}

// Block renders the vocabulary as its observe.vocabulary block. The block is
// content-addressed, so shipping the same vocabulary twice is a no-op insert.
func (v Vocabulary) Block() (foodblock.Block, error) {
	terms := make([]any, 0, len(v.Terms))
	for _, t := range v.Terms {
		terms = append(terms, t)
	}
	aliases := make(map[string]any, len(v.Aliases))
	for k, val := range v.Aliases {
		aliases[k] = val
	}
	return foodblock.Create("observe.vocabulary", map[string]any{
		"name":    v.Name,
		"terms":   terms,
		"aliases": aliases,
	}, nil)
}

// sharedAliases are field aliases every domain understands.
var sharedAliases = map[string]string{
	"costs":       "price",
	"cost":        "price",
	"sells for":   "price",
	"priced at":   "price",
	"expires":     "expiry",
	"best before": "expiry",
	"made of":     "ingredients",
	"made with":   "ingredients",
	"contains":    "ingredients",
}

// builtinVocabularies are the fourteen domain vocabularies that ship with the
// implementation.
var builtinVocabularies = []Vocabulary{
	{
		Name:    "bakery",
		Terms:   []string{"bread", "loaf", "loaves", "sourdough", "rye", "baguette", "croissant", "croissants", "pastry", "pastries", "bun", "bagel", "bakery", "baker", "oven", "dough", "flour"},
		Aliases: sharedAliases,
	},
	{
		Name:    "restaurant",
		Terms:   []string{"restaurant", "menu", "dish", "dishes", "meal", "plate", "kitchen", "chef", "bistro", "cafe", "diner", "lunch", "dinner", "starter", "dessert"},
		Aliases: sharedAliases,
	},
	{
		Name:    "farm",
		Terms:   []string{"farm", "farmer", "field", "harvest", "harvested", "crop", "crops", "orchard", "grower", "grown", "grows", "pasture", "ranch", "soil", "seed", "seeds"},
		Aliases: sharedAliases,
	},
	{
		Name:    "retail",
		Terms:   []string{"shop", "store", "shelf", "shelves", "stock", "stocked", "aisle", "checkout", "grocer", "grocery", "supermarket", "retailer"},
		Aliases: sharedAliases,
	},
	{
		Name:    "distributor",
		Terms:   []string{"distributor", "wholesale", "wholesaler", "pallet", "pallets", "logistics", "warehouse", "depot", "shipment", "haulage", "freight"},
		Aliases: sharedAliases,
	},
	{
		Name:    "processor",
		Terms:   []string{"processor", "processing", "plant", "facility", "mill", "milled", "cannery", "canned", "bottling", "bottled", "packing", "packed", "abattoir"},
		Aliases: sharedAliases,
	},
	{
		Name:    "market",
		Terms:   []string{"market", "stall", "stalls", "farmers market", "bazaar", "auction", "vendor", "vendors", "trader"},
		Aliases: sharedAliases,
	},
	{
		Name:    "catering",
		Terms:   []string{"catering", "caterer", "banquet", "buffet", "event", "canteen", "cafeteria", "function", "platter", "platters"},
		Aliases: sharedAliases,
	},
	{
		Name:    "fishery",
		Terms:   []string{"fish", "fishery", "catch", "landed", "trawler", "boat", "salmon", "cod", "tuna", "mackerel", "herring", "shellfish", "oyster", "oysters", "mussels", "quay", "harbour", "harbor"},
		Aliases: sharedAliases,
	},
	{
		Name:    "dairy",
		Terms:   []string{"milk", "dairy", "cheese", "butter", "cream", "yoghurt", "yogurt", "churned", "creamery", "herd", "milking", "whey", "curd"},
		Aliases: sharedAliases,
	},
	{
		Name:    "butcher",
		Terms:   []string{"butcher", "meat", "beef", "pork", "lamb", "poultry", "chicken", "sausage", "sausages", "cut", "cuts", "carcass", "cured", "smoked"},
		Aliases: sharedAliases,
	},
	{
		Name:  "lot",
		Terms: []string{"lot", "batch", "lot number", "batch number", "traceability", "trace", "recall"},
		Aliases: map[string]string{
			"lot number":   "lot_id",
			"batch number": "lot_id",
			"lot":          "lot_id",
			"batch":        "lot_id",
		},
	},
	{
		Name:  "units",
		Terms: []string{"kg", "kilogram", "kilograms", "gram", "grams", "tonne", "tonnes", "lb", "pound", "pounds", "oz", "ounce", "ounces", "litre", "litres", "liter", "liters", "ml", "dozen", "crate", "crates", "box", "boxes", "bag", "bags", "tray", "trays", "bunch", "bunches", "case", "cases", "each"},
		Aliases: map[string]string{
			"kilogram":   "kg",
			"kilograms":  "kg",
			"kilo":       "kg",
			"kilos":      "kg",
			"gram":       "g",
			"grams":      "g",
			"tonne":      "t",
			"tonnes":     "t",
			"pound":      "lb",
			"pounds":     "lb",
			"ounce":      "oz",
			"ounces":     "oz",
			"litre":      "l",
			"litres":     "l",
			"liter":      "l",
			"liters":     "l",
			"millilitre": "ml",
			"crates":     "crate",
			"boxes":      "box",
			"bags":       "bag",
			"trays":      "tray",
			"bunches":    "bunch",
			"cases":      "case",
		},
	},
	{
		Name:  "workflow",
		Terms: []string{"pending", "confirmed", "processing", "ready", "shipped", "delivered", "completed", "cancelled", "canceled", "returned", "refunded"},
		Aliases: map[string]string{
			"canceled": "cancelled",
		},
	},
}

// Builtins returns the built-in vocabularies, sorted by name.
func Builtins() []Vocabulary {
	out := make([]Vocabulary, len(builtinVocabularies))
	copy(out, builtinVocabularies)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VocabularyBlocks renders every built-in vocabulary as a block, for startup
// publication.
func VocabularyBlocks() ([]foodblock.Block, error) {
	vocabs := Builtins()
	out := make([]foodblock.Block, 0, len(vocabs))
	for _, v := range vocabs {
		b, err := v.Block()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// unitFor normalizes a unit word via the units vocabulary, "" when the word
// is not a unit.
func unitFor(word string) string {
	for _, v := range builtinVocabularies {
		if v.Name != "units" {
			continue
		}
		if canon, ok := v.Aliases[word]; ok {
			return canon
		}
		for _, t := range v.Terms {
			if t == word {
				return word
			}
		}
	}
	return ""
}
