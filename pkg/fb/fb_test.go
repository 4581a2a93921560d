package fb

import (
	"math"
	"testing"
)

func TestParse_ProductWithPriceAndSeller(t *testing.T) {
	res, err := Parse("Organic sourdough loaf at Rise Bakery for €4.50")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "substance.product" {
		t.Fatalf("type = %q", res.Type)
	}
	if res.State["name"] != "Organic sourdough loaf" {
		t.Errorf("name = %q", res.State["name"])
	}
	if res.State["price"] != 4.5 || res.State["currency"] != "EUR" {
		t.Errorf("price/currency = %v %v", res.State["price"], res.State["currency"])
	}
	if res.State["organic"] != true {
		t.Error("organic flag not extracted")
	}
	if math.Abs(res.Confidence-1.0) > 1e-9 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}

	if len(res.Blocks) != 2 {
		t.Fatalf("blocks = %d, want venue + product", len(res.Blocks))
	}
	venue := res.Blocks[0]
	if venue.Type != "place.venue" || venue.State["name"] != "Rise Bakery" {
		t.Errorf("party block = %s %v", venue.Type, venue.State)
	}
	if res.Refs["seller"] != venue.Hash {
		t.Errorf("refs.seller = %v, want the venue hash", res.Refs["seller"])
	}
	if res.Primary.Hash != res.Blocks[1].Hash {
		t.Error("primary should be the last emitted block")
	}
}

func TestParse_Review(t *testing.T) {
	res, err := Parse("5 stars for the croissants at Rise Bakery")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "observe.review" {
		t.Fatalf("type = %q", res.Type)
	}
	if res.State["rating"] != 5 {
		t.Errorf("rating = %v", res.State["rating"])
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %v, want 0.8", res.Confidence)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("blocks = %d", len(res.Blocks))
	}
	if res.Refs["target"] != res.Blocks[0].Hash {
		t.Errorf("refs.target = %v", res.Refs["target"])
	}
}

func TestParse_OrderWithQuantity(t *testing.T) {
	res, err := Parse("Ordered 20 kg of flour from Mill House for $30")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "transfer.order" {
		t.Fatalf("type = %q", res.Type)
	}
	q, ok := res.State["quantity"].(map[string]any)
	if !ok {
		t.Fatalf("quantity = %T", res.State["quantity"])
	}
	if q["value"] != 20.0 || q["unit"] != "kg" {
		t.Errorf("quantity = %v", q)
	}
	if res.State["price"] != 30.0 || res.State["currency"] != "USD" {
		t.Errorf("price = %v %v", res.State["price"], res.State["currency"])
	}

	seller := res.Blocks[0]
	if seller.Type != "actor.producer" || seller.State["name"] != "Mill House" {
		t.Errorf("seller block = %s %v", seller.Type, seller.State)
	}
	if res.Refs["seller"] != seller.Hash {
		t.Error("order not linked to seller")
	}
	if math.Abs(res.Confidence-1.0) > 1e-9 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestParse_SensorReading(t *testing.T) {
	res, err := Parse("Fridge temperature reading 4.2 degrees")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "observe.reading" {
		t.Fatalf("type = %q", res.Type)
	}
	if res.State["value"] != 4.2 || res.State["unit"] != "degrees" {
		t.Errorf("value/unit = %v %v", res.State["value"], res.State["unit"])
	}
	if len(res.Blocks) != 1 {
		t.Errorf("blocks = %d", len(res.Blocks))
	}
}

func TestParse_Certification(t *testing.T) {
	res, err := Parse("Certified organic by Soil Association")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "observe.certification" {
		t.Fatalf("type = %q", res.Type)
	}
	authority := res.Blocks[0]
	if authority.Type != "actor.authority" || authority.State["name"] != "Soil Association" {
		t.Errorf("authority block = %s %v", authority.Type, authority.State)
	}
	if res.Refs["authority"] != authority.Hash {
		t.Error("certification not linked to authority")
	}
}

func TestParse_Surplus(t *testing.T) {
	res, err := Parse("Surplus bread to donate at Green Cafe")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "observe.offer" {
		t.Fatalf("type = %q", res.Type)
	}
	if res.State["name"] != "Surplus bread" {
		t.Errorf("name = %q", res.State["name"])
	}
}

func TestParse_DefaultsToProduct(t *testing.T) {
	res, err := Parse("wildflower nectar")
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != "substance.product" {
		t.Fatalf("type = %q", res.Type)
	}
	if math.Abs(res.Confidence-0.4) > 1e-9 {
		t.Errorf("confidence = %v, want the no-signal floor", res.Confidence)
	}
	if res.State["name"] != "wildflower nectar" {
		t.Errorf("name = %q", res.State["name"])
	}
	if len(res.Blocks) != 1 {
		t.Errorf("blocks = %d", len(res.Blocks))
	}
}

func TestParse_EmptyInput(t *testing.T) {
	if _, err := Parse("   "); err == nil {
		t.Error("blank input accepted")
	}
}

func TestParse_DependencyOrder(t *testing.T) {
	res, err := Parse("Fresh milk from Hilltop Dairy for €2")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Blocks) != 2 {
		t.Fatalf("blocks = %d", len(res.Blocks))
	}
	// Referenced blocks come before the blocks that reference them.
	emitted := map[string]bool{}
	for _, b := range res.Blocks {
		for _, e := range b.RefHashes() {
			if !emitted[e.Target] {
				t.Errorf("block %s references %s before it was emitted", b.Hash, e.Target)
			}
		}
		emitted[b.Hash] = true
	}
}

func TestBuiltins_FourteenVocabularies(t *testing.T) {
	vocabs := Builtins()
	if len(vocabs) != 14 {
		t.Fatalf("builtin vocabularies = %d, want 14", len(vocabs))
	}
	for i := 1; i < len(vocabs); i++ {
		if vocabs[i-1].Name >= vocabs[i].Name {
			t.Errorf("vocabularies not sorted: %q before %q", vocabs[i-1].Name, vocabs[i].Name)
		}
	}

	blocks, err := VocabularyBlocks()
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 14 {
		t.Fatalf("vocabulary blocks = %d", len(blocks))
	}
	again, err := VocabularyBlocks()
	if err != nil {
		t.Fatal(err)
	}
	for i := range blocks {
		if blocks[i].Type != "observe.vocabulary" {
			t.Errorf("block type = %q", blocks[i].Type)
		}
		if _, ok := blocks[i].State["instance_id"]; ok {
			t.Error("definitional vocabulary block received an instance_id")
		}
		if blocks[i].Hash != again[i].Hash {
			t.Error("vocabulary block hashes are not stable")
		}
	}
}

func TestUnitNormalization(t *testing.T) {
	cases := map[string]string{
		"kg":        "kg",
		"kilograms": "kg",
		"litres":    "l",
		"dozen":     "dozen",
		"crates":    "crate",
		"bogus":     "",
	}
	for in, want := range cases {
		if got := unitFor(in); got != want {
			t.Errorf("unitFor(%q) = %q, want %q", in, got, want)
		}
	}
}
