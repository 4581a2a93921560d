package fb

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type money struct {
	Amount   float64
	Currency string
}

type quantityVal struct {
	Value float64
	Unit  string
}

// scan is the tokenized sentence with everything extracted from it. Pure;
// built once per Parse call.
type scan struct {
	text        string
	lower       string
	tokens      []string
	lowerTokens []string

	price    *money
	quantity *quantityVal
	rating   int
	flags    map[string]bool
	status   string
	lotID    string

	subject   string
	party     string
	partyPrep string
}

var (
	priceSymbolRe = regexp.MustCompile(`([€£$¥])\s?(\d+(?:[.,]\d+)?)`)
	priceWordRe   = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s?(eur|euros?|usd|dollars?|gbp|chf|jpy|yen)\b`)
	ratingSlashRe = regexp.MustCompile(`\b([1-5])\s?/\s?5\b`)
)

var currencySymbols = map[string]string{
	"€": "EUR", "£": "GBP", "$": "USD", "¥": "JPY",
}

var currencyWords = map[string]string{
	"eur": "EUR", "euro": "EUR", "euros": "EUR",
	"usd": "USD", "dollar": "USD", "dollars": "USD",
	"gbp": "GBP", "chf": "CHF", "jpy": "JPY", "yen": "JPY",
}

// booleanAdjectives become true-valued state flags when present.
var booleanAdjectives = map[string]string{
	"organic":     "organic",
	"vegan":       "vegan",
	"vegetarian":  "vegetarian",
	"fresh":       "fresh",
	"local":       "local",
	"raw":         "raw",
	"halal":       "halal",
	"kosher":      "kosher",
	"gluten free": "gluten_free",
	"gluten-free": "gluten_free",
	"free range":  "free_range",
	"free-range":  "free_range",
	"grass fed":   "grass_fed",
	"grass-fed":   "grass_fed",
}

// degreeUnits are measurement words outside the trade units vocabulary.
var degreeUnits = map[string]string{
	"degrees": "degrees", "degree": "degrees", "°c": "c", "°f": "f", "celsius": "c", "fahrenheit": "f",
}

// connectors may appear inside a proper-noun run without breaking it.
var connectors = map[string]bool{
	"of": true, "the": true, "&": true, "and": true, "de": true, "la": true, "du": true,
}

// partyPreps introduce the other party of a sentence.
var partyPreps = map[string]bool{
	"at": true, "from": true, "by": true, "in": true, "to": true, "for": true,
}

func newScan(text string) *scan {
	collapsed := strings.Join(strings.Fields(text), " ")
	sc := &scan{
		text:  collapsed,
		lower: strings.ToLower(collapsed),
		flags: map[string]bool{},
	}
	sc.tokens = strings.Fields(collapsed)
	sc.lowerTokens = make([]string, len(sc.tokens))
	for i, t := range sc.tokens {
		sc.lowerTokens[i] = stripPunct(strings.ToLower(t))
	}

	sc.extractPrice()
	sc.extractQuantity()
	sc.extractRating()
	sc.extractFlags()
	sc.extractStatus()
	sc.extractLot()
	sc.extractNames()
	return sc
}

// hasPhrase matches a keyword against the sentence: multi-word keywords as
// substrings, single words as whole tokens.
func (sc *scan) hasPhrase(kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(sc.lower, kw)
	}
	for _, t := range sc.lowerTokens {
		if t == kw {
			return true
		}
	}
	return false
}

func (sc *scan) extractPrice() {
	if m := priceSymbolRe.FindStringSubmatch(sc.text); m != nil {
		if v, ok := parseNum(m[2]); ok {
			sc.price = &money{Amount: v, Currency: currencySymbols[m[1]]}
			return
		}
	}
	if m := priceWordRe.FindStringSubmatch(sc.lower); m != nil {
		if v, ok := parseNum(m[1]); ok {
			sc.price = &money{Amount: v, Currency: currencyWords[m[2]]}
		}
	}
}

func (sc *scan) extractQuantity() {
	for i, tok := range sc.lowerTokens {
		// fused form: "20kg"
		if v, unit, ok := splitFused(tok); ok {
			sc.quantity = &quantityVal{Value: v, Unit: unit}
			return
		}
		v, ok := parseNum(tok)
		if !ok || i+1 >= len(sc.lowerTokens) {
			continue
		}
		next := sc.lowerTokens[i+1]
		if unit := unitFor(next); unit != "" {
			sc.quantity = &quantityVal{Value: v, Unit: unit}
			return
		}
		if unit, ok := degreeUnits[next]; ok {
			sc.quantity = &quantityVal{Value: v, Unit: unit}
			return
		}
	}
}

func (sc *scan) extractRating() {
	if m := ratingSlashRe.FindStringSubmatch(sc.lower); m != nil {
		sc.rating, _ = strconv.Atoi(m[1])
		return
	}
	for i, tok := range sc.lowerTokens {
		if tok != "star" && tok != "stars" {
			continue
		}
		if i == 0 {
			continue
		}
		if v, ok := parseNum(sc.lowerTokens[i-1]); ok && v >= 1 && v <= 5 {
			sc.rating = int(v)
			return
		}
	}
}

func (sc *scan) extractFlags() {
	for phrase, field := range booleanAdjectives {
		if sc.hasPhrase(phrase) {
			sc.flags[field] = true
		}
	}
}

func (sc *scan) extractStatus() {
	for _, v := range builtinVocabularies {
		if v.Name != "workflow" {
			continue
		}
		for _, term := range v.Terms {
			if !sc.hasPhrase(term) {
				continue
			}
			if canon, ok := v.Aliases[term]; ok {
				term = canon
			}
			sc.status = term
			return
		}
	}
}

func (sc *scan) extractLot() {
	for i, tok := range sc.lowerTokens {
		if tok != "lot" && tok != "batch" {
			continue
		}
		j := i + 1
		if j < len(sc.lowerTokens) && sc.lowerTokens[j] == "number" {
			j++
		}
		if j < len(sc.tokens) {
			cand := stripPunct(sc.tokens[j])
			if cand != "" && strings.IndexFunc(cand, unicode.IsDigit) >= 0 {
				sc.lotID = cand
				return
			}
		}
	}
}

// extractNames finds proper-noun runs. A run preceded by a party preposition
// becomes the other party; the first remaining run becomes the subject.
// Quoted text wins as the subject.
func (sc *scan) extractNames() {
	if q := quotedName(sc.text); q != "" {
		sc.subject = q
	}

	type run struct {
		start int
		words []string
	}
	var runs []run
	i := 0
	for i < len(sc.tokens) {
		if !isCapToken(stripPunct(sc.tokens[i])) {
			i++
			continue
		}
		r := run{start: i, words: []string{stripPunct(sc.tokens[i])}}
		j := i + 1
		for j < len(sc.tokens) {
			w := stripPunct(sc.tokens[j])
			if isCapToken(w) || connectors[strings.ToLower(w)] && j+1 < len(sc.tokens) && isCapToken(stripPunct(sc.tokens[j+1])) {
				r.words = append(r.words, w)
				j++
				continue
			}
			break
		}
		runs = append(runs, r)
		i = j
	}

	for _, r := range runs {
		name := strings.Join(r.words, " ")
		if r.start > 0 && partyPreps[sc.lowerTokens[r.start-1]] && sc.party == "" {
			sc.party = name
			sc.partyPrep = sc.lowerTokens[r.start-1]
			continue
		}
		// A lone sentence-leading verb or keyword is capitalization, not a name.
		if r.start == 0 && len(r.words) == 1 && knownKeyword(strings.ToLower(r.words[0])) {
			continue
		}
		if sc.subject == "" {
			sc.subject = name
		}
	}
}

func quotedName(s string) string {
	for _, quote := range []string{`"`, "“"} {
		start := strings.Index(s, quote)
		if start < 0 {
			continue
		}
		end := quote
		if quote == "“" {
			end = "”"
		}
		rest := s[start+len(quote):]
		stop := strings.Index(rest, end)
		if stop > 0 {
			return rest[:stop]
		}
	}
	return ""
}

func knownKeyword(w string) bool {
	for _, it := range intents {
		for _, kw := range it.keywords {
			if kw == w {
				return true
			}
		}
	}
	for _, v := range builtinVocabularies {
		for _, t := range v.Terms {
			if t == w {
				return true
			}
		}
	}
	return false
}

func isCapToken(tok string) bool {
	if tok == "" {
		return false
	}
	runes := []rune(tok)
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-' && r != '&' {
			return false
		}
	}
	return true
}

func stripPunct(tok string) string {
	return strings.Trim(tok, `.,!?;:"'()[]{}`)
}

func parseNum(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// splitFused splits forms like "20kg" into value and unit.
func splitFused(tok string) (float64, string, bool) {
	split := strings.IndexFunc(tok, unicode.IsLetter)
	if split <= 0 {
		return 0, "", false
	}
	v, ok := parseNum(tok[:split])
	if !ok {
		return 0, "", false
	}
	unit := unitFor(tok[split:])
	if unit == "" {
		return 0, "", false
	}
	return v, unit, true
}
