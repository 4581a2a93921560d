// Package foodblock implements the FoodBlock protocol primitives: the
// deterministic canonical JSON form, SHA-256 content addressing, block
// construction, and the Ed25519 authentication wrapper.
//
// A block is exactly three fields (type, state, refs) and its identity is
// the SHA-256 of Canonical(type, state, refs). The canonical form must be
// bit-exact across implementations: object keys sorted by code point, strings
// in Unicode NFC, numbers per ECMAScript Number::toString, nulls omitted, and
// ref arrays sorted (set semantics).
package foodblock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ProtocolVersion labels the canonical form emitted by this build.
const ProtocolVersion = "0.5"

// MaxTypeLength bounds the type field of every block.
const MaxTypeLength = 100

// Canonical renders the deterministic serialization of a block triple.
// The output is always `{"refs":…,"state":…,"type":…}`: the three top-level
// keys happen to sort that way. Arrays inside refs are serialized with set
// semantics (sorted); arrays inside state preserve declared order, including
// state subtrees whose keys are literally named "refs".
func Canonical(typ string, state, refs map[string]any) (string, error) {
	var b strings.Builder
	b.WriteByte('{')
	b.WriteString(`"refs":`)
	if err := writeObject(&b, refs, true); err != nil {
		return "", fmt.Errorf("canonical refs: %w", err)
	}
	b.WriteString(`,"state":`)
	if err := writeObject(&b, state, false); err != nil {
		return "", fmt.Errorf("canonical state: %w", err)
	}
	b.WriteString(`,"type":`)
	writeString(&b, typ)
	b.WriteByte('}')
	return b.String(), nil
}

// Hash computes the lowercase hex SHA-256 of the canonical form.
func Hash(typ string, state, refs map[string]any) (string, error) {
	c, err := Canonical(typ, state, refs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes is the raw SHA-256 hex digest helper used for key hashes and
// discovery signatures.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalValue serializes a single JSON value under state rules (sequence
// semantics, no set sorting). Envelope encryption uses it so ciphertexts are
// deterministic for a given plaintext value.
func CanonicalValue(v any) (string, error) {
	var b strings.Builder
	if v == nil {
		return "null", nil
	}
	if err := writeValue(&b, v, false); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeObject(b *strings.Builder, m map[string]any, setArrays bool) error {
	if len(m) == 0 {
		b.WriteString("{}")
		return nil
	}
	type entry struct {
		key string
		val any
	}
	entries := make([]entry, 0, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		entries = append(entries, entry{key: norm.NFC.String(k), val: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	for i := 1; i < len(entries); i++ {
		if entries[i].key == entries[i-1].key {
			return fmt.Errorf("duplicate key %q after NFC normalization", entries[i].key)
		}
	}

	b.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, e.key)
		b.WriteByte(':')
		if err := writeValue(b, e.val, setArrays); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func writeValue(b *strings.Builder, v any, setArrays bool) error {
	switch t := v.(type) {
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return writeNumber(b, f)
	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))
	case float32:
		return writeNumber(b, float64(t))
	case float64:
		return writeNumber(b, t)
	case map[string]any:
		return writeObject(b, t, setArrays)
	case []any:
		return writeArray(b, t, setArrays)
	case []string:
		arr := make([]any, len(t))
		for i, s := range t {
			arr[i] = s
		}
		return writeArray(b, arr, setArrays)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

func writeArray(b *strings.Builder, arr []any, setArrays bool) error {
	elems := make([]any, 0, len(arr))
	for _, v := range arr {
		if v == nil {
			continue
		}
		elems = append(elems, v)
	}
	if setArrays && allStrings(elems) {
		sorted := make([]string, len(elems))
		for i, v := range elems {
			sorted[i] = norm.NFC.String(v.(string))
		}
		sort.Strings(sorted)
		b.WriteByte('[')
		for i, s := range sorted {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, s)
		}
		b.WriteByte(']')
		return nil
	}
	b.WriteByte('[')
	for i, v := range elems {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := writeValue(b, v, setArrays); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

// writeNumber formats per ECMAScript Number::toString via the RFC 8785
// reference formatter. NaN and Infinity are invalid in canonical form.
func writeNumber(b *strings.Builder, f float64) error {
	s, err := jcs.NumberToJSON(f)
	if err != nil {
		return fmt.Errorf("invalid canonical number: %w", err)
	}
	b.WriteString(s)
	return nil
}

// writeString emits an NFC-normalized, canonically escaped JSON string.
// Short escapes for the two-character forms, \u00xx for remaining controls.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range norm.NFC.String(s) {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func allStrings(arr []any) bool {
	for _, v := range arr {
		if _, ok := v.(string); !ok {
			return false
		}
	}
	return true
}
