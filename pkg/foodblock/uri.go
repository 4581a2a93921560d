package foodblock

import (
	"fmt"
	"regexp"
	"strings"
)

// URIScheme is the primary block URI scheme; WebURIScheme is the variant
// browsers can register via registerProtocolHandler.
const (
	URIScheme    = "fb"
	WebURIScheme = "web+foodblock"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether s is a well-formed block hash.
func ValidHash(s string) bool { return hashPattern.MatchString(s) }

// ToURI renders a block hash as an fb:// URI.
func ToURI(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("invalid block hash %q", hash)
	}
	return URIScheme + "://" + hash, nil
}

// FromURI extracts the block hash from an fb:// or web+foodblock:// URI.
// A bare 64-hex hash is accepted as-is.
func FromURI(uri string) (string, error) {
	s := strings.TrimSpace(uri)
	for _, scheme := range []string{URIScheme + "://", WebURIScheme + "://"} {
		if strings.HasPrefix(s, scheme) {
			s = strings.TrimPrefix(s, scheme)
			break
		}
	}
	s = strings.TrimSuffix(s, "/")
	s = strings.ToLower(s)
	if !ValidHash(s) {
		return "", fmt.Errorf("uri %q does not contain a block hash", uri)
	}
	return s, nil
}
