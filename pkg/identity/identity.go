// Package identity verifies identity.claim tokens: EdDSA JWTs that bind an
// external identity assertion to a block author. The token's subject must be
// the claiming block's author_hash and its signature must verify against the
// Ed25519 key that author's actor block publishes. Claims without tokens are
// stored uninterpreted.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// ClaimType is the block type carrying identity tokens.
const ClaimType = "identity.claim"

// Issuer labels tokens minted by this implementation. Verification does not
// require it; foreign issuers are fine as long as the signature binds.
const Issuer = "foodblock"

var ErrInvalidToken = errors.New("invalid identity token")

// Claims is the JWT payload of an identity token. Subject is the author_hash
// the token vouches for.
type Claims struct {
	jwt.RegisteredClaims
	Provider string `json:"provider,omitempty"`
	Handle   string `json:"handle,omitempty"`
}

// Issue mints an EdDSA token for an author. ttl <= 0 issues a non-expiring
// token.
func Issue(authorHash string, priv ed25519.PrivateKey, provider, handle string, ttl time.Duration) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  authorHash,
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Provider: provider,
		Handle:   handle,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
}

// Verify parses a token and checks that it is EdDSA-signed by the given key
// and that its subject is authorHash.
func Verify(tokenString, authorHash, pubHex string) (*Claims, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: author key is not a valid ed25519 public key", ErrInvalidToken)
	}
	pub := ed25519.PublicKey(raw)

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject != authorHash {
		return nil, fmt.Errorf("%w: subject %q is not the block author", ErrInvalidToken, claims.Subject)
	}
	return claims, nil
}

// KeyResolver resolves an author_hash to the hex key its actor block
// publishes, "" when unknown.
type KeyResolver interface {
	PublicKeyOf(ctx context.Context, authorHash string) (string, error)
}

// VerifyClaim checks an identity.claim wrapper before it is stored. Blocks of
// other types and claims without state.token pass through untouched.
func VerifyClaim(ctx context.Context, r KeyResolver, sb foodblock.SignedBlock) error {
	if sb.FoodBlock.Type != ClaimType {
		return nil
	}
	token, ok := sb.FoodBlock.State["token"].(string)
	if !ok || token == "" {
		return nil
	}
	if sb.AuthorHash == "" {
		return fmt.Errorf("%w: tokened claim has no author_hash", ErrInvalidToken)
	}
	pubHex, err := r.PublicKeyOf(ctx, sb.AuthorHash)
	if err != nil {
		return err
	}
	if pubHex == "" {
		return fmt.Errorf("%w: author %s has no published key", ErrInvalidToken, sb.AuthorHash)
	}
	_, err = Verify(token, sb.AuthorHash, pubHex)
	return err
}
