package foodblock

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// SignedBlock wraps a block with authorship outside the hashed content.
// AuthorHash is the hash of the author's actor block, which publishes the
// Ed25519 key the signature verifies against. Identity stays content-derived:
// the signature covers the canonical triple, never the wrapper, so the same
// content signed by two authors keeps one hash.
type SignedBlock struct {
	FoodBlock       Block  `json:"foodblock"`
	AuthorHash      string `json:"author_hash"`
	Signature       string `json:"signature"`
	ProtocolVersion string `json:"protocol_version"`
}

// GenerateKeypair creates a fresh Ed25519 signing keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// PublicKeyHex renders a public key the way actor blocks publish it in
// state.public_key.
func PublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// Sign wraps a block under an author identity. The signed message is the
// canonical form of the block triple.
func Sign(b Block, authorHash string, priv ed25519.PrivateKey) (SignedBlock, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return SignedBlock{}, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	msg, err := Canonical(b.Type, b.State, b.Refs)
	if err != nil {
		return SignedBlock{}, fmt.Errorf("sign block: %w", err)
	}
	sig := ed25519.Sign(priv, []byte(msg))
	return SignedBlock{
		FoodBlock:       b,
		AuthorHash:      authorHash,
		Signature:       hex.EncodeToString(sig),
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// Verify checks that a wrapper's signature covers the canonical triple under
// the given public key. Binding the key to the wrapper's author_hash is the
// store's job: the actor block named by author_hash publishes the key.
func Verify(sb SignedBlock, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	sig, err := hex.DecodeString(sb.Signature)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	msg, err := Canonical(sb.FoodBlock.Type, sb.FoodBlock.State, sb.FoodBlock.Refs)
	if err != nil {
		return fmt.Errorf("verify block: %w", err)
	}
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return fmt.Errorf("signature verification failed for author %s", sb.AuthorHash)
	}
	return nil
}

// VerifyHex is Verify with a hex-encoded public key, the form keys travel in
// actor blocks and federation handshakes.
func VerifyHex(sb SignedBlock, pubHex string) error {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	return Verify(sb, ed25519.PublicKey(raw))
}

// Signer signs blocks on behalf of one author identity.
type Signer struct {
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	authorHash string
}

// NewSigner binds an Ed25519 private key to an author's actor-block hash.
func NewSigner(authorHash string, priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	return &Signer{
		priv:       priv,
		pub:        priv.Public().(ed25519.PublicKey),
		authorHash: authorHash,
	}, nil
}

// NewSignerFromHex parses a hex-encoded Ed25519 private key (seed or full).
func NewSignerFromHex(authorHash, privHex string) (*Signer, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key hex: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewSigner(authorHash, ed25519.NewKeyFromSeed(raw))
	case ed25519.PrivateKeySize:
		return NewSigner(authorHash, ed25519.PrivateKey(raw))
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// AuthorHash returns the actor-block hash this signer signs as.
func (s *Signer) AuthorHash() string { return s.authorHash }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// PublicKeyHex returns the signer's public key as lowercase hex.
func (s *Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Sign wraps a block with this signer's identity.
func (s *Signer) Sign(b Block) (SignedBlock, error) {
	return Sign(b, s.authorHash, s.priv)
}

// KeyHash derives a recipient or federation identity from a raw public key.
// Envelope recipients are addressed this way; author identity is the actor
// block's hash instead.
func KeyHash(pub []byte) string {
	return HashBytes(pub)
}
