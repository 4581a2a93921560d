// Package federation connects FoodBlock servers. Each node publishes a signed
// discovery document under /.well-known/foodblock, registers peers through a
// signed handshake, and moves blocks with push and pull. Sync composes the
// two: pull from the peer, insert locally, push everything authored since the
// last sync. Authenticity is layered: blocks verify by content hash wherever
// they land, payload signatures only keep transports from impersonating peers.
package federation

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// ErrBadSignature rejects handshake and push payloads whose signature does
// not verify under the presented key.
var ErrBadSignature = errors.New("payload signature verification failed")

// Identity is the server's federation keypair, distinct from any block
// author. It signs discovery documents, handshake payloads, and push
// manifests.
type Identity struct {
	Name string
	URL  string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewIdentity binds a hex-encoded Ed25519 private key (seed or full form) to
// a server name and base URL.
func NewIdentity(name, url, privHex string) (*Identity, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("decode federation key hex: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("federation key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &Identity{
		Name: name,
		URL:  url,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// EphemeralIdentity generates a throwaway keypair. Peers that recorded the
// previous key will fail signature checks after a restart, so persistent
// deployments should configure one.
func EphemeralIdentity(name, url string) (*Identity, error) {
	pub, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Identity{Name: name, URL: url, priv: priv, pub: pub}, nil
}

// PublicKeyHex returns the identity's public key as lowercase hex, the form
// it travels in discovery documents and the peers table.
func (id *Identity) PublicKeyHex() string { return hex.EncodeToString(id.pub) }

// SignPayload signs the canonical serialization of a JSON payload, so both
// ends derive identical bytes regardless of map iteration or whitespace.
func (id *Identity) SignPayload(payload map[string]any) (string, error) {
	msg, err := foodblock.CanonicalValue(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return hex.EncodeToString(ed25519.Sign(id.priv, []byte(msg))), nil
}

// VerifyPayload checks a payload signature against a hex-encoded public key.
func VerifyPayload(pubHex string, payload map[string]any, sigHex string) error {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature hex: %w", err)
	}
	msg, err := foodblock.CanonicalValue(payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(msg), sig) {
		return ErrBadSignature
	}
	return nil
}

// pushManifest is the signed content of a push: enough to bind the batch to
// the sending peer without re-serializing every block.
func pushManifest(peerURL string, hashes []string) map[string]any {
	return map[string]any{
		"peer_url":     peerURL,
		"block_count":  len(hashes),
		"block_hashes": hashes,
	}
}
