package agent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Vault seals agent signing keys under the configured master key so the
// server can countersign auto-approvals. Sealed keys travel inside the agent
// block's state; without the master key they are opaque.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a 32-byte hex master key. An empty key means
// no vault: agents keep their keys client-side and auto-approval is off.
func NewVault(masterKeyHex string) (*Vault, error) {
	if masterKeyHex == "" {
		return nil, nil
	}
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(master) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(master))
	}
	// The derivation label is part of the sealed format; changing it
	// orphans every existing envelope.
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte("foodblock/agent-vault")), key); err != nil {
		return nil, fmt.Errorf("vault: derive sealing key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts an agent's Ed25519 seed for storage in the agent block.
func (v *Vault) Seal(priv ed25519.PrivateKey) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("vault: invalid private key length %d", len(priv))
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	ct := v.aead.Seal(nonce, nonce, priv.Seed(), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open recovers an agent signing key sealed by Seal.
func (v *Vault) Open(sealed string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("vault: decode sealed key: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("vault: sealed key too short")
	}
	seed, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("vault: open sealed key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("vault: sealed payload is not an ed25519 seed")
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
