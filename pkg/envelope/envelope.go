// Package envelope implements multi-recipient field encryption for block
// state. Each `_`-prefixed state field is replaced by an envelope: the value
// is sealed under a fresh AES-256-GCM content key, and that key is wrapped
// once per recipient via X25519 key agreement. The envelope sits inside state,
// so it is part of the block hash and the recipient set is immutable per
// block.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Alg is the envelope algorithm identifier.
const Alg = "x25519-aes-256-gcm"

// kdfInfo binds derived wrap keys to this envelope version.
const kdfInfo = "foodblock-envelope-v1"

const (
	contentKeySize = 32
	nonceSize      = 12
)

// Envelope is the sealed form of one state field.
type Envelope struct {
	Alg        string      `json:"alg"`
	Recipients []Recipient `json:"recipients"`
	EPK        string      `json:"epk"`
	Nonce      string      `json:"nonce"`
	Ciphertext string      `json:"ciphertext"`
}

// Recipient is one wrapped copy of the content key. KeyHash identifies the
// recipient by SHA-256 of their X25519 public key; EncryptedKey is the
// content key sealed under the pairwise wrap key.
type Recipient struct {
	KeyHash      string `json:"key_hash"`
	EncryptedKey string `json:"encrypted_key"`
}

// GenerateKeypair creates a fresh X25519 keypair for envelope encryption,
// independent of the Ed25519 signing keypair.
func GenerateKeypair() (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return pub, priv, nil
}

// PublicKeyOf derives the X25519 public key for a private scalar.
func PublicKeyOf(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	return pub, nil
}

// NewContentKey creates a random 32-byte content key. Private chains hold one
// stable content key across versions and wrap it per viewer, so revoking a
// viewer means rotating their wrap, not re-encrypting the chain.
func NewContentKey() ([]byte, error) {
	k := make([]byte, contentKeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}
	return k, nil
}

// Encrypt seals value for the given X25519 recipient public keys under a
// fresh content key.
func Encrypt(value any, recipients [][]byte) (Envelope, error) {
	k, err := NewContentKey()
	if err != nil {
		return Envelope{}, err
	}
	return EncryptWithKey(value, k, recipients)
}

// EncryptWithKey seals value under a caller-provided content key. This is the
// two-key path for private chains: the chain's stable key is supplied and
// each viewer's Master Key appears in recipients.
func EncryptWithKey(value any, contentKey []byte, recipients [][]byte) (Envelope, error) {
	if len(contentKey) != contentKeySize {
		return Envelope{}, fmt.Errorf("content key must be %d bytes, got %d", contentKeySize, len(contentKey))
	}
	if len(recipients) == 0 {
		return Envelope{}, fmt.Errorf("at least one recipient is required")
	}

	plaintext, err := foodblock.CanonicalValue(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("canonicalize plaintext: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}
	ct, err := gcmSeal(contentKey, nonce, []byte(plaintext))
	if err != nil {
		return Envelope{}, err
	}

	ephPub, ephPriv, err := GenerateKeypair()
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Alg:        Alg,
		EPK:        base64.StdEncoding.EncodeToString(ephPub),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}
	for _, pub := range recipients {
		wrapKey, err := deriveWrapKey(ephPriv, pub)
		if err != nil {
			return Envelope{}, err
		}
		wrapNonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(rand.Reader, wrapNonce); err != nil {
			return Envelope{}, fmt.Errorf("generate wrap nonce: %w", err)
		}
		wrapped, err := gcmSeal(wrapKey, wrapNonce, contentKey)
		if err != nil {
			return Envelope{}, err
		}
		env.Recipients = append(env.Recipients, Recipient{
			KeyHash:      foodblock.HashBytes(pub),
			EncryptedKey: base64.StdEncoding.EncodeToString(append(wrapNonce, wrapped...)),
		})
	}
	return env, nil
}

// Decrypt opens an envelope with a recipient's X25519 private key and returns
// the original JSON value.
func Decrypt(env Envelope, priv []byte) (any, error) {
	pub, err := PublicKeyOf(priv)
	if err != nil {
		return nil, err
	}
	myHash := foodblock.HashBytes(pub)

	var entry *Recipient
	for i := range env.Recipients {
		if env.Recipients[i].KeyHash == myHash {
			entry = &env.Recipients[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("no recipient entry for key %s", myHash)
	}

	ephPub, err := base64.StdEncoding.DecodeString(env.EPK)
	if err != nil {
		return nil, fmt.Errorf("decode ephemeral key: %w", err)
	}
	wrapKey, err := deriveWrapKey(priv, ephPub)
	if err != nil {
		return nil, err
	}
	packed, err := base64.StdEncoding.DecodeString(entry.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted key: %w", err)
	}
	if len(packed) <= nonceSize {
		return nil, fmt.Errorf("encrypted key too short")
	}
	contentKey, err := gcmOpen(wrapKey, packed[:nonceSize], packed[nonceSize:])
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}
	return DecryptWithKey(env, contentKey)
}

// DecryptWithKey opens an envelope with the content key directly, the path a
// chain-key holder takes.
func DecryptWithKey(env Envelope, contentKey []byte) (any, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := gcmOpen(contentKey, nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(plaintext)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode plaintext: %w", err)
	}
	return v, nil
}

// deriveWrapKey runs X25519 agreement then HKDF-SHA256 to a 32-byte AES key.
func deriveWrapKey(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	r := hkdf.New(sha256.New, shared, nil, []byte(kdfInfo))
	key := make([]byte, contentKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derivation: %w", err)
	}
	return key, nil
}

func gcmSeal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func gcmOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return pt, nil
}
