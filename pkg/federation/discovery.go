package federation

import (
	"context"
	"fmt"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// WellKnownPath is where every FoodBlock server publishes its discovery
// document. The handshake, push, and pull endpoints hang off the same prefix.
const WellKnownPath = "/.well-known/foodblock"

// Discovery is the signed self-description a server publishes. The signature
// covers every field except itself.
type Discovery struct {
	Protocol     string            `json:"protocol"`
	Version      string            `json:"version"`
	Name         string            `json:"name,omitempty"`
	PublicKey    string            `json:"public_key"`
	Types        []string          `json:"types"`
	Count        int               `json:"count"`
	Peers        []string          `json:"peers"`
	Algorithms   map[string]string `json:"algorithms"`
	Capabilities []string          `json:"capabilities"`
	Endpoints    map[string]string `json:"endpoints"`
	Signature    string            `json:"signature"`
}

// BuildDiscovery assembles and signs the current discovery document.
func BuildDiscovery(ctx context.Context, s store.Store, id *Identity) (Discovery, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return Discovery{}, fmt.Errorf("discovery stats: %w", err)
	}
	peers, err := s.Peers(ctx)
	if err != nil {
		return Discovery{}, fmt.Errorf("discovery peers: %w", err)
	}
	urls := make([]string, 0, len(peers))
	for _, p := range peers {
		urls = append(urls, p.URL)
	}

	d := Discovery{
		Protocol:  "foodblock",
		Version:   foodblock.ProtocolVersion,
		Name:      id.Name,
		PublicKey: id.PublicKeyHex(),
		Types:     stats.Types,
		Count:     stats.Blocks,
		Peers:     urls,
		Algorithms: map[string]string{
			"hash":      "sha-256",
			"signature": "ed25519",
			"encoding":  "foodblock-canonical",
		},
		Capabilities: []string{"handshake", "push", "pull", "batch", "stream"},
		Endpoints: map[string]string{
			"discovery": WellKnownPath,
			"handshake": WellKnownPath + "/handshake",
			"push":      WellKnownPath + "/push",
			"pull":      WellKnownPath + "/pull",
		},
	}
	sig, err := id.SignPayload(d.payload())
	if err != nil {
		return Discovery{}, err
	}
	d.Signature = sig
	return d, nil
}

// VerifySignature checks the document's self-signature. A verified document
// only proves possession of the embedded key; trusting that key is the
// handshake's job.
func (d Discovery) VerifySignature() error {
	return VerifyPayload(d.PublicKey, d.payload(), d.Signature)
}

func (d Discovery) payload() map[string]any {
	return map[string]any{
		"protocol":     d.Protocol,
		"version":      d.Version,
		"name":         d.Name,
		"public_key":   d.PublicKey,
		"types":        d.Types,
		"count":        d.Count,
		"peers":        d.Peers,
		"algorithms":   stringMap(d.Algorithms),
		"capabilities": d.Capabilities,
		"endpoints":    stringMap(d.Endpoints),
	}
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
