package agent

import (
	"crypto/ed25519"
	"fmt"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// Enroll builds a signed actor.agent block for an operator. It generates the
// agent's keypair, publishes the public key in state, and seals the private
// seed into state.encrypted_key when a vault is present, which is what lets
// the server later auto-approve drafts as the agent. The caller inserts the
// returned wrapper; the agent's author identity is that block's hash.
//
// settings carries the operator's grants: capabilities, max_amount,
// rate_limit_per_hour, auto_approve_under.
func Enroll(vault *Vault, operator *foodblock.Signer, name string, settings map[string]any) (foodblock.SignedBlock, ed25519.PrivateKey, error) {
	if name == "" {
		return foodblock.SignedBlock{}, nil, fmt.Errorf("agent name is required")
	}
	pub, priv, err := foodblock.GenerateKeypair()
	if err != nil {
		return foodblock.SignedBlock{}, nil, err
	}

	state := map[string]any{
		"name":       name,
		"public_key": foodblock.PublicKeyHex(pub),
	}
	for k, v := range settings {
		state[k] = v
	}
	if vault != nil {
		sealed, err := vault.Seal(priv)
		if err != nil {
			return foodblock.SignedBlock{}, nil, fmt.Errorf("seal agent key: %w", err)
		}
		state["encrypted_key"] = sealed
	}

	refs := map[string]any{}
	if operator != nil {
		refs["operator"] = operator.AuthorHash()
	}
	blk, err := foodblock.Create("actor.agent", state, refs)
	if err != nil {
		return foodblock.SignedBlock{}, nil, err
	}
	if operator != nil {
		sb, err := operator.Sign(blk)
		if err != nil {
			return foodblock.SignedBlock{}, nil, err
		}
		return sb, priv, nil
	}
	return foodblock.SignedBlock{FoodBlock: blk, ProtocolVersion: foodblock.ProtocolVersion}, priv, nil
}
