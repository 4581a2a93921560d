package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/identity"
)

// prepareBlock validates the wrapper and normalizes the content hash before
// either backend touches the database. A supplied hash must match the
// recomputed one; a missing hash is filled in.
func prepareBlock(sb *foodblock.SignedBlock) error {
	b := &sb.FoodBlock
	if err := foodblock.ValidateType(b.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := foodblock.ValidateRefs(b.Refs); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if b.State == nil {
		b.State = map[string]any{}
	}
	if b.Refs == nil {
		b.Refs = map[string]any{}
	}

	computed, err := foodblock.Hash(b.Type, b.State, b.Refs)
	if err != nil {
		return fmt.Errorf("%w: canonicalize block: %v", ErrBadRequest, err)
	}
	supplied := strings.ToLower(strings.TrimSpace(b.Hash))
	if supplied != "" && supplied != computed {
		return fmt.Errorf("%w: supplied %s, computed %s", ErrHashMismatch, supplied, computed)
	}
	b.Hash = computed

	if sb.ProtocolVersion != "" && !foodblock.CompatibleVersion(sb.ProtocolVersion) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, sb.ProtocolVersion)
	}
	if sb.Signature != "" && sb.AuthorHash == "" {
		return fmt.Errorf("%w: signature without author_hash", ErrInvalidSignature)
	}
	return nil
}

type keyResolver interface {
	PublicKeyOf(ctx context.Context, authorHash string) (string, error)
}

// verifyAuthor checks the wrapper signature against the key the author's
// actor block publishes. Unknown authors are accepted as claimed; a known
// author must sign, and the signature must verify.
func verifyAuthor(ctx context.Context, r keyResolver, sb foodblock.SignedBlock) error {
	if sb.AuthorHash == "" {
		return nil
	}
	pubHex, err := r.PublicKeyOf(ctx, sb.AuthorHash)
	if err != nil {
		return err
	}
	if pubHex == "" {
		return nil
	}
	if sb.Signature == "" {
		return fmt.Errorf("%w: unsigned block for registered author %s", ErrInvalidSignature, sb.AuthorHash)
	}
	if err := foodblock.VerifyHex(sb, pubHex); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyClaimToken rejects identity.claim blocks whose embedded token does
// not bind to the author. Other types and tokenless claims pass through.
func verifyClaimToken(ctx context.Context, r keyResolver, sb foodblock.SignedBlock) error {
	if err := identity.VerifyClaim(ctx, r, sb); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
