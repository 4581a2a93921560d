package api

import (
	"encoding/hex"
	"net/http"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/agent"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// handleEnroll creates an actor.agent for an operator who trusts the server
// with key handling: the agent keypair is generated here, the public key is
// published in the block, and the private key seed is returned exactly once.
// When a vault is configured the seed is also sealed into the block so the
// server can later countersign auto-approvals. Operators who keep keys
// client-side build and sign their own actor.agent and POST /blocks instead.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string         `json:"name"`
		OperatorHash       string         `json:"operator_hash"`
		OperatorPrivateKey string         `json:"operator_private_key"`
		Settings           map[string]any `json:"settings"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "agent name is required")
		return
	}

	var operator *foodblock.Signer
	if req.OperatorPrivateKey != "" {
		if req.OperatorHash == "" {
			writeError(w, http.StatusBadRequest, "operator_hash is required with operator_private_key")
			return
		}
		var err error
		operator, err = foodblock.NewSignerFromHex(req.OperatorHash, req.OperatorPrivateKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var vault *agent.Vault
	if s.gate != nil {
		vault = s.gate.Vault()
	}
	sb, priv, err := agent.Enroll(vault, operator, req.Name, req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.store.Insert(r.Context(), sb)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !res.Exists {
		s.metrics.BlocksInserted(r.Context(), "api", 1)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":       res.Record,
		"private_key": hex.EncodeToString(priv.Seed()),
	})
}

func (s *Server) handleAgentDrafts(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, http.StatusServiceUnavailable, "agent runtime disabled")
		return
	}
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	drafts, err := s.gate.PendingDrafts(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	if drafts == nil {
		drafts = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts, "count": len(drafts)})
}

func (s *Server) handleDraftStatus(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, http.StatusServiceUnavailable, "agent runtime disabled")
		return
	}
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	status, err := s.gate.DraftStatus(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash, "status": status})
}
