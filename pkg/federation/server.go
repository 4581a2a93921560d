package federation

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

const (
	// DefaultPullLimit applies when a pull request names no limit.
	DefaultPullLimit = 500
	// MaxPullLimit caps a single pull response.
	MaxPullLimit = 5000
)

// Server is the receiving half of federation: discovery, handshake, push and
// pull handlers, mounted by the HTTP layer under /.well-known/foodblock.
type Server struct {
	store  store.Store
	id     *Identity
	logger *slog.Logger
}

func NewServer(s store.Store, id *Identity, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, id: id, logger: logger.With("component", "federation")}
}

// Handler mounts the federation endpoints on their well-known paths.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WellKnownPath, s.HandleDiscovery)
	mux.HandleFunc("POST "+WellKnownPath+"/handshake", s.HandleHandshake)
	mux.HandleFunc("POST "+WellKnownPath+"/push", s.HandlePush)
	mux.HandleFunc("POST "+WellKnownPath+"/pull", s.HandlePull)
	return mux
}

// HandshakeMsg is both the registration request and the signed
// acknowledgement. Payload is the signed portion; the top-level fields repeat
// its identity so a server can verify before trusting any of it.
type HandshakeMsg struct {
	PeerURL   string         `json:"peer_url"`
	PeerName  string         `json:"peer_name,omitempty"`
	PublicKey string         `json:"public_key"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature"`
	Accepted  bool           `json:"accepted,omitempty"`
}

// handshake builds this identity's signed registration message.
func (id *Identity) handshake() (HandshakeMsg, error) {
	payload := map[string]any{
		"url":       id.URL,
		"name":      id.Name,
		"version":   foodblock.ProtocolVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	sig, err := id.SignPayload(payload)
	if err != nil {
		return HandshakeMsg{}, err
	}
	return HandshakeMsg{
		PeerURL:   id.URL,
		PeerName:  id.Name,
		PublicKey: id.PublicKeyHex(),
		Payload:   payload,
		Signature: sig,
	}, nil
}

// PushRequest carries blocks from a peer. The optional signature covers
// {peer_url, block_count, block_hashes} so a relay cannot push under another
// peer's name.
type PushRequest struct {
	PeerURL   string                  `json:"peer_url,omitempty"`
	PublicKey string                  `json:"public_key,omitempty"`
	Signature string                  `json:"signature,omitempty"`
	Blocks    []foodblock.SignedBlock `json:"blocks"`
}

// PushResult reports per-batch outcome counts. Skipped blocks already existed
// locally, which is the normal case for chatty meshes.
type PushResult struct {
	Inserted int               `json:"inserted"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Results  []store.BatchItem `json:"results,omitempty"`
}

// PullRequest selects blocks by insertion-time cursor. AfterHash wins over
// Since when both are set.
type PullRequest struct {
	Since     string   `json:"since,omitempty"`
	AfterHash string   `json:"after_hash,omitempty"`
	Types     []string `json:"types,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// PullCursor names the resume point for the next pull.
type PullCursor struct {
	Since     string `json:"since,omitempty"`
	AfterHash string `json:"after_hash,omitempty"`
}

type PullResponse struct {
	Blocks  []foodblock.SignedBlock `json:"blocks"`
	Count   int                     `json:"count"`
	Cursor  PullCursor              `json:"cursor"`
	HasMore bool                    `json:"has_more"`
}

func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := BuildDiscovery(r.Context(), s.store, s.id)
	if err != nil {
		s.logger.Error("discovery build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "discovery unavailable")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) HandleHandshake(w http.ResponseWriter, r *http.Request) {
	var msg HandshakeMsg
	if err := decodeJSON(r.Body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid handshake body")
		return
	}
	if msg.PeerURL == "" || msg.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "handshake requires peer_url and public_key")
		return
	}
	if err := VerifyPayload(msg.PublicKey, msg.Payload, msg.Signature); err != nil {
		s.logger.Warn("handshake rejected", "peer", msg.PeerURL, "error", err)
		writeError(w, http.StatusForbidden, "handshake signature invalid")
		return
	}
	if u, ok := msg.Payload["url"].(string); ok && u != "" && u != msg.PeerURL {
		writeError(w, http.StatusBadRequest, "handshake payload url does not match peer_url")
		return
	}
	if v, ok := msg.Payload["version"].(string); ok && v != "" && !foodblock.CompatibleVersion(v) {
		writeError(w, http.StatusBadRequest, "incompatible peer protocol version "+v)
		return
	}

	err := s.store.UpsertPeer(r.Context(), store.Peer{
		URL:       msg.PeerURL,
		Name:      msg.PeerName,
		PublicKey: msg.PublicKey,
		Status:    "active",
	})
	if err != nil {
		s.logger.Error("peer upsert failed", "peer", msg.PeerURL, "error", err)
		writeError(w, http.StatusInternalServerError, "peer registration failed")
		return
	}
	s.logger.Info("peer registered", "peer", msg.PeerURL, "name", msg.PeerName)

	ack, err := s.id.handshake()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "acknowledgement signing failed")
		return
	}
	ack.Accepted = true
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) HandlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push body")
		return
	}
	if req.Signature != "" {
		pubHex := req.PublicKey
		if pubHex == "" {
			pubHex = s.peerKey(r, req.PeerURL)
		}
		hashes := make([]string, len(req.Blocks))
		for i, sb := range req.Blocks {
			hashes[i] = sb.FoodBlock.Hash
		}
		if err := VerifyPayload(pubHex, pushManifest(req.PeerURL, hashes), req.Signature); err != nil {
			s.logger.Warn("push rejected", "peer", req.PeerURL, "error", err)
			writeError(w, http.StatusForbidden, "push signature invalid")
			return
		}
	}

	// Insert recomputes every content hash and rejects mismatches, so a
	// tampered block fails item-by-item without sinking the batch.
	batch := store.BatchInsert(r.Context(), s.store, req.Blocks)
	if req.PeerURL != "" {
		if err := s.store.TouchPeer(r.Context(), req.PeerURL, nil); err != nil {
			s.logger.Warn("peer touch failed", "peer", req.PeerURL, "error", err)
		}
	}
	s.logger.Info("push received",
		"peer", req.PeerURL, "blocks", len(req.Blocks),
		"inserted", batch.Inserted, "exists", batch.Exists, "failed", batch.Failed)

	writeJSON(w, http.StatusOK, PushResult{
		Inserted: batch.Inserted,
		Skipped:  batch.Exists,
		Failed:   batch.Failed,
		Results:  batch.Items,
	})
}

func (s *Server) HandlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pull body")
		return
	}
	limit := clampPullLimit(req.Limit)

	cursor := store.Cursor{AfterHash: req.AfterHash, Types: req.Types, Limit: limit + 1}
	if req.Since != "" {
		since, err := parseTime(req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		cursor.Since = since
	}

	records, err := s.store.Pull(r.Context(), cursor)
	if err != nil {
		s.logger.Error("pull failed", "error", err)
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	resp := PullResponse{
		Blocks:  make([]foodblock.SignedBlock, len(records)),
		Count:   len(records),
		Cursor:  PullCursor{Since: req.Since, AfterHash: req.AfterHash},
		HasMore: hasMore,
	}
	for i, rec := range records {
		resp.Blocks[i] = rec.SignedRecord()
	}
	if n := len(records); n > 0 {
		resp.Cursor = PullCursor{
			Since:     records[n-1].CreatedAt.UTC().Format(time.RFC3339Nano),
			AfterHash: records[n-1].Block.Hash,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// peerKey resolves a known peer's handshake key for signature checks on
// pushes that do not repeat it.
func (s *Server) peerKey(r *http.Request, url string) string {
	if url == "" {
		return ""
	}
	peers, err := s.store.Peers(r.Context())
	if err != nil {
		return ""
	}
	for _, p := range peers {
		if p.URL == url {
			return p.PublicKey
		}
	}
	return ""
}

func clampPullLimit(limit int) int {
	if limit <= 0 {
		return DefaultPullLimit
	}
	if limit > MaxPullLimit {
		return MaxPullLimit
	}
	return limit
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// decodeJSON decodes with UseNumber so block state round-trips through the
// canonical encoder without float drift.
func decodeJSON(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
