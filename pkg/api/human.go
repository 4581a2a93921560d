package api

import (
	"net/http"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// The human-interface endpoints are pure projections over stored blocks and
// parser input; none of them write state.

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash":        hash,
		"type":        rec.Block.Type,
		"explanation": foodblock.Explain(rec.Block),
	})
}

func (s *Server) handleParseFBN(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FBN string `json:"fbn"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := foodblock.ParseFBN(req.FBN)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": b})
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	fbn, err := foodblock.Format(rec.Block)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hash": hash, "fbn": fbn})
}

// handleResolveURI turns an fb:// or web+foodblock:// URI into the block it
// names.
func (s *Server) handleResolveURI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hash, err := foodblock.FromURI(req.URI)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.store.Get(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleURI(w http.ResponseWriter, r *http.Request) {
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(r.Context(), hash); err != nil {
		s.fail(w, err)
		return
	}
	uri, err := foodblock.ToURI(hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hash": hash,
		"uri":  uri,
		"web":  foodblock.WebURIScheme + "://" + hash,
	})
}
