package api

import (
	"net/http"
	"sort"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/schema"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

type schemaInfo struct {
	AppliesTo string `json:"applies_to"`
	Source    string `json:"source"`
}

// handleTypes lists every type governed by an advisory schema: published
// observe.schema heads first, then the builtin shells not yet republished as
// blocks.
func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	page, err := s.store.Query(r.Context(), store.Query{
		Type:      "observe.schema",
		HeadsOnly: true,
		Limit:     maxPageLimit,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	seen := make(map[string]bool)
	var out []schemaInfo
	for _, rec := range page.Records {
		appliesTo, _ := rec.Block.State["applies_to"].(string)
		if appliesTo == "" || seen[appliesTo] {
			continue
		}
		seen[appliesTo] = true
		out = append(out, schemaInfo{AppliesTo: appliesTo, Source: rec.Block.Hash})
	}
	for _, t := range schema.BuiltinTypes() {
		if !seen[t] {
			out = append(out, schemaInfo{AppliesTo: t, Source: "builtin:" + t})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliesTo < out[j].AppliesTo })

	writeJSON(w, http.StatusOK, map[string]any{"types": out, "count": len(out)})
}

func (s *Server) handleTypeSchema(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "schema validation disabled")
		return
	}
	typ := r.PathValue("type")
	if err := foodblock.ValidateType(typ); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	doc, source := s.validator.SchemaFor(r.Context(), typ)
	if doc == nil {
		writeError(w, http.StatusNotFound, "no schema governs "+typ)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     typ,
		"schema":   doc,
		"source":   source,
		"advisory": true,
	})
}

// handleValidate checks a state document against the advisory schema for a
// type. The body is the state itself; the answer is always 200 because
// schema failure is advice, not rejection.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		writeError(w, http.StatusServiceUnavailable, "schema validation disabled")
		return
	}
	typ := r.PathValue("type")
	if err := foodblock.ValidateType(typ); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state map[string]any
	if !decodeJSON(w, r, &state) {
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(r.Context(), typ, state))
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if s.scorer == nil {
		writeError(w, http.StatusServiceUnavailable, "trust scoring disabled")
		return
	}
	hash, ok := pathHash(w, r)
	if !ok {
		return
	}
	score, err := s.scorer.ScoreActor(r.Context(), hash)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}
