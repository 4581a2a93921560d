// Package schema validates block state against advisory JSON Schemas.
// Schemas are published as observe.schema blocks naming the type they apply
// to; built-in shells cover the base types. Validation never gates insertion.
package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// Result is what the validation endpoint returns. Advisory is always true:
// failing a schema is advice for authoring tools, not a rejection.
type Result struct {
	Valid    bool     `json:"valid"`
	Advisory bool     `json:"advisory"`
	Schema   string   `json:"schema,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

const maxReportedErrors = 10

type Validator struct {
	store  store.Store
	logger *slog.Logger

	builtin map[string]*jsonschema.Schema

	// compiled caches schemas from observe.schema blocks by block hash, so
	// re-publishing a schema under a new block naturally invalidates.
	compiled *lru.Cache
}

func NewValidator(s store.Store, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New(128)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		store:    s,
		logger:   logger.With("component", "schema"),
		builtin:  make(map[string]*jsonschema.Schema),
		compiled: cache,
	}
	for name, src := range builtinSchemas {
		sch, err := compileSchema("builtin/"+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile builtin schema %s: %w", name, err)
		}
		v.builtin[name] = sch
	}
	return v, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://foodblock.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Validate checks state against the most specific schema for typ: an
// observe.schema block for the exact type, then for each dotted parent,
// then the builtin for the base type. No schema at all means valid.
func (v *Validator) Validate(ctx context.Context, typ string, state map[string]any) Result {
	sch, source := v.resolve(ctx, typ)
	if sch == nil {
		return Result{Valid: true, Advisory: true}
	}

	err := sch.Validate(anyState(state))
	if err == nil {
		return Result{Valid: true, Advisory: true, Schema: source}
	}

	res := Result{Advisory: true, Schema: source}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		for _, be := range verr.BasicOutput().Errors {
			if be.Error == "" || strings.HasPrefix(be.Error, "doesn't validate with") {
				continue
			}
			loc := be.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", loc, be.Error))
			if len(res.Errors) >= maxReportedErrors {
				break
			}
		}
	}
	if len(res.Errors) == 0 {
		res.Errors = append(res.Errors, err.Error())
	}
	return res
}

// anyState keeps nil maps validating as empty objects.
func anyState(state map[string]any) any {
	if state == nil {
		return map[string]any{}
	}
	return state
}

// resolve walks typ and its dotted parents looking for a published schema,
// then falls back to the builtin for the first segment.
func (v *Validator) resolve(ctx context.Context, typ string) (*jsonschema.Schema, string) {
	for candidate := typ; candidate != ""; candidate = parentType(candidate) {
		if sch, hash := v.published(ctx, candidate); sch != nil {
			return sch, hash
		}
	}
	base := typ
	if i := strings.IndexByte(typ, '.'); i >= 0 {
		base = typ[:i]
	}
	sch := v.builtin[base]
	if sch == nil {
		return nil, ""
	}
	return sch, "builtin:" + base
}

func parentType(typ string) string {
	i := strings.LastIndexByte(typ, '.')
	if i < 0 {
		return ""
	}
	return typ[:i]
}

// SchemaFor returns the raw schema document governing typ and its source:
// the publishing block's hash, or "builtin:<base>" for a shipped shell. A
// nil document means nothing governs the type.
func (v *Validator) SchemaFor(ctx context.Context, typ string) (map[string]any, string) {
	for candidate := typ; candidate != ""; candidate = parentType(candidate) {
		page, err := v.store.Query(ctx, store.Query{
			Type:        "observe.schema",
			HeadsOnly:   true,
			StateEquals: map[string]string{"applies_to": candidate},
			Limit:       1,
		})
		if err != nil || len(page.Records) == 0 {
			continue
		}
		if doc, ok := page.Records[0].Block.State["schema"].(map[string]any); ok {
			return doc, page.Records[0].Block.Hash
		}
	}

	base := typ
	if i := strings.IndexByte(typ, '.'); i >= 0 {
		base = typ[:i]
	}
	src, ok := builtinSchemas[base]
	if !ok {
		return nil, ""
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		return nil, ""
	}
	return doc, "builtin:" + base
}

func (v *Validator) published(ctx context.Context, typ string) (*jsonschema.Schema, string) {
	page, err := v.store.Query(ctx, store.Query{
		Type:        "observe.schema",
		HeadsOnly:   true,
		StateEquals: map[string]string{"applies_to": typ},
		Limit:       1,
	})
	if err != nil || len(page.Records) == 0 {
		return nil, ""
	}
	rec := page.Records[0]

	if cached, ok := v.compiled.Get(rec.Block.Hash); ok {
		return cached.(*jsonschema.Schema), rec.Block.Hash
	}

	raw, ok := rec.Block.State["schema"]
	if !ok {
		return nil, ""
	}
	src, err := marshalSchema(raw)
	if err != nil {
		v.logger.Warn("unusable published schema", "block", rec.Block.Hash, "error", err)
		return nil, ""
	}
	sch, err := compileSchema("published/"+rec.Block.Hash, src)
	if err != nil {
		v.logger.Warn("published schema does not compile", "block", rec.Block.Hash, "error", err)
		return nil, ""
	}
	v.compiled.Add(rec.Block.Hash, sch)
	return sch, rec.Block.Hash
}
