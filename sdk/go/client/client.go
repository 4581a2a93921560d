// Package client is a typed Go client for the FoodBlock node API. It covers
// the block lifecycle, the query surface, the human-interface projections,
// and agent enrollment; transport is net/http and encoding/json only, with
// block authoring delegated to pkg/foodblock so hashes and signatures are
// computed locally.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

// APIError is returned when the node responds with a non-2xx status. Message
// carries the {"error": ...} body when one was present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("foodblock api %d: %s", e.Status, e.Message)
}

// Client talks to one FoodBlock node.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a client for the node at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Info calls GET / for the node's discovery document.
func (c *Client) Info(ctx context.Context) (*NodeInfo, error) {
	var out NodeInfo
	err := c.do(ctx, http.MethodGet, "/", nil, &out)
	return &out, err
}

// Create builds an unsigned block locally and submits it. The node recomputes
// and checks the hash, so what comes back is exactly what was sent.
func (c *Client) Create(ctx context.Context, typ string, state, refs map[string]any) (*InsertResult, error) {
	b, err := foodblock.Create(typ, state, refs)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, foodblock.SignedBlock{FoodBlock: b, ProtocolVersion: foodblock.ProtocolVersion})
}

// Submit posts a prepared block, signed or not, to POST /blocks.
func (c *Client) Submit(ctx context.Context, sb foodblock.SignedBlock) (*InsertResult, error) {
	var out InsertResult
	err := c.do(ctx, http.MethodPost, "/blocks", sb, &out)
	return &out, err
}

// Get fetches one block by hash.
func (c *Client) Get(ctx context.Context, hash string) (*Record, error) {
	var out Record
	err := c.do(ctx, http.MethodGet, "/blocks/"+url.PathEscape(hash), nil, &out)
	return &out, err
}

// Tombstone marks a block deleted. The graph keeps the original; readers see
// the tombstone as the chain head.
func (c *Client) Tombstone(ctx context.Context, hash, requestedBy string) (*Tombstoned, error) {
	path := "/blocks/" + url.PathEscape(hash)
	if requestedBy != "" {
		path += "?requested_by=" + url.QueryEscape(requestedBy)
	}
	var out Tombstoned
	err := c.do(ctx, http.MethodDelete, path, nil, &out)
	return &out, err
}

// Batch posts up to 100 blocks in one call. Ordering inside the batch does
// not matter; blocks that depend on other batch members still land.
func (c *Client) Batch(ctx context.Context, blocks []foodblock.SignedBlock) (*BatchOutcome, error) {
	var out BatchOutcome
	err := c.do(ctx, http.MethodPost, "/blocks/batch", map[string]any{"blocks": blocks}, &out)
	return &out, err
}

// FB submits one FoodBlock Notation sentence and returns the blocks it
// produced along with their insert outcomes.
func (c *Client) FB(ctx context.Context, text string) (*FBOutcome, error) {
	var out FBOutcome
	err := c.do(ctx, http.MethodPost, "/fb", map[string]string{"text": text}, &out)
	return &out, err
}

// ListOptions filter GET /blocks. A Type of "substance" matches subtypes like
// "substance.lot" as well.
type ListOptions struct {
	Type     string
	Ref      string
	RefValue string
	Limit    int
	Offset   int
}

// List pages through blocks, newest first, every version included.
func (c *Client) List(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	setIfSet(q, "type", opts.Type)
	setIfSet(q, "ref", opts.Ref)
	setIfSet(q, "ref_value", opts.RefValue)
	setPositive(q, "limit", opts.Limit)
	setPositive(q, "offset", opts.Offset)
	var out Page
	err := c.do(ctx, http.MethodGet, "/blocks"+encode(q), nil, &out)
	return &out, err
}

// FindOptions compose the GET /find search. Filters AND together. State
// matches only the indexed fields (status, name, category, lot_id, currency,
// origin, unit); anything else is ignored by the node.
type FindOptions struct {
	Type        string
	Ref         string
	RefValue    string
	Author      string
	State       map[string]string
	AllVersions bool
	Sort        string // "newest" or "oldest"
	After       time.Time
	Before      time.Time
	Limit       int
	Offset      int
}

// Find runs the composable search, heads-only unless AllVersions is set.
func (c *Client) Find(ctx context.Context, opts FindOptions) (*Page, error) {
	q := url.Values{}
	setIfSet(q, "type", opts.Type)
	setIfSet(q, "ref", opts.Ref)
	setIfSet(q, "ref_value", opts.RefValue)
	setIfSet(q, "author", opts.Author)
	setIfSet(q, "sort", opts.Sort)
	if opts.AllVersions {
		q.Set("heads", "false")
	}
	if !opts.After.IsZero() {
		q.Set("after", opts.After.Format(time.RFC3339))
	}
	if !opts.Before.IsZero() {
		q.Set("before", opts.Before.Format(time.RFC3339))
	}
	for field, val := range opts.State {
		q.Set("state."+field, val)
	}
	setPositive(q, "limit", opts.Limit)
	setPositive(q, "offset", opts.Offset)
	var out Page
	err := c.do(ctx, http.MethodGet, "/find"+encode(q), nil, &out)
	return &out, err
}

// Heads lists current chain heads, optionally filtered by type.
func (c *Client) Heads(ctx context.Context, typ string) ([]Record, error) {
	q := url.Values{}
	setIfSet(q, "type", typ)
	var out struct {
		Heads []Record `json:"heads"`
	}
	err := c.do(ctx, http.MethodGet, "/heads"+encode(q), nil, &out)
	return out.Heads, err
}

// Chain walks an update history backward from any version, newest first.
// depth 0 uses the node's default.
func (c *Client) Chain(ctx context.Context, hash string, depth int) (*Chain, error) {
	q := url.Values{}
	setPositive(q, "depth", depth)
	var out Chain
	err := c.do(ctx, http.MethodGet, "/chain/"+url.PathEscape(hash)+encode(q), nil, &out)
	return &out, err
}

// Verify re-checks a stored block's signature against the author's published
// key.
func (c *Client) Verify(ctx context.Context, hash string) (*VerifyResult, error) {
	var out VerifyResult
	err := c.do(ctx, http.MethodGet, "/verify/"+url.PathEscape(hash), nil, &out)
	return &out, err
}

// Explain renders one block as a sentence.
func (c *Client) Explain(ctx context.Context, hash string) (*Explanation, error) {
	var out Explanation
	err := c.do(ctx, http.MethodGet, "/explain/"+url.PathEscape(hash), nil, &out)
	return &out, err
}

// Types lists every type governed by an advisory schema.
func (c *Client) Types(ctx context.Context) ([]TypeInfo, error) {
	var out struct {
		Types []TypeInfo `json:"types"`
	}
	err := c.do(ctx, http.MethodGet, "/types", nil, &out)
	return out.Types, err
}

// Validate checks a candidate state against the schema governing typ. The
// check is advisory; a failing state can still be inserted.
func (c *Client) Validate(ctx context.Context, typ string, state map[string]any) (*ValidationResult, error) {
	var out ValidationResult
	err := c.do(ctx, http.MethodPost, "/types/"+url.PathEscape(typ), state, &out)
	return &out, err
}

// Trust computes the evidence-based score for an actor block.
func (c *Client) Trust(ctx context.Context, actorHash string) (*TrustScore, error) {
	var out TrustScore
	err := c.do(ctx, http.MethodGet, "/trust/"+url.PathEscape(actorHash), nil, &out)
	return &out, err
}

// EnrollRequest registers an agent. Settings land in the agent block's state
// (capabilities, max_amount, rate_limit_per_hour, auto_approve_under).
type EnrollRequest struct {
	Name               string         `json:"name"`
	OperatorHash       string         `json:"operator_hash,omitempty"`
	OperatorPrivateKey string         `json:"operator_private_key,omitempty"`
	Settings           map[string]any `json:"settings,omitempty"`
}

// EnrollAgent registers an agent and returns its block plus the private key
// seed. The key comes back exactly once; store it.
func (c *Client) EnrollAgent(ctx context.Context, req EnrollRequest) (*Enrollment, error) {
	var out Enrollment
	err := c.do(ctx, http.MethodPost, "/agents/enroll", req, &out)
	return &out, err
}

// DraftStatus reports where a draft block sits in its approval lifecycle.
func (c *Client) DraftStatus(ctx context.Context, hash string) (*DraftStatus, error) {
	var out DraftStatus
	err := c.do(ctx, http.MethodGet, "/drafts/"+url.PathEscape(hash), nil, &out)
	return &out, err
}

func setIfSet(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

func setPositive(q url.Values, key string, val int) {
	if val > 0 {
		q.Set(key, strconv.Itoa(val))
	}
}

func encode(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
