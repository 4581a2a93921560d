package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
)

const defaultPeerTimeout = 15 * time.Second

// PeerError is a non-2xx response from a peer, carrying the status so callers
// can tell a full queue from a broken peer.
type PeerError struct {
	URL     string
	Status  int
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer %s: %d %s", e.URL, e.Status, e.Message)
}

// Client talks to one remote FoodBlock server. Push and pull retry with
// exponential backoff on transport failures and 5xx responses.
type Client struct {
	BaseURL string

	hc      *http.Client
	id      *Identity
	logger  *slog.Logger
	retries int
}

// NewClient binds a peer base URL to this server's federation identity. A nil
// identity sends unsigned pushes.
func NewClient(baseURL string, id *Identity, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: defaultPeerTimeout},
		id:      id,
		logger:  logger.With("component", "federation"),
		retries: 2,
	}
}

// Discover fetches and verifies the peer's discovery document.
func (c *Client) Discover(ctx context.Context) (Discovery, error) {
	var doc Discovery
	if err := c.do(ctx, http.MethodGet, WellKnownPath, nil, &doc); err != nil {
		return Discovery{}, err
	}
	if doc.Protocol != "foodblock" {
		return Discovery{}, fmt.Errorf("peer %s speaks %q, not foodblock", c.BaseURL, doc.Protocol)
	}
	if !foodblock.CompatibleVersion(doc.Version) {
		return Discovery{}, fmt.Errorf("peer %s protocol version %q is incompatible", c.BaseURL, doc.Version)
	}
	if err := doc.VerifySignature(); err != nil {
		return Discovery{}, fmt.Errorf("peer %s discovery: %w", c.BaseURL, err)
	}
	return doc, nil
}

// Handshake registers this server with the peer and verifies the signed
// acknowledgement. The returned message carries the peer's identity for the
// peers table.
func (c *Client) Handshake(ctx context.Context) (HandshakeMsg, error) {
	if c.id == nil {
		return HandshakeMsg{}, errors.New("handshake requires a federation identity")
	}
	msg, err := c.id.handshake()
	if err != nil {
		return HandshakeMsg{}, err
	}
	var ack HandshakeMsg
	if err := c.do(ctx, http.MethodPost, WellKnownPath+"/handshake", msg, &ack); err != nil {
		return HandshakeMsg{}, err
	}
	if err := VerifyPayload(ack.PublicKey, ack.Payload, ack.Signature); err != nil {
		return HandshakeMsg{}, fmt.Errorf("peer %s acknowledgement: %w", c.BaseURL, err)
	}
	return ack, nil
}

// Push sends blocks to the peer, signing the batch manifest when an identity
// is configured.
func (c *Client) Push(ctx context.Context, blocks []foodblock.SignedBlock) (PushResult, error) {
	req := PushRequest{Blocks: blocks}
	if c.id != nil {
		hashes := make([]string, len(blocks))
		for i, sb := range blocks {
			hashes[i] = sb.FoodBlock.Hash
		}
		sig, err := c.id.SignPayload(pushManifest(c.id.URL, hashes))
		if err != nil {
			return PushResult{}, err
		}
		req.PeerURL = c.id.URL
		req.PublicKey = c.id.PublicKeyHex()
		req.Signature = sig
	}

	var out PushResult
	err := c.withRetry(ctx, "push", func() error {
		return c.do(ctx, http.MethodPost, WellKnownPath+"/push", req, &out)
	})
	return out, err
}

// Pull fetches a page of blocks from the peer's cursor.
func (c *Client) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	var out PullResponse
	err := c.withRetry(ctx, "pull", func() error {
		return c.do(ctx, http.MethodPost, WellKnownPath+"/pull", req, &out)
	})
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		perr := &PeerError{URL: c.BaseURL, Status: resp.StatusCode, Message: "unknown error"}
		var envelope struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			perr.Message = envelope.Error
		}
		return perr
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		return dec.Decode(out)
	}
	return nil
}

// withRetry repeats fn with exponential backoff and jitter. Client-side
// rejections (4xx) are final; only transport errors and 5xx retry.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt >= c.retries || !retryable(err) {
			return err
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
		if n, jerr := rand.Int(rand.Reader, big.NewInt(100)); jerr == nil {
			backoff += time.Duration(n.Int64()) * time.Millisecond
		}
		c.logger.Warn("peer call failed, retrying",
			"op", op, "peer", c.BaseURL, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func retryable(err error) bool {
	var perr *PeerError
	if errors.As(err, &perr) {
		return perr.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
