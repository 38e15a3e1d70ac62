package driftsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// RemoteGateway is the abstract remote source of truth. Implementations must
// honor the idempotency key carried on each action so retried pushes of the
// same logical action are deduplicated server-side.
type RemoteGateway interface {
	// FetchChanges returns entities changed since the given cursor and the
	// cursor of the returned change set.
	FetchChanges(ctx context.Context, since Cursor) ([]*Entity, Cursor, error)

	// PushChanges applies actions remotely and echoes the canonical
	// post-write entity state, which the engine uses to distinguish its own
	// writes from independent remote edits during merge.
	PushChanges(ctx context.Context, actions []*QueuedAction) ([]*Entity, error)
}

// HTTPGateway implements RemoteGateway against a JSON-over-HTTP endpoint:
// POST {endpoint}/changes for pushes, GET {endpoint}/changes?since=N for
// pulls. Push bodies are optionally snappy-encoded.
type HTTPGateway struct {
	endpoint string
	auth     *GatewayAuth
	compress bool
	client   *http.Client
}

// NewHTTPGateway creates an HTTP gateway from config.
func NewHTTPGateway(cfg GatewayConfig) (*HTTPGateway, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		endpoint: cfg.Endpoint,
		auth:     cfg.Auth,
		compress: cfg.Compress,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

var _ RemoteGateway = (*HTTPGateway)(nil)

type pushRequest struct {
	Actions []*QueuedAction `json:"actions"`
}

type pushResponse struct {
	Entities []*Entity `json:"entities"`
}

type fetchResponse struct {
	Entities []*Entity `json:"entities"`
	Cursor   Cursor    `json:"cursor"`
}

func (g *HTTPGateway) PushChanges(ctx context.Context, actions []*QueuedAction) ([]*Entity, error) {
	body, err := json.Marshal(pushRequest{Actions: actions})
	if err != nil {
		return nil, newSyncError(SyncErrorTypeValidation, "encode push request", "", "", err)
	}

	contentEncoding := ""
	if g.compress {
		body = snappy.Encode(nil, body)
		contentEncoding = "snappy"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/changes", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}
	// Batch-level key; each action also carries its own persistent key.
	req.Header.Set("X-Idempotency-Key", uuid.NewString())
	g.applyAuth(req)

	resp, err := g.client.Do(req)
	if err != nil {
		// Timeouts and connection failures enter the backoff path.
		return nil, newSyncError(SyncErrorTypeTransient, "push changes", "", "", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, newSyncError(SyncErrorTypeTransient, "decode push response", "", "", err)
	}
	return pr.Entities, nil
}

func (g *HTTPGateway) FetchChanges(ctx context.Context, since Cursor) ([]*Entity, Cursor, error) {
	url := fmt.Sprintf("%s/changes?since=%d", g.endpoint, int64(since))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	g.applyAuth(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, newSyncError(SyncErrorTypeTransient, "fetch changes", "", "", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, 0, err
	}

	var fr fetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, 0, newSyncError(SyncErrorTypeTransient, "decode fetch response", "", "", err)
	}
	return fr.Entities, fr.Cursor, nil
}

func (g *HTTPGateway) applyAuth(req *http.Request) {
	if g.auth == nil {
		return
	}
	switch g.auth.Type {
	case "api_key":
		req.Header.Set("X-API-Key", g.auth.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+g.auth.BearerToken)
	case "basic":
		req.SetBasicAuth(g.auth.Username, g.auth.Password)
	}
}

// classifyStatus maps HTTP status codes onto the sync error taxonomy:
// 4xx (except 408/429) is a validation rejection and never retried; anything
// else unhealthy is transient.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return newSyncError(SyncErrorTypeTransient, msg, "", "", nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return newSyncError(SyncErrorTypeValidation, msg, "", "", nil)
	default:
		return newSyncError(SyncErrorTypeTransient, msg, "", "", nil)
	}
}
