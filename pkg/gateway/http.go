package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planrun/planrun/pkg/errors"
)

const defaultRequestTimeout = 15 * time.Second

// HTTPGateway talks JSON over HTTP to the execution-record service.
// Evidence payloads ride inline: encoding/json base64-encodes the byte
// slices, which satisfies the self-contained-record requirement.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// Option configures an HTTPGateway.
type Option func(*HTTPGateway)

// WithHTTPClient substitutes the underlying client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(g *HTTPGateway) { g.client = client }
}

// NewHTTPGateway creates a gateway client for the given base URL and bearer
// token.
func NewHTTPGateway(baseURL, token string, opts ...Option) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type createRequest struct {
	PlanID  string   `json:"planId"`
	CaseIDs []string `json:"caseIds"`
}

type createResponse struct {
	SessionID string `json:"sessionId"`
}

func (g *HTTPGateway) Create(ctx context.Context, planID string, caseIDs []string) (string, error) {
	body, err := json.Marshal(createRequest{PlanID: planID, CaseIDs: caseIDs})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "encode create request")
	}

	var resp createResponse
	if err := g.do(ctx, http.MethodPost, "/api/runs", body, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.New(errors.ErrCodeGatewayProtocol, "create returned an empty session id")
	}
	return resp.SessionID, nil
}

func (g *HTTPGateway) Update(ctx context.Context, sessionID string, patch Patch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode record patch")
	}
	return g.do(ctx, http.MethodPatch, "/api/runs/"+sessionID, body, nil)
}

func (g *HTTPGateway) Fetch(ctx context.Context, sessionID string) (*Record, error) {
	var record Record
	if err := g.do(ctx, http.MethodGet, "/api/runs/"+sessionID, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (g *HTTPGateway) Delete(ctx context.Context, sessionID string) error {
	return g.do(ctx, http.MethodDelete, "/api/runs/"+sessionID, nil, nil)
}

// do executes one request and maps the response onto the error taxonomy.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "build gateway request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if method == http.MethodPatch {
		// Lets the server collapse client retries of the same logical write.
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTransientNetwork,
			fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, errors.ErrCodeGatewayProtocol,
				fmt.Sprintf("decode %s %s response", method, path))
		}
		return nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return errors.New(errors.ErrCodeAlreadyDeleted,
			fmt.Sprintf("record not found: %s %s", method, path))

	case resp.StatusCode >= 500:
		return errors.New(errors.ErrCodeTransientNetwork,
			fmt.Sprintf("%s %s: server error %d", method, path, resp.StatusCode))

	default:
		return errors.New(errors.ErrCodeGatewayProtocol,
			fmt.Sprintf("%s %s: unexpected status %d", method, path, resp.StatusCode))
	}
}
