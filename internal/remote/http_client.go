package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"migranthub/internal/metrics"
	"migranthub/internal/models"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerProvisionalID  = "X-Provisional-Id"
	headerIfMatch        = "If-Match"
)

// HTTPClient talks to the MigrantHub backend's entity API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	apiExtra   string
	httpClient *http.Client
}

// NewHTTPClient constructs a client with baseURL, API key and extra header.
func NewHTTPClient(baseURL, apiKey, apiExtra string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

func (c *HTTPClient) entityURL(entityType models.EntityType, entityID string) string {
	endpoint := fmt.Sprintf("%s/api/v1/entities/%s", c.baseURL, url.PathEscape(string(entityType)))
	if entityID != "" {
		endpoint += "/" + url.PathEscape(entityID)
	}
	return endpoint
}

// Create posts a new entity. A 409 with code already_exists is reported as KindAlreadyExists.
func (c *HTTPClient) Create(ctx context.Context, req Request) (Result, error) {
	var res Result
	err := c.do(ctx, "create", http.MethodPost, c.entityURL(req.EntityType, ""), req, &res)
	return res, err
}

// Update patches an entity guarded by If-Match on the base version.
func (c *HTTPClient) Update(ctx context.Context, req Request) (Result, error) {
	res := Result{ID: req.EntityID}
	err := c.do(ctx, "update", http.MethodPatch, c.entityURL(req.EntityType, req.EntityID), req, &res)
	if res.ID == "" {
		res.ID = req.EntityID
	}
	return res, err
}

func (c *HTTPClient) Delete(ctx context.Context, req Request) error {
	return c.do(ctx, "delete", http.MethodDelete, c.entityURL(req.EntityType, req.EntityID), req, nil)
}

// Fetch reads the entity head. 404 and 410 report a missing entity rather than an error.
func (c *HTTPClient) Fetch(ctx context.Context, entityType models.EntityType, entityID string, sinceVersion int64) (State, error) {
	endpoint := c.entityURL(entityType, entityID) + "?since_version=" + strconv.FormatInt(sinceVersion, 10)
	var state State
	err := c.do(ctx, "fetch", http.MethodGet, endpoint, Request{}, &state)
	if err != nil {
		var re *Error
		if errors.As(err, &re) && (re.StatusCode == http.StatusNotFound || re.StatusCode == http.StatusGone) {
			return State{Exists: false}, nil
		}
		return State{}, err
	}
	state.Exists = !state.Deleted
	return state, nil
}

// Ping checks the backend's health endpoint.
func (c *HTTPClient) Ping(ctx context.Context, healthPath string) error {
	return c.do(ctx, "ping", http.MethodGet, c.baseURL+healthPath, Request{}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, httpMethod, endpoint string, req Request, out interface{}) error {
	started := time.Now()

	var body io.Reader
	if len(req.Payload) > 0 && httpMethod != http.MethodDelete && httpMethod != http.MethodGet {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(headerIdempotencyKey, req.IdempotencyKey)
	}
	if method == "create" && req.EntityID != "" {
		httpReq.Header.Set(headerProvisionalID, req.EntityID)
	}
	if method == "update" || method == "delete" {
		httpReq.Header.Set(headerIfMatch, strconv.FormatInt(req.BaseVersion, 10))
	}
	c.addHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.ObserveRemote(method, "network_error", started)
		return &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.ObserveRemote(method, strconv.Itoa(resp.StatusCode), started)
		return statusError(resp)
	}
	metrics.ObserveRemote(method, "ok", started)

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "undecodable response", Err: err}
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	msg := eb.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	kind := kindForStatus(resp.StatusCode)
	if eb.Code == string(KindAlreadyExists) {
		kind = KindAlreadyExists
	}
	return &Error{Kind: kind, StatusCode: resp.StatusCode, CanonicalID: eb.ID, Message: msg}
}

func (c *HTTPClient) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
}
