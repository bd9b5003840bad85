package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/juju/errors"

	"seqkv/internal/contract"
	"seqkv/internal/sequence"
)

// ErrNotFound matches 404 responses: unknown method, field or route.
const ErrNotFound = errors.ConstError("not found")

// APIError surfaces non-2xx responses from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Is lets callers test responses against the server-side sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case contract.ErrInvalidArguments:
		return e.StatusCode == http.StatusBadRequest
	case sequence.ErrIndexOutOfRange:
		return e.StatusCode == http.StatusUnprocessableEntity
	case sequence.ErrEmptyContainer:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Client talks to the HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Health returns nil when the server answers the health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Methods lists the server's dispatch table.
func (c *Client) Methods(ctx context.Context) ([]MethodInfo, error) {
	var out []MethodInfo
	if err := c.do(ctx, http.MethodGet, "/v1/methods", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invoke calls method on instance with args encoded as a JSON object and
// returns the raw JSON result.
func (c *Client) Invoke(ctx context.Context, instance, method string, args any) (json.RawMessage, error) {
	var body []byte
	if args != nil {
		var err error
		if body, err = json.Marshal(args); err != nil {
			return nil, errors.Annotate(err, "encoding arguments")
		}
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	path := "/v1/contracts/" + url.PathEscape(instance) + "/invoke/" + url.PathEscape(method)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// ReadField pages through a persisted field. A zero limit returns everything
// after offset.
func (c *Client) ReadField(ctx context.Context, instance, field string, offset, limit uint64) (FieldPage, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.FormatUint(offset, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.FormatUint(limit, 10))
	}
	path := "/v1/contracts/" + url.PathEscape(instance) + "/fields/" + url.PathEscape(field)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page FieldPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return FieldPage{}, err
	}
	return page, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotate(err, "reading response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Annotatef(err, "decoding %s %s response", method, path)
	}
	return nil
}

func newAPIError(status int, body []byte) error {
	var e ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		e.Message = string(bytes.TrimSpace(body))
	}
	return &APIError{StatusCode: status, Message: e.Message}
}
