// Package apiclient is the HTTP plumbing shared by provider adapters:
// per-request timeouts, 429 retries honoring Retry-After, bounded response
// bodies, and normalization of failures into registry.ConnectionError.
package apiclient

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

	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	maxRetriesOn429       = 3
	maxRetryWait          = 30 * time.Second
	maxBodySize           = 8 << 20 // 8 MiB
	maxErrorMessageLen    = 300
	userAgent             = "billing-connectors/1.0"
)

// Options are shared by every adapter constructor.
type Options struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{}
}

func (o Options) timeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return DefaultRequestTimeout
}

type Client struct {
	Provider  string
	BaseURL   string
	HTTP      *http.Client
	Timeout   time.Duration
	Authorize func(*http.Request)
}

// New builds a client for one provider call site.
func New(provider, baseURL string, opts Options, authorize func(*http.Request)) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%s base URL is required", provider)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("%s base URL: %w", provider, err)
	}
	return &Client{
		Provider:  provider,
		BaseURL:   base,
		HTTP:      opts.httpClient(),
		Timeout:   opts.timeout(),
		Authorize: authorize,
	}, nil
}

type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Header      http.Header
	// Op labels the call in errors, e.g. "list customers".
	Op string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req, retrying on 429 up to three times. Non-2xx responses become
// *registry.ConnectionError with Auth set for 401 and 403.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	endpoint, err := c.endpoint(req.Path, req.Query)
	if err != nil {
		return Response{}, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetriesOn429; attempt++ {
		resp, err := c.once(ctx, method, endpoint, req)
		if err != nil {
			return Response{}, &registry.ConnectionError{Provider: c.Provider, Op: req.Op, Err: err}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = c.apiError(req.Op, endpoint, resp)
			if attempt == maxRetriesOn429 {
				break
			}
			wait, ok := RetryAfter(resp.Header.Get("Retry-After"))
			if !ok {
				wait = time.Duration(attempt+1) * time.Second
			}
			if err := Sleep(ctx, min(wait, maxRetryWait)); err != nil {
				return Response{}, &registry.ConnectionError{Provider: c.Provider, Op: req.Op, Err: err}
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp, c.apiError(req.Op, endpoint, resp)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = &registry.ConnectionError{Provider: c.Provider, Op: req.Op, Err: errors.New("request failed")}
	}
	return Response{}, lastErr
}

func (c *Client) once(ctx context.Context, method, endpoint string, req Request) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return Response{}, err
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if c.Authorize != nil {
		c.Authorize(httpReq)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// GetJSON issues a GET and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, out any) (http.Header, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Op: op})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.Header, &registry.ConnectionError{Provider: c.Provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return resp.Header, nil
}

// SendJSON encodes payload as the request body and decodes the response into out.
func (c *Client) SendJSON(ctx context.Context, op, method, path string, query url.Values, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", c.Provider, err)
	}
	resp, err := c.Do(ctx, Request{Method: method, Path: path, Query: query, Body: raw, ContentType: "application/json", Op: op})
	if err != nil {
		return err
	}
	return c.decode(op, resp, out)
}

// SendForm posts application/x-www-form-urlencoded data.
func (c *Client) SendForm(ctx context.Context, op, method, path string, form url.Values, out any) error {
	resp, err := c.Do(ctx, Request{
		Method:      method,
		Path:        path,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		Op:          op,
	})
	if err != nil {
		return err
	}
	return c.decode(op, resp, out)
}

func (c *Client) decode(op string, resp Response, out any) error {
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &registry.ConnectionError{Provider: c.Provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Absolute resolves an absolute URL returned by the provider (cursor links)
// against the client base, rejecting links to other hosts.
func (c *Client) Absolute(link string) (string, url.Values, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", nil, err
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", nil, err
	}
	if u.IsAbs() && !strings.EqualFold(u.Host, base.Host) {
		return "", nil, fmt.Errorf("%s pagination link points at %s", c.Provider, u.Host)
	}
	path := strings.TrimPrefix(u.Path, strings.TrimRight(base.Path, "/"))
	return path, u.Query(), nil
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func (c *Client) apiError(op, endpoint string, resp Response) error {
	status := resp.StatusCode
	msg := ExtractErrorMessage(resp.Body)
	details := errorDetails(endpoint, resp.Header)
	var err error
	switch {
	case msg != "" && details != "":
		err = fmt.Errorf("%s %s (%s)", http.StatusText(status), msg, details)
	case msg != "":
		err = fmt.Errorf("%s %s", http.StatusText(status), msg)
	case details != "":
		err = fmt.Errorf("%s (%s)", http.StatusText(status), details)
	default:
		err = errors.New(http.StatusText(status))
	}
	return &registry.ConnectionError{
		Provider:   c.Provider,
		Op:         op,
		StatusCode: status,
		Auth:       status == http.StatusUnauthorized || status == http.StatusForbidden,
		Err:        err,
	}
}

// ExtractErrorMessage pulls a human-readable message from common provider
// error envelopes, falling back to the collapsed body text.
func ExtractErrorMessage(body []byte) string {
	var payload struct {
		Errors  json.RawMessage `json:"errors"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Fault   struct {
			Error []struct {
				Message string `json:"Message"`
				Detail  string `json:"Detail"`
			} `json:"Error"`
		} `json:"Fault"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := rawMessage(payload.Error); msg != "" {
			return truncate(msg)
		}
		if msg := rawMessage(payload.Errors); msg != "" {
			return truncate(msg)
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return truncate(msg)
		}
		for _, e := range payload.Fault.Error {
			if msg := strings.TrimSpace(e.Message + " " + e.Detail); msg != "" {
				return truncate(msg)
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" || strings.HasPrefix(msg, "<!DOCTYPE html") || strings.HasPrefix(msg, "<html") {
		return ""
	}
	return truncate(strings.Join(strings.Fields(msg), " "))
}

// rawMessage handles the shapes providers use for "error"/"errors":
// a string, an object with a message, a list of either, or a map of lists.
func rawMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && strings.TrimSpace(obj.Message) != "" {
		return strings.TrimSpace(obj.Message)
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil {
		for _, item := range list {
			if msg := rawMessage(item); msg != "" {
				return msg
			}
		}
		return ""
	}
	var byField map[string][]string
	if json.Unmarshal(raw, &byField) == nil {
		for field, msgs := range byField {
			if len(msgs) > 0 {
				return field + " " + msgs[0]
			}
		}
	}
	return ""
}

func truncate(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen] + "…"
	}
	return msg
}

func errorDetails(reqURL string, h http.Header) string {
	var parts []string
	if v := safeURL(reqURL); v != "" {
		parts = append(parts, "url="+v)
	}
	if v := headerAny(h, "x-request-id", "request-id", "intuit_tid", "x-shopify-request-id"); v != "" {
		parts = append(parts, "request_id="+v)
	}
	if v := h.Get("Retry-After"); v != "" {
		parts = append(parts, "retry_after="+v)
	}
	return strings.Join(parts, ", ")
}

func headerAny(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// safeURL drops the query string, which may carry cursors or filters.
func safeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + u.Path
}

// RetryAfter parses a delta-seconds Retry-After header. Fractional values
// (Shopify sends "2.0") are accepted.
func RetryAfter(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if f, err := strconv.ParseFloat(header, 64); err == nil && f >= 0 {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
