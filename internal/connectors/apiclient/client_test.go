package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orionX123/billing/internal/connectors/registry"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, rt roundTripperFunc) *Client {
	t.Helper()
	c, err := New("acme", "https://api.example.test/v1", Options{HTTPClient: &http.Client{Transport: rt}}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer token")
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func jsonResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", "application/json")
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func TestClientGetJSON(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotQuery string
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		return jsonResponse(http.StatusOK, `{"id":"c1"}`, nil), nil
	})

	var out struct {
		ID string `json:"id"`
	}
	if _, err := c.GetJSON(context.Background(), "get customer", "customers/c1", url.Values{"expand": {"x"}}, &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out.ID != "c1" {
		t.Fatalf("id = %q", out.ID)
	}
	if gotPath != "/v1/customers/c1" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotQuery != "expand=x" {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestClientClassifiesAuthFailures(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(*http.Request) (*http.Response, error) {
			return jsonResponse(status, `{"error":{"message":"Invalid API Key provided"}}`, nil), nil
		})
		_, err := c.GetJSON(context.Background(), "probe", "/me", nil, nil)
		var ce *registry.ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("status %d: error = %T, want *registry.ConnectionError", status, err)
		}
		if !ce.Auth || ce.StatusCode != status {
			t.Fatalf("status %d: auth=%v code=%d", status, ce.Auth, ce.StatusCode)
		}
		if !strings.Contains(err.Error(), "Invalid API Key provided") {
			t.Fatalf("error %q missing provider message", err.Error())
		}
	}
}

func TestClientServerErrorIsNotAuth(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		h := http.Header{}
		h.Set("X-Request-Id", "req-9")
		return jsonResponse(http.StatusBadGateway, `<html>bad gateway</html>`, h), nil
	})
	_, err := c.GetJSON(context.Background(), "list", "/items", url.Values{"cursor": {"secret"}}, nil)
	var ce *registry.ConnectionError
	if !errors.As(err, &ce) || ce.Auth || ce.StatusCode != http.StatusBadGateway {
		t.Fatalf("error = %#v", err)
	}
	if !strings.Contains(err.Error(), "request_id=req-9") {
		t.Fatalf("error %q missing request id", err.Error())
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error %q leaks query string", err.Error())
	}
}

func TestClientRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			h := http.Header{}
			h.Set("Retry-After", "0")
			return jsonResponse(http.StatusTooManyRequests, `{"errors":"Exceeded 2 calls per second"}`, h), nil
		}
		return jsonResponse(http.StatusOK, `{}`, nil), nil
	})

	if _, err := c.GetJSON(context.Background(), "list", "/items", nil, nil); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestClientGivesUpAfterRepeated429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		h := http.Header{}
		h.Set("Retry-After", "0")
		return jsonResponse(http.StatusTooManyRequests, `{}`, h), nil
	})

	_, err := c.GetJSON(context.Background(), "list", "/items", nil, nil)
	var ce *registry.ConnectionError
	if !errors.As(err, &ce) || ce.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v", err)
	}
	if got := calls.Load(); got != maxRetriesOn429+1 {
		t.Fatalf("calls = %d, want %d", got, maxRetriesOn429+1)
	}
}

func TestClientTransportErrorIsConnectionError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	_, err := c.GetJSON(context.Background(), "probe", "/", nil, nil)
	var ce *registry.ConnectionError
	if !errors.As(err, &ce) || ce.StatusCode != 0 || ce.Auth {
		t.Fatalf("error = %#v", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})
	c.Timeout = 10 * time.Millisecond

	_, err := c.GetJSON(context.Background(), "probe", "/", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if registry.ErrorKind(err) != registry.SyncErrorKindTimeout {
		t.Fatalf("kind = %q", registry.ErrorKind(err))
	}
}

func TestClientSendForm(t *testing.T) {
	t.Parallel()

	var gotBody, gotType string
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotType = r.Header.Get("Content-Type")
		return jsonResponse(http.StatusOK, `{"id":"cus_1"}`, nil), nil
	})

	var out struct {
		ID string `json:"id"`
	}
	if err := c.SendForm(context.Background(), "create", http.MethodPost, "/customers", url.Values{"email": {"a@b.c"}}, &out); err != nil {
		t.Fatalf("SendForm() error = %v", err)
	}
	if gotBody != "email=a%40b.c" || gotType != "application/x-www-form-urlencoded" {
		t.Fatalf("body=%q type=%q", gotBody, gotType)
	}
	if out.ID != "cus_1" {
		t.Fatalf("id = %q", out.ID)
	}
}

func TestClientAbsoluteRejectsForeignHost(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(*http.Request) (*http.Response, error) { return nil, nil })

	path, q, err := c.Absolute("https://api.example.test/v1/items?page_info=abc")
	if err != nil {
		t.Fatalf("Absolute() error = %v", err)
	}
	if path != "/items" || q.Get("page_info") != "abc" {
		t.Fatalf("path=%q query=%v", path, q)
	}
	if _, _, err := c.Absolute("https://evil.test/items"); err == nil {
		t.Fatalf("expected foreign host to be rejected")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{in: "", ok: false},
		{in: "3", want: 3 * time.Second, ok: true},
		{in: "2.0", want: 2 * time.Second, ok: true},
		{in: "soon", ok: false},
	}
	for _, tt := range tests {
		got, ok := RetryAfter(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("RetryAfter(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "stripe", body: `{"error":{"message":"No such customer"}}`, want: "No such customer"},
		{name: "shopify string", body: `{"errors":"Not Found"}`, want: "Not Found"},
		{name: "shopify fields", body: `{"errors":{"email":["is invalid"]}}`, want: "email is invalid"},
		{name: "quickbooks", body: `{"Fault":{"Error":[{"Message":"Object Not Found","Detail":"id 9"}]}}`, want: "Object Not Found id 9"},
		{name: "plain", body: "upstream   timed out", want: "upstream timed out"},
		{name: "html", body: "<html>oops</html>", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractErrorMessage([]byte(tt.body)); got != tt.want {
				t.Fatalf("ExtractErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
