package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"lifeline/internal/logging"
)

// maxResponseBody bounds how much of a response is buffered.
var maxResponseBody int64 = 8 << 20

// RequestOptions describes a mutating request well enough to replay it later.
// It is persisted as JSON alongside the URL.
type RequestOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Response is a buffered transport response; Body may be read any number of
// times. Truncated is set when the server sent more than maxResponseBody.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Transport performs one network attempt. An error means the request never
// got an HTTP answer.
type Transport interface {
	Do(ctx context.Context, url string, opts RequestOptions) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, url string, opts RequestOptions) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	return f(ctx, url, opts)
}

// HTTPTransport is the net/http Transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport whose requests time out after timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// NewHTTPTransportWithClient wraps an existing client.
func NewHTTPTransportWithClient(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	truncated := int64(len(data)) > maxResponseBody
	if truncated {
		data = data[:maxResponseBody]
		logging.QueueWarn("%s %s: response body truncated at %d bytes", method, url, maxResponseBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Truncated:  truncated,
	}, nil
}
