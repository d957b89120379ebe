package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxResponseSize bounds a fetched script body.
const DefaultMaxResponseSize = 1024 * 1024

// RequestData is a single script fetch.
type RequestData struct {
	Method  string
	URI     string
	Headers http.Header
}

// ResponseData is the raw fetch response.
type ResponseData struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Transport performs script fetches.
type Transport interface {
	Do(ctx context.Context, req *RequestData) (*ResponseData, error)
}

// HTTPTransport implements Transport over net/http
type HTTPTransport struct {
	client  *http.Client
	maxSize int64
}

// NewHTTPTransport creates a transport. A nil client gets one with the given
// timeout; maxSize <= 0 uses DefaultMaxResponseSize.
func NewHTTPTransport(client *http.Client, timeout time.Duration, maxSize int64) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}
	return &HTTPTransport{client: client, maxSize: maxSize}
}

// Do executes the request, reading at most maxSize bytes of body
func (t *HTTPTransport) Do(ctx context.Context, req *RequestData) (*ResponseData, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URI, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header[k] = v
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the limit to detect oversized scripts
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxSize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if int64(len(body)) > t.maxSize {
		return nil, fmt.Errorf("response too large: exceeded %d bytes", t.maxSize)
	}

	return &ResponseData{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}
