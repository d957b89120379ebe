package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/StreetsDigital/thenexusengine/adselection/pkg/logger"
)

// Maximum evaluator response size
const maxRemoteResponseSize = 1024 * 1024

// Error kinds reported by the sandbox service
const (
	remoteErrFunctionNotFound = "function_not_found"
	remoteErrExecution        = "execution"
)

// RemoteEvaluator runs scripts on an HTTP sandbox service.
type RemoteEvaluator struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteEvaluator creates an evaluator posting to baseURL/v1/evaluate.
func NewRemoteEvaluator(baseURL string, timeout time.Duration) *RemoteEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RemoteEvaluator{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type remoteResponse struct {
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// Evaluate implements Evaluator.
func (r *RemoteEvaluator) Evaluate(ctx context.Context, req EvalRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := r.baseURL + "/v1/evaluate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to call sandbox service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > maxRemoteResponseSize {
		return "", fmt.Errorf("sandbox response exceeds %d bytes", maxRemoteResponseSize)
	}

	log := logger.Sandbox()
	log.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("sandbox evaluation")

	var out remoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	switch out.ErrorKind {
	case "":
	case remoteErrFunctionNotFound:
		return "", fmt.Errorf("%s: %w", out.Error, ErrFunctionNotFound)
	case remoteErrExecution:
		return "", &ExecutionError{Function: req.EntryPoint, Err: errors.New(out.Error)}
	default:
		return "", fmt.Errorf("sandbox service error %s: %s", out.ErrorKind, out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox service returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(out.Result) {
		return "", fmt.Errorf("sandbox service returned an invalid result")
	}
	return string(out.Result), nil
}
