package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

var (
	// ErrEngineReported wraps the error marker an engine put in its payload.
	ErrEngineReported = errors.New("engine reported failure")
	ErrCircuitOpen    = errors.New("circuit breaker open")
)

// StatusError is returned for non-2xx engine responses.
type StatusError struct {
	Engine string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine %s: status %d body=%q", e.Engine, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Remote calls a detection engine over HTTP: POST {baseURL}/infer with
// {"text": ...}.
type Remote struct {
	name             string
	baseURL          string
	apiKey           string
	client           *http.Client
	maxResponseBytes int64
}

// NewRemote creates a client for an engine endpoint. The per-call deadline
// comes from the caller's context; timeout only bounds a single HTTP exchange.
func NewRemote(name, baseURL, apiKey string, timeout time.Duration, maxResponseBytes int64) *Remote {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = 1 << 20
	}
	return &Remote{
		name:             name,
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		apiKey:           apiKey,
		maxResponseBytes: maxResponseBytes,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (r *Remote) Name() string { return r.name }

type inferRequest struct {
	Text string `json:"text"`
}

func (r *Remote) Predict(ctx context.Context, text string) (detection.Result, error) {
	body, err := json.Marshal(inferRequest{Text: text})
	if err != nil {
		return detection.Result{}, fmt.Errorf("marshal infer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/infer", bytes.NewReader(body))
	if err != nil {
		return detection.Result{}, fmt.Errorf("create infer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return detection.Result{}, fmt.Errorf("call engine %s: %w", r.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes+1))
	if err != nil {
		return detection.Result{}, fmt.Errorf("read engine %s response: %w", r.name, err)
	}
	if int64(len(respBody)) > r.maxResponseBytes {
		return detection.Result{}, fmt.Errorf("engine %s response exceeded limit (%d bytes)", r.name, r.maxResponseBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return detection.Result{}, &StatusError{Engine: r.name, Code: resp.StatusCode, Body: truncateBody(respBody)}
	}

	res, err := detection.DecodeWire(respBody)
	if err != nil {
		return detection.Result{}, fmt.Errorf("engine %s: %w", r.name, err)
	}
	if res.Err != "" {
		return detection.Result{}, fmt.Errorf("engine %s: %w: %s", r.name, ErrEngineReported, res.Err)
	}
	return res, nil
}

// Close releases idle connections.
func (r *Remote) Close(context.Context) error {
	r.client.CloseIdleConnections()
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
