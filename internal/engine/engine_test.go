package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macdet/macdet/internal/detection"
)

func TestRemotePredict(t *testing.T) {
	var gotText, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"label":"machine-generated","confidence":0.91,"z_score":2.1,"p_value":0.01,"green_fraction":0.4}`))
	}))
	defer srv.Close()

	r := NewRemote("watermark", srv.URL+"/", "secret", time.Second, 0)
	res, err := r.Predict(context.Background(), "some text")
	require.NoError(t, err)

	assert.Equal(t, "some text", gotText)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, detection.LabelMachine, res.Label)
	require.NotNil(t, res.Stats)
	assert.InDelta(t, 0.01, *res.Stats.PValue, 1e-12)
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	r := NewRemote("down", srv.URL, "", 200*time.Millisecond, 0)
	_, err := r.Predict(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, Retryable(context.Background(), err))
}

func TestRemoteStatusAndPayloadErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		target    error
	}{
		{name: "server error", status: 503, body: "overloaded", retryable: true},
		{name: "client error", status: 422, body: `{"detail":"bad"}`, retryable: false},
		{name: "engine error marker", status: 200, body: `{"error":"model crashed"}`, target: ErrEngineReported},
		{name: "malformed", status: 200, body: `{"confidence":0.2}`, target: detection.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewRemote("e", srv.URL, "", time.Second, 0).Predict(context.Background(), "x")
			require.Error(t, err)
			if tc.target != nil {
				require.ErrorIs(t, err, tc.target)
			}
			var se *StatusError
			if errors.As(err, &se) {
				assert.Equal(t, tc.status, se.Code)
			}
			assert.Equal(t, tc.retryable, Retryable(context.Background(), err))
		})
	}
}

func TestRemoteResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"label":"human","confidence":0.5,"pad":"` + strings.Repeat("x", 256) + `"}`))
	}))
	defer srv.Close()

	_, err := NewRemote("e", srv.URL, "", time.Second, 64).Predict(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded limit")
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 250*time.Millisecond, p.Backoff(3))
}

func TestWithRetryRecoversTransientFailure(t *testing.T) {
	var n atomic.Int32
	f := &Fake{Fn: func(ctx context.Context, text string) (detection.Result, error) {
		if n.Add(1) == 1 {
			return detection.Result{}, &StatusError{Engine: "e", Code: 502}
		}
		return detection.Result{Label: detection.LabelHuman, Confidence: 0.8}, nil
	}}

	var retries []int
	e := WithRetry(f, RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}, func(attempt int, err error) {
		retries = append(retries, attempt)
	})
	res, err := e.Predict(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, detection.LabelHuman, res.Label)
	assert.Equal(t, int64(2), f.Calls())
	assert.Equal(t, []int{1}, retries)
}

func TestWithRetrySkipsPermanentFailure(t *testing.T) {
	f := &Fake{Error: detection.ErrMalformed}
	e := WithRetry(f, RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}, nil)
	_, err := e.Predict(context.Background(), "x")
	require.ErrorIs(t, err, detection.ErrMalformed)
	assert.Equal(t, int64(1), f.Calls())
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	f := &Fake{Error: errors.New("connection reset")}
	e := WithRetry(f, RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Predict(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), f.Calls())
}

func TestWithRetryZeroRetriesReturnsInner(t *testing.T) {
	f := NewFake(detection.Result{})
	assert.Same(t, f, WithRetry(f, RetryPolicy{}, nil))
}

func TestCircuitBreakerOpensAndProbes(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("e", 2, time.Second)
	cb.now = func() time.Time { return now }

	f := &Fake{Error: errors.New("boom")}
	e := WithBreaker(f, cb)

	_, _ = e.Predict(context.Background(), "x")
	_, _ = e.Predict(context.Background(), "x")
	assert.Equal(t, "open", cb.State())

	_, err := e.Predict(context.Background(), "x")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(2), f.Calls())

	now = now.Add(2 * time.Second)
	f.Error = nil
	f.Result = detection.Result{Label: detection.LabelHuman, Confidence: 0.9}
	_, err = e.Predict(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker("e", 1, time.Second)
	f := &Fake{Delay: time.Second}
	e := WithBreaker(f, cb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Predict(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", cb.State())
}

func TestWrappersForwardClose(t *testing.T) {
	f := NewFake(detection.Result{})
	e := WithBreaker(WithRetry(f, RetryPolicy{MaxRetries: 1}, nil), NewCircuitBreaker("e", 1, time.Second))
	c, ok := e.(detection.Closer)
	require.True(t, ok)
	require.NoError(t, c.Close(context.Background()))
	assert.True(t, f.Closed())
}
