package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macdet/macdet/internal/config"
	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/engine"
	"github.com/macdet/macdet/internal/ensemble"
	"github.com/macdet/macdet/internal/registry"
)

type testEngines struct {
	primary, watermark, secondary *engine.Fake
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("testdata/does-not-exist.yaml")
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.MaxRequestBodyBytes = 256
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg *config.Config, members []ensemble.Member) (*Server, testEngines) {
	t.Helper()

	fakes := testEngines{
		primary:   engine.NewFake(detection.Result{Probabilities: detection.Vector(0.9, 0.1)}),
		watermark: engine.NewFake(detection.Result{Probabilities: detection.Vector(0.8, 0.2)}),
		secondary: engine.NewFake(detection.Result{Probabilities: detection.Vector(0.3, 0.7)}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register("primary", fakes.primary))
	require.NoError(t, reg.Register("watermark", fakes.watermark))
	require.NoError(t, reg.Register("secondary", fakes.secondary))
	reg.Seal()

	if members == nil {
		members = []ensemble.Member{
			{Name: "primary", Kind: detection.KindPrimary, BaseWeight: 0.5},
			{Name: "watermark", Kind: detection.KindWatermark, BaseWeight: 0.3},
			{Name: "secondary", Kind: detection.KindSecondaryLanguage, BaseWeight: 0.2},
		}
	}
	policy := ensemble.DefaultWeightPolicy()
	policy.WatermarkSignificant, policy.WatermarkInsignificant = 1, 1
	policy.ForeignLanguage, policy.HomeLanguageFactor = 1, 1

	ens, err := ensemble.New(ensemble.Config{
		Members:       members,
		Mode:          ensemble.ModeLinearPool,
		Policy:        policy,
		EngineTimeout: 50 * time.Millisecond,
	}, reg, ensemble.WithLogger(quietLogger()))
	require.NoError(t, err)

	comp := &Components{
		Ensemble: ens,
		Registry: reg,
		Breakers: map[string]*engine.CircuitBreaker{"watermark": engine.NewCircuitBreaker("watermark", 3, time.Minute)},
	}
	return New(cfg, comp, nil, quietLogger()), fakes
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	return p
}

func TestDetectReturnsFusedVerdict(t *testing.T) {
	s, _ := newTestServer(t, newTestConfig(t), nil)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"An essay about rivers."}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out ensemble.FusedVerdict
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.Equal(t, detection.LabelMachine, out.Label)
	assert.InDelta(t, 0.75, out.Confidence, 1e-9)
	assert.Equal(t, ensemble.ModeLinearPool, out.Mode)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, out.RequestID, rr.Header().Get(requestIDHeader))
	require.Len(t, out.PerEngine, 3)
	assert.Equal(t, "primary", out.PerEngine[0].Name)
}

func TestDetectPropagatesRequestID(t *testing.T) {
	s, _ := newTestServer(t, newTestConfig(t), nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/detect", strings.NewReader(`{"text":"hi"}`))
	req.Header.Set(requestIDHeader, "req-42")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "req-42", rr.Header().Get(requestIDHeader))
	assert.Contains(t, rr.Body.String(), `"request_id":"req-42"`)
}

func TestDetectModeOverride(t *testing.T) {
	s, _ := newTestServer(t, newTestConfig(t), nil)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi","mode":"decision_tree"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"mode":"decision_tree"`)

	rr = doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi","mode":"majority"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeProblem(t, rr).Detail, "majority")
}

func TestDetectClientErrors(t *testing.T) {
	s, fakes := newTestServer(t, newTestConfig(t), nil)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"missing text", `{}`, http.StatusBadRequest},
		{"blank text", `{"text":"  \n "}`, http.StatusBadRequest},
		{"invalid json", `{"text":`, http.StatusBadRequest},
		{"body too large", `{"text":"` + strings.Repeat("a", 400) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", tc.body)
			require.Equal(t, tc.status, rr.Code)
			p := decodeProblem(t, rr)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, "/v1/detect", p.Instance)
			assert.NotEmpty(t, p.RequestID)
		})
	}
	assert.Zero(t, fakes.primary.Calls(), "engines must not be called for rejected requests")
}

func TestDetectAllEnginesUnavailable(t *testing.T) {
	s, fakes := newTestServer(t, newTestConfig(t), nil)
	for _, f := range []*engine.Fake{fakes.primary, fakes.watermark, fakes.secondary} {
		f.Delay = time.Second
	}

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var out ensemble.FusedVerdict
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.True(t, out.AllUnavailable)
	assert.Equal(t, detection.LabelMachine, out.Label)
	for _, rep := range out.PerEngine {
		assert.Equal(t, ensemble.ReasonTimeout, rep.Reason)
	}
}

func TestDetectFusionErrorIsInternal(t *testing.T) {
	members := []ensemble.Member{{Name: "primary", Kind: detection.KindPrimary, BaseWeight: -1}}
	s, _ := newTestServer(t, newTestConfig(t), members)

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	p := decodeProblem(t, rr)
	assert.NotContains(t, p.Detail, "weight", "internal details stay in the logs")
}

func TestRateLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.RateLimitRPS = 0.5
	cfg.Server.RateLimitBurst = 1
	s, _ := newTestServer(t, cfg, nil)
	defer s.limiter.Close()

	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, s.Handler(), http.MethodPost, "/v1/detect", `{"text":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))

	// other endpoints are not limited
	rr = doJSON(t, s.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnginesListing(t *testing.T) {
	members := []ensemble.Member{
		{Name: "primary", Kind: detection.KindPrimary, BaseWeight: 0.5},
		{Name: "watermark", Kind: detection.KindWatermark, BaseWeight: 0.3},
		{Name: "ghost", Kind: detection.KindSecondaryLanguage, BaseWeight: 0.2},
	}
	s, _ := newTestServer(t, newTestConfig(t), members)

	rr := doJSON(t, s.Handler(), http.MethodGet, "/v1/engines", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out enginesResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	assert.Equal(t, ensemble.ModeLinearPool, out.Mode)
	require.Len(t, out.Engines, 3)
	assert.True(t, out.Engines[0].Registered)
	assert.Equal(t, "closed", out.Engines[1].Circuit)
	assert.False(t, out.Engines[2].Registered)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, newTestConfig(t), nil)
	rr := doJSON(t, s.Handler(), http.MethodGet, "/v1/detect", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestShutdownDrainsAndTearsDown(t *testing.T) {
	s, fakes := newTestServer(t, newTestConfig(t), nil)

	rr := doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.True(t, fakes.primary.Closed())
	assert.True(t, fakes.secondary.Closed())

	rr = doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestReadyWithoutEngines(t *testing.T) {
	reg := registry.New()
	reg.Seal()
	ens, err := ensemble.New(ensemble.Config{}, reg)
	require.NoError(t, err)
	s := New(newTestConfig(t), &Components{Ensemble: ens, Registry: reg}, nil, quietLogger())

	rr := doJSON(t, s.Handler(), http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, decodeProblem(t, rr).Detail, "no detection engines")
}

func TestServeOverTCP(t *testing.T) {
	s, _ := newTestServer(t, newTestConfig(t), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/detect", "application/json", bytes.NewBufferString(`{"text":"over the wire"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
