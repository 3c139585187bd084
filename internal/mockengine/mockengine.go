// Package mockengine serves canned detection-engine and language-detector
// responses over HTTP for local runs and benchmarks.
package mockengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

const defaultDelayMS = 50

// Options configure one mock engine.
type Options struct {
	Kind detection.Kind
	// Delay before every answer. Negative means MOCK_DELAY_MS (default 50ms).
	Delay time.Duration
	// Language returned by POST /detect.
	Language string
	Logger   *slog.Logger
}

// Start launches a mock engine on addr ("127.0.0.1:0" picks a free port).
// It returns a shutdown function and the base URL.
func Start(addr string, opts Options) (func(context.Context) error, string, error) {
	if strings.TrimSpace(addr) == "" {
		addr = "127.0.0.1:0"
	}
	if opts.Delay < 0 {
		opts.Delay = envDelay()
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /infer", func(w http.ResponseWriter, r *http.Request) {
		text, ok := readText(w, r)
		if !ok {
			return
		}
		sleep(r.Context(), opts.Delay)
		writeJSON(w, http.StatusOK, Respond(opts.Kind, text))
	})
	mux.HandleFunc("POST /detect", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := readText(w, r); !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"language": opts.Language})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mock engine server error", "kind", opts.Kind, "error", err)
		}
	}()

	baseURL := "http://" + ln.Addr().String()
	logger.Info("mock engine listening", "kind", opts.Kind, "url", baseURL, "delay", opts.Delay)
	return srv.Shutdown, baseURL, nil
}

// Respond builds the payload an engine of kind k would send for text. The
// score is derived from a hash of the text, so answers are stable per text.
func Respond(k detection.Kind, text string) map[string]any {
	score := scoreOf(text)
	label := detection.LabelHuman
	confidence := 1 - score
	if score >= 0.5 {
		label, confidence = detection.LabelMachine, score
	}

	switch k {
	case detection.KindWatermark:
		const gamma = 0.25
		scored := 200
		green := int(float64(scored) * (gamma + 0.5*score*score))
		fraction := float64(green) / float64(scored)
		z := (fraction - gamma) * 16.33 // sqrt(200/(0.25*0.75))
		return map[string]any{
			"label":               label,
			"confidence":          confidence,
			"z_score":             z,
			"p_value":             1 - score,
			"green_fraction":      fraction,
			"num_tokens_scored":   scored,
			"num_green_tokens":    green,
			"green_list_fraction": gamma,
		}
	case detection.KindSecondaryLanguage:
		return map[string]any{
			"probability_vector": []float64{score, 1 - score},
		}
	default:
		return map[string]any{
			"label":      label,
			"confidence": confidence,
		}
	}
}

func scoreOf(text string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return float64(h.Sum32()%1000) / 1000
}

func readText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var body struct {
		Text string `json:"text"`
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil {
		err = json.Unmarshal(data, &body)
	}
	if err != nil || strings.TrimSpace(body.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return "", false
	}
	return body.Text, true
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func envDelay() time.Duration {
	delay := defaultDelayMS
	if val := strings.TrimSpace(os.Getenv("MOCK_DELAY_MS")); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			delay = parsed
		}
	}
	return time.Duration(delay) * time.Millisecond
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
