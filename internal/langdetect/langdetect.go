// Package langdetect resolves the language of a text for weighting. The
// detector itself runs out of process; this package only speaks its HTTP
// contract and canonicalises what it returns.
package langdetect

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

	"golang.org/x/text/language"
)

// ErrUndetermined is returned when no language could be identified.
var ErrUndetermined = errors.New("language undetermined")

// Canonical reduces any BCP 47 tag ("pt-BR", "EN", "zh-Hant") to its base
// language code ("pt", "en", "zh").
func Canonical(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.EqualFold(code, "unknown") {
		return "", ErrUndetermined
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", code, err)
	}
	if tag == language.Und {
		return "", ErrUndetermined
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", ErrUndetermined
	}
	return base.String(), nil
}

// Static always reports the same language.
type Static string

func (s Static) Detect(context.Context, string) (string, error) {
	return Canonical(string(s))
}

// Remote calls an HTTP language detector:
//
//	POST {url} {"text": "..."} -> {"language": "fr"}
type Remote struct {
	url     string
	client  *http.Client
	maxBody int64
}

func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Remote{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		maxBody: 64 << 10,
	}
}

type detectResponse struct {
	Language string `json:"language"`
	Lang     string `json:"lang"`
	Error    string `json:"error"`
}

func (r *Remote) Detect(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("language detector returned status %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode language detector response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("language detector: %s", out.Error)
	}
	code := out.Language
	if code == "" {
		code = out.Lang
	}
	return Canonical(code)
}

// Close releases idle connections.
func (r *Remote) Close() {
	r.client.CloseIdleConnections()
}

type detector interface {
	Detect(ctx context.Context, text string) (string, error)
}

// Restricted limits a detector to a set of supported languages. Any other
// result is reported as undetermined so the caller falls back to its
// default.
type Restricted struct {
	next      detector
	supported map[string]bool
}

func Restrict(next detector, supported []string) *Restricted {
	r := &Restricted{next: next, supported: make(map[string]bool, len(supported))}
	for _, s := range supported {
		if c, err := Canonical(s); err == nil {
			r.supported[c] = true
		}
	}
	return r
}

func (r *Restricted) Detect(ctx context.Context, text string) (string, error) {
	code, err := r.next.Detect(ctx, text)
	if err != nil {
		return "", err
	}
	if len(r.supported) > 0 && !r.supported[code] {
		return "", fmt.Errorf("%w: %q is not supported", ErrUndetermined, code)
	}
	return code, nil
}
