package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"github.com/macdet/macdet/internal/detection"
	"github.com/macdet/macdet/internal/ensemble"
	"github.com/macdet/macdet/internal/telemetry"
)

type detectRequest struct {
	Text string `json:"text"`
	// Mode overrides the configured fusion mode for this request.
	Mode string `json:"mode,omitempty"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Server.MaxRequestBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeProblem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode := s.comp.Ensemble.Mode()
	if req.Mode != "" {
		m, err := ensemble.ParseMode(req.Mode)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		mode = m
	}

	ctx := r.Context()
	requestID := requestIDFrom(ctx)
	ctx, span := s.tel.Tracer().Start(ctx, "http.detect", trace.WithAttributes(
		telemetry.SafeAttributes(map[string]any{
			"macdet.request_id": requestID,
			"macdet.mode":       string(mode),
			"macdet.text_chars": utf8.RuneCountInString(req.Text),
		})...,
	))
	defer span.End()

	verdict, err := s.comp.Ensemble.FuseWithMode(ctx, req.Text, mode)
	if err != nil {
		var fe *ensemble.FusionError
		switch {
		case errors.Is(err, ensemble.ErrEmptyText):
			writeProblem(w, r, http.StatusBadRequest, "text is required")
		case errors.As(err, &fe):
			s.logger.ErrorContext(ctx, "fusion failed", "request_id", requestID, "stage", fe.Stage, "error", fe.Err)
			writeProblem(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
		default:
			s.logger.ErrorContext(ctx, "detect failed", "request_id", requestID, "error", err)
			writeProblem(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again later.")
		}
		return
	}

	verdict.RequestID = requestID
	if err := writeJSON(w, http.StatusOK, verdict); err != nil {
		s.logger.WarnContext(ctx, "failed to write verdict", "request_id", requestID, "error", err)
	}
}

type engineInfo struct {
	Name       string         `json:"name"`
	Kind       detection.Kind `json:"kind"`
	BaseWeight float64        `json:"base_weight"`
	Registered bool           `json:"registered"`
	Circuit    string         `json:"circuit,omitempty"`
}

type enginesResponse struct {
	Mode    ensemble.Mode `json:"mode"`
	Engines []engineInfo  `json:"engines"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	members := s.comp.Ensemble.Members()
	resp := enginesResponse{
		Mode:    s.comp.Ensemble.Mode(),
		Engines: make([]engineInfo, 0, len(members)),
	}
	for _, m := range members {
		_, err := s.comp.Registry.Get(m.Name)
		info := engineInfo{
			Name:       m.Name,
			Kind:       m.Kind,
			BaseWeight: m.BaseWeight,
			Registered: err == nil,
		}
		if cb, ok := s.comp.Breakers[m.Name]; ok {
			info.Circuit = cb.State()
		}
		resp.Engines = append(resp.Engines, info)
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.draining.Load():
		writeProblem(w, r, http.StatusServiceUnavailable, "server is shutting down")
	case s.comp.Registry.Len() == 0:
		writeProblem(w, r, http.StatusServiceUnavailable, "no detection engines registered")
	default:
		fmt.Fprintln(w, "ready")
	}
}
