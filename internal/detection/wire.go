package detection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformed is returned when an engine payload cannot be mapped onto a
// Result.
var ErrMalformed = errors.New("malformed detection result")

// wireStats accepts both the snake_case fields the watermark engine emits
// and the camelCase spelling of the shared contract.
type wireStats struct {
	ZScore             *float64 `json:"z_score"`
	ZScoreCamel        *float64 `json:"zScore"`
	PValue             *float64 `json:"p_value"`
	PValueCamel        *float64 `json:"pValue"`
	GreenFraction      *float64 `json:"green_fraction"`
	GreenFractionCamel *float64 `json:"greenFraction"`
	NumTokensScored    *int     `json:"num_tokens_scored"`
	NumTokensCamel     *int     `json:"numTokensScored"`
	NumGreenTokens     *int     `json:"num_green_tokens"`
	NumGreenCamel      *int     `json:"numGreenTokens"`
	DetectionThreshold *float64 `json:"detection_threshold"`
	ThresholdCamel     *float64 `json:"detectionThreshold"`
	Gamma              *float64 `json:"gamma"`
	GreenListFraction  *float64 `json:"greenListFraction"`
}

func (w *wireStats) metadata() *StatisticalMetadata {
	if w == nil {
		return nil
	}
	m := &StatisticalMetadata{
		ZScore:             firstFloat(w.ZScore, w.ZScoreCamel),
		PValue:             firstFloat(w.PValue, w.PValueCamel),
		GreenFraction:      firstFloat(w.GreenFraction, w.GreenFractionCamel),
		NumTokensScored:    firstInt(w.NumTokensScored, w.NumTokensCamel),
		NumGreenTokens:     firstInt(w.NumGreenTokens, w.NumGreenCamel),
		DetectionThreshold: firstFloat(w.DetectionThreshold, w.ThresholdCamel),
		Gamma:              firstFloat(w.Gamma, w.GreenListFraction),
	}
	if m.Empty() {
		return nil
	}
	return m
}

type wireResult struct {
	wireStats

	Label                  *string         `json:"label"`
	Confidence             *float64        `json:"confidence"`
	ProbabilityVector      []float64       `json:"probability_vector"`
	ProbabilityVectorCamel []float64       `json:"probabilityVector"`
	Probabilities          []float64       `json:"probabilities"`
	Logprobs               json.RawMessage `json:"logprobs"`
	Statistical            *wireStats      `json:"statistical_metadata"`
	StatisticalCamel       *wireStats      `json:"statisticalMetadata"`
	Error                  *string         `json:"error"`
	Message                string          `json:"message"`
}

// DecodeWire parses an engine response body into a Result. A payload with an
// "error" field decodes into a Result carrying the error marker.
func DecodeWire(data []byte) (Result, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Error != nil {
		msg := strings.TrimSpace(*w.Error)
		if msg == "" {
			msg = "engine reported an error"
		}
		return Result{Err: msg}, nil
	}

	var res Result
	if w.Label != nil {
		res.Label = ParseLabel(*w.Label)
	}
	if w.Confidence != nil {
		res.Confidence = *w.Confidence
	}

	vec, err := pickVector(w)
	if err != nil {
		return Result{}, err
	}
	res.Probabilities = vec

	// Nested metadata wins over the flat watermark fields.
	switch {
	case w.Statistical != nil:
		res.Stats = w.Statistical.metadata()
	case w.StatisticalCamel != nil:
		res.Stats = w.StatisticalCamel.metadata()
	default:
		res.Stats = w.wireStats.metadata()
	}

	if res.Shape() == ShapeUnavailable {
		// FastAPI-style {"message": "..."} bodies carry no result at all.
		if w.Message != "" {
			return Result{Err: w.Message}, nil
		}
		return Result{}, fmt.Errorf("%w: neither probability vector nor label present", ErrMalformed)
	}
	if res.Shape() == ShapeLabel && w.Confidence == nil {
		return Result{}, fmt.Errorf("%w: label %q without confidence", ErrMalformed, res.Label)
	}
	return res, nil
}

func pickVector(w wireResult) (*[2]float64, error) {
	for _, v := range [][]float64{w.ProbabilityVector, w.ProbabilityVectorCamel, w.Probabilities} {
		if v == nil {
			continue
		}
		if len(v) != 2 {
			return nil, fmt.Errorf("%w: probability vector has %d entries, want 2", ErrMalformed, len(v))
		}
		return &[2]float64{v[0], v[1]}, nil
	}

	if len(w.Logprobs) == 0 || string(w.Logprobs) == "null" {
		return nil, nil
	}
	var lp []float64
	if err := json.Unmarshal(w.Logprobs, &lp); err != nil || len(lp) != 2 {
		// Token-level logprob lists are informational only.
		return nil, nil
	}
	if lp[0] >= 0 && lp[1] >= 0 && math.Abs(lp[0]+lp[1]-1) < 1e-6 {
		return &[2]float64{lp[0], lp[1]}, nil
	}
	return softmax2(lp[0], lp[1]), nil
}

func softmax2(a, b float64) *[2]float64 {
	m := math.Max(a, b)
	ea, eb := math.Exp(a-m), math.Exp(b-m)
	s := ea + eb
	return &[2]float64{ea / s, eb / s}
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
