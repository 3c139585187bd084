package detection

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Label is the verdict an engine assigns to a piece of text.
type Label string

const (
	LabelMachine Label = "machine-generated"
	LabelHuman   Label = "human-written"
	LabelUnknown Label = "unknown"
)

// ParseLabel maps a wire label onto a Label. An empty string yields the
// zero Label, anything unrecognised yields LabelUnknown.
func ParseLabel(s string) Label {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ""
	case "machine-generated", "machine_generated", "machine", "ai", "generated":
		return LabelMachine
	case "human-written", "human_written", "human":
		return LabelHuman
	default:
		return LabelUnknown
	}
}

// Kind tells the weight policy which adjustment rule applies to an engine.
type Kind string

const (
	KindPrimary           Kind = "primary"
	KindSecondaryLanguage Kind = "secondary_language"
	KindWatermark         Kind = "watermark"
)

// ParseKind validates a configured engine kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPrimary, KindSecondaryLanguage, KindWatermark:
		return k, nil
	default:
		return "", fmt.Errorf("unknown engine kind %q", s)
	}
}

// Shape is the discriminant of a Result.
type Shape int

const (
	// ShapeUnavailable: the engine reported an error, or the result carries
	// neither a probability vector nor a label.
	ShapeUnavailable Shape = iota
	// ShapeVector: a full [p_machine, p_human] distribution is present.
	ShapeVector
	// ShapeLabel: only label and confidence are present.
	ShapeLabel
)

func (s Shape) String() string {
	switch s {
	case ShapeVector:
		return "vector"
	case ShapeLabel:
		return "label"
	default:
		return "unavailable"
	}
}

// StatisticalMetadata holds the watermark test statistics. Every field is
// optional; a nil pointer means the engine did not report it.
type StatisticalMetadata struct {
	ZScore             *float64 `json:"z_score,omitempty"`
	PValue             *float64 `json:"p_value,omitempty"`
	GreenFraction      *float64 `json:"green_fraction,omitempty"`
	NumTokensScored    *int     `json:"num_tokens_scored,omitempty"`
	NumGreenTokens     *int     `json:"num_green_tokens,omitempty"`
	DetectionThreshold *float64 `json:"detection_threshold,omitempty"`
	Gamma              *float64 `json:"gamma,omitempty"`
}

// Empty reports whether no statistic is set.
func (m *StatisticalMetadata) Empty() bool {
	if m == nil {
		return true
	}
	return m.ZScore == nil && m.PValue == nil && m.GreenFraction == nil &&
		m.NumTokensScored == nil && m.NumGreenTokens == nil &&
		m.DetectionThreshold == nil && m.Gamma == nil
}

// Result is what a detection engine returns for one text.
type Result struct {
	Label      Label
	Confidence float64
	// Probabilities is [p_machine, p_human] for engines exposing a full
	// distribution.
	Probabilities *[2]float64
	Stats         *StatisticalMetadata
	// Err is the error marker. When set, the other fields are ignored.
	Err string
}

// Shape classifies the result. A vector wins over a label.
func (r Result) Shape() Shape {
	if r.Err != "" {
		return ShapeUnavailable
	}
	if r.Probabilities != nil {
		return ShapeVector
	}
	if r.Label != "" {
		return ShapeLabel
	}
	return ShapeUnavailable
}

// Validate checks the numeric contract of a result: confidence in [0,1] and
// a finite, non-negative probability vector.
func (r Result) Validate() error {
	if r.Err != "" {
		return fmt.Errorf("engine error: %s", r.Err)
	}
	if r.Shape() == ShapeUnavailable {
		return fmt.Errorf("result has neither probability vector nor label")
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", r.Confidence)
	}
	if p := r.Probabilities; p != nil {
		for i, v := range p {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("probability[%d] = %v is not a finite non-negative number", i, v)
			}
		}
	}
	return nil
}

// Engine is the capability every detector exposes.
type Engine interface {
	Predict(ctx context.Context, text string) (Result, error)
}

// Closer is implemented by engines holding resources that must be released
// at teardown.
type Closer interface {
	Close(ctx context.Context) error
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Vector returns a pointer to the [p_machine, p_human] pair.
func Vector(pMachine, pHuman float64) *[2]float64 {
	return &[2]float64{pMachine, pHuman}
}
