package ensemble

import (
	"math"

	"github.com/macdet/macdet/internal/detection"
)

// Distribution is a [p_machine, p_human] pair.
type Distribution [2]float64

// Uniform is the distribution of an engine with no opinion.
var Uniform = Distribution{0.5, 0.5}

func (d Distribution) Machine() float64 { return d[0] }
func (d Distribution) Human() float64   { return d[1] }

// Normalize maps any result onto a distribution. The rule order is fixed: a
// probability vector always wins over label and confidence.
func Normalize(r detection.Result) Distribution {
	switch r.Shape() {
	case detection.ShapeVector:
		p0, p1 := r.Probabilities[0], r.Probabilities[1]
		if s := p0 + p1; s > 0 {
			return Distribution{p0 / s, p1 / s}
		}
		return Uniform
	case detection.ShapeLabel:
		c := clamp01(r.Confidence)
		switch r.Label {
		case detection.LabelMachine:
			return Distribution{c, 1 - c}
		case detection.LabelHuman:
			return Distribution{1 - c, c}
		}
	}
	return Uniform
}

// NormalizeOutcome returns Uniform for unavailable outcomes.
func NormalizeOutcome(o Outcome) Distribution {
	if !o.Available() {
		return Uniform
	}
	return Normalize(o.Result)
}

// Confidence is the engine's self-reported confidence. Engines that report
// only a vector are as confident as the larger slot of their distribution.
// Unavailable outcomes have confidence 0.
func Confidence(o Outcome) float64 {
	if !o.Available() {
		return 0
	}
	if o.Result.Shape() == detection.ShapeVector && o.Result.Label == "" {
		d := Normalize(o.Result)
		return math.Max(d.Machine(), d.Human())
	}
	return clamp01(o.Result.Confidence)
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
