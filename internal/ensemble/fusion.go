package ensemble

import (
	"math"
	"sort"

	"github.com/macdet/macdet/internal/detection"
)

// Input is what every strategy fuses: outcomes in ensemble order with their
// normalised distributions and weights at the same index.
type Input struct {
	Outcomes      []Outcome
	Distributions []Distribution
	Weights       []float64
}

func (in Input) check() error {
	n := len(in.Outcomes)
	if len(in.Distributions) != n || len(in.Weights) != n {
		return fusionErrorf("input", "length mismatch: %d outcomes, %d distributions, %d weights",
			n, len(in.Distributions), len(in.Weights))
	}
	var sum float64
	for i := range in.Outcomes {
		w := in.Weights[i]
		if math.IsNaN(w) || w < 0 || w > 1+sumEpsilon {
			return fusionErrorf("input", "weight[%d] = %v outside [0,1]", i, w)
		}
		sum += w
		for _, p := range in.Distributions[i] {
			if math.IsNaN(p) || p < 0 || p > 1+sumEpsilon {
				return fusionErrorf("input", "distribution[%d] = %v is not a probability pair", i, in.Distributions[i])
			}
		}
	}
	if n > 0 && math.Abs(sum-1) > sumEpsilon {
		return fusionErrorf("input", "weights sum to %v, want 1", sum)
	}
	return nil
}

const sumEpsilon = 1e-9

// Verdict is a strategy's decision.
type Verdict struct {
	Label      detection.Label
	Confidence float64
	// Distribution is set by strategies that pool probabilities.
	Distribution *Distribution
}

// Strategy is one fusion algorithm.
type Strategy interface {
	Mode() Mode
	Fuse(in Input) (Verdict, error)
}

// DecisionTree applies prioritised override rules over the primary and
// watermark engines. Confidence is the weighted sum of the available
// engines' confidences, whichever rule fired.
type DecisionTree struct {
	// HighConfidence is the primary confidence above which the primary
	// label is adopted outright.
	HighConfidence float64
	DefaultGamma   float64
}

func (DecisionTree) Mode() Mode { return ModeDecisionTree }

func (t DecisionTree) Fuse(in Input) (Verdict, error) {
	if err := in.check(); err != nil {
		return Verdict{}, err
	}

	var confidence float64
	for i, o := range in.Outcomes {
		confidence += in.Weights[i] * Confidence(o)
	}

	primary, hasPrimary := findKind(in, detection.KindPrimary)
	watermark, hasWatermark := findKind(in, detection.KindWatermark)
	if !hasPrimary {
		// An absent primary is a human opinion with no confidence; a machine
		// watermark alone can still decide.
		primary = opinion{label: detection.LabelHuman}
	}

	label := detection.LabelHuman
	switch {
	case hasPrimary && primary.confidence > t.HighConfidence:
		label = primary.label
	case hasWatermark:
		pm := primary.label == detection.LabelMachine
		wm := watermark.label == detection.LabelMachine
		switch {
		case pm && wm:
			label = detection.LabelMachine
		case pm != wm:
			if Significant(watermark.stats, t.DefaultGamma) {
				label = watermark.label
			} else if watermark.confidence > primary.confidence {
				label = watermark.label
			} else {
				label = primary.label
			}
		}
	}

	return Verdict{Label: label, Confidence: clamp01(confidence)}, nil
}

type opinion struct {
	label      detection.Label
	confidence float64
	stats      *detection.StatisticalMetadata
}

// findKind returns the first available engine of kind k. Engines that only
// report a vector get the label of their larger slot.
func findKind(in Input, k detection.Kind) (opinion, bool) {
	for i, o := range in.Outcomes {
		if o.Member.Kind != k || !o.Available() {
			continue
		}
		op := opinion{label: o.Result.Label, confidence: Confidence(o), stats: o.Result.Stats}
		if op.label == "" {
			op.label = detection.LabelHuman
			if d := in.Distributions[i]; d.Machine() >= d.Human() {
				op.label = detection.LabelMachine
			}
		}
		return op, true
	}
	return opinion{}, false
}

// LinearPool is a weighted linear opinion pool over the normalised
// distributions of the available engines.
type LinearPool struct {
	// TieBreak is the label returned when both slots are exactly equal.
	TieBreak detection.Label
}

func (LinearPool) Mode() Mode { return ModeLinearPool }

func (p LinearPool) Fuse(in Input) (Verdict, error) {
	if err := in.check(); err != nil {
		return Verdict{}, err
	}

	// Sum in name order so the result is bit-identical for any permutation
	// of the inputs.
	idx := make([]int, 0, len(in.Outcomes))
	for i, o := range in.Outcomes {
		if o.Available() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return in.Outcomes[idx[a]].Member.Name < in.Outcomes[idx[b]].Member.Name
	})

	var fused Distribution
	contributing := 0
	for _, i := range idx {
		w := in.Weights[i]
		if w > 0 {
			contributing++
		}
		fused[0] += w * in.Distributions[i][0]
		fused[1] += w * in.Distributions[i][1]
	}

	switch s := fused[0] + fused[1]; {
	case contributing == 1:
		// A pool of one is that engine's distribution, bit for bit.
		for _, i := range idx {
			if in.Weights[i] > 0 {
				fused = in.Distributions[i]
			}
		}
	case s > 0:
		fused = Distribution{fused[0] / s, fused[1] / s}
	default:
		fused = Uniform
	}
	if math.IsNaN(fused[0]) || math.IsNaN(fused[1]) {
		return Verdict{}, fusionErrorf("pool", "fused distribution is NaN")
	}

	v := Verdict{Distribution: &fused}
	switch {
	case fused[0] > fused[1]:
		v.Label, v.Confidence = detection.LabelMachine, fused[0]
	case fused[1] > fused[0]:
		v.Label, v.Confidence = detection.LabelHuman, fused[1]
	default:
		v.Label, v.Confidence = p.tieBreak(), fused[0]
	}
	return v, nil
}

func (p LinearPool) tieBreak() detection.Label {
	if p.TieBreak == detection.LabelHuman {
		return detection.LabelHuman
	}
	return detection.LabelMachine
}
