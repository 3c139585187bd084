package ensemble

import (
	"github.com/macdet/macdet/internal/detection"
)

var (
	primary   = Member{Name: "primary", Kind: detection.KindPrimary, BaseWeight: 0.5}
	watermark = Member{Name: "watermark", Kind: detection.KindWatermark, BaseWeight: 0.3}
	secondary = Member{Name: "secondary", Kind: detection.KindSecondaryLanguage, BaseWeight: 0.2}
)

func avail(m Member, r detection.Result) Outcome {
	return Outcome{Member: m, Result: r}
}

func down(m Member) Outcome {
	return unavailable(m, ReasonTimeout, "deadline exceeded")
}

func labelled(l detection.Label, c float64) detection.Result {
	return detection.Result{Label: l, Confidence: c}
}

func vector(p0, p1 float64) detection.Result {
	return detection.Result{Probabilities: detection.Vector(p0, p1)}
}

// buildInput normalises outcomes and pairs them with explicit weights.
func buildInput(weights []float64, outcomes ...Outcome) Input {
	in := Input{Outcomes: outcomes, Weights: weights, Distributions: make([]Distribution, len(outcomes))}
	for i, o := range outcomes {
		in.Distributions[i] = NormalizeOutcome(o)
	}
	return in
}

// policyInput weights outcomes with p for language.
func policyInput(p WeightPolicy, language string, outcomes ...Outcome) Input {
	w, err := p.Weights(outcomes, language)
	if err != nil {
		panic(err)
	}
	return buildInput(w, outcomes...)
}

// flatPolicy applies no kind-specific factors.
func flatPolicy() WeightPolicy {
	p := DefaultWeightPolicy()
	p.WatermarkSignificant, p.WatermarkInsignificant = 1, 1
	p.ForeignLanguage, p.HomeLanguageFactor = 1, 1
	return p
}
