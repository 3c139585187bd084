package ensemble

import (
	"fmt"
	"math"
	"strings"

	"github.com/macdet/macdet/internal/detection"
)

// Weighting picks the base of an engine's raw weight.
type Weighting string

const (
	// WeightingStatic uses the configured base weight.
	WeightingStatic Weighting = "static"
	// WeightingSelf uses the engine's own reported confidence.
	WeightingSelf Weighting = "self"
)

// WeightPolicy turns outcomes into per-engine weights summing to 1.
type WeightPolicy struct {
	Weighting Weighting
	// DefaultGamma is the expected green-list fraction when the watermark
	// engine does not report its own.
	DefaultGamma float64
	// HomeLanguage is the language the primary engine is tuned for.
	HomeLanguage string

	WatermarkSignificant   float64
	WatermarkInsignificant float64
	ForeignLanguage        float64
	HomeLanguageFactor     float64
}

func DefaultWeightPolicy() WeightPolicy {
	return WeightPolicy{
		Weighting:              WeightingStatic,
		DefaultGamma:           0.25,
		HomeLanguage:           "en",
		WatermarkSignificant:   1.5,
		WatermarkInsignificant: 0.7,
		ForeignLanguage:        1.5,
		HomeLanguageFactor:     0.4,
	}
}

// Significant evaluates the watermark evidence:
//
//	pValue < 0.5 || (zScore > 1.5 && greenFraction > 1.1*gamma)
//
// Both comparisons are strict. Missing statistics never count as evidence.
func Significant(stats *detection.StatisticalMetadata, defaultGamma float64) bool {
	if stats == nil {
		return false
	}
	if stats.PValue != nil && *stats.PValue < 0.5 {
		return true
	}
	if stats.ZScore == nil || stats.GreenFraction == nil {
		return false
	}
	gamma := defaultGamma
	if stats.Gamma != nil && *stats.Gamma > 0 {
		gamma = *stats.Gamma
	}
	return *stats.ZScore > 1.5 && *stats.GreenFraction > 1.1*gamma
}

// Raw computes the unnormalised weight of one outcome.
func (p WeightPolicy) Raw(o Outcome, language string) float64 {
	if !o.Available() {
		return 0
	}

	w := o.Member.BaseWeight
	if p.Weighting == WeightingSelf {
		w = Confidence(o)
	}

	switch o.Member.Kind {
	case detection.KindWatermark:
		if Significant(o.Result.Stats, p.DefaultGamma) {
			w *= p.WatermarkSignificant
		} else {
			w *= p.WatermarkInsignificant
		}
	case detection.KindSecondaryLanguage:
		if !strings.EqualFold(language, p.HomeLanguage) {
			w *= p.ForeignLanguage
		} else {
			w *= p.HomeLanguageFactor
		}
	}
	return w
}

// Weights computes raw weights for every outcome and normalises them to sum
// to 1. When every raw weight is zero it falls back to 1/N over the whole
// ensemble.
func (p WeightPolicy) Weights(outcomes []Outcome, language string) ([]float64, error) {
	weights := make([]float64, len(outcomes))
	if len(outcomes) == 0 {
		return weights, nil
	}

	var sum float64
	for i, o := range outcomes {
		w := p.Raw(o, language)
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, fusionErrorf("weighting", "engine %s has invalid raw weight %v", o.Member.Name, w)
		}
		weights[i] = w
		sum += w
	}

	if sum > 0 {
		for i := range weights {
			weights[i] /= sum
		}
		return weights, nil
	}

	uniform := 1 / float64(len(outcomes))
	for i := range weights {
		weights[i] = uniform
	}
	return weights, nil
}

func (p WeightPolicy) validate() error {
	switch p.Weighting {
	case WeightingStatic, WeightingSelf:
	default:
		return fmt.Errorf("unknown weighting %q", p.Weighting)
	}
	for name, f := range map[string]float64{
		"watermark_significant":   p.WatermarkSignificant,
		"watermark_insignificant": p.WatermarkInsignificant,
		"foreign_language":        p.ForeignLanguage,
		"home_language":           p.HomeLanguageFactor,
		"default_gamma":           p.DefaultGamma,
	} {
		if math.IsNaN(f) || f < 0 {
			return fmt.Errorf("weight factor %s must be non-negative, got %v", name, f)
		}
	}
	return nil
}
