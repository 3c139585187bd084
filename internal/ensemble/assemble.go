package ensemble

import (
	"github.com/macdet/macdet/internal/detection"
)

// FusedVerdict is the response of a fusion: the final decision plus the
// per-engine breakdown in ensemble order.
type FusedVerdict struct {
	RequestID    string          `json:"request_id,omitempty"`
	Label        detection.Label `json:"label"`
	Confidence   float64         `json:"confidence"`
	Distribution *Distribution   `json:"fused_distribution,omitempty"`
	Mode         Mode            `json:"mode"`
	Language     string          `json:"language"`
	// AllUnavailable marks a fallback verdict produced without any engine.
	AllUnavailable bool           `json:"all_engines_unavailable"`
	PerEngine      []EngineReport `json:"per_engine"`
}

// EngineReport is one engine's contribution.
type EngineReport struct {
	Name       string                         `json:"name"`
	Kind       detection.Kind                 `json:"kind"`
	Available  bool                           `json:"available"`
	Reason     UnavailableReason              `json:"unavailable_reason,omitempty"`
	Detail     string                         `json:"detail,omitempty"`
	Label      detection.Label                `json:"label,omitempty"`
	Confidence *float64                       `json:"confidence,omitempty"`
	Vector     *[2]float64                    `json:"probability_vector,omitempty"`
	Stats      *detection.StatisticalMetadata `json:"statistical_metadata,omitempty"`
	Normalized Distribution                   `json:"normalized_distribution"`
	Weight     float64                        `json:"weight"`
	LatencyMs  float64                        `json:"latency_ms"`
}

// Assemble bundles a verdict with the outcomes it was computed from.
func Assemble(mode Mode, language string, v Verdict, in Input) *FusedVerdict {
	out := &FusedVerdict{
		Label:          v.Label,
		Confidence:     v.Confidence,
		Distribution:   v.Distribution,
		Mode:           mode,
		Language:       language,
		AllUnavailable: true,
		PerEngine:      make([]EngineReport, 0, len(in.Outcomes)),
	}

	for i, o := range in.Outcomes {
		rep := EngineReport{
			Name:       o.Member.Name,
			Kind:       o.Member.Kind,
			Available:  o.Available(),
			Reason:     o.Reason,
			Detail:     o.Detail,
			Normalized: in.Distributions[i],
			Weight:     in.Weights[i],
			LatencyMs:  float64(o.Latency.Microseconds()) / 1000,
		}
		if o.Available() {
			out.AllUnavailable = false
			rep.Label = o.Result.Label
			if o.Result.Label != "" {
				conf := o.Result.Confidence
				rep.Confidence = &conf
			}
			rep.Vector = o.Result.Probabilities
			rep.Stats = o.Result.Stats
		} else {
			// Unavailable engines carry no weight in the report.
			rep.Weight = 0
		}
		out.PerEngine = append(out.PerEngine, rep)
	}
	return out
}
