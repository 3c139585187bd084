package ensemble

import (
	"errors"
	"fmt"
	"time"

	"github.com/macdet/macdet/internal/detection"
)

// ErrEmptyText rejects a request before anything is dispatched.
var ErrEmptyText = errors.New("text is required")

// FusionError signals a broken arithmetic contract inside the fusion
// pipeline. It is the only failure surfaced to callers as a server error.
type FusionError struct {
	Stage string
	Err   error
}

func (e *FusionError) Error() string {
	return fmt.Sprintf("fusion %s: %v", e.Stage, e.Err)
}

func (e *FusionError) Unwrap() error { return e.Err }

func fusionErrorf(stage, format string, args ...any) error {
	return &FusionError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Member describes one engine of the ensemble.
type Member struct {
	Name       string         `json:"name"`
	Kind       detection.Kind `json:"kind"`
	BaseWeight float64        `json:"base_weight"`
	// Timeout overrides the dispatcher's per-engine timeout for this member.
	Timeout    time.Duration  `json:"-"`
}

// Request is the request-scoped input of a fusion.
type Request struct {
	Text     string
	Language string
}

// UnavailableReason explains why an engine did not contribute.
type UnavailableReason string

const (
	ReasonNotRegistered   UnavailableReason = "not_registered"
	ReasonTimeout         UnavailableReason = "timeout"
	ReasonDetectionFailed UnavailableReason = "detection_failed"
	ReasonMalformed       UnavailableReason = "malformed_result"
)

// Outcome pairs a member with its result or with the reason it has none.
type Outcome struct {
	Member  Member
	Result  detection.Result
	Reason  UnavailableReason
	Detail  string
	Latency time.Duration
}

// Available reports whether the outcome carries a usable result.
func (o Outcome) Available() bool { return o.Reason == "" }

func unavailable(m Member, reason UnavailableReason, detail string) Outcome {
	return Outcome{Member: m, Reason: reason, Detail: detail}
}

// Mode selects a fusion strategy.
type Mode string

const (
	ModeDecisionTree Mode = "decision_tree"
	ModeLinearPool   Mode = "linear_pool"
)

// ParseMode validates a configured or requested mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDecisionTree, ModeLinearPool:
		return m, nil
	case "tree", "override":
		return ModeDecisionTree, nil
	case "pool", "weighted":
		return ModeLinearPool, nil
	default:
		return "", fmt.Errorf("unknown fusion mode %q", s)
	}
}
