// Package router dispatches each inference request to the cheapest backend
// that meets the confidence bar for the requesting device's capability tier,
// escalating to the ensemble and reconciling disagreements.
package router

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/verdant/leafscan/internal/backend"
	"github.com/verdant/leafscan/internal/segmenter"
)

// Path identifies which backend produced the routed result.
type Path string

const (
	PathFast     Path = "fast"
	PathEnsemble Path = "ensemble"
)

// Decision tags on the confidence analysis.
const (
	DecisionFastSufficient = "fast_model_sufficient"
	DecisionSwitched       = "switched_to_ensemble"
	DecisionOnlyFast       = "only_fast_available"
)

// Reconciliation verdicts when the fast and ensemble results are compared.
const (
	VerdictMatch             = "predictions_match"
	VerdictEnsemblePreferred = "ensemble_preferred"
)

// ErrNoBackendAvailable means the router has neither a fast nor an ensemble
// backend loaded; the caller must surface this as service-unavailable.
var ErrNoBackendAvailable = errors.New("no backend available")

// Predictor is the slice of the backend contract the router needs.
type Predictor interface {
	Predict(img gocv.Mat, threshold float32) (*backend.PredictionResult, error)
	Loaded() bool
}

// Preprocessor runs the segmentation fallback chain before dispatch.
type Preprocessor interface {
	SegmentWithFallback(img gocv.Mat, chain []segmenter.MethodConfig) (gocv.Mat, gocv.Mat)
}

// Options carry the per-request routing knobs.
type Options struct {
	// UseSegmentation runs the fallback segmentation chain on the input.
	UseSegmentation bool

	// ThresholdOverride, when positive, replaces the tier confidence bar
	// for the fast path.
	ThresholdOverride float32
}

// ConfidenceAnalysis records why the router kept or escalated the fast
// result.
type ConfidenceAnalysis struct {
	FastConfidence float32 `json:"fast_confidence"`
	Threshold      float32 `json:"threshold"`
	Decision       string  `json:"decision"`
}

// RouteResult wraps a prediction with the routing metadata of the call.
type RouteResult struct {
	Result         *backend.PredictionResult `json:"result"`
	PathUsed       Path                      `json:"model_used"`
	DeviceTier     Tier                      `json:"device_tier"`
	Threshold      float32                   `json:"confidence_threshold"`
	ElapsedSeconds float64                   `json:"inference_time_seconds"`

	// Analysis is set on the fast/escalation paths, never on the direct
	// high-tier ensemble path.
	Analysis *ConfidenceAnalysis `json:"confidence_analysis,omitempty"`

	// Final and Reconciliation are set when fast and ensemble results were
	// compared: on agreement Final carries the mean of the two confidences,
	// otherwise it repeats the ensemble's top prediction.
	Final          *backend.Prediction `json:"final_prediction,omitempty"`
	Reconciliation string              `json:"reconciliation,omitempty"`
}

// Router owns the loaded backends, the preprocessor and the running stats.
// Construct once at startup and pass by reference into request handlers.
type Router struct {
	fast     Predictor
	ensemble Predictor
	pre      Preprocessor
	chain    []segmenter.MethodConfig

	thresholds map[Tier]float32
	stats      routerStats
	log        zerolog.Logger
}

// New creates a router over the given backends. Either backend may be nil;
// Route fails with ErrNoBackendAvailable only when both are unusable.
func New(fast, ensemble Predictor, pre Preprocessor, log zerolog.Logger) *Router {
	return &Router{
		fast:       fast,
		ensemble:   ensemble,
		pre:        pre,
		chain:      segmenter.DefaultFallbackChain(),
		thresholds: DefaultThresholds(),
		log:        log.With().Str("component", "router").Logger(),
	}
}

// Stats returns a snapshot of the per-path counters and averages.
func (r *Router) Stats() Stats { return r.stats.snapshot() }

// ResetStats clears all counters and averages.
func (r *Router) ResetStats() { r.stats.reset() }

// UpdateThresholds replaces the confidence bars for the given tiers.
func (r *Router) UpdateThresholds(thresholds map[Tier]float32) {
	for tier, v := range thresholds {
		r.thresholds[tier] = v
	}
}

func available(p Predictor) bool {
	return p != nil && p.Loaded()
}

// Route classifies the device tier, optionally segments the image, then
// dispatches: high-tier devices go straight to the ensemble; otherwise the
// fast backend answers when its confidence meets the bar and the ensemble
// is consulted when it does not.
func (r *Router) Route(img gocv.Mat, deviceDescriptor string, opts Options) (*RouteResult, error) {
	start := time.Now()

	tier := ClassifyDevice(deviceDescriptor)
	bar := r.thresholds[tier]
	if opts.ThresholdOverride > 0 {
		bar = opts.ThresholdOverride
	}

	input := img
	if opts.UseSegmentation && r.pre != nil {
		seg, mask := r.pre.SegmentWithFallback(img, r.chain)
		mask.Close()
		defer seg.Close()
		input = seg
	}

	fastOK := available(r.fast)
	ensembleOK := available(r.ensemble)

	// Direct high-tier policy: the ensemble answers regardless of any
	// confidence value.
	if tier == TierHigh && ensembleOK {
		return r.routeEnsembleDirect(input, tier, bar, start)
	}

	if !fastOK {
		if !ensembleOK {
			return nil, ErrNoBackendAvailable
		}
		return r.routeEnsembleDirect(input, tier, bar, start)
	}

	fastResult, err := r.fast.Predict(input, 0)
	if err != nil {
		return nil, err
	}

	var fastConfidence float32
	if top := fastResult.Top1(); top != nil {
		fastConfidence = top.Confidence
	}

	if fastConfidence >= bar {
		elapsed := time.Since(start).Seconds()
		r.stats.record(PathFast, elapsed)
		return &RouteResult{
			Result:         fastResult,
			PathUsed:       PathFast,
			DeviceTier:     tier,
			Threshold:      bar,
			ElapsedSeconds: elapsed,
			Analysis: &ConfidenceAnalysis{
				FastConfidence: fastConfidence,
				Threshold:      bar,
				Decision:       DecisionFastSufficient,
			},
		}, nil
	}

	if ensembleOK {
		ensembleResult, err := r.ensemble.Predict(input, 0)
		if err != nil {
			return nil, err
		}
		final, verdict := reconcile(fastResult, ensembleResult)
		r.log.Debug().Float32("fast_confidence", fastConfidence).Float32("threshold", bar).
			Str("verdict", verdict).Msg("escalated to ensemble")

		elapsed := time.Since(start).Seconds()
		r.stats.record(PathEnsemble, elapsed)
		return &RouteResult{
			Result:         ensembleResult,
			PathUsed:       PathEnsemble,
			DeviceTier:     tier,
			Threshold:      bar,
			ElapsedSeconds: elapsed,
			Analysis: &ConfidenceAnalysis{
				FastConfidence: fastConfidence,
				Threshold:      bar,
				Decision:       DecisionSwitched,
			},
			Final:          final,
			Reconciliation: verdict,
		}, nil
	}

	elapsed := time.Since(start).Seconds()
	r.stats.record(PathFast, elapsed)
	return &RouteResult{
		Result:         fastResult,
		PathUsed:       PathFast,
		DeviceTier:     tier,
		Threshold:      bar,
		ElapsedSeconds: elapsed,
		Analysis: &ConfidenceAnalysis{
			FastConfidence: fastConfidence,
			Threshold:      bar,
			Decision:       DecisionOnlyFast,
		},
	}, nil
}

// routeEnsembleDirect serves the ensemble result without any confidence
// analysis.
func (r *Router) routeEnsembleDirect(input gocv.Mat, tier Tier, bar float32, start time.Time) (*RouteResult, error) {
	result, err := r.ensemble.Predict(input, 0)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Seconds()
	r.stats.record(PathEnsemble, elapsed)
	return &RouteResult{
		Result:         result,
		PathUsed:       PathEnsemble,
		DeviceTier:     tier,
		Threshold:      bar,
		ElapsedSeconds: elapsed,
	}, nil
}

// reconcile compares the fast and ensemble top predictions. On agreement the
// reported confidence is the arithmetic mean of the two; otherwise the
// ensemble's top prediction stands verbatim.
func reconcile(fast, ensemble *backend.PredictionResult) (*backend.Prediction, string) {
	fastTop := fast.Top1()
	ensembleTop := ensemble.Top1()
	if fastTop == nil || ensembleTop == nil {
		return ensembleTop, VerdictEnsemblePreferred
	}
	if fastTop.Label == ensembleTop.Label {
		merged := *ensembleTop
		merged.Confidence = (fastTop.Confidence + ensembleTop.Confidence) / 2
		return &merged, VerdictMatch
	}
	return ensembleTop, VerdictEnsemblePreferred
}
