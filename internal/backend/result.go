package backend

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Prediction is a single ranked class with its softmax confidence.
type Prediction struct {
	Label      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

// EnsembleInfo describes how an ensemble result was aggregated.
type EnsembleInfo struct {
	NumModels int      `json:"num_models"`
	Strategy  Strategy `json:"strategy"`
}

// CascadeInfo describes the student/teacher composition behind a result.
type CascadeInfo struct {
	StudentModel  bool    `json:"student_model"`
	TeacherModels int     `json:"teacher_models"`
	Temperature   float64 `json:"temperature"`
}

// PredictionResult holds the ranked, threshold-filtered predictions of one
// backend call. Predictions are ordered by descending confidence and
// truncated to top-K (K = min(5, number of classes)).
type PredictionResult struct {
	Predictions []Prediction `json:"predictions"`

	// Ensemble is set only on results produced by an ensemble backend.
	Ensemble *EnsembleInfo `json:"ensemble_info,omitempty"`

	// Cascade and TeacherPredictions are diagnostic metadata attached by a
	// cascade backend. Teacher outputs never alter the decision above.
	Cascade            *CascadeInfo        `json:"distillation_info,omitempty"`
	TeacherPredictions []*PredictionResult `json:"teacher_predictions,omitempty"`
}

// Top1 returns the highest-confidence prediction, or nil when the filtered
// list is empty.
func (r *PredictionResult) Top1() *Prediction {
	if r == nil || len(r.Predictions) == 0 {
		return nil
	}
	return &r.Predictions[0]
}

// SplitLabel splits a "Plant___Disease" taxonomy label into its two parts.
// Labels without the separator keep the whole label as the disease.
func SplitLabel(label string) (plant, disease string) {
	if i := strings.Index(label, "___"); i >= 0 {
		return label[:i], label[i+3:]
	}
	return "", label
}

// softmax converts raw scores to a probability distribution. Scores are
// shifted by the maximum for numeric stability.
func softmax(raw []float32) []float32 {
	if len(raw) == 0 {
		return nil
	}
	maxVal := raw[0]
	for _, v := range raw[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	probs := make([]float32, len(raw))
	var sum float64
	for i, v := range raw {
		e := math.Exp(float64(v - maxVal))
		probs[i] = float32(e)
		sum += e
	}
	for i := range probs {
		probs[i] = float32(float64(probs[i]) / sum)
	}
	return probs
}

// postprocess normalizes raw scores, ranks classes by descending confidence,
// keeps the top-K and drops entries below the threshold.
func postprocess(raw []float32, classNames []string, threshold float32) *PredictionResult {
	probs := softmax(raw)

	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool {
		return probs[indices[a]] > probs[indices[b]]
	})

	numClasses := len(classNames)
	if numClasses == 0 {
		numClasses = len(probs)
	}
	topK := numClasses
	if topK > 5 {
		topK = 5
	}
	if topK > len(indices) {
		topK = len(indices)
	}

	result := &PredictionResult{}
	for _, idx := range indices[:topK] {
		conf := probs[idx]
		if conf < threshold {
			continue
		}
		result.Predictions = append(result.Predictions, Prediction{
			Label:      className(classNames, idx),
			Confidence: conf,
			ClassID:    idx,
		})
	}
	return result
}

func className(classNames []string, idx int) string {
	if idx < len(classNames) {
		return classNames[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}
