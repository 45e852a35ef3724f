package backend

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// Strategy selects how an ensemble combines member score vectors.
type Strategy string

const (
	StrategyAverage  Strategy = "average"
	StrategyWeighted Strategy = "weighted"
	StrategyVoting   Strategy = "voting"
)

// EnsembleBackend owns an ordered list of single-model members and combines
// their raw outputs. Member load and inference failures are tolerated as
// long as at least one member survives.
type EnsembleBackend struct {
	paths    []string
	cfg      Config
	log      zerolog.Logger
	strategy Strategy

	members []*SingleBackend
	weights []float64
	loaded  bool

	// loadMember builds and loads one member; replaceable in tests.
	loadMember func(path string) (*SingleBackend, error)
}

// NewEnsemble creates an unloaded ensemble over the given member paths. All
// members share the ensemble's input spec and label taxonomy.
func NewEnsemble(paths []string, cfg Config, log zerolog.Logger) *EnsembleBackend {
	cfg.applyDefaults()
	b := &EnsembleBackend{
		paths:    paths,
		cfg:      cfg,
		log:      log.With().Str("backend", string(KindEnsemble)).Logger(),
		strategy: Strategy(cfg.EnsembleStrategy),
	}
	b.loadMember = func(path string) (*SingleBackend, error) {
		m := NewSingle(path, b.cfg, b.log)
		if err := m.Load(); err != nil {
			return nil, err
		}
		return m, nil
	}
	return b
}

// Kind reports the backend variant.
func (b *EnsembleBackend) Kind() Kind { return KindEnsemble }

// Loaded reports whether at least one member loaded successfully.
func (b *EnsembleBackend) Loaded() bool { return b.loaded }

// Labels returns the ordered class taxonomy.
func (b *EnsembleBackend) Labels() []string { return b.cfg.ClassNames }

// NumMembers returns the count of members that survived Load.
func (b *EnsembleBackend) NumMembers() int { return len(b.members) }

// Weights returns the normalized weight vector, nil unless weights apply.
func (b *EnsembleBackend) Weights() []float64 { return b.weights }

// Load attempts to load every configured member. A failing member is logged
// and dropped; Load fails only when zero members succeed. Afterwards the
// weight vector is normalized to sum to 1, falling back to uniform weights
// when the weighted strategy has none.
func (b *EnsembleBackend) Load() error {
	for i, path := range b.paths {
		m, err := b.loadMember(path)
		if err != nil {
			b.log.Warn().Err(err).Int("member", i+1).Str("path", path).
				Msg("ensemble member failed to load, dropping")
			continue
		}
		b.members = append(b.members, m)
		b.log.Info().Int("member", i+1).Int("total", len(b.paths)).Str("path", path).
			Msg("ensemble member loaded")
	}
	if len(b.members) == 0 {
		return fmt.Errorf("%w: %d paths configured", ErrNoMembers, len(b.paths))
	}

	if len(b.cfg.Weights) == len(b.members) {
		var sum float64
		for _, w := range b.cfg.Weights {
			sum += w
		}
		if sum > 0 {
			b.weights = make([]float64, len(b.cfg.Weights))
			for i, w := range b.cfg.Weights {
				b.weights[i] = w / sum
			}
		}
	}
	if b.weights == nil && b.strategy == StrategyWeighted {
		b.weights = make([]float64, len(b.members))
		for i := range b.weights {
			b.weights[i] = 1.0 / float64(len(b.members))
		}
		b.log.Warn().Msg("weighted strategy without weights, using uniform weights")
	}

	b.loaded = true
	b.log.Info().Int("members", len(b.members)).Str("strategy", string(b.strategy)).
		Msg("ensemble loaded")
	return nil
}

// Predict preprocesses once via the first member's pipeline, fans the input
// out to every member, drops members whose engine call fails, aggregates the
// surviving raw outputs and postprocesses the combined vector.
func (b *EnsembleBackend) Predict(img gocv.Mat, threshold float32) (*PredictionResult, error) {
	if !b.loaded {
		return nil, ErrNotLoaded
	}

	input, err := b.members[0].Preprocess(img)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	// Member calls are independent; run them concurrently but report in
	// member order.
	raws := make([][]float32, len(b.members))
	errs := make([]error, len(b.members))
	var wg sync.WaitGroup
	for i, m := range b.members {
		wg.Add(1)
		go func(i int, m *SingleBackend) {
			defer wg.Done()
			raws[i], errs[i] = m.Infer(input)
		}(i, m)
	}
	wg.Wait()

	outputs := make([][]float32, 0, len(b.members))
	for i := range b.members {
		if errs[i] != nil {
			b.log.Warn().Err(errs[i]).Int("member", i+1).Msg("ensemble member inference failed, excluding")
			continue
		}
		outputs = append(outputs, raws[i])
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: %d members", ErrAllMembersFailed, len(b.members))
	}

	var combined []float32
	switch b.strategy {
	case StrategyAverage:
		combined = aggregateAverage(outputs)
	case StrategyWeighted:
		combined = aggregateWeighted(outputs, b.weights)
	case StrategyVoting:
		combined = aggregateVoting(outputs)
	default:
		b.log.Warn().Str("strategy", string(b.strategy)).Msg("unknown ensemble strategy, using average")
		combined = aggregateAverage(outputs)
	}

	result := postprocess(combined, b.cfg.ClassNames, threshold)
	result.Ensemble = &EnsembleInfo{NumModels: len(b.members), Strategy: b.strategy}
	return result, nil
}

// Close releases all member resources.
func (b *EnsembleBackend) Close() error {
	var firstErr error
	for _, m := range b.members {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// aggregateAverage returns the elementwise arithmetic mean of the outputs.
func aggregateAverage(outputs [][]float32) []float32 {
	combined := make([]float32, len(outputs[0]))
	for _, out := range outputs {
		for i, v := range out {
			combined[i] += v
		}
	}
	n := float32(len(outputs))
	for i := range combined {
		combined[i] /= n
	}
	return combined
}

// aggregateWeighted returns the elementwise weighted sum using the normalized
// weight vector. A missing or mismatched vector falls back to the average.
func aggregateWeighted(outputs [][]float32, weights []float64) []float32 {
	if len(weights) != len(outputs) {
		return aggregateAverage(outputs)
	}
	combined := make([]float32, len(outputs[0]))
	for m, out := range outputs {
		w := float32(weights[m])
		for i, v := range out {
			combined[i] += w * v
		}
	}
	return combined
}

// aggregateVoting converts each output to probabilities, lets its top-1 class
// cast one vote and divides the tally by the number of contributing members.
// Ties resolve to the lowest class index.
func aggregateVoting(outputs [][]float32) []float32 {
	votes := make([]float32, len(outputs[0]))
	for _, out := range outputs {
		probs := softmax(out)
		top := 0
		for i, p := range probs {
			if p > probs[top] {
				top = i
			}
		}
		votes[top]++
	}
	n := float32(len(outputs))
	for i := range votes {
		votes[i] /= n
	}
	return votes
}
