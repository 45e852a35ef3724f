package router

import "sync"

// Stats is a read-only snapshot of the router's counters and running
// average latencies per path.
type Stats struct {
	StudentPredictions  int     `json:"student_predictions"`
	EnsemblePredictions int     `json:"ensemble_predictions"`
	TotalPredictions    int     `json:"total_predictions"`
	StudentAvgTime      float64 `json:"student_avg_time"`
	EnsembleAvgTime     float64 `json:"ensemble_avg_time"`
	TotalTime           float64 `json:"total_time"`
}

// routerStats is the only mutable shared state in the router. Counters and
// averages are updated under the mutex so concurrent route calls never lose
// updates.
type routerStats struct {
	mu sync.Mutex

	fastCount     int
	ensembleCount int
	fastAvg       float64
	ensembleAvg   float64
	totalTime     float64
}

// record applies the online-mean update avg += (sample-avg)/count with the
// post-increment count, identically for both paths.
func (s *routerStats) record(path Path, elapsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch path {
	case PathEnsemble:
		s.ensembleCount++
		s.ensembleAvg += (elapsed - s.ensembleAvg) / float64(s.ensembleCount)
	default:
		s.fastCount++
		s.fastAvg += (elapsed - s.fastAvg) / float64(s.fastCount)
	}
	s.totalTime += elapsed
}

func (s *routerStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		StudentPredictions:  s.fastCount,
		EnsemblePredictions: s.ensembleCount,
		TotalPredictions:    s.fastCount + s.ensembleCount,
		StudentAvgTime:      s.fastAvg,
		EnsembleAvgTime:     s.ensembleAvg,
		TotalTime:           s.totalTime,
	}
}

func (s *routerStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fastCount = 0
	s.ensembleCount = 0
	s.fastAvg = 0
	s.ensembleAvg = 0
	s.totalTime = 0
}
