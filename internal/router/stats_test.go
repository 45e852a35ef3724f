package router

import (
	"math"
	"testing"
)

func TestStatsOnlineMean(t *testing.T) {
	var s routerStats
	samples := []float64{0.1, 0.3, 0.2, 0.6}
	var sum float64
	for _, v := range samples {
		s.record(PathFast, v)
		sum += v
	}

	snap := s.snapshot()
	if snap.StudentPredictions != len(samples) {
		t.Fatalf("student count = %d, want %d", snap.StudentPredictions, len(samples))
	}
	want := sum / float64(len(samples))
	if math.Abs(snap.StudentAvgTime-want) > 1e-12 {
		t.Fatalf("student avg = %v, want %v", snap.StudentAvgTime, want)
	}
	if math.Abs(snap.TotalTime-sum) > 1e-12 {
		t.Fatalf("total time = %v, want %v", snap.TotalTime, sum)
	}
}

func TestStatsPerPathCounters(t *testing.T) {
	var s routerStats
	s.record(PathFast, 0.1)
	s.record(PathEnsemble, 0.5)
	s.record(PathFast, 0.3)
	s.record(PathEnsemble, 0.7)

	snap := s.snapshot()
	if snap.StudentPredictions != 2 || snap.EnsemblePredictions != 2 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.TotalPredictions != 4 {
		t.Fatalf("total predictions = %d, want 4", snap.TotalPredictions)
	}
	if math.Abs(snap.StudentAvgTime-0.2) > 1e-12 {
		t.Fatalf("student avg = %v, want 0.2", snap.StudentAvgTime)
	}
	if math.Abs(snap.EnsembleAvgTime-0.6) > 1e-12 {
		t.Fatalf("ensemble avg = %v, want 0.6", snap.EnsembleAvgTime)
	}
	if math.Abs(snap.TotalTime-1.6) > 1e-12 {
		t.Fatalf("total time = %v, want 1.6", snap.TotalTime)
	}
}

func TestStatsReset(t *testing.T) {
	var s routerStats
	s.record(PathFast, 0.1)
	s.record(PathEnsemble, 0.2)
	s.reset()

	if snap := s.snapshot(); snap != (Stats{}) {
		t.Fatalf("expected zeroed stats after reset, got %+v", snap)
	}
}
