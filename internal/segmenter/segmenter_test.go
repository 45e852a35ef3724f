package segmenter

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// leafImage paints a centered green rectangle covering about half the area
// of a gray 200x200 canvas.
func leafImage(t *testing.T) gocv.Mat {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(120, 120, 120, 0), 200, 200, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&img, image.Rect(30, 30, 170, 172), color.RGBA{R: 30, G: 160, B: 20, A: 255}, -1)
	t.Cleanup(func() { img.Close() })
	return img
}

func grayImage(t *testing.T) gocv.Mat {
	t.Helper()
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(120, 120, 120, 0), 200, 200, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	return img
}

func maskCoverage(mask gocv.Mat) float64 {
	return float64(gocv.CountNonZero(mask)) / float64(mask.Rows()*mask.Cols())
}

func TestSegmentHSVExtractsGreenRegion(t *testing.T) {
	s := New(zerolog.Nop())
	img := leafImage(t)

	seg, mask, err := s.Segment(img, DefaultFallbackChain()[0])
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	defer seg.Close()
	defer mask.Close()

	coverage := maskCoverage(mask)
	// The rectangle covers ~0.5 of the image; morphology moves the edges a
	// little.
	if math.Abs(coverage-0.5) > 0.1 {
		t.Fatalf("mask coverage = %v, want about 0.5", coverage)
	}
	if seg.Rows() != img.Rows() || seg.Cols() != img.Cols() {
		t.Fatalf("segmented image size changed: %dx%d", seg.Cols(), seg.Rows())
	}
}

func TestSegmentUnknownMethod(t *testing.T) {
	s := New(zerolog.Nop())
	img := leafImage(t)

	if _, _, err := s.Segment(img, MethodConfig{Method: "psychic"}); err == nil {
		t.Fatalf("expected error for unknown method")
	}
}

func TestSegmentWithFallbackAcceptsFirstGoodCandidate(t *testing.T) {
	s := New(zerolog.Nop())
	img := leafImage(t)

	seg, mask := s.SegmentWithFallback(img, nil)
	defer seg.Close()
	defer mask.Close()

	if coverage := maskCoverage(mask); coverage < s.minCoverage {
		t.Fatalf("accepted mask below coverage floor: %v", coverage)
	}
}

func TestSegmentWithFallbackSkipsBadCandidates(t *testing.T) {
	s := New(zerolog.Nop())
	img := leafImage(t)

	chain := []MethodConfig{
		{Method: "psychic"},
		DefaultFallbackChain()[0],
	}
	seg, mask := s.SegmentWithFallback(img, chain)
	defer seg.Close()
	defer mask.Close()

	if coverage := maskCoverage(mask); coverage < s.minCoverage {
		t.Fatalf("fallback did not reach the working candidate: %v", coverage)
	}
}

func TestSegmentWithFallbackNeverFails(t *testing.T) {
	s := New(zerolog.Nop())
	img := grayImage(t)

	// Every candidate is invalid, so the original image comes back with a
	// full-foreground mask.
	chain := []MethodConfig{{Method: "psychic"}, {Method: "haruspex"}}
	seg, mask := s.SegmentWithFallback(img, chain)
	defer seg.Close()
	defer mask.Close()

	if coverage := maskCoverage(mask); coverage != 1.0 {
		t.Fatalf("expected full-foreground mask, coverage = %v", coverage)
	}
	if seg.Rows() != img.Rows() || seg.Cols() != img.Cols() {
		t.Fatalf("fallback image size changed: %dx%d", seg.Cols(), seg.Rows())
	}
}

func TestRefineRejectsSmallContours(t *testing.T) {
	s := New(zerolog.Nop())
	// A tiny green dot: the HSV mask finds it but its bounding box is below
	// the minimum area, so the whole image comes back.
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(120, 120, 120, 0), 200, 200, gocv.MatTypeCV8UC3)
	defer img.Close()
	gocv.Rectangle(&img, image.Rect(95, 95, 115, 115), color.RGBA{R: 30, G: 160, B: 20, A: 255}, -1)

	seg, mask, err := s.Segment(img, DefaultFallbackChain()[0])
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	defer seg.Close()
	defer mask.Close()

	if coverage := maskCoverage(mask); coverage != 1.0 {
		t.Fatalf("small contour must yield a full mask, coverage = %v", coverage)
	}
}
