// Package segmenter extracts the foreground plant region from an image
// before classification, using a chain of color-space methods that falls
// back to the unmodified input rather than failing the request.
package segmenter

import (
	"fmt"
	"image"
	"image/color"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// MethodConfig selects one segmentation variant and its parameters.
type MethodConfig struct {
	Method  string // "hsv", "lab" or "rgb_auto"
	HSVLow  [3]float64
	HSVHigh [3]float64
}

// DefaultFallbackChain returns the ordered method list tried by
// SegmentWithFallback: three HSV tunings for standard, light and dark
// foliage, then Lab, then the RGB auto threshold.
func DefaultFallbackChain() []MethodConfig {
	return []MethodConfig{
		{Method: "hsv", HSVLow: [3]float64{25, 40, 40}, HSVHigh: [3]float64{90, 255, 255}},
		{Method: "hsv", HSVLow: [3]float64{35, 30, 70}, HSVHigh: [3]float64{85, 255, 255}},
		{Method: "hsv", HSVLow: [3]float64{20, 50, 30}, HSVHigh: [3]float64{70, 255, 200}},
		{Method: "lab"},
		{Method: "rgb_auto"},
	}
}

// Segmenter performs multi-method foreground extraction on BGR images.
type Segmenter struct {
	log zerolog.Logger

	kernelSize  int     // elliptical structuring element side
	minArea     float64 // bounding-box pixels below which a contour is a false detection
	minCoverage float64 // fallback acceptance: mask foreground fraction of image area
}

// New creates a segmenter with the default morphology and acceptance tuning.
func New(log zerolog.Logger) *Segmenter {
	return &Segmenter{
		log:         log.With().Str("component", "segmenter").Logger(),
		kernelSize:  15,
		minArea:     1000,
		minCoverage: 0.1,
	}
}

// Segment runs one configured method. The returned image and mask are new
// Mats owned by the caller.
func (s *Segmenter) Segment(img gocv.Mat, mc MethodConfig) (gocv.Mat, gocv.Mat, error) {
	switch mc.Method {
	case "hsv":
		return s.segmentHSV(img, mc.HSVLow, mc.HSVHigh)
	case "lab":
		return s.segmentLab(img)
	case "rgb_auto":
		return s.segmentRGBAuto(img)
	default:
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("unsupported segmentation method: %q", mc.Method)
	}
}

// SegmentWithFallback tries the method chain in order and accepts the first
// candidate whose mask covers at least 10%% of the image area. Candidate
// errors advance the chain; exhausting it returns the unmodified input with
// a full-foreground mask. It never returns an error.
func (s *Segmenter) SegmentWithFallback(img gocv.Mat, chain []MethodConfig) (gocv.Mat, gocv.Mat) {
	if len(chain) == 0 {
		chain = DefaultFallbackChain()
	}
	total := float64(img.Rows() * img.Cols())

	for i, mc := range chain {
		seg, mask, err := s.Segment(img, mc)
		if err != nil {
			s.log.Debug().Err(err).Int("candidate", i+1).Str("method", mc.Method).
				Msg("segmentation candidate failed, trying next")
			continue
		}
		coverage := float64(gocv.CountNonZero(mask)) / total
		if coverage >= s.minCoverage {
			return seg, mask
		}
		seg.Close()
		mask.Close()
	}

	s.log.Debug().Msg("all segmentation candidates rejected, returning original image")
	return img.Clone(), fullMask(img.Rows(), img.Cols())
}

// segmentHSV thresholds against an HSV box (defaults tuned for green
// foliage) and refines the raw mask.
func (s *Segmenter) segmentHSV(img gocv.Mat, low, high [3]float64) (gocv.Mat, gocv.Mat, error) {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv,
		gocv.NewScalar(low[0], low[1], low[2], 0),
		gocv.NewScalar(high[0], high[1], high[2], 0),
		&mask)

	return s.refine(img, mask)
}

// segmentLab equalizes the Lab a channel and applies an inverted Otsu
// threshold (green foreground sits low on the a axis).
func (s *Segmenter) segmentLab(img gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(img, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	if len(channels) != 3 {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("expected 3 Lab channels, got %d", len(channels))
	}

	aEq := gocv.NewMat()
	defer aEq.Close()
	gocv.EqualizeHist(channels[1], &aEq)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(aEq, &mask, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	return s.refine(img, mask)
}

// segmentRGBAuto computes the green ratio (G-R)/(R+G+B) per pixel with a
// zero-denominator guard, normalizes to 0-255 and applies an Otsu threshold.
func (s *Segmenter) segmentRGBAuto(img gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	floatImg := gocv.NewMat()
	defer floatImg.Close()
	img.ConvertTo(&floatImg, gocv.MatTypeCV32FC3)

	channels := gocv.Split(floatImg) // BGR order
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	if len(channels) != 3 {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("expected 3 channels, got %d", len(channels))
	}

	bData, err := channels[0].DataPtrFloat32()
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("read blue channel: %w", err)
	}
	gData, err := channels[1].DataPtrFloat32()
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("read green channel: %w", err)
	}
	rData, err := channels[2].DataPtrFloat32()
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("read red channel: %w", err)
	}

	ratio := gocv.NewMatWithSize(img.Rows(), img.Cols(), gocv.MatTypeCV32F)
	defer ratio.Close()
	ratioData, err := ratio.DataPtrFloat32()
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("allocate ratio mat: %w", err)
	}
	for i := range ratioData {
		denom := rData[i] + gData[i] + bData[i]
		if denom == 0 {
			denom = 1
		}
		ratioData[i] = (gData[i] - rData[i]) / denom
	}

	norm := gocv.NewMat()
	defer norm.Close()
	gocv.Normalize(ratio, &norm, 0, 255, gocv.NormMinMax)

	norm8u := gocv.NewMat()
	defer norm8u.Close()
	norm.ConvertTo(&norm8u, gocv.MatTypeCV8U)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(norm8u, &mask, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	return s.refine(img, mask)
}

// refine cleans the raw mask with an elliptical close+open, keeps only the
// largest external contour and extracts the masked region. A contour whose
// bounding box is below the minimum area counts as a false detection and
// yields the unmodified input with a full-foreground mask.
func (s *Segmenter) refine(img gocv.Mat, rawMask gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(s.kernelSize, s.kernelSize))
	defer kernel.Close()

	cleaned := gocv.NewMat()
	defer cleaned.Close()
	gocv.MorphologyEx(rawMask, &cleaned, gocv.MorphClose, kernel)
	gocv.MorphologyEx(cleaned, &cleaned, gocv.MorphOpen, kernel)

	contours := gocv.FindContours(cleaned, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return img.Clone(), fullMask(img.Rows(), img.Cols()), nil
	}

	largest := 0
	largestArea := gocv.ContourArea(contours.At(0))
	for i := 1; i < contours.Size(); i++ {
		if area := gocv.ContourArea(contours.At(i)); area > largestArea {
			largest = i
			largestArea = area
		}
	}

	box := gocv.BoundingRect(contours.At(largest))
	if float64(box.Dx()*box.Dy()) < s.minArea {
		return img.Clone(), fullMask(img.Rows(), img.Cols()), nil
	}

	mask := gocv.Zeros(img.Rows(), img.Cols(), gocv.MatTypeCV8U)
	gocv.DrawContours(&mask, contours, largest, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	segmented := gocv.NewMat()
	gocv.BitwiseAndWithMask(img, img, &segmented, mask)
	return segmented, mask, nil
}

func fullMask(rows, cols int) gocv.Mat {
	mask := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8U)
	mask.SetTo(gocv.NewScalar(255, 255, 255, 255))
	return mask
}
