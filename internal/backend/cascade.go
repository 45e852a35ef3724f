package backend

import (
	"fmt"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// CascadeBackend pairs a required student model with optional teacher models.
// The student alone decides; teacher outputs are diagnostic metadata and are
// never blended into the returned prediction.
type CascadeBackend struct {
	studentPath  string
	teacherPaths []string
	cfg          Config
	log          zerolog.Logger

	student  *SingleBackend
	teachers []*SingleBackend
	loaded   bool

	// loadMember builds and loads one model; replaceable in tests.
	loadMember func(path string) (*SingleBackend, error)
}

// NewCascade creates an unloaded cascade backend.
func NewCascade(studentPath string, teacherPaths []string, cfg Config, log zerolog.Logger) *CascadeBackend {
	cfg.applyDefaults()
	b := &CascadeBackend{
		studentPath:  studentPath,
		teacherPaths: teacherPaths,
		cfg:          cfg,
		log:          log.With().Str("backend", string(KindCascade)).Logger(),
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
func (b *CascadeBackend) Kind() Kind { return KindCascade }

// Loaded reports whether the student loaded successfully.
func (b *CascadeBackend) Loaded() bool { return b.loaded }

// Labels returns the ordered class taxonomy.
func (b *CascadeBackend) Labels() []string { return b.cfg.ClassNames }

// NumTeachers returns the count of teacher models that survived Load.
func (b *CascadeBackend) NumTeachers() int { return len(b.teachers) }

// Load loads the student, failing the whole backend if it fails. Teacher
// loads are attempted only when use_teacher is set; their failures are
// logged and skipped.
func (b *CascadeBackend) Load() error {
	student, err := b.loadMember(b.studentPath)
	if err != nil {
		return fmt.Errorf("load student model: %w", err)
	}
	b.student = student
	b.log.Info().Str("path", b.studentPath).Msg("student model loaded")

	if b.cfg.UseTeacher {
		for _, path := range b.teacherPaths {
			t, err := b.loadMember(path)
			if err != nil {
				b.log.Warn().Err(err).Str("path", path).Msg("teacher model failed to load, skipping")
				continue
			}
			b.teachers = append(b.teachers, t)
			b.log.Info().Str("path", path).Msg("teacher model loaded")
		}
	}

	b.loaded = true
	b.log.Info().Int("teachers", len(b.teachers)).Msg("cascade loaded")
	return nil
}

// Predict delegates the decision to the student. When teachers are enabled
// and loaded, each is invoked for diagnostics; a failing teacher is dropped
// from the metadata and never affects the student's result.
func (b *CascadeBackend) Predict(img gocv.Mat, threshold float32) (*PredictionResult, error) {
	if !b.loaded {
		return nil, ErrNotLoaded
	}

	result, err := b.student.Predict(img, threshold)
	if err != nil {
		return nil, err
	}

	if b.cfg.UseTeacher && len(b.teachers) > 0 {
		var teacherResults []*PredictionResult
		for i, t := range b.teachers {
			tr, err := t.Predict(img, threshold)
			if err != nil {
				b.log.Warn().Err(err).Int("teacher", i+1).Msg("teacher prediction failed, omitting")
				continue
			}
			teacherResults = append(teacherResults, tr)
		}
		if len(teacherResults) > 0 {
			result.TeacherPredictions = teacherResults
			result.Cascade = &CascadeInfo{
				StudentModel:  true,
				TeacherModels: len(b.teachers),
				Temperature:   b.cfg.Temperature,
			}
		}
	}

	return result, nil
}

// Close releases student and teacher resources.
func (b *CascadeBackend) Close() error {
	var firstErr error
	if b.student != nil {
		firstErr = b.student.Close()
	}
	for _, t := range b.teachers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
