// Package predictor estimates how long a clinic visit will take. Estimates come
// from the remote duration model when it is reachable and from a deterministic
// heuristic otherwise.
package predictor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// HeuristicModelVersion marks estimates that did not come from the remote model.
const HeuristicModelVersion = "heuristic-fallback"

const heuristicConfidence = 0.5

// ErrInvalidFeatures is returned for caller mistakes; remote failures never are.
var ErrInvalidFeatures = errors.New("predictor: invalid features")

// Source says where an estimate came from.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
)

// Features describe one visit. TimeOfDay is the hour (0-23) and DayOfWeek
// counts from Monday=0 to Sunday=6, both in the clinic's time zone.
type Features struct {
	Department   string `json:"department"`
	Priority     string `json:"priority"`
	VisitType    string `json:"visitType"`
	SymptomCount int    `json:"symptomCount"`
	TimeOfDay    int    `json:"timeOfDay"`
	DayOfWeek    int    `json:"dayOfWeek"`
}

type Estimate struct {
	PredictedMinutes int     `json:"predictedMinutes"`
	Confidence       float64 `json:"confidence"`
	ModelVersion     string  `json:"modelVersion"`
	ModelType        string  `json:"modelType,omitempty"`
	Source           Source  `json:"source"`
}

var departmentBase = map[string]float64{
	"GENERAL_MEDICINE": 15,
	"PEDIATRICS":       15,
	"DENTAL":           15,
	"EMERGENCY":        25,
	"MENTAL_HEALTH":    45,
}

var priorityFactor = map[string]float64{
	"LOW":    0.7,
	"NORMAL": 1.0,
	"HIGH":   1.5,
	"URGENT": 2.0,
}

// Validate reports the first invalid feature wrapped in ErrInvalidFeatures.
func (f Features) Validate() error {
	if _, ok := departmentBase[f.Department]; !ok {
		return fmt.Errorf("%w: unknown department %q", ErrInvalidFeatures, f.Department)
	}
	if _, ok := priorityFactor[f.Priority]; !ok {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidFeatures, f.Priority)
	}
	if f.SymptomCount < 0 {
		return fmt.Errorf("%w: symptom count must not be negative, got %d", ErrInvalidFeatures, f.SymptomCount)
	}
	if f.TimeOfDay < 0 || f.TimeOfDay > 23 {
		return fmt.Errorf("%w: time of day must be an hour 0-23, got %d", ErrInvalidFeatures, f.TimeOfDay)
	}
	if f.DayOfWeek < 0 || f.DayOfWeek > 6 {
		return fmt.Errorf("%w: day of week must be 0-6, got %d", ErrInvalidFeatures, f.DayOfWeek)
	}
	return nil
}

// Heuristic validates f and returns the local estimate.
func Heuristic(f Features) (Estimate, error) {
	if err := f.Validate(); err != nil {
		return Estimate{}, err
	}
	return heuristic(f), nil
}

// heuristic assumes f is valid.
func heuristic(f Features) Estimate {
	minutes := departmentBase[f.Department]*priorityFactor[f.Priority] + float64(f.SymptomCount*3)
	return Estimate{
		PredictedMinutes: int(math.Round(minutes)),
		Confidence:       heuristicConfidence,
		ModelVersion:     HeuristicModelVersion,
		ModelType:        "heuristic",
		Source:           SourceHeuristic,
	}
}

// Weekday converts t to the Monday=0 numbering the model was trained on.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// At returns f with the clock-derived features taken from t.
func (f Features) At(t time.Time) Features {
	f.TimeOfDay = t.Hour()
	f.DayOfWeek = Weekday(t)
	return f
}
