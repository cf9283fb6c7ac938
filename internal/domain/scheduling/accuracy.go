package scheduling

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/medcenter/clinicflow/internal/platform/predictor"
)

// accurateWithinMinutes is the error at or below which a prediction counts as
// accurate in the coarse rate.
const accurateWithinMinutes = 10

type AccuracyBucket struct {
	Key               string  `json:"key"`
	Count             int     `json:"count"`
	MeanAccuracy      float64 `json:"mean_accuracy"`
	MeanAbsoluteError float64 `json:"mean_absolute_error"`
	AccurateCount     int     `json:"accurate_count"`
}

type AccuracyReport struct {
	WindowDays        int              `json:"window_days"`
	From              time.Time        `json:"from"`
	To                time.Time        `json:"to"`
	Count             int              `json:"count"`
	MeanAccuracy      float64          `json:"mean_accuracy"`
	MeanAbsoluteError float64          `json:"mean_absolute_error"`
	AccurateCount     int              `json:"accurate_count"`
	AccurateRate      float64          `json:"accurate_rate"`
	ByDepartment      []AccuracyBucket `json:"by_department"`
	ByWeek            []AccuracyBucket `json:"by_week"`
}

// PredictionAccuracy compares predicted and actual visit lengths of visits
// checked out in the last windowDays days.
func (s *Service) PredictionAccuracy(ctx context.Context, windowDays int) (*AccuracyReport, error) {
	if windowDays <= 0 {
		return nil, &ValidationError{Field: "window_days", Message: "must be positive"}
	}
	to := s.clock()
	from := to.AddDate(0, 0, -windowDays)

	rows, err := s.interactions.ListCompleted(ctx, from, to)
	if err != nil {
		return nil, s.failed("prediction_accuracy", err)
	}
	report := computeAccuracy(rows, s.loc)
	report.WindowDays, report.From, report.To = windowDays, from, to
	return report, nil
}

// recordAccuracy returns the absolute error and the accuracy percentage of
// one visit.
func recordAccuracy(total, predicted int) (int, float64) {
	diff := total - predicted
	if diff < 0 {
		diff = -diff
	}
	if total <= 0 {
		return diff, 0
	}
	pct := (1 - float64(diff)/float64(total)) * 100
	return diff, math.Max(0, math.Min(100, pct))
}

type accumulator struct {
	count, accurate int
	sumPct          float64
	sumErr          int
}

func (a *accumulator) add(diff int, pct float64) {
	a.count++
	a.sumPct += pct
	a.sumErr += diff
	if diff <= accurateWithinMinutes {
		a.accurate++
	}
}

func (a *accumulator) bucket(key string) AccuracyBucket {
	b := AccuracyBucket{Key: key, Count: a.count, AccurateCount: a.accurate}
	if a.count > 0 {
		b.MeanAccuracy = round2(a.sumPct / float64(a.count))
		b.MeanAbsoluteError = round2(float64(a.sumErr) / float64(a.count))
	}
	return b
}

// computeAccuracy aggregates rows overall, per department and per week.
// Weeks start on Monday in loc.
func computeAccuracy(rows []*Interaction, loc *time.Location) *AccuracyReport {
	var all accumulator
	byDept := map[string]*accumulator{}
	byWeek := map[string]*accumulator{}

	for _, r := range rows {
		if r.TotalDuration == nil || r.PredictedDuration == nil || r.CheckoutTime == nil {
			continue
		}
		diff, pct := recordAccuracy(*r.TotalDuration, *r.PredictedDuration)
		all.add(diff, pct)

		dept := string(r.Department)
		if byDept[dept] == nil {
			byDept[dept] = &accumulator{}
		}
		byDept[dept].add(diff, pct)

		week := weekStart(*r.CheckoutTime, loc).Format(dateLayout)
		if byWeek[week] == nil {
			byWeek[week] = &accumulator{}
		}
		byWeek[week].add(diff, pct)
	}

	report := &AccuracyReport{
		ByDepartment: buckets(byDept),
		ByWeek:       buckets(byWeek),
	}
	total := all.bucket("")
	report.Count = total.Count
	report.MeanAccuracy = total.MeanAccuracy
	report.MeanAbsoluteError = total.MeanAbsoluteError
	report.AccurateCount = total.AccurateCount
	if all.count > 0 {
		report.AccurateRate = round2(float64(all.accurate) / float64(all.count))
	}
	return report
}

func buckets(m map[string]*accumulator) []AccuracyBucket {
	out := make([]AccuracyBucket, 0, len(m))
	for k, acc := range m {
		out = append(out, acc.bucket(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// weekStart returns the Monday of t's week in loc, as midnight UTC.
func weekStart(t time.Time, loc *time.Location) time.Time {
	day := civilDate(t, loc)
	return day.AddDate(0, 0, -predictor.Weekday(day))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TrainingSamples exports visits checked out in the last windowDays days in
// the shape the duration model trains on.
func (s *Service) TrainingSamples(ctx context.Context, windowDays int) ([]predictor.TrainingSample, error) {
	if windowDays <= 0 {
		return nil, &ValidationError{Field: "window_days", Message: "must be positive"}
	}
	to := s.clock()
	rows, err := s.interactions.ListCompleted(ctx, to.AddDate(0, 0, -windowDays), to)
	if err != nil {
		return nil, s.failed("training_samples", err)
	}

	samples := make([]predictor.TrainingSample, 0, len(rows))
	for _, r := range rows {
		if r.TotalDuration == nil || r.PredictedDuration == nil {
			continue
		}
		checkIn := r.CheckInTime.In(s.loc)
		sample := predictor.TrainingSample{
			Department:        string(r.Department),
			Priority:          string(r.Priority),
			AppointmentType:   string(r.VisitType),
			SymptomCount:      r.SymptomCount,
			TimeOfDay:         checkIn.Hour(),
			DayOfWeek:         predictor.Weekday(checkIn),
			ActualDuration:    *r.TotalDuration,
			PredictedDuration: *r.PredictedDuration,
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
