package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/medcenter/clinicflow/internal/platform/metrics"
	"github.com/medcenter/clinicflow/internal/platform/predictor"
)

var tracer = otel.Tracer("clinicflow.internal.domain.scheduling")

// Estimator predicts visit length. *predictor.Client implements it.
type Estimator interface {
	Estimate(ctx context.Context, f predictor.Features) (predictor.Estimate, error)
}

type Deps struct {
	Appointments AppointmentRepository
	Interactions InteractionRepository
	Counter      QueueCounter
	Tx           UnitOfWork
	Estimator    Estimator
	Cache        SnapshotCache
	Events       EventSink
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

type Settings struct {
	Location                *time.Location
	AnomalyThresholdMinutes int
	QueueCacheTTL           time.Duration
}

type Service struct {
	appointments     AppointmentRepository
	interactions     InteractionRepository
	queue            *QueueAssigner
	tx               UnitOfWork
	estimator        Estimator
	events           EventSink
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	loc              *time.Location
	anomalyThreshold int
	now              func() time.Time
}

func NewService(d Deps, s Settings) *Service {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		appointments:     d.Appointments,
		interactions:     d.Interactions,
		queue:            NewQueueAssigner(d.Counter, d.Appointments, d.Cache, s.QueueCacheTTL, d.Logger),
		tx:               d.Tx,
		estimator:        d.Estimator,
		events:           d.Events,
		metrics:          d.Metrics,
		logger:           d.Logger,
		loc:              loc,
		anomalyThreshold: s.AnomalyThresholdMinutes,
		now:              time.Now,
	}
}

// SetClock replaces the time source used for every timestamp.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.queue.now = now
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// Today is the current calendar date in the clinic's time zone.
func (s *Service) Today() time.Time {
	return civilDate(s.now(), s.loc)
}

// -- Appointment --

type CreateAppointmentRequest struct {
	PatientID     string     `json:"patient_id"`
	StaffID       *string    `json:"staff_id,omitempty"`
	Department    Department `json:"department"`
	VisitType     VisitType  `json:"visit_type"`
	Priority      Priority   `json:"priority"`
	ScheduledDate string     `json:"scheduled_date"`
	ScheduledTime string     `json:"scheduled_time"`
	Reason        string     `json:"reason"`
	SymptomCount  int        `json:"symptom_count"`
}

// normalize applies defaults, validates and returns the parsed date.
func (r *CreateAppointmentRequest) normalize() (time.Time, error) {
	r.PatientID = strings.TrimSpace(r.PatientID)
	if r.PatientID == "" {
		return time.Time{}, &ValidationError{Field: "patient_id", Message: "is required"}
	}
	if r.StaffID != nil && strings.TrimSpace(*r.StaffID) == "" {
		r.StaffID = nil
	}
	if !r.Department.Valid() {
		return time.Time{}, &ValidationError{Field: "department", Message: "unknown department " + string(r.Department)}
	}
	if r.VisitType == "" {
		r.VisitType = VisitRoutine
	}
	if !r.VisitType.Valid() {
		return time.Time{}, &ValidationError{Field: "visit_type", Message: "unknown visit type " + string(r.VisitType)}
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if !r.Priority.Valid() {
		return time.Time{}, &ValidationError{Field: "priority", Message: "unknown priority " + string(r.Priority)}
	}
	date, err := ParseDate(r.ScheduledDate)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := time.Parse("15:04", r.ScheduledTime); err != nil || len(r.ScheduledTime) != 5 {
		return time.Time{}, &ValidationError{Field: "scheduled_time", Message: "must be HH:MM"}
	}
	if r.SymptomCount < 0 {
		return time.Time{}, &ValidationError{Field: "symptom_count", Message: "must not be negative"}
	}
	return date, nil
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Message: "must be YYYY-MM-DD"}
	}
	return d, nil
}

func (s *Service) CreateAppointment(ctx context.Context, req CreateAppointmentRequest) (*Appointment, error) {
	date, err := req.normalize()
	if err != nil {
		return nil, s.failed("create", err)
	}

	existing, err := s.appointments.FindActiveSlot(ctx, req.PatientID, date, req.ScheduledTime, req.Department)
	if err != nil {
		return nil, s.failed("create", err)
	}
	if existing != nil {
		return nil, s.failed("create", &SlotConflictError{
			ConflictingID: existing.ID,
			PatientID:     req.PatientID,
			Department:    req.Department,
			Date:          req.ScheduledDate,
			Time:          req.ScheduledTime,
		})
	}

	now := s.clock()
	a := &Appointment{
		ID:            uuid.New(),
		PatientID:     req.PatientID,
		StaffID:       req.StaffID,
		Department:    req.Department,
		VisitType:     req.VisitType,
		Priority:      req.Priority,
		Status:        StatusScheduled,
		ScheduledDate: date,
		ScheduledTime: req.ScheduledTime,
		Reason:        strings.TrimSpace(req.Reason),
		SymptomCount:  req.SymptomCount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		// Lost a race with a concurrent booking of the same slot.
		var conflict *SlotConflictError
		if errors.As(err, &conflict) && conflict.ConflictingID == uuid.Nil {
			if other, lookupErr := s.appointments.FindActiveSlot(ctx, req.PatientID, date, req.ScheduledTime, req.Department); lookupErr == nil && other != nil {
				conflict.ConflictingID = other.ID
			}
		}
		return nil, s.failed("create", err)
	}

	s.metrics.RecordTransition("create", "ok")
	return a, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

// AppointmentDetail is an appointment plus its visit timeline once the
// patient has checked in.
type AppointmentDetail struct {
	*Appointment
	Interaction *Interaction `json:"interaction,omitempty"`
	InBuilding  bool         `json:"in_building"`
}

// GetAppointmentDetail loads the appointment and, for checked-in, in-progress
// and completed visits, the interaction recorded against it.
func (s *Service) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &AppointmentDetail{Appointment: a}
	if !a.Status.Queued() && a.Status != StatusCompleted {
		return d, nil
	}
	i, err := s.interactions.GetByAppointment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d.Interaction = i
	d.InBuilding = i.Open()
	return d, nil
}

func (s *Service) SearchAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Department != "" && !f.Department.Valid() {
		return nil, 0, &ValidationError{Field: "department", Message: "unknown department " + string(f.Department)}
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, &ValidationError{Field: "status", Message: "unknown status " + string(f.Status)}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, 0, &ValidationError{Field: "priority", Message: "unknown priority " + string(f.Priority)}
	}
	return s.appointments.Search(ctx, f, limit, offset)
}

// CheckInResult is what the front desk needs to print a ticket.
type CheckInResult struct {
	Appointment *Appointment       `json:"appointment"`
	Interaction *Interaction       `json:"interaction"`
	Estimate    predictor.Estimate `json:"estimate"`
}

// CheckIn moves a SCHEDULED appointment to CHECKED_IN, issues its queue
// number and opens the visit timeline. The estimate is fetched before any
// row is locked.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*CheckInResult, error) {
	ctx, span := tracer.Start(ctx, "scheduling.check_in")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id.String()))

	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, s.failedSpan(span, string(OpCheckIn), err)
	}
	if err := apply(cloneAppointment(current), OpCheckIn, time.Time{}, ""); err != nil {
		return nil, s.failedSpan(span, string(OpCheckIn), err)
	}

	now := s.clock()
	est, err := s.estimate(ctx, current, now)
	if err != nil {
		return nil, s.failedSpan(span, string(OpCheckIn), err)
	}

	var result CheckInResult
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(a, OpCheckIn, now, ""); err != nil {
			return err
		}
		number, err := s.queue.Assign(ctx, a.Department, a.ScheduledDate)
		if err != nil {
			return err
		}
		a.QueueNumber = intPtr(number)
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}

		confidence := est.Confidence
		inter := &Interaction{
			ID:                     uuid.New(),
			AppointmentID:          a.ID,
			PatientID:              a.PatientID,
			StaffID:                a.StaffID,
			Department:             a.Department,
			Priority:               a.Priority,
			VisitType:              a.VisitType,
			SymptomCount:           a.SymptomCount,
			QueueNumber:            number,
			CheckInTime:            now,
			PredictedDuration:      intPtr(est.PredictedMinutes),
			PredictionConfidence:   &confidence,
			PredictionModelVersion: strPtr(est.ModelVersion),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := s.interactions.Create(ctx, inter); err != nil {
			return err
		}
		result = CheckInResult{Appointment: a, Interaction: inter, Estimate: est}
		return nil
	})
	if err != nil {
		return nil, s.failedSpan(span, string(OpCheckIn), err)
	}

	a := result.Appointment
	span.SetAttributes(attribute.Int("clinic.queue_number", *a.QueueNumber))
	s.metrics.RecordTransition(string(OpCheckIn), "ok")
	s.metrics.RecordQueueNumber(string(a.Department))
	s.queue.Invalidate(ctx, a.Department, a.ScheduledDate)
	s.publish(ctx, Event{
		Type:             EventCheckedIn,
		OccurredAt:       now,
		AppointmentID:    a.ID,
		InteractionID:    &result.Interaction.ID,
		PatientID:        a.PatientID,
		Department:       a.Department,
		ServiceDate:      a.ScheduledDate.Format(dateLayout),
		Priority:         a.Priority,
		QueueNumber:      a.QueueNumber,
		PredictedMinutes: intPtr(est.PredictedMinutes),
	})
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("department", string(a.Department)).
		Int("queue_number", *a.QueueNumber).
		Int("predicted_minutes", est.PredictedMinutes).
		Str("estimate_source", string(est.Source)).
		Msg("patient checked in")
	return &result, nil
}

func (s *Service) estimate(ctx context.Context, a *Appointment, at time.Time) (predictor.Estimate, error) {
	return s.PreviewEstimate(ctx, predictor.Features{
		Department:   string(a.Department),
		Priority:     string(a.Priority),
		VisitType:    string(a.VisitType),
		SymptomCount: a.SymptomCount,
	}.At(at.In(s.loc)))
}

// PreviewEstimate returns the estimate a visit with these features would get.
// Only invalid features fail; an unreachable model yields the heuristic.
func (s *Service) PreviewEstimate(ctx context.Context, f predictor.Features) (predictor.Estimate, error) {
	var (
		est predictor.Estimate
		err error
	)
	if s.estimator == nil {
		est, err = predictor.Heuristic(f)
	} else {
		est, err = s.estimator.Estimate(ctx, f)
	}
	if err != nil {
		return predictor.Estimate{}, &ValidationError{Field: "features", Message: err.Error()}
	}
	return est, nil
}

func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, OpStart, "")
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, OpComplete, "")
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, id, OpCancel, strings.TrimSpace(reason))
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, OpNoShow, "")
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, op Operation, reason string) (*Appointment, error) {
	var a *Appointment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(locked, op, s.clock(), reason); err != nil {
			return err
		}
		if err := s.appointments.Update(ctx, locked); err != nil {
			return err
		}
		a = locked
		return nil
	})
	if err != nil {
		return nil, s.failed(string(op), err)
	}

	s.metrics.RecordTransition(string(op), "ok")
	s.queue.Invalidate(ctx, a.Department, a.ScheduledDate)
	if a.Status == StatusInProgress {
		s.publishInProgress(ctx, a)
	}
	return a, nil
}

// Reprioritize changes the serving priority of an active appointment. The
// ticket number is kept.
func (s *Service) Reprioritize(ctx context.Context, id uuid.UUID, p Priority) (*Appointment, error) {
	if !p.Valid() {
		return nil, s.failed("reprioritize", &ValidationError{Field: "priority", Message: "unknown priority " + string(p)})
	}
	var a *Appointment
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !locked.Status.Active() {
			return &InvalidTransitionError{AppointmentID: id, Current: locked.Status, Operation: "reprioritize"}
		}
		locked.Priority = p
		locked.UpdatedAt = s.clock()
		if err := s.appointments.Update(ctx, locked); err != nil {
			return err
		}
		a = locked
		return nil
	})
	if err != nil {
		return nil, s.failed("reprioritize", err)
	}
	s.metrics.RecordTransition("reprioritize", "ok")
	s.queue.Invalidate(ctx, a.Department, a.ScheduledDate)
	return a, nil
}

// -- Queue --

func (s *Service) CurrentQueue(ctx context.Context, dept Department, date time.Time) (*QueueSnapshot, error) {
	if !dept.Valid() {
		return nil, &ValidationError{Field: "department", Message: "unknown department " + string(dept)}
	}
	snap, err := s.queue.CurrentQueue(ctx, dept, date)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// -- helpers --

func (s *Service) publishInProgress(ctx context.Context, a *Appointment) {
	var startedAt time.Time
	if a.StartedAt != nil {
		startedAt = *a.StartedAt
	}
	s.publish(ctx, Event{
		Type:          EventInProgress,
		OccurredAt:    startedAt,
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		Department:    a.Department,
		ServiceDate:   a.ScheduledDate.Format(dateLayout),
		Priority:      a.Priority,
		QueueNumber:   a.QueueNumber,
	})
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("event", string(e.Type)).Msg("publish event failed")
	}
}

// failed classifies err for metrics and wraps anything that is not a domain
// error as a storage failure.
func (s *Service) failed(op string, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, ErrSlotConflict):
		outcome = "conflict"
	case errors.Is(err, ErrPhaseOutOfOrder):
		outcome = "phase_out_of_order"
	case errors.Is(err, ErrValidation):
		outcome = "invalid"
	case errors.Is(err, ErrStorageUnavailable):
	default:
		err = &StorageError{Op: op, Err: err}
	}
	s.metrics.RecordTransition(op, outcome)
	if outcome == "error" {
		s.logger.Error().Err(err).Str("operation", op).Msg("operation failed")
	}
	return err
}

func (s *Service) failedSpan(span trace.Span, op string, err error) error {
	err = s.failed(op, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func cloneAppointment(a *Appointment) *Appointment {
	c := *a
	return &c
}
