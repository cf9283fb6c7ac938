package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Phase is a timestamped step of a visit after check-in.
type Phase string

const (
	PhaseStartVitals  Phase = "start_vitals"
	PhaseEndVitals    Phase = "end_vitals"
	PhaseStartConsult Phase = "start_consult"
	PhaseEndConsult   Phase = "end_consult"
	PhaseCheckout     Phase = "checkout"
)

// applyPhase records phase at now on i. It does not touch the appointment.
func applyPhase(i *Interaction, phase Phase, now time.Time) error {
	outOfOrder := func(reason string) error {
		return &PhaseOutOfOrderError{InteractionID: i.ID, Phase: phase, Reason: reason}
	}

	if i.CheckoutTime != nil {
		return outOfOrder("already checked out")
	}

	switch phase {
	case PhaseStartVitals:
		if i.VitalsStartTime != nil {
			return outOfOrder("vitals already started")
		}
		if i.ConsultStartTime != nil {
			return outOfOrder("consult already started")
		}
		if now.Before(i.lastMark()) {
			return outOfOrder("start precedes check-in")
		}
		i.VitalsStartTime = timePtr(now)

	case PhaseEndVitals:
		if i.VitalsStartTime == nil {
			return outOfOrder("vitals not started")
		}
		if i.VitalsEndTime != nil {
			return outOfOrder("vitals already ended")
		}
		if now.Before(*i.VitalsStartTime) {
			return outOfOrder("end precedes start")
		}
		i.VitalsEndTime = timePtr(now)
		i.VitalsDuration = intPtr(minutesBetween(*i.VitalsStartTime, now))

	case PhaseStartConsult:
		if i.VitalsStartTime != nil && i.VitalsEndTime == nil {
			return outOfOrder("vitals still in progress")
		}
		if i.ConsultStartTime != nil {
			return outOfOrder("consult already started")
		}
		if now.Before(i.lastMark()) {
			return outOfOrder("start precedes previous phase")
		}
		i.ConsultStartTime = timePtr(now)

	case PhaseEndConsult:
		if i.ConsultStartTime == nil {
			return outOfOrder("consult not started")
		}
		if i.ConsultEndTime != nil {
			return outOfOrder("consult already ended")
		}
		if now.Before(*i.ConsultStartTime) {
			return outOfOrder("end precedes start")
		}
		i.ConsultEndTime = timePtr(now)
		i.ConsultDuration = intPtr(minutesBetween(*i.ConsultStartTime, now))

	case PhaseCheckout:
		if i.VitalsStartTime != nil && i.VitalsEndTime == nil {
			return outOfOrder("vitals still in progress")
		}
		if i.ConsultStartTime != nil && i.ConsultEndTime == nil {
			return outOfOrder("consult still in progress")
		}
		if now.Before(i.lastMark()) {
			return outOfOrder("checkout precedes previous phase")
		}
		i.CheckoutTime = timePtr(now)
		i.TotalDuration = intPtr(minutesBetween(i.CheckInTime, now))

	default:
		return &ValidationError{Field: "phase", Message: "unknown phase " + string(phase)}
	}

	i.UpdatedAt = now
	return nil
}

// PhaseResult is the state after a timeline step.
type PhaseResult struct {
	Interaction *Interaction `json:"interaction"`
	Appointment *Appointment `json:"appointment"`
	// Anomaly is set on checkout when the actual visit length missed the
	// prediction by more than the configured threshold.
	Anomaly bool `json:"anomaly"`
}

func (s *Service) StartVitals(ctx context.Context, id uuid.UUID) (*PhaseResult, error) {
	return s.recordPhase(ctx, id, PhaseStartVitals)
}

func (s *Service) EndVitals(ctx context.Context, id uuid.UUID) (*PhaseResult, error) {
	return s.recordPhase(ctx, id, PhaseEndVitals)
}

// StartConsult also starts a CHECKED_IN appointment.
func (s *Service) StartConsult(ctx context.Context, id uuid.UUID) (*PhaseResult, error) {
	return s.recordPhase(ctx, id, PhaseStartConsult)
}

func (s *Service) EndConsult(ctx context.Context, id uuid.UUID) (*PhaseResult, error) {
	return s.recordPhase(ctx, id, PhaseEndConsult)
}

// Checkout closes the timeline and completes the appointment in the same
// transaction.
func (s *Service) Checkout(ctx context.Context, id uuid.UUID) (*PhaseResult, error) {
	return s.recordPhase(ctx, id, PhaseCheckout)
}

func (s *Service) recordPhase(ctx context.Context, id uuid.UUID, phase Phase) (*PhaseResult, error) {
	ctx, span := tracer.Start(ctx, "scheduling."+string(phase))
	defer span.End()
	span.SetAttributes(attribute.String("clinic.interaction_id", id.String()))

	var (
		result  PhaseResult
		started bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inter, err := s.interactions.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		appt, err := s.appointments.GetForUpdate(ctx, inter.AppointmentID)
		if err != nil {
			return err
		}
		if !appt.Status.Queued() {
			return &InvalidTransitionError{AppointmentID: appt.ID, Current: appt.Status, Operation: Operation(phase)}
		}

		now := s.clock()
		if err := applyPhase(inter, phase, now); err != nil {
			return err
		}

		apptChanged := false
		if (phase == PhaseStartConsult || phase == PhaseCheckout) && appt.Status == StatusCheckedIn {
			if err := apply(appt, OpStart, now, ""); err != nil {
				return err
			}
			started, apptChanged = true, true
		}
		if phase == PhaseCheckout {
			if err := apply(appt, OpComplete, now, ""); err != nil {
				return err
			}
			apptChanged = true
		}

		if err := s.interactions.Update(ctx, inter); err != nil {
			return err
		}
		if apptChanged {
			if err := s.appointments.Update(ctx, appt); err != nil {
				return err
			}
		}
		result.Interaction, result.Appointment = inter, appt
		return nil
	})
	if err != nil {
		return nil, s.failedSpan(span, string(phase), err)
	}

	inter, appt := result.Interaction, result.Appointment
	s.metrics.RecordTransition(string(phase), "ok")
	switch phase {
	case PhaseEndVitals:
		s.metrics.ObservePhase("vitals", *inter.VitalsDuration)
	case PhaseEndConsult:
		s.metrics.ObservePhase("consult", *inter.ConsultDuration)
	case PhaseCheckout:
		s.metrics.ObservePhase("total", *inter.TotalDuration)
		result.Anomaly = s.checkPrediction(ctx, inter, appt)
	}

	if started || phase == PhaseCheckout {
		s.queue.Invalidate(ctx, appt.Department, appt.ScheduledDate)
	}
	if started {
		s.publishInProgress(ctx, appt)
	}
	return &result, nil
}

// checkPrediction records the prediction error of a checked-out visit and
// publishes an anomaly when it exceeds the threshold.
func (s *Service) checkPrediction(ctx context.Context, inter *Interaction, appt *Appointment) bool {
	if inter.PredictedDuration == nil || inter.TotalDuration == nil {
		return false
	}
	diff := *inter.TotalDuration - *inter.PredictedDuration
	if diff < 0 {
		diff = -diff
	}
	s.metrics.ObservePredictionError(diff)
	if diff <= s.anomalyThreshold {
		return false
	}

	s.logger.Warn().
		Str("interaction_id", inter.ID.String()).
		Int("predicted_minutes", *inter.PredictedDuration).
		Int("actual_minutes", *inter.TotalDuration).
		Msg("visit length far from prediction")
	s.publish(ctx, Event{
		Type:             EventPredictionAnomaly,
		OccurredAt:       *inter.CheckoutTime,
		AppointmentID:    inter.AppointmentID,
		InteractionID:    &inter.ID,
		PatientID:        inter.PatientID,
		Department:       inter.Department,
		ServiceDate:      appt.ScheduledDate.Format(dateLayout),
		Priority:         appt.Priority,
		QueueNumber:      intPtr(inter.QueueNumber),
		PredictedMinutes: inter.PredictedDuration,
		ActualMinutes:    inter.TotalDuration,
		ErrorMinutes:     intPtr(diff),
	})
	return true
}

func (s *Service) GetInteraction(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	return s.interactions.GetByID(ctx, id)
}

// CurrentQueueView lists every open visit across departments, highest
// priority first and then by arrival.
func (s *Service) CurrentQueueView(ctx context.Context) ([]*Interaction, error) {
	open, err := s.interactions.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(open, func(i, j int) bool {
		ri, rj := open[i].Priority.Rank(), open[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return open[i].CheckInTime.Before(open[j].CheckInTime)
	})
	return open, nil
}
