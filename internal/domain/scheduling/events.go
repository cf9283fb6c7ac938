package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventCheckedIn         EventType = "appointment.checked_in"
	EventInProgress        EventType = "appointment.in_progress"
	EventPredictionAnomaly EventType = "prediction.anomaly"
)

// Event is published after the transaction that caused it commits.
type Event struct {
	Type             EventType  `json:"type"`
	OccurredAt       time.Time  `json:"occurred_at"`
	AppointmentID    uuid.UUID  `json:"appointment_id"`
	InteractionID    *uuid.UUID `json:"interaction_id,omitempty"`
	PatientID        string     `json:"patient_id"`
	Department       Department `json:"department"`
	ServiceDate      string     `json:"service_date"`
	Priority         Priority   `json:"priority"`
	QueueNumber      *int       `json:"queue_number,omitempty"`
	PredictedMinutes *int       `json:"predicted_minutes,omitempty"`
	ActualMinutes    *int       `json:"actual_minutes,omitempty"`
	ErrorMinutes     *int       `json:"error_minutes,omitempty"`
}

// EventSink receives lifecycle events. Delivery is best effort.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

// MultiSink fans an event out to every sink. Failures are logged and never
// returned.
type MultiSink struct {
	sinks  []EventSink
	logger zerolog.Logger
}

func NewMultiSink(logger zerolog.Logger, sinks ...EventSink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Publish(ctx context.Context, e Event) error {
	for _, s := range m.sinks {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			m.logger.Warn().Err(err).Str("event", string(e.Type)).
				Str("appointment_id", e.AppointmentID.String()).Msg("event sink failed")
		}
	}
	return nil
}
