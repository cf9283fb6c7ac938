package main

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/medcenter/clinicflow/internal/domain/scheduling"
	"github.com/medcenter/clinicflow/internal/platform/notification"
	"github.com/medcenter/clinicflow/internal/platform/webhook"
	"github.com/medcenter/clinicflow/internal/platform/websocket"
)

// hubSink pushes lifecycle events to waiting-room displays and staff screens.
type hubSink struct {
	hub *websocket.Hub
}

func (s hubSink) Publish(ctx context.Context, e scheduling.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.hub.Publish(ctx, websocket.Event{
		Type:          string(e.Type),
		Department:    string(e.Department),
		AppointmentID: e.AppointmentID.String(),
		Timestamp:     e.OccurredAt,
		Data:          data,
	})
}

// webhookSink queues events for subscribed integrations. Delivery happens on
// the manager's worker so requests never wait on subscribers.
type webhookSink struct {
	manager *webhook.Manager
}

func (s webhookSink) Publish(_ context.Context, e scheduling.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.manager.Enqueue(webhook.Event{
		ID:         uuid.New().String(),
		Type:       string(e.Type),
		Department: string(e.Department),
		Subject:    e.AppointmentID.String(),
		Payload:    data,
		Timestamp:  e.OccurredAt,
	})
	return nil
}

// notifySink sends the patient their ticket and call-up, and tells the
// operations contact about prediction anomalies.
type notifySink struct {
	dispatcher   *notification.Dispatcher
	opsRecipient string
}

func (s notifySink) Publish(ctx context.Context, e scheduling.Event) error {
	var templateID, recipient string
	switch e.Type {
	case scheduling.EventCheckedIn:
		templateID, recipient = notification.TemplateQueueTicket, e.PatientID
	case scheduling.EventInProgress:
		templateID, recipient = notification.TemplateNowServing, e.PatientID
	case scheduling.EventPredictionAnomaly:
		if s.opsRecipient == "" {
			return nil
		}
		templateID, recipient = notification.TemplatePredictionAnomaly, s.opsRecipient
	default:
		return nil
	}
	_, err := s.dispatcher.Notify(ctx, templateID, recipient, templateData(e))
	return err
}

func templateData(e scheduling.Event) map[string]string {
	data := map[string]string{
		"appointment_id": e.AppointmentID.String(),
		"department":     string(e.Department),
	}
	set := func(key string, v *int) {
		if v != nil {
			data[key] = strconv.Itoa(*v)
		}
	}
	set("queue_number", e.QueueNumber)
	set("predicted_minutes", e.PredictedMinutes)
	set("actual_minutes", e.ActualMinutes)
	set("error_minutes", e.ErrorMinutes)
	return data
}
