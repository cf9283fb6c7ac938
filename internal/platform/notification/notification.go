// Package notification renders patient and staff notices from templates and
// hands them to channel senders. Delivery itself is external; the default
// sender only logs.
package notification

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// NotificationType represents the channel used to deliver a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypeSMS   NotificationType = "sms"
	TypePush  NotificationType = "push"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification represents a single outbound notification.
type Notification struct {
	ID           string            `json:"id"`
	Type         NotificationType  `json:"type"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject,omitempty"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Sender delivers a rendered notification over one channel.
type Sender interface {
	Send(ctx context.Context, n *Notification) error
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n *Notification) error {
	s.logger.Info().
		Str("notification_id", n.ID).
		Str("channel", string(n.Type)).
		Str("recipient", n.Recipient).
		Str("template", n.TemplateID).
		Str("subject", n.Subject).
		Str("body", n.Body).
		Msg("notification")
	return nil
}

// Template defines a reusable notification template.
type Template struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Subject string           `json:"subject"`
	Body    string           `json:"body"`
	Type    NotificationType `json:"type"`
}

const (
	TemplateQueueTicket       = "queue-ticket"
	TemplateNowServing        = "now-serving"
	TemplatePredictionAnomaly = "prediction-anomaly"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateQueueTicket,
			Name:    "Queue Ticket",
			Subject: "Your ticket number is {{queue_number}}",
			Body:    "You are checked in to {{department}} with ticket {{queue_number}}. Your visit is expected to take about {{predicted_minutes}} minutes.",
			Type:    TypeSMS,
		},
		{
			ID:      TemplateNowServing,
			Name:    "Now Serving",
			Subject: "Now serving {{queue_number}}",
			Body:    "Ticket {{queue_number}}, please proceed to {{department}}.",
			Type:    TypePush,
		},
		{
			ID:      TemplatePredictionAnomaly,
			Name:    "Prediction Anomaly",
			Subject: "Visit length anomaly in {{department}}",
			Body:    "Appointment {{appointment_id}} took {{actual_minutes}} minutes against a prediction of {{predicted_minutes}} (off by {{error_minutes}}).",
			Type:    TypeEmail,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

func (e *TemplateEngine) lookup(templateID string) (Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	if !ok {
		return Template{}, false
	}
	return *t, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	t, ok := e.lookup(templateID)
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

const defaultHistory = 200

// Dispatcher renders templates and routes the result to the sender of the
// template's channel. The last few notifications are kept for inspection.
type Dispatcher struct {
	templates *TemplateEngine
	fallback  Sender
	logger    zerolog.Logger

	mu      sync.RWMutex
	senders map[NotificationType]Sender
	history []*Notification
	limit   int
	stats   map[string]int
}

// NewDispatcher routes every channel to fallback until a channel sender is
// registered.
func NewDispatcher(tpl *TemplateEngine, fallback Sender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		templates: tpl,
		fallback:  fallback,
		logger:    logger,
		senders:   make(map[NotificationType]Sender),
		limit:     defaultHistory,
		stats:     make(map[string]int),
	}
}

func (d *Dispatcher) RegisterSender(t NotificationType, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[t] = s
}

func (d *Dispatcher) sender(t NotificationType) Sender {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.senders[t]; ok {
		return s
	}
	return d.fallback
}

// Notify renders templateID with data and sends it to recipient. A failed
// send is recorded and returned along with the notification.
func (d *Dispatcher) Notify(ctx context.Context, templateID, recipient string, data map[string]string) (*Notification, error) {
	tpl, ok := d.templates.lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		ID:           uuid.New().String(),
		Type:         tpl.Type,
		Recipient:    recipient,
		Subject:      subject,
		Body:         body,
		TemplateID:   templateID,
		TemplateData: data,
		CreatedAt:    time.Now().UTC(),
	}

	s := d.sender(tpl.Type)
	if s == nil {
		err = fmt.Errorf("no sender for channel %s", tpl.Type)
	} else {
		err = s.Send(ctx, n)
	}
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		d.logger.Warn().Err(err).Str("template", templateID).Str("recipient", recipient).Msg("notification failed")
	} else {
		n.Status = StatusSent
		sentAt := time.Now().UTC()
		n.SentAt = &sentAt
	}
	d.record(n)
	return n, err
}

func (d *Dispatcher) record(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[n.Status]++
	d.history = append(d.history, n)
	if len(d.history) > d.limit {
		d.history = d.history[len(d.history)-d.limit:]
	}
}

// Recent returns up to limit notifications, newest first.
func (d *Dispatcher) Recent(limit int) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 || limit > len(d.history) {
		limit = len(d.history)
	}
	out := make([]*Notification, 0, limit)
	for i := len(d.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, d.history[i])
	}
	return out
}

// Stats returns counts of notifications grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int, len(d.stats))
	for k, v := range d.stats {
		out[k] = v
	}
	return out
}

// Handler exposes the dispatch history to administrators.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers the notification routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.GET("/notifications/stats", h.HandleStats)
}

// HandleList handles GET /notifications?limit=N.
func (h *Handler) HandleList(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	return c.JSON(http.StatusOK, h.dispatcher.Recent(limit))
}

// HandleStats handles GET /notifications/stats.
func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}
