// Package webhook delivers clinic lifecycle events to subscribed HTTP
// endpoints. Payloads are signed with HMAC-SHA256, failed deliveries are
// retried with backoff and every attempt is logged for inspection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

var ErrEndpointNotFound = errors.New("webhook endpoint not found")

// Endpoint is a registered webhook destination. Events holds subscription
// patterns such as "appointment.checked_in", "appointment.*" or "*".
type Endpoint struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	Events      []string  `json:"events"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeliveryAttempt records one POST of an event to an endpoint.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	WebhookID    string        `json:"webhook_id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Event is the envelope POSTed to subscribers.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Department string          `json:"department,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store keeps endpoints and a bounded delivery log per endpoint.
type Store struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	order      []string
	deliveries map[string][]*DeliveryAttempt
	keep       int
}

func NewStore() *Store {
	return &Store{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]*DeliveryAttempt),
		keep:       100,
	}
}

func (s *Store) create(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
	s.order = append(s.order, ep.ID)
}

func (s *Store) get(id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	cp := *ep
	return &cp, nil
}

func (s *Store) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	ep.Status = status
	return nil
}

func (s *Store) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	delete(s.deliveries, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) list() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.endpoints[id]
		out = append(out, &cp)
	}
	return out
}

func (s *Store) record(a *DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.deliveries[a.WebhookID], a)
	if len(log) > s.keep {
		log = log[len(log)-s.keep:]
	}
	s.deliveries[a.WebhookID] = log
}

// Deliveries returns the logged attempts for an endpoint, newest first.
func (s *Store) Deliveries(id string) []*DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.deliveries[id]
	out := make([]*DeliveryAttempt, len(log))
	for i, a := range log {
		out[len(log)-1-i] = a
	}
	return out
}

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. One attempt is made per
// delay plus the initial one.
func WithRetryDelays(d ...time.Duration) ManagerOption {
	return func(m *Manager) { m.retryDelays = d }
}

func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queue = make(chan Event, n) }
}

// WithWorkers caps the endpoint deliveries Run keeps in flight, retries
// included.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Manager registers endpoints and delivers events to them. Enqueue hands
// events to the loop started by Run; Deliver sends synchronously.
type Manager struct {
	store       *Store
	httpClient  *http.Client
	retryDelays []time.Duration
	queue       chan Event
	workers     int
	logger      zerolog.Logger
}

func NewManager(store *Store, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 10 * time.Second, time.Minute},
		queue:       make(chan Event, 256),
		workers:     8,
		logger:      logger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// Register validates and stores a new endpoint. An empty secret is replaced
// with a random one; an empty event list subscribes to everything.
func (m *Manager) Register(rawURL, secret, description string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	if len(events) == 0 {
		events = []string{"*"}
	}
	ep := &Endpoint{
		ID:          uuid.New().String(),
		URL:         rawURL,
		Secret:      secret,
		Events:      events,
		Description: description,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	m.store.create(ep)
	cp := *ep
	return &cp, nil
}

func (m *Manager) Get(id string) (*Endpoint, error) { return m.store.get(id) }
func (m *Manager) List() []*Endpoint                { return m.store.list() }
func (m *Manager) Delete(id string) error           { return m.store.delete(id) }
func (m *Manager) Pause(id string) error            { return m.store.setStatus(id, StatusPaused) }
func (m *Manager) Resume(id string) error           { return m.store.setStatus(id, StatusActive) }

func (m *Manager) Deliveries(id string) ([]*DeliveryAttempt, error) {
	if _, err := m.store.get(id); err != nil {
		return nil, err
	}
	return m.store.Deliveries(id), nil
}

// eventMatches reports whether eventType matches a subscription pattern:
// exact, "*", "prefix.*" or "*.suffix".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func subscribed(ep *Endpoint, eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Enqueue queues e for the Run worker. A full queue drops the event.
func (m *Manager) Enqueue(e Event) bool {
	select {
	case m.queue <- e:
		return true
	default:
		m.logger.Warn().Str("event", e.Type).Str("event_id", e.ID).Msg("webhook queue full, event dropped")
		return false
	}
}

// Run delivers queued events until ctx is cancelled. Each endpoint delivery
// runs on its own goroutine, at most WithWorkers at a time, so an endpoint
// waiting out its retries does not hold up the others. Run returns once the
// in-flight deliveries have stopped.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.workers)
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.queue:
			for _, ep := range m.targets(e.Type) {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func(ep *Endpoint) {
					defer wg.Done()
					defer func() { <-sem }()
					m.deliverWithRetry(ctx, ep, e)
				}(ep)
			}
		}
	}
}

// Deliver sends e to every active endpoint subscribed to its type in
// parallel, retrying failures, and returns the final attempt per endpoint in
// registration order.
func (m *Manager) Deliver(ctx context.Context, e Event) []*DeliveryAttempt {
	targets := m.targets(e.Type)
	out := make([]*DeliveryAttempt, len(targets))
	var wg sync.WaitGroup
	for i, ep := range targets {
		wg.Add(1)
		go func(i int, ep *Endpoint) {
			defer wg.Done()
			out[i] = m.deliverWithRetry(ctx, ep, e)
		}(i, ep)
	}
	wg.Wait()
	return out
}

func (m *Manager) targets(eventType string) []*Endpoint {
	var out []*Endpoint
	for _, ep := range m.store.list() {
		if ep.Status == StatusActive && subscribed(ep, eventType) {
			out = append(out, ep)
		}
	}
	return out
}

func (m *Manager) deliverWithRetry(ctx context.Context, ep *Endpoint, e Event) *DeliveryAttempt {
	attempt := m.send(ctx, ep, e, 1)
	for i, delay := range m.retryDelays {
		if attempt.Status == DeliverySuccess {
			break
		}
		select {
		case <-ctx.Done():
			return attempt
		case <-time.After(delay):
		}
		attempt = m.send(ctx, ep, e, i+2)
	}
	if attempt.Status != DeliverySuccess {
		m.logger.Warn().Str("webhook_id", ep.ID).Str("event", e.Type).
			Int("attempts", attempt.Attempt).Str("error", attempt.Error).Msg("webhook delivery failed")
	}
	return attempt
}

// send POSTs one signed copy of e to ep and records the attempt.
func (m *Manager) send(ctx context.Context, ep *Endpoint, e Event, n int) *DeliveryAttempt {
	payload, _ := json.Marshal(e)
	now := time.Now().UTC()

	attempt := &DeliveryAttempt{
		ID:        uuid.New().String(),
		WebhookID: ep.ID,
		EventType: e.Type,
		EventID:   e.ID,
		Attempt:   n,
		CreatedAt: now,
	}
	defer m.store.record(attempt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", e.Type)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	attempt.Duration = time.Since(start)
	if err != nil {
		attempt.Status = DeliveryFailed
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	attempt.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		attempt.Status = DeliverySuccess
	} else {
		attempt.Status = DeliveryFailed
		attempt.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return attempt
}

// Ping sends a synthetic webhook.test event to one endpoint without retries.
func (m *Manager) Ping(ctx context.Context, id string) (*DeliveryAttempt, error) {
	ep, err := m.store.get(id)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, ep, Event{
		ID:        uuid.New().String(),
		Type:      "webhook.test",
		Subject:   ep.ID,
		Payload:   json.RawMessage(`{"test":true}`),
		Timestamp: time.Now().UTC(),
	}, 1), nil
}
