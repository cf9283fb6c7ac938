package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestManager(opts ...ManagerOption) *Manager {
	opts = append([]ManagerOption{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	return NewManager(NewStore(), zerolog.Nop(), opts...)
}

func testEvent(eventType string) Event {
	return Event{
		ID:         "evt-1",
		Type:       eventType,
		Department: "DENTAL",
		Payload:    json.RawMessage(`{"queue_number":3}`),
		Timestamp:  time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Signatures and matching
// ---------------------------------------------------------------------------

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"type":"appointment.checked_in"}`)
	sig := SignPayload(payload, "s3cret")
	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature with wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected signature over different payload to fail")
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"appointment.checked_in", "appointment.checked_in", true},
		{"appointment.checked_in", "appointment.in_progress", false},
		{"appointment.*", "appointment.in_progress", true},
		{"appointment.*", "prediction.anomaly", false},
		{"*.anomaly", "prediction.anomaly", true},
		{"*", "prediction.anomaly", true},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func TestRegister_Validation(t *testing.T) {
	m := newTestManager()
	for _, u := range []string{"", "ftp://example.com/hook", "http://"} {
		if _, err := m.Register(u, "", "", nil); err == nil {
			t.Errorf("expected error for url %q", u)
		}
	}
}

func TestRegister_Defaults(t *testing.T) {
	m := newTestManager()
	ep, err := m.Register("https://his.example.com/hooks", "", "HIS", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ep.Secret) != 64 {
		t.Errorf("expected generated 32-byte hex secret, got %q", ep.Secret)
	}
	if len(ep.Events) != 1 || ep.Events[0] != "*" {
		t.Errorf("expected wildcard subscription, got %v", ep.Events)
	}
	if ep.Status != StatusActive {
		t.Errorf("expected active, got %s", ep.Status)
	}
	if len(m.List()) != 1 {
		t.Errorf("expected 1 endpoint, got %d", len(m.List()))
	}
}

func TestPauseResumeDelete(t *testing.T) {
	m := newTestManager()
	ep, _ := m.Register("https://his.example.com/hooks", "", "", nil)

	if err := m.Pause(ep.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := m.Get(ep.ID)
	if got.Status != StatusPaused {
		t.Errorf("expected paused, got %s", got.Status)
	}
	if err := m.Resume(ep.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.Delete(ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ep.ID); err != ErrEndpointNotFound {
		t.Errorf("expected ErrEndpointNotFound, got %v", err)
	}
	if err := m.Pause("missing"); err != ErrEndpointNotFound {
		t.Errorf("expected ErrEndpointNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestDeliver_SignsAndPosts(t *testing.T) {
	var (
		mu      sync.Mutex
		gotBody []byte
		gotSig  string
		gotType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotType = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := newTestManager()
	ep, _ := m.Register(srv.URL, "s3cret", "", []string{"appointment.*"})

	results := m.Deliver(context.Background(), testEvent("appointment.checked_in"))
	if len(results) != 1 || results[0].Status != DeliverySuccess {
		t.Fatalf("expected one successful delivery, got %+v", results)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotType != "appointment.checked_in" {
		t.Errorf("event header = %q", gotType)
	}
	if !strings.HasPrefix(gotSig, "sha256=") || !VerifySignature(gotBody, "s3cret", strings.TrimPrefix(gotSig, "sha256=")) {
		t.Errorf("signature %q does not verify", gotSig)
	}

	log, _ := m.Deliveries(ep.ID)
	if len(log) != 1 || log[0].StatusCode != http.StatusNoContent {
		t.Errorf("unexpected delivery log: %+v", log)
	}
}

func TestDeliver_SkipsPausedAndUnsubscribed(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	m := newTestManager()
	paused, _ := m.Register(srv.URL, "", "", nil)
	_ = m.Pause(paused.ID)
	_, _ = m.Register(srv.URL, "", "", []string{"prediction.anomaly"})

	results := m.Deliver(context.Background(), testEvent("appointment.checked_in"))
	if len(results) != 0 {
		t.Errorf("expected no deliveries, got %d", len(results))
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("expected no requests, got %d", hits)
	}
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := newTestManager()
	ep, _ := m.Register(srv.URL, "", "", nil)

	results := m.Deliver(context.Background(), testEvent("appointment.in_progress"))
	if len(results) != 1 || results[0].Status != DeliverySuccess || results[0].Attempt != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", results)
	}
	log, _ := m.Deliveries(ep.ID)
	if len(log) != 3 {
		t.Fatalf("expected 3 logged attempts, got %d", len(log))
	}
	if log[0].Attempt != 3 || log[2].Status != DeliveryFailed {
		t.Errorf("expected newest first, got %+v", log)
	}
}

func TestDeliver_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager()
	_, _ = m.Register(srv.URL, "", "", nil)

	results := m.Deliver(context.Background(), testEvent("prediction.anomaly"))
	if len(results) != 1 || results[0].Status != DeliveryFailed || results[0].Attempt != 3 {
		t.Fatalf("expected failure after 3 attempts, got %+v", results)
	}
	if !strings.Contains(results[0].Error, "500") {
		t.Errorf("unexpected error %q", results[0].Error)
	}
}

func TestEnqueueAndRun(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Webhook-Event")
	}))
	defer srv.Close()

	m := newTestManager()
	_, _ = m.Register(srv.URL, "", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if !m.Enqueue(testEvent("appointment.checked_in")) {
		t.Fatal("expected event to be queued")
	}
	select {
	case got := <-received:
		if got != "appointment.checked_in" {
			t.Errorf("event = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRun_FailingEndpointDoesNotBlockOthers(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	received := make(chan string, 4)
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get("X-Webhook-Event")
	}))
	defer healthy.Close()

	m := NewManager(NewStore(), zerolog.Nop(), WithRetryDelays(time.Hour), WithWorkers(4))
	_, _ = m.Register(failing.URL, "", "", nil)
	_, _ = m.Register(healthy.URL, "", "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Enqueue(testEvent("appointment.checked_in"))
	m.Enqueue(testEvent("appointment.in_progress"))
	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case got := <-received:
			seen[got] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out with %v delivered while another endpoint was retrying", seen)
		}
	}
	if !seen["appointment.checked_in"] || !seen["appointment.in_progress"] {
		t.Errorf("unexpected deliveries: %v", seen)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDeliver_KeepsRegistrationOrder(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	m := newTestManager()
	first, _ := m.Register(slow.URL, "", "", nil)
	second, _ := m.Register(fast.URL, "", "", nil)

	results := m.Deliver(context.Background(), testEvent("appointment.checked_in"))
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].WebhookID != first.ID || results[1].WebhookID != second.ID {
		t.Errorf("results out of order: %s, %s", results[0].WebhookID, results[1].WebhookID)
	}
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	m := newTestManager(WithQueueSize(1))
	if !m.Enqueue(testEvent("a")) {
		t.Fatal("expected first event to be queued")
	}
	if m.Enqueue(testEvent("b")) {
		t.Error("expected second event to be dropped")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_CreateListRedacts(t *testing.T) {
	e := echo.New()
	m := newTestManager()
	NewHandler(m).RegisterRoutes(e.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks",
		strings.NewReader(`{"url":"https://his.example.com/hooks","secret":"s3cret","events":["appointment.*"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "s3cret") {
		t.Error("expected secret in create response")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "s3cret") {
		t.Error("expected secret to be redacted from list")
	}
}

func TestHandler_Errors(t *testing.T) {
	e := echo.New()
	NewHandler(newTestManager()).RegisterRoutes(e.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks", strings.NewReader(`{"url":"ftp://x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
