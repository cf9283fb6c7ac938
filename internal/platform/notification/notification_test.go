package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type recordingSender struct {
	mu    sync.Mutex
	calls []*Notification
	err   error
}

func (s *recordingSender) Send(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	return s.err
}

func (s *recordingSender) Calls() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Notification, len(s.calls))
	copy(out, s.calls)
	return out
}

// ---------------------------------------------------------------------------
// Template Engine Tests
// ---------------------------------------------------------------------------

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Name:    "Test Template",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{
		"name": "Alice",
		"code": "1234",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q, want %q", body, "Dear Alice, your code is 1234.")
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	eng := NewTemplateEngine()
	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_BuiltInTemplates(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"queue_number":      "7",
		"department":        "DENTAL",
		"predicted_minutes": "18",
		"actual_minutes":    "60",
		"error_minutes":     "42",
		"appointment_id":    "a-1",
	}
	for _, id := range []string{TemplateQueueTicket, TemplateNowServing, TemplatePredictionAnomaly} {
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("built-in template %q not found: %v", id, err)
			continue
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("template %q left placeholders: %q / %q", id, subject, body)
		}
	}
}

func TestTemplateEngine_MissingKeysLeftAsIs(t *testing.T) {
	eng := NewTemplateEngine()
	_, body, err := eng.Render(TemplateNowServing, map[string]string{"queue_number": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body != "Ticket 3, please proceed to {{department}}." {
		t.Errorf("unexpected body %q", body)
	}
}

// ---------------------------------------------------------------------------
// Dispatcher Tests
// ---------------------------------------------------------------------------

func TestDispatcher_RoutesByChannel(t *testing.T) {
	sms := &recordingSender{}
	fallback := &recordingSender{}
	d := NewDispatcher(NewTemplateEngine(), fallback, zerolog.Nop())
	d.RegisterSender(TypeSMS, sms)

	n, err := d.Notify(context.Background(), TemplateQueueTicket, "patient-1", map[string]string{
		"queue_number": "4", "department": "PEDIATRICS", "predicted_minutes": "21",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != StatusSent || n.SentAt == nil {
		t.Errorf("expected sent notification, got %+v", n)
	}
	if n.Type != TypeSMS || n.Recipient != "patient-1" {
		t.Errorf("unexpected routing %s/%s", n.Type, n.Recipient)
	}
	if len(sms.Calls()) != 1 || len(fallback.Calls()) != 0 {
		t.Errorf("expected SMS sender to be used, sms=%d fallback=%d", len(sms.Calls()), len(fallback.Calls()))
	}

	if _, err := d.Notify(context.Background(), TemplateNowServing, "patient-1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fallback.Calls()) != 1 {
		t.Error("expected push to fall back to the default sender")
	}
}

func TestDispatcher_SendFailureRecorded(t *testing.T) {
	d := NewDispatcher(NewTemplateEngine(), &recordingSender{err: errors.New("gateway down")}, zerolog.Nop())

	n, err := d.Notify(context.Background(), TemplateNowServing, "patient-2", nil)
	if err == nil {
		t.Fatal("expected send error")
	}
	if n == nil || n.Status != StatusFailed || n.Error != "gateway down" {
		t.Errorf("expected failed notification, got %+v", n)
	}
	if got := d.Stats()[StatusFailed]; got != 1 {
		t.Errorf("expected 1 failed, got %d", got)
	}
}

func TestDispatcher_UnknownTemplate(t *testing.T) {
	d := NewDispatcher(NewTemplateEngine(), &recordingSender{}, zerolog.Nop())
	n, err := d.Notify(context.Background(), "nope", "x", nil)
	if err == nil || n != nil {
		t.Fatalf("expected error and no notification, got %v / %v", n, err)
	}
}

func TestDispatcher_RecentNewestFirst(t *testing.T) {
	d := NewDispatcher(NewTemplateEngine(), &recordingSender{}, zerolog.Nop())
	d.limit = 2
	for _, r := range []string{"p1", "p2", "p3"} {
		if _, err := d.Notify(context.Background(), TemplateNowServing, r, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	recent := d.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(recent))
	}
	if recent[0].Recipient != "p3" || recent[1].Recipient != "p2" {
		t.Errorf("unexpected order: %s, %s", recent[0].Recipient, recent[1].Recipient)
	}
	if got := d.Stats()[StatusSent]; got != 3 {
		t.Errorf("expected 3 sent, got %d", got)
	}
}

func TestLogSender_WritesLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(zerolog.New(&buf))
	if err := s.Send(context.Background(), &Notification{ID: "n1", Type: TypeSMS, Recipient: "p1", Body: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"recipient":"p1"`) {
		t.Errorf("expected recipient in log line, got %q", buf.String())
	}
}

// ---------------------------------------------------------------------------
// Handler Tests
// ---------------------------------------------------------------------------

func TestHandler_ListAndStats(t *testing.T) {
	d := NewDispatcher(NewTemplateEngine(), &recordingSender{}, zerolog.Nop())
	if _, err := d.Notify(context.Background(), TemplateNowServing, "p1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := NewHandler(d)
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/notifications?limit=5", nil), rec)
	if err := h.HandleList(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].Recipient != "p1" {
		t.Errorf("unexpected list %+v", list)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/notifications/stats", nil), rec)
	if err := h.HandleStats(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats[StatusSent] != 1 {
		t.Errorf("expected 1 sent, got %v", stats)
	}
}
