package scheduling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medcenter/clinicflow/internal/platform/auth"
)

const testRoleHeader = "X-Test-Role"

// newTestServer mounts the handler under /api/v1 and takes the caller's role
// from a header.
func newTestServer(env *testEnv) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if role := c.Request().Header.Get(testRoleHeader); role != "" {
				ctx := auth.WithUser(c.Request().Context(), "u-1", []string{role})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	})
	NewHandler(env.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func doRequest(e *echo.Echo, method, path, role, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		req.Header.Set(testRoleHeader, role)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const createBody = `{"patient_id":"p-1","department":"GENERAL_MEDICINE","scheduled_date":"2026-03-09","scheduled_time":"09:30"}`

func TestHandler_CreateAppointment(t *testing.T) {
	e := newTestServer(newTestEnv(nil))

	rec := doRequest(e, http.MethodPost, "/api/v1/appointments", auth.RoleReceptionist, createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var a Appointment
	decode(t, rec, &a)
	if a.Status != StatusScheduled || a.Priority != PriorityNormal {
		t.Errorf("unexpected appointment: %+v", a)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/appointments/"+a.ID.String(), auth.RolePhysician, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["id"] != a.ID.String() || body["in_building"] != false {
		t.Errorf("unexpected appointment body: %v", body)
	}
	if _, ok := body["interaction"]; ok {
		t.Error("expected no interaction before check-in")
	}
}

func TestHandler_CreateAppointment_Invalid(t *testing.T) {
	e := newTestServer(newTestEnv(nil))

	rec := doRequest(e, http.MethodPost, "/api/v1/appointments", auth.RoleReceptionist,
		`{"patient_id":"p-1","department":"CARDIOLOGY","scheduled_date":"2026-03-09","scheduled_time":"09:30"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["field"] != "department" {
		t.Errorf("expected field department, got %v", body)
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/appointments", auth.RoleReceptionist, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandler_SlotConflict(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	first := env.book(t, "p-1", DepartmentGeneralMedicine, PriorityNormal)

	rec := doRequest(e, http.MethodPost, "/api/v1/appointments", auth.RoleNurse, createBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] != "slot_conflict" || body["conflicting_id"] != first.ID.String() {
		t.Errorf("unexpected conflict body: %v", body)
	}
}

func TestHandler_RoleChecks(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	a := env.book(t, "p-1", DepartmentGeneralMedicine, PriorityNormal)

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"unauthenticated", http.MethodGet, "/api/v1/appointments", "", http.StatusUnauthorized},
		{"physician cannot book", http.MethodPost, "/api/v1/appointments", auth.RolePhysician, http.StatusForbidden},
		{"receptionist cannot start", http.MethodPost, "/api/v1/appointments/" + a.ID.String() + "/start", auth.RoleReceptionist, http.StatusForbidden},
		{"nurse cannot read analytics", http.MethodGet, "/api/v1/analytics/prediction-accuracy", auth.RoleNurse, http.StatusForbidden},
		{"admin reads analytics", http.MethodGet, "/api/v1/analytics/prediction-accuracy", auth.RoleAdmin, http.StatusOK},
		{"receptionist reads queue", http.MethodGet, "/api/v1/queues/general_medicine", auth.RoleReceptionist, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := ""
			if tt.method == http.MethodPost {
				body = createBody
			}
			rec := doRequest(e, tt.method, tt.path, tt.role, body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_VisitFlow(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	a := env.book(t, "p-1", DepartmentGeneralMedicine, PriorityNormal)
	base := "/api/v1/appointments/" + a.ID.String()

	rec := doRequest(e, http.MethodPost, base+"/check-in", auth.RoleReceptionist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("check-in: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var checkIn CheckInResult
	decode(t, rec, &checkIn)
	if checkIn.Appointment.QueueNumber == nil || *checkIn.Appointment.QueueNumber != 1 {
		t.Fatalf("expected ticket 1, got %v", checkIn.Appointment.QueueNumber)
	}
	inter := "/api/v1/interactions/" + checkIn.Interaction.ID.String()

	rec = doRequest(e, http.MethodGet, base, auth.RoleNurse, "")
	var detail AppointmentDetail
	decode(t, rec, &detail)
	if detail.Interaction == nil || detail.Interaction.ID != checkIn.Interaction.ID || !detail.InBuilding {
		t.Errorf("expected open interaction on appointment, got %+v", detail.Interaction)
	}

	rec = doRequest(e, http.MethodPost, base+"/check-in", auth.RoleReceptionist, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second check-in: expected 409, got %d", rec.Code)
	}
	var conflict map[string]string
	decode(t, rec, &conflict)
	if conflict["current_status"] != string(StatusCheckedIn) || conflict["operation"] != string(OpCheckIn) {
		t.Errorf("unexpected conflict body: %v", conflict)
	}

	rec = doRequest(e, http.MethodPost, inter+"/vitals/end", auth.RoleNurse, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("end vitals first: expected 409, got %d", rec.Code)
	}
	decode(t, rec, &conflict)
	if conflict["error"] != "phase_out_of_order" || conflict["phase"] != string(PhaseEndVitals) {
		t.Errorf("unexpected phase body: %v", conflict)
	}

	for _, step := range []string{"/vitals/start", "/vitals/end", "/consult/start", "/consult/end"} {
		env.clock.Advance(3 * time.Minute)
		rec = doRequest(e, http.MethodPost, inter+step, auth.RoleNurse, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step, rec.Code, rec.Body.String())
		}
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/queues/GENERAL_MEDICINE?date=2026-03-09", auth.RoleNurse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue: expected 200, got %d", rec.Code)
	}
	var snap QueueSnapshot
	decode(t, rec, &snap)
	if len(snap.Entries) != 1 || snap.Entries[0].Status != StatusInProgress {
		t.Errorf("expected one in-progress entry, got %+v", snap.Entries)
	}

	env.clock.Advance(time.Minute)
	rec = doRequest(e, http.MethodPost, inter+"/checkout", auth.RoleReceptionist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pr PhaseResult
	decode(t, rec, &pr)
	if pr.Appointment.Status != StatusCompleted || *pr.Interaction.TotalDuration != 13 {
		t.Errorf("unexpected checkout result: %s total=%v", pr.Appointment.Status, pr.Interaction.TotalDuration)
	}

	rec = doRequest(e, http.MethodPost, base+"/cancel", auth.RoleReceptionist, `{"reason":"too late"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel completed: expected 409, got %d", rec.Code)
	}
}

func TestHandler_Cancel(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	a := env.book(t, "p-1", DepartmentDental, PriorityNormal)

	rec := doRequest(e, http.MethodPost, "/api/v1/appointments/"+a.ID.String()+"/cancel", auth.RoleReceptionist, `{"reason":"sick"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got Appointment
	decode(t, rec, &got)
	if got.Status != StatusCancelled || got.CancellationReason == nil || *got.CancellationReason != "sick" {
		t.Errorf("unexpected appointment: %+v", got)
	}

	b := env.book(t, "p-2", DepartmentDental, PriorityNormal)
	rec = doRequest(e, http.MethodPost, "/api/v1/appointments/"+b.ID.String()+"/cancel", auth.RoleReceptionist, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected cancel without body to succeed, got %d", rec.Code)
	}
}

func TestHandler_Reprioritize(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	a := env.book(t, "p-1", DepartmentEmergency, PriorityNormal)

	rec := doRequest(e, http.MethodPost, "/api/v1/appointments/"+a.ID.String()+"/priority", auth.RoleNurse, `{"priority":"urgent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got Appointment
	decode(t, rec, &got)
	if got.Priority != PriorityUrgent {
		t.Errorf("expected URGENT, got %s", got.Priority)
	}
}

func TestHandler_InvalidAndMissingIDs(t *testing.T) {
	e := newTestServer(newTestEnv(nil))

	rec := doRequest(e, http.MethodGet, "/api/v1/appointments/not-a-uuid", auth.RoleNurse, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodGet, "/api/v1/appointments/"+uuid.New().String(), auth.RoleNurse, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPost, "/api/v1/interactions/"+uuid.New().String()+"/checkout", auth.RoleNurse, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown interaction, got %d", rec.Code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	env := newTestEnv(nil)
	e := newTestServer(env)
	for _, p := range []string{"p-1", "p-2", "p-3"} {
		env.book(t, p, DepartmentPediatrics, PriorityNormal)
		env.clock.Advance(time.Second)
	}

	rec := doRequest(e, http.MethodGet, "/api/v1/appointments?department=pediatrics&limit=2", auth.RoleReceptionist, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data    []Appointment `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
		Links   []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"links"`
	}
	decode(t, rec, &page)
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("expected 2 of 3 with more, got %d of %d", len(page.Data), page.Total)
	}
	if len(page.Links) == 0 {
		t.Error("expected navigation links")
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/appointments?date=tomorrow", auth.RoleReceptionist, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestHandler_Analytics(t *testing.T) {
	e := newTestServer(newTestEnv(nil))

	rec := doRequest(e, http.MethodGet, "/api/v1/analytics/prediction-accuracy?window_days=0", auth.RolePhysician, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero window, got %d", rec.Code)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/analytics/prediction-accuracy", auth.RolePhysician, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report AccuracyReport
	decode(t, rec, &report)
	if report.WindowDays != 30 || report.Count != 0 {
		t.Errorf("expected empty 30 day report, got %+v", report)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/analytics/training-data?window_days=7", auth.RolePhysician, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_PreviewEstimate(t *testing.T) {
	e := newTestServer(newTestEnv(nil))

	rec := doRequest(e, http.MethodPost, "/api/v1/estimates", auth.RoleReceptionist,
		`{"department":"emergency","priority":"URGENT","visitType":"EMERGENCY","symptomCount":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var est struct {
		PredictedMinutes int `json:"predictedMinutes"`
	}
	decode(t, rec, &est)
	if est.PredictedMinutes != 56 {
		t.Errorf("expected 56, got %d", est.PredictedMinutes)
	}

	rec = doRequest(e, http.MethodPost, "/api/v1/estimates", auth.RoleReceptionist, `{"department":"MOON","priority":"NORMAL"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
