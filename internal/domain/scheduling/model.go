package scheduling

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is the appointment lifecycle state.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Active statuses hold a booking slot.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusCheckedIn || s == StatusInProgress
}

// Queued statuses hold a queue number.
func (s Status) Queued() bool {
	return s == StatusCheckedIn || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities for serving; higher is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	}
	return 0
}

type Department string

const (
	DepartmentGeneralMedicine Department = "GENERAL_MEDICINE"
	DepartmentEmergency       Department = "EMERGENCY"
	DepartmentPediatrics      Department = "PEDIATRICS"
	DepartmentMentalHealth    Department = "MENTAL_HEALTH"
	DepartmentDental          Department = "DENTAL"
)

func (d Department) Valid() bool {
	switch d {
	case DepartmentGeneralMedicine, DepartmentEmergency, DepartmentPediatrics, DepartmentMentalHealth, DepartmentDental:
		return true
	}
	return false
}

type VisitType string

const (
	VisitRoutine   VisitType = "ROUTINE"
	VisitFollowUp  VisitType = "FOLLOW_UP"
	VisitWalkIn    VisitType = "WALK_IN"
	VisitEmergency VisitType = "EMERGENCY"
	VisitCheckup   VisitType = "CHECKUP"
)

func (v VisitType) Valid() bool {
	switch v {
	case VisitRoutine, VisitFollowUp, VisitWalkIn, VisitEmergency, VisitCheckup:
		return true
	}
	return false
}

// Appointment is a booked visit. ScheduledDate is a calendar date stored as
// midnight UTC; ScheduledTime is "HH:MM" in the clinic's time zone.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          string     `db:"patient_id" json:"patient_id"`
	StaffID            *string    `db:"staff_id" json:"staff_id,omitempty"`
	Department         Department `db:"department" json:"department"`
	VisitType          VisitType  `db:"visit_type" json:"visit_type"`
	Priority           Priority   `db:"priority" json:"priority"`
	Status             Status     `db:"status" json:"status"`
	QueueNumber        *int       `db:"queue_number" json:"queue_number,omitempty"`
	ScheduledDate      time.Time  `db:"scheduled_date" json:"scheduled_date"`
	ScheduledTime      string     `db:"scheduled_time" json:"scheduled_time"`
	Reason             string     `db:"reason" json:"reason,omitempty"`
	SymptomCount       int        `db:"symptom_count" json:"symptom_count"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CheckedInAt        *time.Time `db:"checked_in_at" json:"checked_in_at,omitempty"`
	StartedAt          *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Interaction is the phase timeline of one checked-in visit. Durations are
// whole minutes and stay nil until their phase closes.
type Interaction struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	AppointmentID          uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	PatientID              string     `db:"patient_id" json:"patient_id"`
	StaffID                *string    `db:"staff_id" json:"staff_id,omitempty"`
	Department             Department `db:"department" json:"department"`
	Priority               Priority   `db:"priority" json:"priority"`
	VisitType              VisitType  `db:"visit_type" json:"visit_type"`
	SymptomCount           int        `db:"symptom_count" json:"symptom_count"`
	QueueNumber            int        `db:"queue_number" json:"queue_number"`
	CheckInTime            time.Time  `db:"check_in_time" json:"check_in_time"`
	VitalsStartTime        *time.Time `db:"vitals_start_time" json:"vitals_start_time,omitempty"`
	VitalsEndTime          *time.Time `db:"vitals_end_time" json:"vitals_end_time,omitempty"`
	ConsultStartTime       *time.Time `db:"consult_start_time" json:"consult_start_time,omitempty"`
	ConsultEndTime         *time.Time `db:"consult_end_time" json:"consult_end_time,omitempty"`
	CheckoutTime           *time.Time `db:"checkout_time" json:"checkout_time,omitempty"`
	VitalsDuration         *int       `db:"vitals_duration" json:"vitals_duration,omitempty"`
	ConsultDuration        *int       `db:"consult_duration" json:"consult_duration,omitempty"`
	TotalDuration          *int       `db:"total_duration" json:"total_duration,omitempty"`
	PredictedDuration      *int       `db:"predicted_duration" json:"predicted_duration,omitempty"`
	PredictionConfidence   *float64   `db:"prediction_confidence" json:"prediction_confidence,omitempty"`
	PredictionModelVersion *string    `db:"prediction_model_version" json:"prediction_model_version,omitempty"`
	CreatedAt              time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at" json:"updated_at"`
}

// Open reports whether the visit is still in the building.
func (i *Interaction) Open() bool {
	return i.CheckoutTime == nil
}

// lastMark is the latest timestamp recorded on the timeline.
func (i *Interaction) lastMark() time.Time {
	last := i.CheckInTime
	for _, t := range []*time.Time{i.VitalsStartTime, i.VitalsEndTime, i.ConsultStartTime, i.ConsultEndTime} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}

// QueueEntry is one line of the derived serving order for a department and day.
type QueueEntry struct {
	Position             int       `json:"position"`
	AppointmentID        uuid.UUID `json:"appointment_id"`
	PatientID            string    `json:"patient_id"`
	QueueNumber          int       `json:"queue_number"`
	Priority             Priority  `json:"priority"`
	Status               Status    `json:"status"`
	CheckedInAt          time.Time `json:"checked_in_at"`
	PredictedDuration    int       `json:"predicted_duration"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
}

type QueueSnapshot struct {
	Department  Department   `json:"department"`
	Date        string       `json:"date"`
	GeneratedAt time.Time    `json:"generated_at"`
	Entries     []QueueEntry `json:"entries"`
}

const dateLayout = "2006-01-02"

// civilDate returns the calendar day of t in loc as midnight UTC.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// minutesBetween rounds the elapsed time to whole minutes.
func minutesBetween(from, to time.Time) int {
	return int(math.Round(to.Sub(from).Minutes()))
}

func intPtr(v int) *int              { return &v }
func timePtr(v time.Time) *time.Time { return &v }
func strPtr(v string) *string        { return &v }
