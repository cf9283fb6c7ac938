package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTransition_Table(t *testing.T) {
	ops := []Operation{OpCheckIn, OpStart, OpComplete, OpCancel, OpNoShow}
	legal := map[Status]map[Operation]Status{
		StatusScheduled:  {OpCheckIn: StatusCheckedIn, OpCancel: StatusCancelled, OpNoShow: StatusNoShow},
		StatusCheckedIn:  {OpStart: StatusInProgress, OpCancel: StatusCancelled},
		StatusInProgress: {OpComplete: StatusCompleted},
		StatusCompleted:  {},
		StatusCancelled:  {},
		StatusNoShow:     {},
	}

	for from, allowed := range legal {
		for _, op := range ops {
			got, err := Transition(from, op)
			want, ok := allowed[op]
			if ok {
				if err != nil || got != want {
					t.Errorf("%s + %s: expected %s, got %s (%v)", from, op, want, got, err)
				}
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("%s + %s: expected InvalidTransitionError, got %v", from, op, err)
				continue
			}
			if ite.Current != from || ite.Operation != op {
				t.Errorf("%s + %s: unexpected detail %+v", from, op, ite)
			}
		}
	}
}

func TestApply_StampsAndRetiresTicket(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	a := &Appointment{ID: uuid.New(), Status: StatusScheduled}

	if err := apply(a, OpCheckIn, now, ""); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if a.CheckedInAt == nil || !a.CheckedInAt.Equal(now) {
		t.Error("expected checked_in_at")
	}
	a.QueueNumber = intPtr(4)

	if err := apply(a, OpStart, now.Add(time.Minute), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if a.QueueNumber == nil {
		t.Error("expected ticket to be kept while in progress")
	}
	if err := apply(a, OpComplete, now.Add(2*time.Minute), ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.QueueNumber != nil {
		t.Error("expected ticket to be retired")
	}
	if a.CompletedAt == nil || !a.UpdatedAt.Equal(now.Add(2*time.Minute)) {
		t.Error("expected completed_at and updated_at")
	}

	err := apply(a, OpCancel, now, "late")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) || ite.AppointmentID != a.ID {
		t.Errorf("expected InvalidTransitionError naming the appointment, got %v", err)
	}
	if a.Status != StatusCompleted || a.CancelledAt != nil {
		t.Error("expected failed apply to leave the appointment untouched")
	}
}

func TestStatus_Predicates(t *testing.T) {
	for _, s := range []Status{StatusScheduled, StatusCheckedIn, StatusInProgress} {
		if !s.Active() || s.Terminal() {
			t.Errorf("%s: expected active, non-terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusNoShow} {
		if s.Active() || !s.Terminal() || s.Queued() {
			t.Errorf("%s: expected terminal", s)
		}
	}
	if StatusScheduled.Queued() || !StatusCheckedIn.Queued() || !StatusInProgress.Queued() {
		t.Error("unexpected Queued result")
	}
	if Status("WAITING").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestPriority_Rank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("expected %s to outrank %s", order[i], order[i-1])
		}
	}
}
