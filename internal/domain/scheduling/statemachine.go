package scheduling

import "time"

// Operation is a request to move an appointment through its lifecycle.
type Operation string

const (
	OpCheckIn  Operation = "check_in"
	OpStart    Operation = "start"
	OpComplete Operation = "complete"
	OpCancel   Operation = "cancel"
	OpNoShow   Operation = "no_show"
)

// Transition returns the status reached by applying op in from, or an
// *InvalidTransitionError naming the illegal pair.
func Transition(from Status, op Operation) (Status, error) {
	switch from {
	case StatusScheduled:
		switch op {
		case OpCheckIn:
			return StatusCheckedIn, nil
		case OpCancel:
			return StatusCancelled, nil
		case OpNoShow:
			return StatusNoShow, nil
		}
	case StatusCheckedIn:
		switch op {
		case OpStart:
			return StatusInProgress, nil
		case OpCancel:
			return StatusCancelled, nil
		}
	case StatusInProgress:
		if op == OpComplete {
			return StatusCompleted, nil
		}
	case StatusCompleted, StatusCancelled, StatusNoShow:
		// terminal
	}
	return "", &InvalidTransitionError{Current: from, Operation: op}
}

// apply moves a to the next status and stamps the matching timestamp.
// Queue numbers are retired when the appointment reaches a terminal status.
func apply(a *Appointment, op Operation, now time.Time, reason string) error {
	next, err := Transition(a.Status, op)
	if err != nil {
		if ite, ok := err.(*InvalidTransitionError); ok {
			ite.AppointmentID = a.ID
		}
		return err
	}

	switch next {
	case StatusCheckedIn:
		a.CheckedInAt = timePtr(now)
	case StatusInProgress:
		a.StartedAt = timePtr(now)
	case StatusCompleted:
		a.CompletedAt = timePtr(now)
	case StatusCancelled:
		a.CancelledAt = timePtr(now)
		if reason != "" {
			a.CancellationReason = strPtr(reason)
		}
	}

	a.Status = next
	if next.Terminal() {
		a.QueueNumber = nil
	}
	a.UpdatedAt = now
	return nil
}
