package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AppointmentFilter narrows Search. Zero values are ignored.
type AppointmentFilter struct {
	Department Department
	Date       *time.Time
	Status     Status
	Priority   Priority
	PatientID  string
}

// Repositories return *NotFoundError for missing rows and *StorageError for
// persistence failures. GetForUpdate must be called inside UnitOfWork.WithinTx
// and holds a row lock until the transaction ends.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// FindActiveSlot returns the active appointment holding the slot, or nil.
	FindActiveSlot(ctx context.Context, patientID string, date time.Time, scheduledTime string, dept Department) (*Appointment, error)
	Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	// ListQueue returns the CHECKED_IN and IN_PROGRESS appointments of a day
	// with the predicted duration of their interaction, in no particular order.
	ListQueue(ctx context.Context, dept Department, date time.Time) ([]QueueEntry, error)
}

type InteractionRepository interface {
	Create(ctx context.Context, i *Interaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Interaction, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Interaction, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Interaction, error)
	Update(ctx context.Context, i *Interaction) error
	// ListOpen returns interactions without a checkout whose appointment is
	// still CHECKED_IN or IN_PROGRESS, carrying the appointment's current priority.
	ListOpen(ctx context.Context) ([]*Interaction, error)
	// ListCompleted returns interactions with both predicted and total
	// durations whose checkout falls in [from, to].
	ListCompleted(ctx context.Context, from, to time.Time) ([]*Interaction, error)
}

// QueueCounter hands out ticket numbers. Next must run inside the check-in
// transaction so a rollback also returns the number.
type QueueCounter interface {
	Next(ctx context.Context, dept Department, date time.Time) (int, error)
}

type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
