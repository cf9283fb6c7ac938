package scheduling

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrSlotConflict       = errors.New("slot conflict")
	ErrPhaseOutOfOrder    = errors.New("phase out of order")
	ErrValidation         = errors.New("validation failed")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError names the illegal (current status, operation) pair.
type InvalidTransitionError struct {
	AppointmentID uuid.UUID
	Current       Status
	Operation     Operation
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s appointment %s in status %s", e.Operation, e.AppointmentID, e.Current)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type SlotConflictError struct {
	ConflictingID uuid.UUID
	PatientID     string
	Department    Department
	Date          string
	Time          string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("patient %s already holds appointment %s for %s %s in %s",
		e.PatientID, e.ConflictingID, e.Date, e.Time, e.Department)
}

func (e *SlotConflictError) Is(target error) bool { return target == ErrSlotConflict }

type PhaseOutOfOrderError struct {
	InteractionID uuid.UUID
	Phase         Phase
	Reason        string
}

func (e *PhaseOutOfOrderError) Error() string {
	return fmt.Sprintf("interaction %s: cannot %s: %s", e.InteractionID, e.Phase, e.Reason)
}

func (e *PhaseOutOfOrderError) Is(target error) bool { return target == ErrPhaseOutOfOrder }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError wraps a persistence failure. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
