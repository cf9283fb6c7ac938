package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medcenter/clinicflow/internal/platform/db"
)

const activeStatuses = `('SCHEDULED','CHECKED_IN','IN_PROGRESS')`
const queuedStatuses = `('CHECKED_IN','IN_PROGRESS')`

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool db.DB }

func NewAppointmentRepoPG(pool db.DB) AppointmentRepository { return &appointmentRepoPG{pool: pool} }

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, staff_id, department, visit_type, priority, status, queue_number,
	scheduled_date, scheduled_time, reason, symptom_count, cancellation_reason,
	checked_in_at, started_at, completed_at, cancelled_at, created_at, updated_at`

func (r *appointmentRepoPG) scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.StaffID, &a.Department, &a.VisitType, &a.Priority, &a.Status, &a.QueueNumber,
		&a.ScheduledDate, &a.ScheduledTime, &a.Reason, &a.SymptomCount, &a.CancellationReason,
		&a.CheckedInAt, &a.StartedAt, &a.CompletedAt, &a.CancelledAt, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, patient_id, staff_id, department, visit_type, priority, status,
			scheduled_date, scheduled_time, reason, symptom_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.PatientID, a.StaffID, a.Department, a.VisitType, a.Priority, a.Status,
		a.ScheduledDate, a.ScheduledTime, a.Reason, a.SymptomCount, a.CreatedAt, a.UpdatedAt)
	if constraint, ok := db.IsUniqueViolation(err); ok && constraint == "appointment_active_slot_key" {
		return &SlotConflictError{
			PatientID:  a.PatientID,
			Department: a.Department,
			Date:       a.ScheduledDate.Format(dateLayout),
			Time:       a.ScheduledTime,
		}
	}
	return storageErr("create appointment", err)
}

func (r *appointmentRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, &NotFoundError{Entity: "appointment", ID: id.String()}
	}
	if err != nil {
		return nil, storageErr("get appointment", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1 FOR UPDATE`, id)
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET staff_id=$2, priority=$3, status=$4, queue_number=$5, cancellation_reason=$6,
			checked_in_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10, updated_at=$11
		WHERE id = $1`,
		a.ID, a.StaffID, a.Priority, a.Status, a.QueueNumber, a.CancellationReason,
		a.CheckedInAt, a.StartedAt, a.CompletedAt, a.CancelledAt, a.UpdatedAt)
	if err != nil {
		return storageErr("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "appointment", ID: a.ID.String()}
	}
	return nil
}

func (r *appointmentRepoPG) FindActiveSlot(ctx context.Context, patientID string, date time.Time, scheduledTime string, dept Department) (*Appointment, error) {
	a, err := r.scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1 AND scheduled_date = $2 AND scheduled_time = $3 AND department = $4
			AND status IN `+activeStatuses+`
		LIMIT 1`, patientID, date, scheduledTime, dept))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find active slot", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	query := `SELECT ` + apptCols + ` FROM appointment WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM appointment WHERE 1=1`
	var args []interface{}
	idx := 1

	add := func(clause string, v interface{}) {
		query += fmt.Sprintf(clause, idx)
		countQuery += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if f.Department != "" {
		add(` AND department = $%d`, f.Department)
	}
	if f.Date != nil {
		add(` AND scheduled_date = $%d`, *f.Date)
	}
	if f.Status != "" {
		add(` AND status = $%d`, f.Status)
	}
	if f.Priority != "" {
		add(` AND priority = $%d`, f.Priority)
	}
	if f.PatientID != "" {
		add(` AND patient_id = $%d`, f.PatientID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count appointments", err)
	}

	query += fmt.Sprintf(` ORDER BY scheduled_date DESC, scheduled_time ASC, created_at ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("search appointments", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppointment(rows)
		if err != nil {
			return nil, 0, storageErr("scan appointment", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("search appointments", err)
	}
	return items, total, nil
}

func (r *appointmentRepoPG) ListQueue(ctx context.Context, dept Department, date time.Time) ([]QueueEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT a.id, a.patient_id, a.queue_number, a.priority, a.status, a.checked_in_at,
			COALESCE(i.predicted_duration, 0)
		FROM appointment a
		LEFT JOIN interaction i ON i.appointment_id = a.id
		WHERE a.department = $1 AND a.scheduled_date = $2 AND a.status IN `+queuedStatuses,
		dept, date)
	if err != nil {
		return nil, storageErr("list queue", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.AppointmentID, &e.PatientID, &e.QueueNumber, &e.Priority, &e.Status,
			&e.CheckedInAt, &e.PredictedDuration); err != nil {
			return nil, storageErr("scan queue entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list queue", err)
	}
	return entries, nil
}

// =========== Interaction Repository ===========

type interactionRepoPG struct{ pool db.DB }

func NewInteractionRepoPG(pool db.DB) InteractionRepository { return &interactionRepoPG{pool: pool} }

func (r *interactionRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const interactionCols = `i.id, i.appointment_id, i.patient_id, i.staff_id, i.department, i.priority, i.visit_type,
	i.symptom_count, i.queue_number, i.check_in_time, i.vitals_start_time, i.vitals_end_time,
	i.consult_start_time, i.consult_end_time, i.checkout_time, i.vitals_duration, i.consult_duration,
	i.total_duration, i.predicted_duration, i.prediction_confidence, i.prediction_model_version,
	i.created_at, i.updated_at`

func (r *interactionRepoPG) scanInteraction(row pgx.Row) (*Interaction, error) {
	var i Interaction
	err := row.Scan(&i.ID, &i.AppointmentID, &i.PatientID, &i.StaffID, &i.Department, &i.Priority, &i.VisitType,
		&i.SymptomCount, &i.QueueNumber, &i.CheckInTime, &i.VitalsStartTime, &i.VitalsEndTime,
		&i.ConsultStartTime, &i.ConsultEndTime, &i.CheckoutTime, &i.VitalsDuration, &i.ConsultDuration,
		&i.TotalDuration, &i.PredictedDuration, &i.PredictionConfidence, &i.PredictionModelVersion,
		&i.CreatedAt, &i.UpdatedAt)
	return &i, err
}

func (r *interactionRepoPG) Create(ctx context.Context, i *Interaction) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO interaction (id, appointment_id, patient_id, staff_id, department, priority, visit_type,
			symptom_count, queue_number, check_in_time, predicted_duration, prediction_confidence,
			prediction_model_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		i.ID, i.AppointmentID, i.PatientID, i.StaffID, i.Department, i.Priority, i.VisitType,
		i.SymptomCount, i.QueueNumber, i.CheckInTime, i.PredictedDuration, i.PredictionConfidence,
		i.PredictionModelVersion, i.CreatedAt, i.UpdatedAt)
	return storageErr("create interaction", err)
}

func (r *interactionRepoPG) get(ctx context.Context, query string, key uuid.UUID) (*Interaction, error) {
	i, err := r.scanInteraction(r.conn(ctx).QueryRow(ctx, query, key))
	if db.IsNoRows(err) {
		return nil, &NotFoundError{Entity: "interaction", ID: key.String()}
	}
	if err != nil {
		return nil, storageErr("get interaction", err)
	}
	return i, nil
}

func (r *interactionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	return r.get(ctx, `SELECT `+interactionCols+` FROM interaction i WHERE i.id = $1`, id)
}

func (r *interactionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Interaction, error) {
	return r.get(ctx, `SELECT `+interactionCols+` FROM interaction i WHERE i.id = $1 FOR UPDATE`, id)
}

func (r *interactionRepoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Interaction, error) {
	return r.get(ctx, `SELECT `+interactionCols+` FROM interaction i WHERE i.appointment_id = $1`, appointmentID)
}

func (r *interactionRepoPG) Update(ctx context.Context, i *Interaction) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE interaction SET vitals_start_time=$2, vitals_end_time=$3, consult_start_time=$4,
			consult_end_time=$5, checkout_time=$6, vitals_duration=$7, consult_duration=$8,
			total_duration=$9, updated_at=$10
		WHERE id = $1`,
		i.ID, i.VitalsStartTime, i.VitalsEndTime, i.ConsultStartTime,
		i.ConsultEndTime, i.CheckoutTime, i.VitalsDuration, i.ConsultDuration,
		i.TotalDuration, i.UpdatedAt)
	if err != nil {
		return storageErr("update interaction", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "interaction", ID: i.ID.String()}
	}
	return nil
}

func (r *interactionRepoPG) list(ctx context.Context, op, query string, args ...interface{}) ([]*Interaction, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()
	var items []*Interaction
	for rows.Next() {
		i, err := r.scanInteraction(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return items, nil
}

// ListOpen reports the appointment's current priority, which may differ from
// the one recorded at check-in.
func (r *interactionRepoPG) ListOpen(ctx context.Context) ([]*Interaction, error) {
	return r.list(ctx, "list open interactions", `
		SELECT `+strings.Replace(interactionCols, "i.priority", "a.priority", 1)+`
		FROM interaction i
		JOIN appointment a ON a.id = i.appointment_id
		WHERE i.checkout_time IS NULL AND a.status IN `+queuedStatuses+`
		ORDER BY i.check_in_time ASC`)
}

func (r *interactionRepoPG) ListCompleted(ctx context.Context, from, to time.Time) ([]*Interaction, error) {
	return r.list(ctx, "list completed interactions", `
		SELECT `+interactionCols+`
		FROM interaction i
		WHERE i.total_duration IS NOT NULL AND i.predicted_duration IS NOT NULL
			AND i.checkout_time >= $1 AND i.checkout_time <= $2
		ORDER BY i.checkout_time ASC`, from, to)
}

// =========== Queue Counter ===========

type queueCounterPG struct{ pool db.DB }

func NewQueueCounterPG(pool db.DB) QueueCounter { return &queueCounterPG{pool: pool} }

// Next increments the {department, date} counter. The upsert takes a row lock
// that is held until the surrounding transaction ends, which serializes
// concurrent check-ins for the same day and department.
func (r *queueCounterPG) Next(ctx context.Context, dept Department, date time.Time) (int, error) {
	conn := db.ConnFromContext(ctx)
	if conn == nil {
		return 0, &StorageError{Op: "next queue number", Err: fmt.Errorf("must run inside a transaction")}
	}
	var n int
	err := conn.QueryRow(ctx, `
		INSERT INTO queue_counter (department, service_date, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (department, service_date)
		DO UPDATE SET last_number = queue_counter.last_number + 1, updated_at = NOW()
		RETURNING last_number`, dept, date).Scan(&n)
	if err != nil {
		return 0, storageErr("next queue number", err)
	}
	return n, nil
}
