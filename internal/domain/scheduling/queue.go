package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/medcenter/clinicflow/internal/platform/cache"
)

// SnapshotCache holds recently computed queues. *cache.Cache implements it.
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) error
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// QueueAssigner issues arrival-ordered ticket numbers and derives the
// priority-first serving order for a department and day.
type QueueAssigner struct {
	counter      QueueCounter
	appointments AppointmentRepository
	cache        SnapshotCache
	ttl          time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

func NewQueueAssigner(counter QueueCounter, appts AppointmentRepository, snapshots SnapshotCache, ttl time.Duration, logger zerolog.Logger) *QueueAssigner {
	return &QueueAssigner{
		counter:      counter,
		appointments: appts,
		cache:        snapshots,
		ttl:          ttl,
		logger:       logger,
		now:          time.Now,
	}
}

// Assign returns the next ticket for {dept, date}. Tickets are never reused.
func (q *QueueAssigner) Assign(ctx context.Context, dept Department, date time.Time) (int, error) {
	return q.counter.Next(ctx, dept, date)
}

func queueKey(dept Department, date time.Time) string {
	return "queue:" + string(dept) + ":" + date.Format(dateLayout)
}

// CurrentQueue returns the serving order for {dept, date}. A cached snapshot
// up to ttl old may be returned.
func (q *QueueAssigner) CurrentQueue(ctx context.Context, dept Department, date time.Time) (*QueueSnapshot, error) {
	key := queueKey(dept, date)
	if q.cache != nil && q.ttl > 0 {
		var snap QueueSnapshot
		err := q.cache.GetJSON(ctx, key, &snap)
		if err == nil {
			return &snap, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			q.logger.Warn().Err(err).Str("key", key).Msg("queue cache read failed")
		}
	}

	entries, err := q.appointments.ListQueue(ctx, dept, date)
	if err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{
		Department:  dept,
		Date:        date.Format(dateLayout),
		GeneratedAt: q.now().UTC(),
		Entries:     orderQueue(entries),
	}

	if q.cache != nil && q.ttl > 0 {
		if err := q.cache.SetJSON(ctx, key, snap, q.ttl); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("queue cache write failed")
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot after a write to {dept, date}.
func (q *QueueAssigner) Invalidate(ctx context.Context, dept Department, date time.Time) {
	if q.cache == nil {
		return
	}
	key := queueKey(dept, date)
	if err := q.cache.Delete(ctx, key); err != nil {
		q.logger.Warn().Err(err).Str("key", key).Msg("queue cache invalidation failed")
	}
}

// orderQueue sorts by priority rank desc then ticket asc, numbers positions
// from 1 and sums the predicted durations ahead of each entry.
func orderQueue(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].QueueNumber < out[j].QueueNumber
	})

	wait := 0
	for i := range out {
		out[i].Position = i + 1
		out[i].EstimatedWaitMinutes = wait
		wait += out[i].PredictedDuration
	}
	return out
}
