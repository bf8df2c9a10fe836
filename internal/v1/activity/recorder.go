// Package activity implements the Activity Recorder: every successful
// mutation and auth event becomes exactly one immutable record, forwarded to
// the activity sink and fanned out to the activity room.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/flowboard/flowboard/internal/v1/logging"
	"github.com/flowboard/flowboard/internal/v1/metrics"
	"github.com/flowboard/flowboard/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder wraps mutations into activity records. Sink writes are
// fire-and-forget: a failed append never fails the user request, it is only
// logged and counted. The last ringSize records stay in a rolling window that
// feeds the activity room and the recent-activities query.
type Recorder struct {
	sink   types.ActivitySink
	router types.Router

	mu   sync.Mutex
	ring []*types.ActivityRecord
	size int

	wg sync.WaitGroup
}

// NewRecorder creates a Recorder with the given rolling-window size.
func NewRecorder(sink types.ActivitySink, router types.Router, ringSize int) *Recorder {
	if ringSize <= 0 {
		ringSize = 20
	}
	return &Recorder{sink: sink, router: router, size: ringSize}
}

// Record finalises rec (id, timestamp, templated description), stores it in
// the rolling window, forwards it to the sink asynchronously, and broadcasts
// activity.new to the activity room.
func (r *Recorder) Record(ctx context.Context, rec *types.ActivityRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Description == "" {
		rec.Description = Describe(rec.Action, string(rec.Actor), rec.Target)
	}

	r.mu.Lock()
	r.ring = append(r.ring, rec)
	if len(r.ring) > r.size {
		r.ring = r.ring[len(r.ring)-r.size:]
	}
	r.mu.Unlock()

	metrics.ActivityRecords.Inc()

	// MarkResolved mutates the windowed record later, so the sink goroutine
	// gets its own snapshot.
	snapshot := rec.Clone()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Detach from the request context: the mutation has already committed.
		if err := r.sink.Append(context.Background(), snapshot); err != nil {
			metrics.ActivitySinkFailures.Inc()
			logging.Error(context.Background(), "Failed to persist activity record",
				zap.String("action", snapshot.Action),
				zap.String("activity_id", snapshot.ID),
				zap.Error(err),
			)
		}
	}()

	if r.router != nil {
		r.router.Broadcast(types.RoomActivity, types.EncodeFrame(types.FrameActivityNew, "", rec), "")
	}
}

// Recent returns the rolling window, newest first.
func (r *Recorder) Recent() []*types.ActivityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.ActivityRecord, 0, len(r.ring))
	for i := len(r.ring) - 1; i >= 0; i-- {
		out = append(out, r.ring[i])
	}
	return out
}

// MarkResolved flags the windowed record for a conflict as resolved and
// stamps the resolution strategy into its description suffix.
func (r *Recorder) MarkResolved(conflictID string, strategy types.ResolutionStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.ring {
		if rec.ConflictID == conflictID && rec.Action == ActionConflictDetected {
			rec.IsResolved = true
			rec.Description += " (resolved: " + string(strategy) + ")"
		}
	}
}

// Prune removes sink records older than retentionDays whose severity is low
// or medium, per the retention policy.
func (r *Recorder) Prune(ctx context.Context, retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	return r.sink.Prune(ctx, cutoff, []types.ActivitySeverity{types.SeverityLow, types.SeverityMedium})
}

// Flush waits for in-flight sink writes. Used during shutdown and in tests.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
