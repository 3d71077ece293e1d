// Package pipeline provides the orchestrator that drives fetch → embed →
// upsert over the data lake, one batch at a time.
//
// Batches are processed sequentially by a single orchestrator per run so the
// cursor only ever advances in order. The cursor advances only when a batch
// reaches done, never after a failure, so a failed batch is reprocessed from
// the same cursor on the next run (at-least-once). Cancellation is observed
// between batches only; no job is abandoned mid-state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BabylonML/babylon-pipeline/engine/domain"
	"github.com/BabylonML/babylon-pipeline/engine/embed"
	"github.com/BabylonML/babylon-pipeline/engine/lake"
	"github.com/BabylonML/babylon-pipeline/engine/store"
	"github.com/BabylonML/babylon-pipeline/pkg/events"
	"github.com/BabylonML/babylon-pipeline/pkg/fn"
	"github.com/BabylonML/babylon-pipeline/pkg/resilience"
)

// Config tunes one orchestrator.
type Config struct {
	// Collection names the lake collection being processed, for logs/events.
	Collection string
	// BatchSize is the records fetched per batch.
	BatchSize int
	// MaxAttempts bounds retries of each external call, and of failed
	// upsert ids within a batch.
	MaxAttempts int
	// RetryWait is the initial backoff between attempts.
	RetryWait time.Duration
	// CallTimeout bounds every external call (fetch, embed, upsert).
	CallTimeout time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	BatchSize:   200,
	MaxAttempts: 3,
	RetryWait:   time.Second,
	CallTimeout: 2 * time.Minute,
}

// RunStats summarizes a completed (or aborted) run.
type RunStats struct {
	Batches int
	Indexed int
	Skipped int
	// PermanentlyFailed are record ids whose upsert kept failing after all
	// attempts; they were logged and skipped, the batch still completed.
	PermanentlyFailed []string
	// Cursor is the resume point after the run.
	Cursor string
}

// BatchEvent is published on every terminal batch state.
type BatchEvent struct {
	JobID      string             `json:"job_id"`
	Collection string             `json:"collection"`
	Cursor     string             `json:"cursor"`
	NextCursor string             `json:"next_cursor,omitempty"`
	Status     domain.BatchStatus `json:"status"`
	Records    int                `json:"records"`
	Indexed    int                `json:"indexed"`
	Skipped    int                `json:"skipped"`
	Error      string             `json:"error,omitempty"`
	At         time.Time          `json:"at"`
}

// Orchestrator owns BatchJob lifecycles. The lake, embedding service, and
// store are stateless collaborators invoked by reference.
type Orchestrator struct {
	lake    lake.Client
	embed   *embed.Service
	store   store.Adapter
	breaker *resilience.Breaker
	pub     events.Publisher
	cfg     Config
	log     *slog.Logger
}

// New creates an orchestrator. pub may be nil for no event publishing.
func New(lk lake.Client, svc *embed.Service, st store.Adapter, pub events.Publisher, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultConfig.RetryWait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	return &Orchestrator{
		lake:    lk,
		embed:   svc,
		store:   st,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		pub:     pub,
		cfg:     cfg,
		log:     log.With("component", "pipeline", "collection", cfg.Collection),
	}
}

// retryable errors are transient conditions worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrLakeUnavailable) ||
		errors.Is(err, domain.ErrModelUnavailable) ||
		errors.Is(err, domain.ErrStoreUnavailable) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

func (o *Orchestrator) retryOpts() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: o.cfg.MaxAttempts,
		InitialWait: o.cfg.RetryWait,
		MaxWait:     30 * o.cfg.RetryWait,
		Jitter:      true,
		RetryIf:     retryable,
	}
}

// Run processes batches from startCursor until the lake is exhausted, the
// context is cancelled, or a batch fails terminally. The returned stats
// carry the resume cursor either way.
func (o *Orchestrator) Run(ctx context.Context, startCursor string) (RunStats, error) {
	stats := RunStats{Cursor: startCursor}

	for {
		// Cancellation is only honored here, between batches.
		if err := ctx.Err(); err != nil {
			o.log.Info("run cancelled", "cursor", stats.Cursor)
			return stats, err
		}

		job, batch, err := o.fetchJob(ctx, stats.Cursor)
		if err != nil {
			return stats, err
		}
		// A page that reports more data but yields no records and no cursor
		// movement would loop forever; treat it as lake corruption.
		if batch.HasMore && len(batch.Records) == 0 && batch.NextCursor == stats.Cursor {
			return stats, fmt.Errorf("pipeline: no progress at cursor %q with more data reported: %w",
				stats.Cursor, domain.ErrLakeCorruption)
		}
		stats.Batches++

		done, err := o.processJob(ctx, job, batch)
		stats.Indexed += done.Indexed
		stats.Skipped += done.Skipped
		stats.PermanentlyFailed = append(stats.PermanentlyFailed, done.PermanentlyFailed...)
		if err != nil {
			// Cursor intentionally not advanced: the failed batch replays
			// from the same cursor on the next run.
			return stats, err
		}

		stats.Cursor = batch.NextCursor
		if !batch.HasMore {
			o.log.Info("run complete",
				"batches", stats.Batches, "indexed", stats.Indexed,
				"skipped", stats.Skipped, "cursor", stats.Cursor)
			return stats, nil
		}
	}
}

// fetchJob pulls one batch from the lake with retry and creates its job.
func (o *Orchestrator) fetchJob(ctx context.Context, cursor string) (*domain.BatchJob, lake.Batch, error) {
	fetch := fn.Traced("pipeline.fetch", fn.Logged("fetch", o.log,
		func(ctx context.Context, cur string) fn.Result[lake.Batch] {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
			return fn.FromPair(o.lake.FetchBatch(callCtx, cur, o.cfg.BatchSize))
		}))

	result := fn.Retry(ctx, o.retryOpts(), func(ctx context.Context) fn.Result[lake.Batch] {
		return fetch(ctx, cursor)
	})
	batch, err := result.Unwrap()
	if err != nil {
		return nil, lake.Batch{}, fmt.Errorf("pipeline: fetch at cursor %q: %w", cursor, err)
	}

	job := domain.NewBatchJob(uuid.NewString(), cursor, batch.Records)
	return job, batch, nil
}

type batchOutcome struct {
	Indexed           int
	Skipped           int
	PermanentlyFailed []string
}

// processJob drives one job through the state machine. All sub-calls of a
// stage settle before the next transition.
func (o *Orchestrator) processJob(ctx context.Context, job *domain.BatchJob, batch lake.Batch) (batchOutcome, error) {
	var out batchOutcome

	// Empty final batch: nothing to do.
	if len(job.Records) == 0 && !batch.HasMore {
		_ = job.Transition(domain.StatusDone)
		o.publish(ctx, job, batch.NextCursor, 0, "")
		return out, nil
	}

	if err := job.Transition(domain.StatusEmbedding); err != nil {
		return out, err
	}
	vectors, err := o.embedJob(ctx, job)
	if err != nil {
		return out, o.fail(ctx, job, 0, err)
	}
	out.Skipped = len(job.Skipped)

	if err := job.Transition(domain.StatusUpserting); err != nil {
		return out, err
	}
	indexed, failedIDs, err := o.upsertJob(ctx, job, vectors)
	out.Indexed = indexed
	out.PermanentlyFailed = failedIDs
	if err != nil {
		return out, o.fail(ctx, job, indexed, err)
	}

	if err := job.Transition(domain.StatusDone); err != nil {
		return out, err
	}
	o.publish(ctx, job, batch.NextCursor, indexed, "")
	o.log.Info("batch done",
		"job_id", job.ID, "records", len(job.Records),
		"indexed", indexed, "skipped", out.Skipped, "failed", len(failedIDs))
	return out, nil
}

// embedJob embeds the job's records with retry and the circuit breaker.
// Per-record skips accumulate on the job; backend failures fail the batch
// after retries are exhausted.
func (o *Orchestrator) embedJob(ctx context.Context, job *domain.BatchJob) ([]domain.IndexedVector, error) {
	type embedded struct {
		vectors []domain.IndexedVector
		skipped []domain.SkippedRecord
	}

	stage := fn.Traced("pipeline.embed", fn.Logged("embed", o.log,
		func(ctx context.Context, records []domain.Record) fn.Result[embedded] {
			var out embedded
			err := o.breaker.Call(ctx, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
				defer cancel()
				var embedErr error
				out.vectors, out.skipped, embedErr = o.embed.EmbedRecords(callCtx, records)
				return embedErr
			})
			return fn.FromPair(out, err)
		}))

	result := fn.Retry(ctx, o.retryOpts(), func(ctx context.Context) fn.Result[embedded] {
		return stage(ctx, job.Records)
	})
	out, err := result.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed batch at cursor %q: %w", job.Cursor, err)
	}
	for _, s := range out.skipped {
		job.Skip(s.RecordID, s.Reason)
	}
	return out.vectors, nil
}

// upsertJob writes vectors, retrying only the ids the store reported failed.
// After MaxAttempts the remaining ids are permanently skipped and logged;
// that does not fail the batch. Fatal errors (dimension mismatch) abort.
func (o *Orchestrator) upsertJob(ctx context.Context, job *domain.BatchJob, vectors []domain.IndexedVector) (int, []string, error) {
	indexed := 0
	remaining := vectors

	for attempt := 1; len(remaining) > 0; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		result, err := o.store.Upsert(callCtx, remaining)
		cancel()
		if err != nil {
			if domain.Fatal(err) {
				return indexed, nil, fmt.Errorf("pipeline: upsert batch at cursor %q: %w", job.Cursor, err)
			}
			// Whole-call failure: every remaining id counts as failed and is
			// retried below until attempts run out.
			result = domain.UpsertResult{Failed: recordIDs(remaining)}
		}

		indexed += len(result.Succeeded)
		if len(result.Failed) == 0 {
			return indexed, nil, nil
		}
		if attempt >= o.cfg.MaxAttempts {
			o.log.Error("upsert retries exhausted, skipping records",
				"job_id", job.ID, "cursor", job.Cursor, "failed_ids", result.Failed)
			for _, id := range result.Failed {
				job.Skip(id, "upsert retries exhausted")
			}
			return indexed, result.Failed, nil
		}

		remaining = keepFailed(remaining, result.Failed)
		select {
		case <-ctx.Done():
			return indexed, nil, fmt.Errorf("pipeline: upsert batch at cursor %q: %w", job.Cursor, ctx.Err())
		case <-time.After(o.cfg.RetryWait * time.Duration(attempt)):
		}
	}
	return indexed, nil, nil
}

// fail moves the job to failed and publishes the terminal event. The cursor
// is preserved in the event so operators can re-run the exact batch.
func (o *Orchestrator) fail(ctx context.Context, job *domain.BatchJob, indexed int, cause error) error {
	_ = job.Transition(domain.StatusFailed)
	o.publish(ctx, job, "", indexed, cause.Error())
	o.log.Error("batch failed", "job_id", job.ID, "cursor", job.Cursor, "error", cause)
	return cause
}

func (o *Orchestrator) publish(ctx context.Context, job *domain.BatchJob, nextCursor string, indexed int, errMsg string) {
	ev := BatchEvent{
		JobID:      job.ID,
		Collection: o.cfg.Collection,
		Cursor:     job.Cursor,
		NextCursor: nextCursor,
		Status:     job.Status,
		Records:    len(job.Records),
		Indexed:    indexed,
		Skipped:    len(job.Skipped),
		Error:      errMsg,
		At:         time.Now().UTC(),
	}
	if err := o.pub.Publish(ctx, events.BatchSubject, ev); err != nil {
		o.log.Warn("event publish failed", "job_id", job.ID, "error", err)
	}
}

func recordIDs(vectors []domain.IndexedVector) []string {
	return fn.Map(vectors, func(v domain.IndexedVector) string { return v.RecordID })
}

func keepFailed(vectors []domain.IndexedVector, failed []string) []domain.IndexedVector {
	set := make(map[string]struct{}, len(failed))
	for _, id := range failed {
		set[id] = struct{}{}
	}
	return fn.FilterMap(vectors, func(v domain.IndexedVector) (domain.IndexedVector, bool) {
		_, ok := set[v.RecordID]
		return v, ok
	})
}
