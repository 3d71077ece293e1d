package domain

import "fmt"

// BatchStatus is the lifecycle state of a BatchJob.
type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusEmbedding BatchStatus = "embedding"
	StatusUpserting BatchStatus = "upserting"
	StatusDone      BatchStatus = "done"
	StatusFailed    BatchStatus = "failed"
)

// legalTransitions encodes the batch state machine:
// pending → embedding → upserting → done, with failed reachable from
// embedding or upserting, and pending → done for an empty final batch.
var legalTransitions = map[BatchStatus][]BatchStatus{
	StatusPending:   {StatusEmbedding, StatusDone},
	StatusEmbedding: {StatusUpserting, StatusFailed},
	StatusUpserting: {StatusDone, StatusFailed},
}

// BatchJob is one in-flight unit of pipeline work. The orchestrator
// exclusively owns its lifecycle; it is never shared across goroutines.
type BatchJob struct {
	ID       string
	Cursor   string // cursor the batch was fetched from, for operator re-runs
	Records  []Record
	Status   BatchStatus
	Attempts int
	Skipped  []SkippedRecord
}

// NewBatchJob creates a pending job for the records fetched at cursor.
func NewBatchJob(id, cursor string, records []Record) *BatchJob {
	return &BatchJob{ID: id, Cursor: cursor, Records: records, Status: StatusPending}
}

// Transition moves the job to next, rejecting transitions the state machine
// does not allow.
func (j *BatchJob) Transition(next BatchStatus) error {
	for _, allowed := range legalTransitions[j.Status] {
		if next == allowed {
			j.Status = next
			return nil
		}
	}
	return fmt.Errorf("batch %s: illegal transition %s -> %s", j.ID, j.Status, next)
}

// Terminal reports whether the job has reached done or failed.
func (j *BatchJob) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// Skip records that a record was excluded from the batch.
func (j *BatchJob) Skip(recordID, reason string) {
	j.Skipped = append(j.Skipped, SkippedRecord{RecordID: recordID, Reason: reason})
}
