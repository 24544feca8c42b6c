// Package queue carries ingestion jobs over RabbitMQ and decides, per
// attempt, whether a job is acknowledged, retried later or dead-lettered.
package queue

import (
	"encoding/json"
	"time"
)

// ReceiptJob asks a worker to run the ingestion pipeline for one receipt.
// The worker loads everything else from the database.
type ReceiptJob struct {
	ReceiptID  string    `json:"receipt_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewReceiptJob creates the first attempt for receiptID.
func NewReceiptJob(receiptID string) *ReceiptJob {
	return &ReceiptJob{
		ReceiptID:  receiptID,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Next returns a copy of the job for the following attempt.
func (j *ReceiptJob) Next() *ReceiptJob {
	return &ReceiptJob{
		ReceiptID:  j.ReceiptID,
		Attempt:    j.Attempt + 1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// ToJSON converts the job to JSON bytes
func (j *ReceiptJob) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// ReceiptJobFromJSON decodes a job. Messages without an attempt number are
// treated as the first attempt.
func ReceiptJobFromJSON(data []byte) (*ReceiptJob, error) {
	var job ReceiptJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return &job, nil
}
