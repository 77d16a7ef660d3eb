package event

import (
	"time"

	"github.com/google/uuid"
)

// Batch is an ordered group of records sent in one delivery. The Records slice
// is owned by the batch and must not be modified after NewBatch returns.
type Batch struct {
	ID        string
	Records   []Record
	CreatedAt time.Time
}

// NewBatch wraps drained records into a batch with a fresh ID.
func NewBatch(records []Record) Batch {
	return Batch{
		ID:        uuid.NewString(),
		Records:   records,
		CreatedAt: time.Now(),
	}
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}
