package repo

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tinoosan/fetchd/internal/data"
)

// DefaultHistoryLimit is how many records the in-memory repo keeps.
const DefaultHistoryLimit = 1000

type InMemoryHistoryRepo struct {
	mu      sync.RWMutex
	records data.Records
	limit   int
}

// NewInMemoryHistoryRepo keeps at most limit records, dropping the oldest.
// A non-positive limit uses DefaultHistoryLimit.
func NewInMemoryHistoryRepo(limit int) *InMemoryHistoryRepo {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &InMemoryHistoryRepo{
		records: make(data.Records, 0),
		limit:   limit,
	}
}

func (r *InMemoryHistoryRepo) List(ctx context.Context) (data.Records, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records.Clone(), nil
}

func (r *InMemoryHistoryRepo) Get(ctx context.Context, id string) (*data.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return nil, data.ErrNotFound
}

func (r *InMemoryHistoryRepo) Add(ctx context.Context, rec *data.Record) (*data.Record, error) {
	cp := rec.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, cp)
	if over := len(r.records) - r.limit; over > 0 {
		for i := 0; i < over; i++ {
			r.records[i] = nil
		}
		r.records = r.records[over:]
	}
	return cp.Clone(), nil
}
