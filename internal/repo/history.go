package repo

import (
	"context"

	"github.com/tinoosan/fetchd/internal/data"
)

// HistoryRepo stores records of finished downloads. It is append-only and
// never used to restore live tasks.
type HistoryRepo interface {
	HistoryReader
	HistoryWriter
}

type HistoryReader interface {
	List(ctx context.Context) (data.Records, error)
	Get(ctx context.Context, id string) (*data.Record, error)
}

type HistoryWriter interface {
	Add(ctx context.Context, rec *data.Record) (*data.Record, error)
}
