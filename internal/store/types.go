package store

import (
	"context"
	"time"

	"github.com/charlesng35/pawsync/internal/models"
)

// Row is a schemaless record as exchanged with the remote store.
type Row = map[string]any

// Selector describes the filters a store query supports. Zero-value fields
// are ignored. Prefix, Contains and ExcludePrefix match case-insensitively
// against NameField.
type Selector struct {
	Eq map[string]any
	In map[string][]any
	Gt map[string]any

	NameField     string
	Prefix        string
	Contains      string
	ExcludePrefix string
}

// OrderBy describes one sort term.
type OrderBy struct {
	Field string
	Desc  bool
}

// BulkResult reports the outcome of a bulk upsert. Rows that still fail
// after the per-record retry are counted in Errors, never silently dropped.
type BulkResult struct {
	Success int
	Errors  int
}

// ChangeType enumerates remote change event kinds.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one remote mutation delivered over the change feed.
type ChangeEvent struct {
	Type  ChangeType
	Table string
	Row   Row
}

// ChangeFilter restricts a change subscription to one table and, optionally,
// to rows whose Field value is in Values.
type ChangeFilter struct {
	Table  string
	Field  string
	Values []string
}

// Matches reports whether an event passes the filter.
func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if f.Table != "" && ev.Table != f.Table {
		return false
	}
	if f.Field == "" || len(f.Values) == 0 {
		return true
	}
	v, ok := ev.Row[f.Field].(string)
	if !ok {
		return false
	}
	for _, want := range f.Values {
		if v == want {
			return true
		}
	}
	return false
}

// ChangeNotifier fans remote change events out to filtered subscribers.
type ChangeNotifier interface {
	Subscribe(filter ChangeFilter) (<-chan ChangeEvent, func())
	Publish(ev ChangeEvent)
}

// CacheStore is the cache engine's view of the embedded store.
type CacheStore interface {
	CacheRecordsByID(ctx context.Context, namespace string, ids []string) (map[string]models.CacheRecord, error)
	SearchCacheRecords(ctx context.Context, namespace string, sel Selector, order []OrderBy, limit int) ([]models.CacheRecord, error)
	PutCacheRecords(ctx context.Context, records []models.CacheRecord) (BulkResult, error)
	DeleteCacheRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountCacheRecords(ctx context.Context, namespace string, sel Selector) (int64, error)
}

// DocumentStore is the replication layer's view of the embedded store.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (*models.LocalDocument, error)
	Find(ctx context.Context, collection string, sel Selector, order []OrderBy, limit int) ([]models.LocalDocument, error)
	Upsert(ctx context.Context, doc models.LocalDocument) error
	BulkUpsert(ctx context.Context, docs []models.LocalDocument) (BulkResult, error)
	Remove(ctx context.Context, collection, id string) error
	Count(ctx context.Context, collection string, sel Selector) (int64, error)
}

// CheckpointStore persists pull watermarks across restarts.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, collection string) (time.Time, error)
	SaveCheckpoint(ctx context.Context, collection string, seen time.Time) error
}

// RemoteStore is the capability interface over the remote relational backend.
type RemoteStore interface {
	Select(ctx context.Context, table string, sel Selector, order []OrderBy, limit int, fields ...string) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row) error
	Delete(ctx context.Context, table string, ids []string) error
	Count(ctx context.Context, table string, sel Selector) (int64, error)
	SubscribeChanges(table string, filter ChangeFilter) (<-chan ChangeEvent, func())
	Call(ctx context.Context, procedure string, params map[string]any) ([]Row, error)
}
