package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
	"github.com/charlesng35/pawsync/pkg/metrics"
)

const (
	defaultBatchSize       = 200
	defaultOverlapWindow   = 5 * time.Second
	defaultPullConcurrency = 3
	defaultDebounce        = time.Second
	defaultPullSchedule    = "@every 1m"
)

// ErrUnknownCollection is returned when an operation names a collection the
// engine was not configured with.
var ErrUnknownCollection = errors.New("replication: unknown collection")

// PendingChange is one local mutation awaiting push. AssumedRemoteState is
// the last state this client believes the remote holds; rows that fail to
// push come back in the conflicts list, never silently dropped.
type PendingChange struct {
	ID                 string
	NewState           store.Row
	AssumedRemoteState store.Row
	Tombstone          bool
}

// Engine keeps local collections and remote tables eventually consistent:
// checkpointed incremental pull, batched push with a conflicts list, and
// last-write-wins realtime reconciliation.
type Engine struct {
	local       store.DocumentStore
	checkpoints store.CheckpointStore
	remote      store.RemoteStore
	specs       map[string]CollectionSpec

	sem          *semaphore.Weighted
	overlap      time.Duration
	batchSize    int
	debounce     time.Duration
	pullSchedule string
	cron         *cron.Cron
	now          func() time.Time
	log          *zap.Logger

	mu       sync.Mutex
	lastSync map[string]time.Time
	inFlight map[string]bool
	cancels  []func()
	started  bool
}

// Option customises the Engine.
type Option func(*Engine)

// WithOverlapWindow sets the checkpoint read-back that tolerates clock skew.
func WithOverlapWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.overlap = d
		}
	}
}

// WithBatchSize bounds pull and push batches.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPullConcurrency caps in-flight pulls; excess callers wait.
func WithPullConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDebounce sets the minimum interval between syncs of one collection.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.debounce = d
		}
	}
}

// WithPullSchedule overrides the periodic pull cron specification.
func WithPullSchedule(spec string) Option {
	return func(e *Engine) {
		if spec != "" {
			e.pullSchedule = spec
		}
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(e *Engine) {
		if c != nil {
			e.cron = c
		}
	}
}

// WithNow overrides the clock, primarily for testing the debounce.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs a replication engine over the given collections.
func NewEngine(local store.DocumentStore, checkpoints store.CheckpointStore, remote store.RemoteStore, specs []CollectionSpec, opts ...Option) (*Engine, error) {
	if local == nil {
		return nil, errors.New("replication: local store is required")
	}
	if checkpoints == nil {
		return nil, errors.New("replication: checkpoint store is required")
	}
	if remote == nil {
		return nil, errors.New("replication: remote store is required")
	}

	byName := make(map[string]CollectionSpec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, errors.New("replication: collection spec requires a name")
		}
		byName[spec.Name] = spec.WithDefaults()
	}

	e := &Engine{
		local:        local,
		checkpoints:  checkpoints,
		remote:       remote,
		specs:        byName,
		sem:          semaphore.NewWeighted(defaultPullConcurrency),
		overlap:      defaultOverlapWindow,
		batchSize:    defaultBatchSize,
		debounce:     defaultDebounce,
		pullSchedule: defaultPullSchedule,
		cron:         cron.New(),
		now:          time.Now,
		log:          logger.WithModule("replication"),
		lastSync:     make(map[string]time.Time),
		inFlight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Spec returns the configured spec for a collection.
func (e *Engine) Spec(collection string) (CollectionSpec, bool) {
	spec, ok := e.specs[collection]
	return spec, ok
}

// Pull fetches one incremental batch for a collection. The checkpoint only
// advances on success, so a failed pull is retried from the same watermark
// on the next cycle.
func (e *Engine) Pull(ctx context.Context, collection string) error {
	spec, ok := e.specs[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	checkpoint, err := e.checkpoints.Checkpoint(ctx, collection)
	if err != nil {
		return fmt.Errorf("replication: read checkpoint: %w", err)
	}

	sel := store.Selector{}
	if !checkpoint.IsZero() {
		sel.Gt = map[string]any{spec.UpdatedField: checkpoint.Add(-e.overlap)}
	}

	rows, err := e.remote.Select(ctx, spec.RemoteTable, sel,
		[]store.OrderBy{{Field: spec.UpdatedField}}, e.batchSize)
	if err != nil {
		metrics.PullBatches.WithLabelValues(collection, "failure").Inc()
		return fmt.Errorf("replication: pull %s: %w", collection, err)
	}

	if len(rows) == 0 {
		metrics.PullBatches.WithLabelValues(collection, "success").Inc()
		return nil
	}

	localDocs := makeDocs(spec, rows)
	result, err := e.local.BulkUpsert(ctx, localDocs)
	if err != nil {
		metrics.PullBatches.WithLabelValues(collection, "failure").Inc()
		return fmt.Errorf("replication: apply pull batch: %w", err)
	}
	if result.Errors > 0 {
		e.log.Warn("pull batch applied with row failures",
			zap.String("collection", collection),
			zap.Int("errors", result.Errors))
	}

	latest := parseTime(rows[len(rows)-1][spec.UpdatedField])
	if !latest.IsZero() {
		if err := e.checkpoints.SaveCheckpoint(ctx, collection, latest); err != nil {
			e.log.Warn("checkpoint save failed", zap.String("collection", collection), zap.Error(err))
		}
	}

	metrics.PullBatches.WithLabelValues(collection, "success").Inc()
	e.log.Debug("pull batch complete",
		zap.String("collection", collection),
		zap.Int("rows", len(rows)),
		zap.Time("checkpoint", latest))
	return nil
}

// Push uploads pending local mutations. Tombstoned rows are soft-deleted on
// the remote so they remain replication anchors. Rows whose remote call
// fails are returned as conflicts for the next cycle; a single bad row never
// aborts the batch.
func (e *Engine) Push(ctx context.Context, collection string, changes []PendingChange) []PendingChange {
	spec, ok := e.specs[collection]
	if !ok {
		e.log.Error("push against unknown collection", zap.String("collection", collection))
		return changes
	}

	var conflicts []PendingChange
	for _, change := range changes {
		row := change.NewState
		if row == nil {
			row = change.AssumedRemoteState
		}
		if row == nil {
			continue
		}

		if change.Tombstone || parseBool(row[spec.DeletedField]) || parseBool(changeAssumedDeleted(change, spec)) {
			row = copyRow(row)
			row[spec.DeletedField] = true
		}

		if err := e.remote.Upsert(ctx, spec.RemoteTable, []store.Row{row}); err != nil {
			e.log.Warn("push row failed",
				zap.String("collection", collection),
				zap.String("id", change.ID),
				zap.Error(err))
			metrics.PushConflicts.WithLabelValues(collection).Inc()
			conflicts = append(conflicts, change)
		}
	}
	return conflicts
}

func changeAssumedDeleted(change PendingChange, spec CollectionSpec) any {
	if change.AssumedRemoteState == nil {
		return false
	}
	return change.AssumedRemoteState[spec.DeletedField]
}

// ApplyChange reconciles one remote change event with last-write-wins. An
// incoming delete patches the tombstone flag rather than removing the row,
// so a later pull cannot resurrect it.
func (e *Engine) ApplyChange(ctx context.Context, collection string, ev store.ChangeEvent) error {
	spec, ok := e.specs[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	id := stringValue(ev.Row[spec.IDField])
	if id == "" {
		return nil
	}

	existing, err := e.local.Get(ctx, collection, id)
	if err != nil {
		return fmt.Errorf("replication: load local document: %w", err)
	}

	if ev.Type == store.ChangeDelete {
		if existing == nil {
			metrics.RealtimeEvents.WithLabelValues(collection, "skipped").Inc()
			return nil
		}
		existing.Deleted = true
		if err := e.local.Upsert(ctx, *existing); err != nil {
			return err
		}
		metrics.RealtimeEvents.WithLabelValues(collection, "applied").Inc()
		return nil
	}

	incoming := spec.DocumentFromRow(ev.Row)
	if existing != nil && !incoming.RemoteUpdatedAt.After(existing.RemoteUpdatedAt) {
		metrics.RealtimeEvents.WithLabelValues(collection, "skipped").Inc()
		return nil
	}

	if err := e.local.Upsert(ctx, incoming); err != nil {
		return err
	}
	metrics.RealtimeEvents.WithLabelValues(collection, "applied").Inc()
	return nil
}

// TriggerSync requests a pull for a collection. The trigger is dropped if a
// sync is already in flight or one finished less than the debounce interval
// ago; it reports whether a pull was started.
func (e *Engine) TriggerSync(collection string) bool {
	e.mu.Lock()
	if e.inFlight[collection] || e.now().Sub(e.lastSync[collection]) < e.debounce {
		e.mu.Unlock()
		return false
	}
	e.inFlight[collection] = true
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			e.inFlight[collection] = false
			e.lastSync[collection] = e.now()
			e.mu.Unlock()
		}()

		if err := e.Pull(context.Background(), collection); err != nil {
			e.log.Warn("triggered pull failed", zap.String("collection", collection), zap.Error(err))
		}
	}()
	return true
}

// ChildRecords is the local-collection read path: children of one parent,
// tombstones excluded, ordered and limited per the caller.
func (e *Engine) ChildRecords(ctx context.Context, collection, parentID string, order []store.OrderBy, limit int) ([]store.Row, error) {
	spec, ok := e.specs[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	docs, err := e.local.Find(ctx, collection, store.Selector{
		Eq: map[string]any{"parent_id": parentID, "deleted": false},
	}, order, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]store.Row, len(docs))
	for i, doc := range docs {
		rows[i] = spec.RowFromDocument(doc)
	}
	return rows, nil
}

// Start schedules periodic pulls and subscribes to realtime changes for
// every non-partitioned collection. Partitioned collections replicate
// through the partition manager only, scoped to the active key set; an
// unscoped pull or subscription here would materialize every partition.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if _, err := e.cron.AddFunc(e.pullSchedule, func() {
		for name, spec := range e.specs {
			if spec.Partitioned() {
				continue
			}
			e.TriggerSync(name)
		}
	}); err != nil {
		return err
	}

	for name, spec := range e.specs {
		if spec.Partitioned() {
			continue
		}
		events, cancel := e.remote.SubscribeChanges(spec.RemoteTable, store.ChangeFilter{})
		e.cancels = append(e.cancels, cancel)

		collection := name
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if err := e.ApplyChange(ctx, collection, ev); err != nil {
						e.log.Warn("realtime apply failed",
							zap.String("collection", collection),
							zap.Error(err))
					}
				}
			}
		}()
	}

	e.cron.Start()
	e.started = true
	return nil
}

// Stop cancels realtime subscriptions and the periodic pull timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = nil
	e.cron.Stop()
	e.started = false
}

func copyRow(row store.Row) store.Row {
	cp := make(store.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}
