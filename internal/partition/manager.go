package partition

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/models"
	"github.com/charlesng35/pawsync/internal/replication"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
)

// ErrUnknownCollection is returned when a sync names a collection the
// manager was not configured with.
var ErrUnknownCollection = errors.New("partition: unknown collection")

var keySanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// Manager scopes replication of partitioned collections to an active set of
// partition keys. The remote shards these tables into hundreds of physical
// partitions; locally there is exactly one collection per logical entity,
// holding only the partitions the current session needs.
type Manager struct {
	local  store.DocumentStore
	remote store.RemoteStore
	specs  map[string]replication.CollectionSpec
	log    *zap.Logger

	mu      sync.Mutex
	keys    map[string]struct{}
	cancels []func()
	running bool
}

// NewManager constructs a manager over the partitioned collection specs;
// non-partitioned specs are ignored.
func NewManager(local store.DocumentStore, remote store.RemoteStore, specs []replication.CollectionSpec) (*Manager, error) {
	if local == nil {
		return nil, errors.New("partition: local store is required")
	}
	if remote == nil {
		return nil, errors.New("partition: remote store is required")
	}

	byName := make(map[string]replication.CollectionSpec)
	for _, spec := range specs {
		spec = spec.WithDefaults()
		if spec.Partitioned() {
			byName[spec.Name] = spec
		}
	}

	return &Manager{
		local:  local,
		remote: remote,
		specs:  byName,
		log:    logger.WithModule("partition"),
		keys:   make(map[string]struct{}),
	}, nil
}

// ActiveKeys returns the current partition scope, sorted.
func (m *Manager) ActiveKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.keys))
	for key := range m.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SetActiveKeys replaces the partition scope. Newly added keys are
// backfilled; the realtime subscription is refreshed to the new scope.
func (m *Manager) SetActiveKeys(ctx context.Context, keys []string) error {
	m.mu.Lock()
	added := make([]string, 0, len(keys))
	next := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		next[key] = struct{}{}
		if _, ok := m.keys[key]; !ok {
			added = append(added, key)
		}
	}
	m.keys = next
	running := m.running
	m.mu.Unlock()

	var errs error
	for _, key := range added {
		errs = multierr.Append(errs, m.backfillKey(ctx, key))
	}
	if running {
		errs = multierr.Append(errs, m.SetupRealtimeSync(ctx))
	}
	return errs
}

// AddKey activates one partition key. Adding an already-active key is a
// no-op; a new key triggers an immediate backfill for every partitioned
// collection and refreshes the realtime scope.
func (m *Manager) AddKey(ctx context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.keys[key]; ok {
		m.mu.Unlock()
		return nil
	}
	m.keys[key] = struct{}{}
	running := m.running
	m.mu.Unlock()

	errs := m.backfillKey(ctx, key)
	if running {
		errs = multierr.Append(errs, m.SetupRealtimeSync(ctx))
	}
	return errs
}

// RemoveKey deactivates a partition key. Future realtime events for it stop
// being applied; already-cached data stays queryable.
func (m *Manager) RemoveKey(ctx context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.keys[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.keys, key)
	running := m.running
	m.mu.Unlock()

	if running {
		return m.SetupRealtimeSync(ctx)
	}
	return nil
}

func (m *Manager) backfillKey(ctx context.Context, key string) error {
	var errs error
	for name := range m.specs {
		if err := m.SyncPartition(ctx, name, key); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// partitionTable derives the physical partition table name for a key, used
// when the unified view is absent on the remote.
func partitionTable(table, key string) string {
	sanitized := keySanitizer.ReplaceAllString(strings.ToLower(key), "_")
	return fmt.Sprintf("%s_p_%s", table, sanitized)
}

// SyncPartition backfills one partition of one collection into the unified
// local collection. The unified remote view is tried first; if that query
// fails the physical partition table is read directly.
func (m *Manager) SyncPartition(ctx context.Context, collection, key string) error {
	spec, ok := m.specs[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	rows, err := m.remote.Select(ctx, spec.RemoteTable, store.Selector{
		Eq: map[string]any{spec.PartitionField: key},
	}, nil, 0)
	if err != nil {
		m.log.Debug("unified view query failed, trying physical partition",
			zap.String("collection", collection),
			zap.String("key", key),
			zap.Error(err))

		rows, err = m.remote.Select(ctx, partitionTable(spec.RemoteTable, key), store.Selector{}, nil, 0)
		if err != nil {
			return fmt.Errorf("partition: sync %s key %s: %w", collection, key, err)
		}
		for _, row := range rows {
			row[spec.PartitionField] = key
		}
	}

	if len(rows) == 0 {
		return nil
	}

	batch := make([]models.LocalDocument, len(rows))
	for i, row := range rows {
		batch[i] = spec.DocumentFromRow(row)
	}
	result, err := m.local.BulkUpsert(ctx, batch)
	if err != nil {
		return fmt.Errorf("partition: apply %s key %s: %w", collection, key, err)
	}
	if result.Errors > 0 {
		m.log.Warn("partition backfill applied with row failures",
			zap.String("collection", collection),
			zap.String("key", key),
			zap.Int("errors", result.Errors))
	}

	m.log.Info("partition backfill complete",
		zap.String("collection", collection),
		zap.String("key", key),
		zap.Int("rows", len(rows)))
	return nil
}

// SetupRealtimeSync subscribes every partitioned collection to remote
// change events scoped to the active key set, replacing any previous
// subscriptions.
func (m *Manager) SetupRealtimeSync(ctx context.Context) error {
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil

	keys := make([]string, 0, len(m.keys))
	for key := range m.keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	m.running = true

	// An empty scope means no realtime delivery at all; an empty filter
	// value list would match every partition.
	if len(keys) == 0 {
		m.mu.Unlock()
		return nil
	}

	for name, spec := range m.specs {
		events, cancel := m.remote.SubscribeChanges(spec.RemoteTable, store.ChangeFilter{
			Field:  spec.PartitionField,
			Values: keys,
		})
		m.cancels = append(m.cancels, cancel)

		collection := name
		collectionSpec := spec
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					m.applyEvent(ctx, collection, collectionSpec, ev)
				}
			}
		}()
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyEvent(ctx context.Context, collection string, spec replication.CollectionSpec, ev store.ChangeEvent) {
	doc := spec.DocumentFromRow(ev.Row)

	switch ev.Type {
	case store.ChangeDelete:
		if err := m.local.Remove(ctx, collection, doc.DocID); err != nil {
			m.log.Warn("partition delete failed",
				zap.String("collection", collection),
				zap.String("id", doc.DocID),
				zap.Error(err))
		}
	default:
		if err := m.local.Upsert(ctx, doc); err != nil {
			m.log.Warn("partition upsert failed",
				zap.String("collection", collection),
				zap.String("id", doc.DocID),
				zap.Error(err))
		}
	}
}

// Stop cancels all realtime subscriptions.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.running = false
}
