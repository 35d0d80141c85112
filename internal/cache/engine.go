package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/charlesng35/pawsync/internal/models"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
	"github.com/charlesng35/pawsync/pkg/metrics"
)

const (
	defaultLimit = 50

	// prefixShare is the fraction of a hybrid-search page reserved for
	// starts-with matches before contains matches fill the rest.
	prefixShare = 0.7
)

// Record is one dictionary entry returned by the engine.
type Record struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Extra    map[string]any `json:"extra,omitempty"`
	CachedAt time.Time      `json:"cached_at,omitempty"`
}

// FetchOptions parameterise one GetDictionary call.
type FetchOptions struct {
	IDField   string
	NameField string
	Search    string
	Limit     int
	Cursor    *Cursor
	// Filter adds equality constraints alongside the search, used by
	// partition-scoped dictionary reads.
	Filter map[string]any
}

// Page is the uniform read result. Total is advisory: it is fetched
// best-effort and may disagree with len(Records).
type Page struct {
	Records    []Record `json:"records"`
	Total      int64    `json:"total"`
	HasMore    bool     `json:"has_more"`
	NextCursor *Cursor  `json:"next_cursor,omitempty"`
}

// Engine implements the ID-first fetch-and-cache protocol: probe the remote
// for (id, name) pairs only, fill cache misses, and assemble results in
// probe order. When the remote is unreachable it degrades to an identical
// local-only scan, so callers see a single read contract.
type Engine struct {
	local   store.CacheStore
	remote  store.RemoteStore
	tracker *store.ConnectivityTracker
	log     *zap.Logger
	now     func() time.Time
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithNow overrides the clock, primarily for tests.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs the cache engine.
func NewEngine(local store.CacheStore, remote store.RemoteStore, tracker *store.ConnectivityTracker, opts ...EngineOption) (*Engine, error) {
	if local == nil {
		return nil, errors.New("cache engine: local store is required")
	}
	if remote == nil {
		return nil, errors.New("cache engine: remote store is required")
	}

	e := &Engine{
		local:   local,
		remote:  remote,
		tracker: tracker,
		log:     logger.WithModule("cache"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func normalizeOptions(opts FetchOptions) FetchOptions {
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.NameField == "" {
		opts.NameField = "name"
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	return opts
}

func prefixLimit(limit int) int {
	n := int(float64(limit)*prefixShare + 0.999999)
	if n < 1 {
		n = 1
	}
	if n > limit {
		n = limit
	}
	return n
}

// GetDictionary runs the four-phase fetch for one namespace. Failures never
// surface as errors to the caller: remote rejections yield an empty page and
// connectivity loss switches to the local-only path.
func (e *Engine) GetDictionary(ctx context.Context, namespace string, opts FetchOptions) (Page, error) {
	opts = normalizeOptions(opts)

	if !e.tracker.Online() {
		return e.localOnly(ctx, namespace, opts), nil
	}

	order, err := e.probeIDs(ctx, namespace, opts)
	if err != nil {
		if store.IsNetworkError(err) {
			return e.localOnly(ctx, namespace, opts), nil
		}
		e.log.Warn("id probe failed", zap.String("namespace", namespace), zap.Error(err))
		return Page{Records: []Record{}}, nil
	}

	if len(order) == 0 {
		return Page{Records: []Record{}}, nil
	}

	ids := make([]string, len(order))
	for i, kn := range order {
		ids[i] = kn.ID
	}

	cached, err := e.local.CacheRecordsByID(ctx, namespace, ids)
	if err != nil {
		e.log.Warn("cache probe failed", zap.String("namespace", namespace), zap.Error(err))
		cached = map[string]models.CacheRecord{}
	}

	cachedRecords := make(map[string]Record, len(cached))
	missing := make([]string, 0, len(order))
	for _, kn := range order {
		if rec, ok := cached[kn.ID]; ok {
			cachedRecords[kn.ID] = recordFromCache(rec)
			metrics.CacheLookups.WithLabelValues(namespace, "hit").Inc()
			continue
		}
		missing = append(missing, kn.ID)
		metrics.CacheLookups.WithLabelValues(namespace, "miss").Inc()
	}

	fresh, err := e.backfill(ctx, namespace, opts, missing)
	if err != nil {
		if store.IsNetworkError(err) {
			return e.localOnly(ctx, namespace, opts), nil
		}
		e.log.Warn("backfill failed", zap.String("namespace", namespace), zap.Error(err))
		fresh = map[string]Record{}
	}

	records := MergeOrdered(order, cachedRecords, fresh)

	page := Page{
		Records: records,
		Total:   int64(len(records)),
		HasMore: len(order) >= opts.Limit,
	}
	last := order[len(order)-1]
	page.NextCursor = &Cursor{SortValue: last.Name, TieBreakerID: last.ID}

	if total, err := e.remote.Count(ctx, namespace, e.countSelector(opts)); err == nil {
		page.Total = total
	} else {
		e.log.Debug("remote count unavailable", zap.String("namespace", namespace), zap.Error(err))
	}

	return page, nil
}

// probeIDs is phase 1: fetch (id, name) pairs only, hybrid-split when a
// fresh search is given.
func (e *Engine) probeIDs(ctx context.Context, namespace string, opts FetchOptions) ([]KeyName, error) {
	nameOrder := []store.OrderBy{{Field: opts.NameField}, {Field: opts.IDField}}
	fields := []string{opts.IDField, opts.NameField}

	base := store.Selector{Eq: opts.Filter, NameField: opts.NameField}

	if opts.Search != "" && opts.Cursor == nil {
		prefixSel := base
		prefixSel.Prefix = opts.Search

		starts, err := e.remote.Select(ctx, namespace, prefixSel, nameOrder, prefixLimit(opts.Limit), fields...)
		if err != nil {
			return nil, err
		}

		out := keyNames(starts, opts)

		remaining := opts.Limit - len(out)
		if remaining > 0 {
			containsSel := base
			containsSel.Contains = opts.Search
			containsSel.ExcludePrefix = opts.Search

			contains, err := e.remote.Select(ctx, namespace, containsSel, nameOrder, remaining, fields...)
			if err != nil {
				return nil, err
			}
			out = append(out, keyNames(contains, opts)...)
		}
		return out, nil
	}

	sel := base
	if opts.Search != "" {
		sel.Contains = opts.Search
	}
	if opts.Cursor != nil {
		sel.Gt = map[string]any{opts.NameField: opts.Cursor.SortValue}
	}

	rows, err := e.remote.Select(ctx, namespace, sel, nameOrder, opts.Limit, fields...)
	if err != nil {
		return nil, err
	}
	return keyNames(rows, opts), nil
}

// backfill is phase 3: fetch full records for cache misses and store them.
// A cache-write failure is logged, not surfaced; the caller still gets the
// fresh record from this call.
func (e *Engine) backfill(ctx context.Context, namespace string, opts FetchOptions, missing []string) (map[string]Record, error) {
	fresh := make(map[string]Record, len(missing))
	if len(missing) == 0 {
		return fresh, nil
	}

	in := make([]any, len(missing))
	for i, id := range missing {
		in[i] = id
	}

	rows, err := e.remote.Select(ctx, namespace, store.Selector{
		In: map[string][]any{opts.IDField: in},
	}, nil, 0)
	if err != nil {
		return nil, err
	}

	now := e.now()
	cacheRows := make([]models.CacheRecord, 0, len(rows))
	for _, row := range rows {
		rec := recordFromRow(row, opts)
		rec.CachedAt = now
		fresh[rec.ID] = rec

		cacheRows = append(cacheRows, models.CacheRecord{
			Key:         models.CacheKey(namespace, rec.ID),
			Namespace:   namespace,
			RecordID:    rec.ID,
			DisplayName: rec.Name,
			Extra:       datatypes.JSONMap(rec.Extra),
			CachedAt:    now,
		})
	}

	result, err := e.local.PutCacheRecords(ctx, cacheRows)
	if err != nil || result.Errors > 0 {
		e.log.Warn("cache fill incomplete",
			zap.String("namespace", namespace),
			zap.Int("errors", result.Errors),
			zap.Error(err))
	}
	metrics.CacheBackfills.WithLabelValues(namespace).Add(float64(len(cacheRows)))

	return fresh, nil
}

// localOnly re-implements the probe ordering and hybrid split against the
// cache alone. Total reflects only what is cached and HasMore is derived
// locally, never server-verified.
func (e *Engine) localOnly(ctx context.Context, namespace string, opts FetchOptions) Page {
	metrics.OfflineFallbacks.Inc()

	nameOrder := []store.OrderBy{{Field: "name"}, {Field: "id"}}
	base := store.Selector{Eq: opts.Filter, NameField: "name"}

	var found []models.CacheRecord

	switch {
	case opts.Search != "" && opts.Cursor == nil:
		prefixSel := base
		prefixSel.Prefix = opts.Search

		starts, err := e.local.SearchCacheRecords(ctx, namespace, prefixSel, nameOrder, prefixLimit(opts.Limit))
		if err != nil {
			e.log.Warn("local search failed", zap.String("namespace", namespace), zap.Error(err))
			return Page{Records: []Record{}}
		}
		found = starts

		if remaining := opts.Limit - len(starts); remaining > 0 {
			containsSel := base
			containsSel.Contains = opts.Search
			containsSel.ExcludePrefix = opts.Search

			contains, err := e.local.SearchCacheRecords(ctx, namespace, containsSel, nameOrder, remaining)
			if err == nil {
				found = append(found, contains...)
			}
		}
	default:
		sel := base
		if opts.Search != "" {
			sel.Contains = opts.Search
		}
		if opts.Cursor != nil {
			sel.Gt = map[string]any{"name": opts.Cursor.SortValue}
		}

		var err error
		found, err = e.local.SearchCacheRecords(ctx, namespace, sel, nameOrder, opts.Limit)
		if err != nil {
			e.log.Warn("local search failed", zap.String("namespace", namespace), zap.Error(err))
			return Page{Records: []Record{}}
		}
	}

	records := make([]Record, len(found))
	for i, rec := range found {
		records[i] = recordFromCache(rec)
	}

	page := Page{
		Records: records,
		Total:   int64(len(records)),
		HasMore: len(records) >= opts.Limit,
	}
	if len(records) > 0 {
		last := records[len(records)-1]
		page.NextCursor = &Cursor{SortValue: last.Name, TieBreakerID: last.ID}
	}
	return page
}

func (e *Engine) countSelector(opts FetchOptions) store.Selector {
	sel := store.Selector{Eq: opts.Filter, NameField: opts.NameField}
	if opts.Search != "" {
		sel.Contains = opts.Search
	}
	return sel
}

func keyNames(rows []store.Row, opts FetchOptions) []KeyName {
	out := make([]KeyName, 0, len(rows))
	for _, row := range rows {
		id := stringField(row, opts.IDField)
		if id == "" {
			continue
		}
		out = append(out, KeyName{ID: id, Name: stringField(row, opts.NameField)})
	}
	return out
}

func stringField(row store.Row, field string) string {
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func recordFromRow(row store.Row, opts FetchOptions) Record {
	extra := make(map[string]any, len(row))
	for k, v := range row {
		if k == opts.IDField || k == opts.NameField {
			continue
		}
		extra[k] = v
	}
	return Record{
		ID:    stringField(row, opts.IDField),
		Name:  stringField(row, opts.NameField),
		Extra: extra,
	}
}

func recordFromCache(rec models.CacheRecord) Record {
	return Record{
		ID:       rec.RecordID,
		Name:     rec.DisplayName,
		Extra:    map[string]any(rec.Extra),
		CachedAt: rec.CachedAt,
	}
}
