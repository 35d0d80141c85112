package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/replication"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/pkg/logger"
)

const parentPlaceholder = "$parentId"

// PageRequest parameterises a paginated tab load.
type PageRequest struct {
	Cursor *cache.Cursor
	Limit  int
}

// PageResult is the paginated read result. Total is advisory.
type PageResult struct {
	Records    []store.Row   `json:"records"`
	Total      int64         `json:"total"`
	HasMore    bool          `json:"has_more"`
	NextCursor *cache.Cursor `json:"next_cursor,omitempty"`
}

// Router resolves a StrategyDescriptor into data by composing the cache
// engine and the replication read path. It is stateless between calls.
//
// Per the layer's read contract the router never propagates failures:
// missing parent ids, unknown descriptors and degraded reads all yield
// empty results.
type Router struct {
	cache  *cache.Engine
	repl   *replication.Engine
	remote store.RemoteStore
	log    *zap.Logger
}

// NewRouter constructs a strategy router.
func NewRouter(cacheEngine *cache.Engine, repl *replication.Engine, remote store.RemoteStore) (*Router, error) {
	if cacheEngine == nil {
		return nil, errors.New("strategy: cache engine is required")
	}
	if repl == nil {
		return nil, errors.New("strategy: replication engine is required")
	}
	if remote == nil {
		return nil, errors.New("strategy: remote store is required")
	}
	return &Router{
		cache:  cacheEngine,
		repl:   repl,
		remote: remote,
		log:    logger.WithModule("strategy"),
	}, nil
}

// LoadTabData resolves one descriptor for one parent.
func (r *Router) LoadTabData(ctx context.Context, parentID string, d Descriptor) []store.Row {
	page := r.LoadTabDataPaginated(ctx, parentID, d, PageRequest{})
	return page.Records
}

// LoadTabDataPaginated resolves one descriptor with keyset pagination.
func (r *Router) LoadTabDataPaginated(ctx context.Context, parentID string, d Descriptor, req PageRequest) PageResult {
	empty := PageResult{Records: []store.Row{}}

	if strings.TrimSpace(parentID) == "" || d == nil {
		return empty
	}

	switch desc := d.(type) {
	case Child:
		return r.loadChild(ctx, parentID, desc, req)
	case ChildView:
		return r.loadChildView(ctx, parentID, desc, req)
	case MainFiltered:
		return r.loadMainFiltered(ctx, parentID, desc, req)
	case Rpc:
		return r.loadRpc(ctx, parentID, desc)
	case ChildWithDictionary:
		return r.loadChildWithDictionary(ctx, parentID, desc)
	default:
		r.log.Warn("unknown descriptor", zap.String("kind", d.Kind()))
		return empty
	}
}

func childOrder(field string, desc bool) []store.OrderBy {
	if field == "" {
		field = "name"
	}
	return []store.OrderBy{{Field: field, Desc: desc}, {Field: "id", Desc: desc}}
}

func (r *Router) loadChild(ctx context.Context, parentID string, desc Child, req PageRequest) PageResult {
	limit := desc.Limit
	if req.Limit > 0 {
		limit = req.Limit
	}

	rows, err := r.repl.ChildRecords(ctx, desc.Collection, parentID, childOrder(desc.OrderField, desc.Descending), limit)
	if err != nil {
		r.log.Warn("child read failed", zap.String("collection", desc.Collection), zap.Error(err))
		return PageResult{Records: []store.Row{}}
	}
	return PageResult{Records: rows, Total: int64(len(rows)), HasMore: limit > 0 && len(rows) >= limit}
}

// loadChildView reads the replicated view locally, except when paginating:
// a cursor keysets directly against the remote view, filter-then-sort,
// falling back to the local copy if the remote is unreachable.
func (r *Router) loadChildView(ctx context.Context, parentID string, desc ChildView, req PageRequest) PageResult {
	orderField := desc.OrderField
	if orderField == "" {
		orderField = "name"
	}
	parentField := desc.ParentField
	if parentField == "" {
		parentField = "parent_id"
	}
	limit := desc.Limit
	if req.Limit > 0 {
		limit = req.Limit
	}

	if req.Cursor != nil {
		sel := store.Selector{
			Eq: map[string]any{parentField: parentID},
			Gt: map[string]any{orderField: req.Cursor.SortValue},
		}
		order := []store.OrderBy{{Field: orderField, Desc: desc.Descending}, {Field: "id", Desc: desc.Descending}}

		rows, err := r.remote.Select(ctx, desc.View, sel, order, limit)
		if err == nil {
			return viewPage(rows, orderField, limit)
		}
		if !store.IsNetworkError(err) {
			r.log.Warn("view keyset query failed", zap.String("view", desc.View), zap.Error(err))
			return PageResult{Records: []store.Row{}}
		}
	}

	asChild := Child{Collection: desc.View, OrderField: desc.OrderField, Descending: desc.Descending, Limit: limit}
	return r.loadChild(ctx, parentID, asChild, req)
}

func viewPage(rows []store.Row, orderField string, limit int) PageResult {
	page := PageResult{
		Records: rows,
		Total:   int64(len(rows)),
		HasMore: limit > 0 && len(rows) >= limit,
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextCursor = &cache.Cursor{
			SortValue:    stringField(last, orderField),
			TieBreakerID: stringField(last, "id"),
		}
	}
	return page
}

func (r *Router) loadMainFiltered(ctx context.Context, parentID string, desc MainFiltered, req PageRequest) PageResult {
	limit := desc.Limit
	if req.Limit > 0 {
		limit = req.Limit
	}

	page, err := r.cache.GetDictionary(ctx, desc.Namespace, cache.FetchOptions{
		IDField:   desc.IDField,
		NameField: desc.NameField,
		Limit:     limit,
		Cursor:    req.Cursor,
		Filter:    map[string]any{desc.FilterField: parentID},
	})
	if err != nil {
		r.log.Warn("filtered dictionary read failed", zap.String("namespace", desc.Namespace), zap.Error(err))
		return PageResult{Records: []store.Row{}}
	}

	rows := make([]store.Row, len(page.Records))
	for i, rec := range page.Records {
		rows[i] = dictionaryRow(rec)
	}
	return PageResult{Records: rows, Total: page.Total, HasMore: page.HasMore, NextCursor: page.NextCursor}
}

func (r *Router) loadRpc(ctx context.Context, parentID string, desc Rpc) PageResult {
	params := make(map[string]any, len(desc.Params))
	for key, value := range desc.Params {
		if s, ok := value.(string); ok && s == parentPlaceholder {
			params[key] = parentID
			continue
		}
		params[key] = value
	}

	rows, err := r.remote.Call(ctx, desc.Procedure, params)
	if err != nil {
		r.log.Warn("rpc strategy failed", zap.String("procedure", desc.Procedure), zap.Error(err))
		return PageResult{Records: []store.Row{}}
	}
	return PageResult{Records: rows, Total: int64(len(rows))}
}

func (r *Router) loadChildWithDictionary(ctx context.Context, parentID string, desc ChildWithDictionary) PageResult {
	empty := PageResult{Records: []store.Row{}}

	if desc.Dictionary.LinkField == "" {
		r.log.Error("child_with_dictionary descriptor missing link_field",
			zap.String("namespace", desc.Dictionary.Namespace))
		return empty
	}

	children := r.loadChild(ctx, parentID, desc.Child, PageRequest{}).Records

	dict, err := r.cache.GetDictionary(ctx, desc.Dictionary.Namespace, cache.FetchOptions{
		IDField:   desc.Dictionary.IDField,
		NameField: desc.Dictionary.NameField,
		Search:    desc.Dictionary.Search,
		Limit:     desc.Dictionary.Limit,
	})
	if err != nil {
		r.log.Warn("dictionary load failed", zap.String("namespace", desc.Dictionary.Namespace), zap.Error(err))
		return empty
	}

	merged := MergeDictionary(children, dict.Records, desc.Dictionary.LinkField, desc.Dictionary.ShowAll)
	return PageResult{Records: merged, Total: int64(len(merged))}
}

// MergeDictionary applies exactly one of the two merge policies.
//
// showAll: every dictionary item in dictionary order, annotated with
// achieved/achieved_record from the first child linking to it.
//
// !showAll: every child in child order, annotated with its resolved
// dictionary item under "dictionary" (nil when unresolved).
func MergeDictionary(children []store.Row, dict []cache.Record, linkField string, showAll bool) []store.Row {
	if showAll {
		byLink := make(map[string]store.Row, len(children))
		for _, child := range children {
			link := stringField(child, linkField)
			if link == "" {
				continue
			}
			if _, ok := byLink[link]; !ok {
				byLink[link] = child
			}
		}

		out := make([]store.Row, 0, len(dict))
		for _, item := range dict {
			row := dictionaryRow(item)
			child, achieved := byLink[item.ID]
			row["achieved"] = achieved
			if achieved {
				row["achieved_record"] = child
			} else {
				row["achieved_record"] = nil
			}
			out = append(out, row)
		}
		return out
	}

	byID := make(map[string]cache.Record, len(dict))
	for _, item := range dict {
		byID[item.ID] = item
	}

	out := make([]store.Row, 0, len(children))
	for _, child := range children {
		row := copyRow(child)
		if item, ok := byID[stringField(child, linkField)]; ok {
			row["dictionary"] = dictionaryRow(item)
		} else {
			row["dictionary"] = nil
		}
		out = append(out, row)
	}
	return out
}

func dictionaryRow(rec cache.Record) store.Row {
	row := store.Row{}
	for key, value := range rec.Extra {
		row[key] = value
	}
	row["id"] = rec.ID
	row["name"] = rec.Name
	return row
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

func copyRow(row store.Row) store.Row {
	cp := make(store.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}
