package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrBadIdentifier rejects table, column or procedure names that cannot be
// safely interpolated into SQL.
var ErrBadIdentifier = errors.New("remote store: invalid identifier")

// SQLRemoteStore implements RemoteStore over the partitioned relational
// backend. Change events arrive through the injected notifier; the SQL
// handle only covers request/response traffic.
type SQLRemoteStore struct {
	db       *gorm.DB
	notifier ChangeNotifier
	tracker  *ConnectivityTracker
}

// NewSQLRemoteStore constructs the remote adapter. The tracker may be nil
// when connectivity bookkeeping is not wanted.
func NewSQLRemoteStore(db *gorm.DB, notifier ChangeNotifier, tracker *ConnectivityTracker) (*SQLRemoteStore, error) {
	if db == nil {
		return nil, errors.New("remote store: db is required")
	}
	if notifier == nil {
		return nil, errors.New("remote store: change notifier is required")
	}
	return &SQLRemoteStore{db: db, notifier: notifier, tracker: tracker}, nil
}

var _ RemoteStore = (*SQLRemoteStore)(nil)

func checkIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrBadIdentifier, name)
	}
	return nil
}

func (s *SQLRemoteStore) observe(err error) error {
	if err == nil {
		s.tracker.MarkOnline()
		return nil
	}
	if IsNetworkError(err) {
		s.tracker.MarkOffline()
	}
	return err
}

// remoteColumn passes selector fields straight through; remote tables use
// real columns for every field.
func remoteColumn(field string) (string, bool) {
	if identifierPattern.MatchString(field) {
		return field, true
	}
	return "", false
}

// Select runs a filtered, sorted, limited query. When fields are given only
// those columns are projected, which is how the ID probe keeps payloads to
// (id, name) pairs.
func (s *SQLRemoteStore) Select(ctx context.Context, table string, sel Selector, order []OrderBy, limit int, fields ...string) ([]Row, error) {
	if err := checkIdentifier(table); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Table(table)

	if len(fields) > 0 {
		for _, f := range fields {
			if err := checkIdentifier(f); err != nil {
				return nil, err
			}
		}
		tx = tx.Select(fields)
	}

	tx, err := applySelector(tx, sel, remoteColumn, "")
	if err != nil {
		return nil, err
	}
	tx, err = applyOrder(tx, order, remoteColumn)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var rows []map[string]any
	if err := s.observe(tx.Find(&rows).Error); err != nil {
		return nil, err
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r)
	}
	return out, nil
}

// Upsert writes rows keyed by their "id" column.
func (s *SQLRemoteStore) Upsert(ctx context.Context, table string, rows []Row) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	payload := make([]map[string]any, len(rows))
	for i, r := range rows {
		payload[i] = map[string]any(r)
	}

	err := s.db.WithContext(ctx).Table(table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(payload).Error
	return s.observe(err)
}

// Delete removes rows by id.
func (s *SQLRemoteStore) Delete(ctx context.Context, table string, ids []string) error {
	if err := checkIdentifier(table); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).
		Exec(fmt.Sprintf("DELETE FROM %s WHERE id IN ?", table), ids).Error
	return s.observe(err)
}

// Count returns the number of rows matching the selector.
func (s *SQLRemoteStore) Count(ctx context.Context, table string, sel Selector) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}

	tx := s.db.WithContext(ctx).Table(table)
	tx, err := applySelector(tx, sel, remoteColumn, "")
	if err != nil {
		return 0, err
	}

	var n int64
	if err := s.observe(tx.Count(&n).Error); err != nil {
		return 0, err
	}
	return n, nil
}

// SubscribeChanges registers a filtered subscription on the change feed.
func (s *SQLRemoteStore) SubscribeChanges(table string, filter ChangeFilter) (<-chan ChangeEvent, func()) {
	filter.Table = table
	return s.notifier.Subscribe(filter)
}

// Call invokes a named stored procedure. Parameters bind in sorted key
// order so invocation is deterministic regardless of map iteration.
func (s *SQLRemoteStore) Call(ctx context.Context, procedure string, params map[string]any) ([]Row, error) {
	if err := checkIdentifier(procedure); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, params[k])
		placeholders = append(placeholders, "?")
	}

	var stmt string
	switch s.db.Dialector.Name() {
	case "mysql":
		stmt = fmt.Sprintf("CALL %s(%s)", procedure, strings.Join(placeholders, ", "))
	default:
		stmt = fmt.Sprintf("SELECT * FROM %s(%s)", procedure, strings.Join(placeholders, ", "))
	}

	var rows []map[string]any
	if err := s.observe(s.db.WithContext(ctx).Raw(stmt, args...).Find(&rows).Error); err != nil {
		return nil, err
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = Row(r)
	}
	return out, nil
}
