package storetest

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlesng35/pawsync/internal/store"
)

// ErrNetwork mimics a transport-level failure and satisfies the network
// classification used by the engines under test.
var ErrNetwork = &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}

// FakeRemote is an in-memory RemoteStore used by engine tests. Tables hold
// plain rows; failure switches simulate offline and remote-rejection cases.
type FakeRemote struct {
	mu     sync.Mutex
	tables map[string][]store.Row

	// Offline makes every call fail with a network-classified error.
	Offline bool
	// FailTables makes calls against specific tables fail with a
	// non-network remote error.
	FailTables map[string]bool
	// RPCResults scripts Call responses by procedure name.
	RPCResults map[string][]store.Row

	SelectCalls []string
	UpsertCalls []string

	subsMu sync.Mutex
	subs   []*fakeSub
}

type fakeSub struct {
	filter store.ChangeFilter
	ch     chan store.ChangeEvent
	closed bool
}

// NewFakeRemote builds an empty fake remote store.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		tables:     make(map[string][]store.Row),
		FailTables: make(map[string]bool),
		RPCResults: make(map[string][]store.Row),
	}
}

// Seed replaces the contents of a table.
func (f *FakeRemote) Seed(table string, rows ...store.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table] = append([]store.Row(nil), rows...)
}

// Rows returns a copy of a table's contents.
func (f *FakeRemote) Rows(table string) []store.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Row(nil), f.tables[table]...)
}

func (f *FakeRemote) checkFailure(table string) error {
	if f.Offline {
		return ErrNetwork
	}
	if f.FailTables[table] {
		return fmt.Errorf("remote: query against %s rejected", table)
	}
	return nil
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		bv, _ := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	case int:
		bv, _ := b.(int)
		return av - bv
	case int64:
		bv, _ := b.(int64)
		return int(av - bv)
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func matches(row store.Row, sel store.Selector) bool {
	for field, want := range sel.Eq {
		if fmt.Sprint(row[field]) != fmt.Sprint(want) {
			return false
		}
	}
	for field, wants := range sel.In {
		found := false
		for _, want := range wants {
			if fmt.Sprint(row[field]) == fmt.Sprint(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for field, want := range sel.Gt {
		if compareValues(row[field], want) <= 0 {
			return false
		}
	}

	if sel.NameField != "" {
		name := strings.ToLower(fmt.Sprint(row[sel.NameField]))
		if sel.Prefix != "" && !strings.HasPrefix(name, strings.ToLower(sel.Prefix)) {
			return false
		}
		if sel.Contains != "" && !strings.Contains(name, strings.ToLower(sel.Contains)) {
			return false
		}
		if sel.ExcludePrefix != "" && strings.HasPrefix(name, strings.ToLower(sel.ExcludePrefix)) {
			return false
		}
	}
	return true
}

func sortRows(rows []store.Row, order []store.OrderBy) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range order {
			c := compareValues(rows[i][term.Field], rows[j][term.Field])
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Select filters, sorts, limits and projects rows like the real adapter.
func (f *FakeRemote) Select(ctx context.Context, table string, sel store.Selector, order []store.OrderBy, limit int, fields ...string) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SelectCalls = append(f.SelectCalls, table)
	if err := f.checkFailure(table); err != nil {
		return nil, err
	}
	if _, ok := f.tables[table]; !ok {
		return nil, fmt.Errorf("remote: relation %q does not exist", table)
	}

	var out []store.Row
	for _, row := range f.tables[table] {
		if matches(row, sel) {
			out = append(out, row)
		}
	}
	sortRows(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	projected := make([]store.Row, len(out))
	for i, row := range out {
		if len(fields) == 0 {
			projected[i] = copyRow(row)
			continue
		}
		p := store.Row{}
		for _, field := range fields {
			p[field] = row[field]
		}
		projected[i] = p
	}
	return projected, nil
}

func copyRow(row store.Row) store.Row {
	cp := make(store.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}

// Upsert inserts or replaces rows keyed by "id".
func (f *FakeRemote) Upsert(ctx context.Context, table string, rows []store.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.UpsertCalls = append(f.UpsertCalls, table)
	if err := f.checkFailure(table); err != nil {
		return err
	}

	for _, row := range rows {
		id := fmt.Sprint(row["id"])
		replaced := false
		for i, existing := range f.tables[table] {
			if fmt.Sprint(existing["id"]) == id {
				f.tables[table][i] = copyRow(row)
				replaced = true
				break
			}
		}
		if !replaced {
			f.tables[table] = append(f.tables[table], copyRow(row))
		}
	}
	return nil
}

// Delete removes rows by id.
func (f *FakeRemote) Delete(ctx context.Context, table string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkFailure(table); err != nil {
		return err
	}

	keep := f.tables[table][:0]
	for _, row := range f.tables[table] {
		remove := false
		for _, id := range ids {
			if fmt.Sprint(row["id"]) == id {
				remove = true
				break
			}
		}
		if !remove {
			keep = append(keep, row)
		}
	}
	f.tables[table] = keep
	return nil
}

// Count counts matching rows.
func (f *FakeRemote) Count(ctx context.Context, table string, sel store.Selector) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkFailure(table); err != nil {
		return 0, err
	}

	var n int64
	for _, row := range f.tables[table] {
		if matches(row, sel) {
			n++
		}
	}
	return n, nil
}

// SubscribeChanges registers a filtered subscription.
func (f *FakeRemote) SubscribeChanges(table string, filter store.ChangeFilter) (<-chan store.ChangeEvent, func()) {
	filter.Table = table

	sub := &fakeSub{filter: filter, ch: make(chan store.ChangeEvent, 64)}

	f.subsMu.Lock()
	f.subs = append(f.subs, sub)
	f.subsMu.Unlock()

	cancel := func() {
		f.subsMu.Lock()
		defer f.subsMu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Emit delivers a change event to matching live subscriptions.
func (f *FakeRemote) Emit(ev store.ChangeEvent) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	for _, sub := range f.subs {
		if sub.closed || !sub.filter.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Call returns the scripted result for a procedure.
func (f *FakeRemote) Call(ctx context.Context, procedure string, params map[string]any) ([]store.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Offline {
		return nil, ErrNetwork
	}
	rows, ok := f.RPCResults[procedure]
	if !ok {
		return nil, fmt.Errorf("remote: procedure %q does not exist", procedure)
	}
	return rows, nil
}

var _ store.RemoteStore = (*FakeRemote)(nil)
