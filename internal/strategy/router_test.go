package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/database/testutil"
	"github.com/charlesng35/pawsync/internal/models"
	"github.com/charlesng35/pawsync/internal/replication"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/internal/store/storetest"
)

func newTestRouter(t *testing.T) (*Router, *store.LocalStore, *storetest.FakeRemote) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	local, err := store.NewLocalStore(db)
	require.NoError(t, err)

	remote := storetest.NewFakeRemote()
	tracker := store.NewConnectivityTracker(time.Minute)

	cacheEngine, err := cache.NewEngine(local, remote, tracker)
	require.NoError(t, err)

	repl, err := replication.NewEngine(local, local, remote, []replication.CollectionSpec{
		{Name: "awards", ParentField: "owner_id"},
		{Name: "pet_timeline", ParentField: "parent_id"},
	})
	require.NoError(t, err)

	router, err := NewRouter(cacheEngine, repl, remote)
	require.NoError(t, err)
	return router, local, remote
}

func seedAward(t *testing.T, local *store.LocalStore, id, name, parentID, typeID string) {
	t.Helper()
	require.NoError(t, local.Upsert(context.Background(), models.LocalDocument{
		Collection:      "awards",
		DocID:           id,
		Name:            name,
		ParentID:        parentID,
		RemoteUpdatedAt: time.Now(),
		Fields:          datatypes.JSONMap{"award_type_id": typeID},
	}))
}

func seedAwardTypes(remote *storetest.FakeRemote) {
	remote.Seed("award_types",
		store.Row{"id": "A", "name": "Agility", "updated_at": time.Now()},
		store.Row{"id": "B", "name": "Best in Show", "updated_at": time.Now()},
		store.Row{"id": "C", "name": "Courage", "updated_at": time.Now()},
	)
}

func TestLoadTabData_MissingParentIsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rows := router.LoadTabData(context.Background(), "  ", Child{Collection: "awards"})
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestLoadTabData_NilDescriptorIsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rows := router.LoadTabData(context.Background(), "o1", nil)
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestLoadTabData_Child(t *testing.T) {
	router, local, _ := newTestRouter(t)
	seedAward(t, local, "a1", "Spring Cup", "o1", "B")
	seedAward(t, local, "a2", "Autumn Cup", "o2", "A")

	rows := router.LoadTabData(context.Background(), "o1", Child{Collection: "awards"})
	require.Len(t, rows, 1)
	require.Equal(t, "a1", rows[0]["id"])
	require.Equal(t, "B", rows[0]["award_type_id"])
}

func TestLoadTabData_ChildUnknownCollectionIsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rows := router.LoadTabData(context.Background(), "o1", Child{Collection: "ghosts"})
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestLoadTabData_Rpc(t *testing.T) {
	router, _, remote := newTestRouter(t)
	remote.RPCResults["pet_summary"] = []store.Row{
		{"visits": 4, "awards": 1},
	}

	rows := router.LoadTabData(context.Background(), "p1", Rpc{
		Procedure: "pet_summary",
		Params:    map[string]any{"pet_id": "$parentId"},
	})
	require.Len(t, rows, 1)
	require.Equal(t, 4, rows[0]["visits"])
}

func TestLoadTabData_RpcFailureIsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rows := router.LoadTabData(context.Background(), "p1", Rpc{Procedure: "missing_proc"})
	require.NotNil(t, rows)
	require.Empty(t, rows)
}

func TestLoadTabData_MainFiltered(t *testing.T) {
	router, _, remote := newTestRouter(t)
	remote.Seed("pet_awards",
		store.Row{"id": "a1", "name": "Best in Show", "pet_id": "p1", "updated_at": time.Now()},
		store.Row{"id": "a2", "name": "Agility Gold", "pet_id": "p2", "updated_at": time.Now()},
	)

	rows := router.LoadTabData(context.Background(), "p1", MainFiltered{
		Namespace:   "pet_awards",
		FilterField: "pet_id",
	})
	require.Len(t, rows, 1)
	require.Equal(t, "a1", rows[0]["id"])
}

func TestLoadTabData_ChildWithDictionary_ShowAll(t *testing.T) {
	router, local, remote := newTestRouter(t)
	seedAwardTypes(remote)
	seedAward(t, local, "a1", "Spring Cup", "o1", "B")

	rows := router.LoadTabData(context.Background(), "o1", ChildWithDictionary{
		Child:      Child{Collection: "awards"},
		Dictionary: DictionaryMerge{Namespace: "award_types", LinkField: "award_type_id", ShowAll: true},
	})
	require.Len(t, rows, 3, "show_all lists the whole dictionary")

	require.Equal(t, "A", rows[0]["id"])
	require.Equal(t, false, rows[0]["achieved"])
	require.Nil(t, rows[0]["achieved_record"])

	require.Equal(t, "B", rows[1]["id"])
	require.Equal(t, true, rows[1]["achieved"])
	achieved, ok := rows[1]["achieved_record"].(store.Row)
	require.True(t, ok)
	require.Equal(t, "a1", achieved["id"])

	require.Equal(t, "C", rows[2]["id"])
	require.Equal(t, false, rows[2]["achieved"])
}

func TestLoadTabData_ChildWithDictionary_ChildOrder(t *testing.T) {
	router, local, remote := newTestRouter(t)
	seedAwardTypes(remote)
	seedAward(t, local, "a1", "Spring Cup", "o1", "B")

	rows := router.LoadTabData(context.Background(), "o1", ChildWithDictionary{
		Child:      Child{Collection: "awards"},
		Dictionary: DictionaryMerge{Namespace: "award_types", LinkField: "award_type_id"},
	})
	require.Len(t, rows, 1, "without show_all only achieved children are listed")
	require.Equal(t, "a1", rows[0]["id"])

	dict, ok := rows[0]["dictionary"].(store.Row)
	require.True(t, ok)
	require.Equal(t, "B", dict["id"])
	require.Equal(t, "Best in Show", dict["name"])
}

func TestLoadTabData_ChildWithDictionary_MissingLinkField(t *testing.T) {
	router, local, remote := newTestRouter(t)
	seedAwardTypes(remote)
	seedAward(t, local, "a1", "Spring Cup", "o1", "B")

	rows := router.LoadTabData(context.Background(), "o1", ChildWithDictionary{
		Child:      Child{Collection: "awards"},
		Dictionary: DictionaryMerge{Namespace: "award_types"},
	})
	require.NotNil(t, rows)
	require.Empty(t, rows, "a merge without link_field is a configuration error")
}

func TestLoadTabDataPaginated_ChildViewKeyset(t *testing.T) {
	router, _, remote := newTestRouter(t)
	remote.Seed("pet_timeline",
		store.Row{"id": "t1", "name": "Adopted", "parent_id": "p1", "updated_at": time.Now()},
		store.Row{"id": "t2", "name": "First visit", "parent_id": "p1", "updated_at": time.Now()},
		store.Row{"id": "t3", "name": "Vaccinated", "parent_id": "p1", "updated_at": time.Now()},
	)

	page := router.LoadTabDataPaginated(context.Background(), "p1", ChildView{View: "pet_timeline"}, PageRequest{
		Cursor: &cache.Cursor{SortValue: "Adopted", TieBreakerID: "t1"},
		Limit:  2,
	})
	require.Len(t, page.Records, 2)
	require.Equal(t, "t2", page.Records[0]["id"])
	require.Equal(t, "t3", page.Records[1]["id"])
	require.NotNil(t, page.NextCursor)
	require.Equal(t, "Vaccinated", page.NextCursor.SortValue)
}

func TestLoadTabDataPaginated_ChildViewOfflineFallsBackLocal(t *testing.T) {
	router, local, remote := newTestRouter(t)
	remote.Offline = true

	require.NoError(t, local.Upsert(context.Background(), models.LocalDocument{
		Collection:      "pet_timeline",
		DocID:           "t1",
		Name:            "Adopted",
		ParentID:        "p1",
		RemoteUpdatedAt: time.Now(),
		Fields:          datatypes.JSONMap{},
	}))

	page := router.LoadTabDataPaginated(context.Background(), "p1", ChildView{View: "pet_timeline"}, PageRequest{
		Cursor: &cache.Cursor{SortValue: "", TieBreakerID: ""},
		Limit:  10,
	})
	require.Len(t, page.Records, 1)
	require.Equal(t, "t1", page.Records[0]["id"])
}

func TestMergeDictionary_FirstChildWinsLink(t *testing.T) {
	children := []store.Row{
		{"id": "a1", "award_type_id": "B"},
		{"id": "a2", "award_type_id": "B"},
	}
	dict := []cache.Record{{ID: "B", Name: "Best in Show"}}

	rows := MergeDictionary(children, dict, "award_type_id", true)
	require.Len(t, rows, 1)
	achieved, ok := rows[0]["achieved_record"].(store.Row)
	require.True(t, ok)
	require.Equal(t, "a1", achieved["id"])
}

func TestMergeDictionary_UnresolvedLinkAnnotatesNil(t *testing.T) {
	children := []store.Row{{"id": "a1", "award_type_id": "Z"}}
	dict := []cache.Record{{ID: "B", Name: "Best in Show"}}

	rows := MergeDictionary(children, dict, "award_type_id", false)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0]["dictionary"])
}
