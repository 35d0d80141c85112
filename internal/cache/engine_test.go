package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/pawsync/internal/database/testutil"
	"github.com/charlesng35/pawsync/internal/models"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/internal/store/storetest"
)

func newTestEngine(t *testing.T) (*Engine, *store.LocalStore, *storetest.FakeRemote) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	local, err := store.NewLocalStore(db)
	require.NoError(t, err)

	remote := storetest.NewFakeRemote()
	tracker := store.NewConnectivityTracker(time.Minute)

	engine, err := NewEngine(local, remote, tracker)
	require.NoError(t, err)
	return engine, local, remote
}

func seedBreeds(remote *storetest.FakeRemote) {
	remote.Seed("pet_breeds",
		store.Row{"id": "b1", "name": "Shar Pei", "origin": "China", "updated_at": time.Now()},
		store.Row{"id": "b2", "name": "Shiba Inu", "origin": "Japan", "updated_at": time.Now()},
		store.Row{"id": "b3", "name": "Shih Tzu", "origin": "Tibet", "updated_at": time.Now()},
		store.Row{"id": "b4", "name": "Finnish Spitz", "origin": "Finland", "updated_at": time.Now()},
		store.Row{"id": "b5", "name": "Welsh Corgi", "origin": "Wales", "updated_at": time.Now()},
		store.Row{"id": "b6", "name": "Akita", "origin": "Japan", "updated_at": time.Now()},
	)
}

func TestGetDictionary_HybridSearchOrdering(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	seedBreeds(remote)

	page, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{
		Search: "sh",
		Limit:  6,
	})
	require.NoError(t, err)
	require.NotEmpty(t, page.Records)

	// Every starts-with match precedes every contains-only match, and
	// each group is internally sorted by name.
	var sawContainsOnly bool
	var lastPrefixName, lastContainsName string
	seen := map[string]bool{}
	for _, rec := range page.Records {
		require.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true

		isPrefix := strings.HasPrefix(strings.ToLower(rec.Name), "sh")
		if isPrefix {
			require.False(t, sawContainsOnly, "prefix match %q after contains match", rec.Name)
			require.LessOrEqual(t, lastPrefixName, rec.Name)
			lastPrefixName = rec.Name
			continue
		}
		sawContainsOnly = true
		require.Contains(t, strings.ToLower(rec.Name), "sh")
		require.LessOrEqual(t, lastContainsName, rec.Name)
		lastContainsName = rec.Name
	}

	require.True(t, seen["b1"])
	require.True(t, seen["b2"])
	require.True(t, seen["b3"])
	require.True(t, seen["b4"], "contains-only match should fill remaining slots")
}

func TestGetDictionary_Idempotent(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	seedBreeds(remote)

	first, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Limit: 10})
	require.NoError(t, err)
	second, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Limit: 10})
	require.NoError(t, err)

	require.Equal(t, len(first.Records), len(second.Records))
	for i := range first.Records {
		require.Equal(t, first.Records[i].ID, second.Records[i].ID)
		require.Equal(t, first.Records[i].Name, second.Records[i].Name)
		require.Equal(t, first.Records[i].Extra["origin"], second.Records[i].Extra["origin"])
	}
}

func TestGetDictionary_BackfillPopulatesCache(t *testing.T) {
	engine, local, remote := newTestEngine(t)
	seedBreeds(remote)

	_, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Limit: 3})
	require.NoError(t, err)

	cached, err := local.CacheRecordsByID(context.Background(), "pet_breeds", []string{"b6", "b4"})
	require.NoError(t, err)
	require.Len(t, cached, 2, "first page (Akita, Finnish Spitz, Shar Pei) should be cached")
	require.Equal(t, "Akita", cached["b6"].DisplayName)
}

func TestGetDictionary_CursorMonotonicity(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	seedBreeds(remote)

	first, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Records, 2)
	require.True(t, first.HasMore)
	require.NotNil(t, first.NextCursor)

	seen := map[string]bool{}
	for _, rec := range first.Records {
		seen[rec.ID] = true
	}

	second, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{
		Limit:  2,
		Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.Records)
	for _, rec := range second.Records {
		require.False(t, seen[rec.ID], "id %s repeated across pages", rec.ID)
	}
}

func TestGetDictionary_RemoteRejectionYieldsEmptyResult(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	seedBreeds(remote)
	remote.FailTables["pet_breeds"] = true

	page, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Limit: 5})
	require.NoError(t, err)
	require.Empty(t, page.Records)
}

func TestGetDictionary_OfflineServesCachedData(t *testing.T) {
	engine, local, remote := newTestEngine(t)

	_, err := local.PutCacheRecords(context.Background(), []models.CacheRecord{
		{
			Key:         models.CacheKey("pet_status", "1"),
			Namespace:   "pet_status",
			RecordID:    "1",
			DisplayName: "Active",
			Extra:       datatypes.JSONMap{},
			CachedAt:    time.Now(),
		},
		{
			Key:         models.CacheKey("pet_status", "2"),
			Namespace:   "pet_status",
			RecordID:    "2",
			DisplayName: "Retired",
			Extra:       datatypes.JSONMap{},
			CachedAt:    time.Now(),
		},
	})
	require.NoError(t, err)

	remote.Offline = true

	page, err := engine.GetDictionary(context.Background(), "pet_status", FetchOptions{Search: "re"})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "2", page.Records[0].ID)
	require.Equal(t, "Retired", page.Records[0].Name)
	require.Equal(t, int64(1), page.Total)
}

func TestGetDictionary_OfflineKeepsProbeOrdering(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	seedBreeds(remote)

	// Warm the cache online, then cut connectivity.
	warm, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Search: "sh", Limit: 6})
	require.NoError(t, err)
	require.NotEmpty(t, warm.Records)

	remote.Offline = true

	offline, err := engine.GetDictionary(context.Background(), "pet_breeds", FetchOptions{Search: "sh", Limit: 6})
	require.NoError(t, err)
	require.Equal(t, len(warm.Records), len(offline.Records))
	for i := range warm.Records {
		require.Equal(t, warm.Records[i].ID, offline.Records[i].ID)
	}
}

func TestGetDictionary_FilterConstrainsResults(t *testing.T) {
	engine, _, remote := newTestEngine(t)
	remote.Seed("pet_awards",
		store.Row{"id": "a1", "name": "Best in Show", "pet_id": "p1"},
		store.Row{"id": "a2", "name": "Agility Gold", "pet_id": "p2"},
	)

	page, err := engine.GetDictionary(context.Background(), "pet_awards", FetchOptions{
		Filter: map[string]any{"pet_id": "p1"},
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "a1", page.Records[0].ID)
}
