package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/charlesng35/pawsync/internal/database/testutil"
	"github.com/charlesng35/pawsync/internal/models"
)

func newLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(testutil.MustOpenTestDB(t))
	require.NoError(t, err)
	return s
}

func seedDocs(t *testing.T, s *LocalStore) {
	t.Helper()
	now := time.Now()
	docs := []models.LocalDocument{
		{Collection: "pets", DocID: "p1", Name: "Shiba Inu", ParentID: "o1", RemoteUpdatedAt: now, Fields: datatypes.JSONMap{"species": "dog"}},
		{Collection: "pets", DocID: "p2", Name: "Shorthair", ParentID: "o1", RemoteUpdatedAt: now, Fields: datatypes.JSONMap{"species": "cat"}},
		{Collection: "pets", DocID: "p3", Name: "Welsh Corgi", ParentID: "o2", RemoteUpdatedAt: now, Fields: datatypes.JSONMap{"species": "dog"}},
		{Collection: "visits", DocID: "v1", Name: "Checkup", ParentID: "p1", RemoteUpdatedAt: now, Fields: datatypes.JSONMap{}},
	}
	result, err := s.BulkUpsert(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, len(docs), result.Success)
	require.Zero(t, result.Errors)
}

func TestFind_ScopedToCollection(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{}, nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
}

func TestFind_PrefixIsCaseInsensitive(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{
		NameField: "name",
		Prefix:    "SH",
	}, []OrderBy{{Field: "name"}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "Shiba Inu", docs[0].Name)
	require.Equal(t, "Shorthair", docs[1].Name)
}

func TestFind_ContainsExcludingPrefix(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{
		NameField:     "name",
		Contains:      "sh",
		ExcludePrefix: "sh",
	}, []OrderBy{{Field: "name"}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "Welsh Corgi", docs[0].Name)
}

func TestFind_LikeWildcardsAreEscaped(t *testing.T) {
	s := newLocalStore(t)
	require.NoError(t, s.Upsert(context.Background(), models.LocalDocument{
		Collection: "pets", DocID: "px", Name: "100% Good Boy",
		RemoteUpdatedAt: time.Now(), Fields: datatypes.JSONMap{},
	}))
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{
		NameField: "name",
		Contains:  "100%",
	}, nil, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "px", docs[0].DocID)
}

func TestFind_EqOnJSONField(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{
		Eq: map[string]any{"species": "dog"},
	}, []OrderBy{{Field: "name"}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestFind_InOnPromotedColumn(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	docs, err := s.Find(context.Background(), "pets", Selector{
		In: map[string][]any{"id": {"p1", "p3"}},
	}, []OrderBy{{Field: "id"}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestFind_InOnJSONFieldRejected(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	_, err := s.Find(context.Background(), "pets", Selector{
		In: map[string][]any{"species": {"dog"}},
	}, nil, 0)
	require.Error(t, err)
}

func TestUpsert_ReplacesExistingDocument(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	require.NoError(t, s.Upsert(context.Background(), models.LocalDocument{
		Collection: "pets", DocID: "p1", Name: "Shiba Inu (renamed)",
		ParentID: "o1", RemoteUpdatedAt: time.Now(), Fields: datatypes.JSONMap{},
	}))

	doc, err := s.Get(context.Background(), "pets", "p1")
	require.NoError(t, err)
	require.Equal(t, "Shiba Inu (renamed)", doc.Name)

	n, err := s.Count(context.Background(), "pets", Selector{})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestGet_AbsentReturnsNil(t *testing.T) {
	s := newLocalStore(t)

	doc, err := s.Get(context.Background(), "pets", "nope")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestRemove_DeletesOnlyTargetDocument(t *testing.T) {
	s := newLocalStore(t)
	seedDocs(t, s)

	require.NoError(t, s.Remove(context.Background(), "pets", "p1"))

	doc, err := s.Get(context.Background(), "pets", "p1")
	require.NoError(t, err)
	require.Nil(t, doc)

	n, err := s.Count(context.Background(), "pets", Selector{})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestSaveCheckpoint_NeverMovesBackward(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveCheckpoint(ctx, "pets", t1))

	// A stale save is ignored.
	require.NoError(t, s.SaveCheckpoint(ctx, "pets", t1.Add(-time.Hour)))
	got, err := s.Checkpoint(ctx, "pets")
	require.NoError(t, err)
	require.True(t, got.Equal(t1))

	t2 := t1.Add(time.Hour)
	require.NoError(t, s.SaveCheckpoint(ctx, "pets", t2))
	got, err = s.Checkpoint(ctx, "pets")
	require.NoError(t, err)
	require.True(t, got.Equal(t2))
}

func TestCheckpoint_AbsentIsZero(t *testing.T) {
	s := newLocalStore(t)

	got, err := s.Checkpoint(context.Background(), "pets")
	require.NoError(t, err)
	require.True(t, got.IsZero())
}

func TestCacheRecords_PutAndLookup(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	result, err := s.PutCacheRecords(ctx, []models.CacheRecord{
		{Key: models.CacheKey("pet_breeds", "b1"), Namespace: "pet_breeds", RecordID: "b1", DisplayName: "Shiba Inu", Extra: datatypes.JSONMap{"origin": "Japan"}, CachedAt: time.Now()},
		{Key: models.CacheKey("pet_breeds", "b2"), Namespace: "pet_breeds", RecordID: "b2", DisplayName: "Akita", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Success)

	got, err := s.CacheRecordsByID(ctx, "pet_breeds", []string{"b1", "b3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Shiba Inu", got["b1"].DisplayName)
	require.Equal(t, "Japan", got["b1"].Extra["origin"])
}

func TestCacheRecords_NamespacesDoNotCollide(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	_, err := s.PutCacheRecords(ctx, []models.CacheRecord{
		{Key: models.CacheKey("pet_breeds", "1"), Namespace: "pet_breeds", RecordID: "1", DisplayName: "Shiba Inu", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
		{Key: models.CacheKey("pet_status", "1"), Namespace: "pet_status", RecordID: "1", DisplayName: "Active", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
	})
	require.NoError(t, err)

	got, err := s.CacheRecordsByID(ctx, "pet_status", []string{"1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Active", got["1"].DisplayName)
}

func TestSearchCacheRecords_OrderAndLimit(t *testing.T) {
	s := newLocalStore(t)
	ctx := context.Background()

	_, err := s.PutCacheRecords(ctx, []models.CacheRecord{
		{Key: models.CacheKey("pet_breeds", "1"), Namespace: "pet_breeds", RecordID: "1", DisplayName: "Corgi", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
		{Key: models.CacheKey("pet_breeds", "2"), Namespace: "pet_breeds", RecordID: "2", DisplayName: "Akita", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
		{Key: models.CacheKey("pet_breeds", "3"), Namespace: "pet_breeds", RecordID: "3", DisplayName: "Beagle", Extra: datatypes.JSONMap{}, CachedAt: time.Now()},
	})
	require.NoError(t, err)

	records, err := s.SearchCacheRecords(ctx, "pet_breeds", Selector{}, []OrderBy{{Field: "name"}}, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Akita", records[0].DisplayName)
	require.Equal(t, "Beagle", records[1].DisplayName)
}
