package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/database/testutil"
	"github.com/charlesng35/pawsync/internal/replication"
	"github.com/charlesng35/pawsync/internal/store"
	"github.com/charlesng35/pawsync/internal/store/storetest"
	"github.com/charlesng35/pawsync/internal/strategy"
)

type envelope struct {
	Success bool             `json:"success"`
	Data    []map[string]any `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
	Meta *struct {
		Total      int64  `json:"total"`
		HasMore    bool   `json:"has_more"`
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
}

func newTestServer(t *testing.T) (*gin.Engine, *storetest.FakeRemote) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	local, err := store.NewLocalStore(testutil.MustOpenTestDB(t))
	require.NoError(t, err)

	remote := storetest.NewFakeRemote()
	tracker := store.NewConnectivityTracker(time.Minute)

	engine, err := cache.NewEngine(local, remote, tracker)
	require.NoError(t, err)

	repl, err := replication.NewEngine(local, local, remote, []replication.CollectionSpec{
		{Name: "awards", ParentField: "owner_id"},
	})
	require.NoError(t, err)

	router, err := strategy.NewRouter(engine, repl, remote)
	require.NoError(t, err)

	tabs := map[string]strategy.Descriptor{
		"awards": strategy.Child{Collection: "awards"},
	}

	r, err := NewRouter(engine, router, tabs)
	require.NoError(t, err)
	return r, remote
}

func doRequest(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestDictionaryEndpoint(t *testing.T) {
	r, remote := newTestServer(t)
	remote.Seed("pet_breeds",
		store.Row{"id": "b1", "name": "Shiba Inu", "updated_at": time.Now()},
		store.Row{"id": "b2", "name": "Akita", "updated_at": time.Now()},
	)

	w, body := doRequest(t, r, "/api/dictionaries/pet_breeds?search=sh")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, body.Success)
	require.Len(t, body.Data, 1)
	require.Equal(t, "b1", body.Data[0]["id"])
	require.NotNil(t, body.Meta)
	require.Equal(t, int64(1), body.Meta.Total)
}

func TestDictionaryEndpoint_BadCursor(t *testing.T) {
	r, _ := newTestServer(t)

	w, body := doRequest(t, r, "/api/dictionaries/pet_breeds?cursor=%21%21not-base64")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.False(t, body.Success)
	require.NotNil(t, body.Error)
	require.Equal(t, "BAD_REQUEST", body.Error.Code)
}

func TestTabEndpoint_UnknownTabIsEmpty(t *testing.T) {
	r, _ := newTestServer(t)

	w, body := doRequest(t, r, "/api/parents/p1/tabs/nope")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, body.Success)
	require.Empty(t, body.Data)
}

func TestHealthz(t *testing.T) {
	r, _ := newTestServer(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
