package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/strategy"
	appErrors "github.com/charlesng35/pawsync/pkg/errors"
	"github.com/charlesng35/pawsync/pkg/response"
)

// DictionaryHandler serves ID-first dictionary reads.
type DictionaryHandler struct {
	engine *cache.Engine
}

// NewDictionaryHandler constructs the handler.
func NewDictionaryHandler(engine *cache.Engine) *DictionaryHandler {
	return &DictionaryHandler{engine: engine}
}

// Get handles GET /api/dictionaries/:namespace.
func (h *DictionaryHandler) Get(c *gin.Context) {
	cursor, err := cache.DecodeCursor(c.Query("cursor"))
	if err != nil {
		response.Error(c, appErrors.ErrBadRequest.WithInternal(err))
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	page, err := h.engine.GetDictionary(c.Request.Context(), c.Param("namespace"), cache.FetchOptions{
		IDField:   c.Query("id_field"),
		NameField: c.Query("name_field"),
		Search:    c.Query("search"),
		Limit:     limit,
		Cursor:    cursor,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	meta := &response.Meta{Total: page.Total, HasMore: page.HasMore}
	if page.NextCursor != nil {
		meta.NextCursor = page.NextCursor.Encode()
	}
	response.SuccessWithMeta(c, http.StatusOK, page.Records, meta)
}

// TabHandler serves declarative tab views resolved by the strategy router.
type TabHandler struct {
	router *strategy.Router
	tabs   map[string]strategy.Descriptor
}

// NewTabHandler constructs the handler over the configured tab descriptors.
func NewTabHandler(router *strategy.Router, tabs map[string]strategy.Descriptor) *TabHandler {
	return &TabHandler{router: router, tabs: tabs}
}

// Get handles GET /api/parents/:parentID/tabs/:tab.
func (h *TabHandler) Get(c *gin.Context) {
	cursor, err := cache.DecodeCursor(c.Query("cursor"))
	if err != nil {
		response.Error(c, appErrors.ErrBadRequest.WithInternal(err))
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))

	// An unknown tab is an expected empty state, not an error.
	descriptor := h.tabs[c.Param("tab")]

	page := h.router.LoadTabDataPaginated(c.Request.Context(), c.Param("parentID"), descriptor, strategy.PageRequest{
		Cursor: cursor,
		Limit:  limit,
	})

	meta := &response.Meta{Total: page.Total, HasMore: page.HasMore}
	if page.NextCursor != nil {
		meta.NextCursor = page.NextCursor.Encode()
	}
	response.SuccessWithMeta(c, http.StatusOK, page.Records, meta)
}
