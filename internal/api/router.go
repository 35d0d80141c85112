package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/pawsync/internal/cache"
	"github.com/charlesng35/pawsync/internal/strategy"
)

// NewRouter builds the Gin engine and registers the read endpoints.
func NewRouter(engine *cache.Engine, router *strategy.Router, tabs map[string]strategy.Descriptor) (*gin.Engine, error) {
	if engine == nil {
		return nil, fmt.Errorf("cache engine must be provided")
	}
	if router == nil {
		return nil, fmt.Errorf("strategy router must be provided")
	}

	r := gin.New()
	r.Use(recovery())
	r.Use(requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	dictionaries := NewDictionaryHandler(engine)
	tabHandler := NewTabHandler(router, tabs)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/dictionaries/:namespace", dictionaries.Get)
		apiGroup.GET("/parents/:parentID/tabs/:tab", tabHandler.Get)
	}

	return r, nil
}
