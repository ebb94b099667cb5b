package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the API. The frontend posts to the compiler with a
// trailing slash; the bare path is served too. limits run before the
// compiler handler only.
func RegisterRoutes(r *gin.Engine, h *Handler, limits ...gin.HandlerFunc) {
	api := r.Group("/api")
	{
		tools := api.Group("/tools", limits...)
		tools.POST("/compiler/", h.Compile)
		tools.POST("/compiler", h.Compile)

		api.GET("/languages", h.Languages)
	}
}
