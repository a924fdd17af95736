package tus

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driftware/tusgate/pkg/types"
)

// Routes wires the client-facing upload and download endpoints.
func Routes(router *gin.Engine, handlers *Handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "tusgate",
			"time":    time.Now().UTC(),
		})
	})

	files := router.Group("/files")
	files.Use(TenantMiddleware())
	{
		files.OPTIONS("/:slot", handlers.Options)
		files.POST("/:slot", handlers.Create)
		files.HEAD("/:slot", handlers.Head)
		files.PATCH("/:slot", handlers.Patch)
		files.GET("/:slot", handlers.Download)
		files.GET("/:slot/info", handlers.Info)
		files.PUT("/:slot/raw", handlers.DirectUpload)
	}
}

// TenantMiddleware resolves the tenant from the X-Tenant-ID header and
// threads it through the request context explicitly.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader("X-Tenant-ID")
		if tenant == "" {
			tenant = "default"
		}
		c.Request = c.Request.WithContext(types.WithTenant(c.Request.Context(), tenant))
		c.Next()
	}
}
