package api

import (
	"github.com/gin-gonic/gin"

	"github.com/botts7/visual-mapper-addon-sub002/service"
)

func SetupRoutes(router *gin.Engine, dm *service.DeviceManager, registry *service.StreamRegistry, hub *service.CaptureHub, captures *service.CaptureService) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API routes
	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, dm)
			})
			devices.POST("/scan", func(c *gin.Context) {
				ScanDevices(c, dm)
			})
		}

		streams := api.Group("/streams")
		{
			streams.GET("", func(c *gin.Context) {
				GetStreamingStatus(c, registry, captures)
			})
			streams.GET("/:device_id/stats", func(c *gin.Context) {
				GetStreamStats(c, registry, hub)
			})
			streams.POST("/:device_id/start", func(c *gin.Context) {
				StartCapture(c, dm, captures)
			})
			streams.POST("/:device_id/stop", func(c *gin.Context) {
				StopCapture(c, captures)
			})
		}

		api.GET("/presets", GetPresets)
	}

	// WebSocket routes: viewers pull transcoded frames, companions push raw ones
	router.GET("/ws/view/:device_id", func(c *gin.Context) {
		HandleViewerWS(hub, c)
	})
	router.GET("/ws/companion/:device_id", func(c *gin.Context) {
		HandleCompanionWS(registry, hub, captures, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
