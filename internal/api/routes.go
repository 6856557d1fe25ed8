package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the API routes
func SetupRoutes(handler *Handler) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(Recovery())
	router.Use(CORS())
	router.Use(gin.Logger())

	// Health check
	router.GET("/health", handler.HealthCheck)

	// API v1
	v1 := router.Group("/api/v1")
	{
		v1.POST("/users", handler.CreateUser)

		users := v1.Group("/users/:userID")
		{
			users.GET("", handler.GetUser)

			repos := users.Group("/repositories")
			{
				repos.GET("", handler.ListRepositories)
				repos.POST("/sync", handler.SyncRepositories)
				repos.PUT("/selected", handler.SelectRepositories)
			}

			users.POST("/ingestion/trigger", handler.TriggerIngestion)
			users.POST("/digests/trigger", handler.TriggerDigest)
			users.GET("/digests/latest", handler.GetLatestDigests)
		}

		v1.GET("/activities/repo/:repoID", handler.GetActivities)

		digests := v1.Group("/digests")
		{
			digests.GET("/repo/:repoID", handler.GetDigestsByRepo)
			digests.GET("/repo/:repoID/latest", handler.GetLatestDigest)
			digests.GET("/:digestID", handler.GetDigest)
			digests.DELETE("/:digestID", handler.DeleteDigest)
		}
	}

	return router
}
