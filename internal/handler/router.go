package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/earnrag/internal/middleware"
)

type RouterDeps struct {
	Transcripts *TranscriptHandler
	RAG         *RAGHandler
	// QueryRatePerSec limits the paid endpoints per client; 0 disables it.
	QueryRatePerSec float64
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", deps.RAG.Health)
	api.GET("/stats", deps.RAG.Stats)
	api.GET("/companies", deps.Transcripts.Companies)
	api.GET("/transcripts/:company", deps.Transcripts.ListByCompany)

	paid := api.Group("")
	paid.Use(middleware.RateLimit(deps.QueryRatePerSec, 5))
	paid.POST("/transcripts", deps.Transcripts.Create)
	paid.POST("/retrieve", deps.RAG.Retrieve)
	paid.POST("/query", deps.RAG.Query)
	paid.POST("/sync", deps.RAG.Sync)

	api.POST("/retention", deps.RAG.Retention)
}
