package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/earnrag/internal/pkg/response"
	"github.com/xxxsen/earnrag/internal/service"
)

type RAGHandler struct {
	rag          *service.RAGService
	answers      *service.AnswerService
	keepQuarters int
}

func NewRAGHandler(rag *service.RAGService, answers *service.AnswerService, keepQuarters int) *RAGHandler {
	return &RAGHandler{rag: rag, answers: answers, keepQuarters: keepQuarters}
}

type retrieveRequest struct {
	Query         string `json:"query"`
	Question      string `json:"question"`
	CompanyFilter string `json:"company_filter"`
	TopK          int    `json:"top_k"`
}

func (r retrieveRequest) text() string {
	if r.Query != "" {
		return r.Query
	}
	return r.Question
}

type retentionRequest struct {
	KeepQuarters int `json:"keep_quarters"`
}

func (h *RAGHandler) Health(c *gin.Context) {
	stats, err := h.rag.Stats(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"status":          "online",
		"index_vectors":   stats.IndexVectors,
		"embedding_model": stats.EmbeddingModel,
	})
}

func (h *RAGHandler) Retrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	k := req.TopK
	if k == 0 {
		k = h.answers.DefaultK()
	}
	res, err := h.rag.Retrieve(c.Request.Context(), req.text(), k, req.CompanyFilter)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *RAGHandler) Query(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	ans, err := h.answers.Ask(c.Request.Context(), req.text(), req.TopK, req.CompanyFilter)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, ans)
}

func (h *RAGHandler) Stats(c *gin.Context) {
	stats, err := h.rag.Stats(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, stats)
}

// Sync indexes every stored transcript that has no chunks yet.
func (h *RAGHandler) Sync(c *gin.Context) {
	res, err := h.rag.Sync(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *RAGHandler) Retention(c *gin.Context) {
	req := retentionRequest{KeepQuarters: queryInt(c, "keep", 0)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalid(c, "invalid request")
			return
		}
	}
	if req.KeepQuarters == 0 {
		req.KeepQuarters = h.keepQuarters
	}
	res, err := h.rag.ApplyRetention(c.Request.Context(), req.KeepQuarters)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
