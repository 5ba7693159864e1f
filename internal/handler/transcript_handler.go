package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/earnrag/internal/model"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/pkg/response"
	"github.com/xxxsen/earnrag/internal/service"
)

type TranscriptHandler struct {
	rag *service.RAGService
}

func NewTranscriptHandler(rag *service.RAGService) *TranscriptHandler {
	return &TranscriptHandler{rag: rag}
}

type createTranscriptRequest struct {
	Company        string `json:"company"`
	Quarter        string `json:"quarter"`
	FiscalYear     string `json:"fiscal_year"`
	TranscriptDate string `json:"transcript_date"`
	SourceURL      string `json:"source_url"`
	Format         string `json:"format"`
	Text           string `json:"text"`
}

func (h *TranscriptHandler) Companies(c *gin.Context) {
	companies, err := h.rag.Transcripts().ListCompanies(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"companies": companies, "total": len(companies)})
}

func (h *TranscriptHandler) ListByCompany(c *gin.Context) {
	company := strings.TrimSpace(c.Param("company"))
	items, err := h.rag.Transcripts().ListByCompany(c.Request.Context(), company)
	if err != nil {
		handleError(c, err)
		return
	}
	if len(items) == 0 {
		handleError(c, appErr.ErrNotFound)
		return
	}
	for i := range items {
		items[i].RawText = ""
	}
	response.Success(c, gin.H{"company": company, "transcripts": items})
}

// Create stores a transcript and indexes it right away.
func (h *TranscriptHandler) Create(c *gin.Context) {
	var req createTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalid(c, "invalid request")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		invalid(c, "text is required")
		return
	}
	switch req.Format {
	case "", model.TranscriptFormatText, model.TranscriptFormatMarkdown:
	default:
		invalid(c, "format must be text or markdown")
		return
	}
	t := &model.Transcript{
		Company:        strings.TrimSpace(req.Company),
		Quarter:        strings.ToUpper(strings.TrimSpace(req.Quarter)),
		FiscalYear:     strings.ToUpper(strings.TrimSpace(req.FiscalYear)),
		TranscriptDate: req.TranscriptDate,
		SourceURL:      req.SourceURL,
		Format:         req.Format,
		RawText:        req.Text,
	}
	res, err := h.rag.StoreTranscript(c.Request.Context(), t)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, res)
}
