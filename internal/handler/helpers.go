package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/earnrag/internal/ai"
	"github.com/xxxsen/earnrag/internal/middleware"
	"github.com/xxxsen/earnrag/internal/pkg/errcode"
	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
	"github.com/xxxsen/earnrag/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, "conflict")
	case errors.Is(err, appErr.ErrReindexing):
		response.Error(c, errcode.ErrReindexing, "index rebuild in progress")
	case errors.Is(err, ai.ErrUnavailable):
		response.Error(c, errcode.ErrAIUnavailable, "ai not configured")
	case errors.Is(err, appErr.ErrProvider):
		response.Error(c, errcode.ErrProvider, "embedding provider unavailable")
	case errors.Is(err, appErr.ErrConfiguration):
		response.Error(c, errcode.ErrConfiguration, "configuration error")
	case errors.Is(err, appErr.ErrConsistency):
		response.Error(c, errcode.ErrConsistency, "index and registry out of sync")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}

func invalid(c *gin.Context, msg string) {
	response.Error(c, errcode.ErrInvalid, msg)
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
