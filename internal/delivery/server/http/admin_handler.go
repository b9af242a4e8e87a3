package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"rimg/internal/derivative/sweep"
	"rimg/internal/imagestyle"
	"rimg/internal/shared/logging"
)

type adminHandler struct {
	flusher Flusher
	logger  logging.Logger
}

// flushRequest names a changed source. Without a style every style is
// flushed; without a uri the whole style directory goes.
type flushRequest struct {
	URI   string `json:"uri"`
	Style string `json:"style"`
}

type flushResponse struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

func (h *adminHandler) handleFlush(c *gin.Context) {
	var req flushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.URI == "" && req.Style == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "uri or style is required"})
		return
	}

	ctx := c.Request.Context()
	var (
		report sweep.Report
		err    error
	)
	if req.Style != "" {
		report, err = h.flusher.Flush(ctx, req.Style, req.URI)
	} else {
		report, err = h.flusher.FlushAll(ctx, req.URI)
	}
	if err != nil {
		if errors.Is(err, imagestyle.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		requestLogger(c, h.logger).Error("Flush of %q (style %q) failed: %v", req.URI, req.Style, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flush failed"})
		return
	}

	resp := flushResponse{Deleted: report.Deleted, Failed: report.Failed}
	if resp.Deleted == nil {
		resp.Deleted = []string{}
	}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}
	c.JSON(http.StatusOK, resp)
}
