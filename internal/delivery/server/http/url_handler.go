package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/urls"
	"rimg/internal/imagestyle"
)

type urlHandler struct {
	urls URLBuilder
}

type urlQuery struct {
	URI    string `form:"uri" binding:"required"`
	Width  int    `form:"w" binding:"required,gt=0"`
	Height int    `form:"h" binding:"gte=0"`
	Crop   bool   `form:"c"`
	Style  string `form:"style"`
}

type srcsetQuery struct {
	URI    string  `form:"uri" binding:"required"`
	Widths string  `form:"widths" binding:"required"`
	Ratio  float64 `form:"ratio" binding:"gte=0"`
	Style  string  `form:"style"`
}

func (h *urlHandler) handleURL(c *gin.Context) {
	var q urlQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u, err := h.urls.URL(c.Request.Context(), q.URI, transform.Params{W: q.Width, H: q.Height, C: q.Crop}, q.Style)
	if err != nil {
		writeURLError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u})
}

// handleSrcset renders a srcset for comma-separated widths. A positive ratio
// crops every width to height = width * ratio.
func (h *urlHandler) handleSrcset(c *gin.Context) {
	var q srcsetQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	widths, err := parseWidths(q.Widths)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sizes := urls.Widths(widths...)
	if q.Ratio > 0 {
		sizes = transform.CropAll(widths, q.Ratio)
	}
	srcset, err := h.urls.Srcset(c.Request.Context(), q.URI, sizes, q.Style)
	if err != nil {
		writeURLError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"srcset": srcset})
}

func parseWidths(raw string) ([]int, error) {
	var widths []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := strconv.Atoi(part)
		if err != nil || w <= 0 {
			return nil, errors.New("widths must be positive integers")
		}
		widths = append(widths, w)
	}
	if len(widths) == 0 {
		return nil, errors.New("at least one width is required")
	}
	return widths, nil
}

func writeURLError(c *gin.Context, err error) {
	if errors.Is(err, imagestyle.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
