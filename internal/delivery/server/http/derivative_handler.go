package http

import (
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"rimg/internal/derivative/delivery"
	"rimg/internal/derivative/generate"
	"rimg/internal/derivative/pathdecode"
	"rimg/internal/shared/logging"
)

type derivativeHandler struct {
	deliverer Deliverer
	files     FileOpener
	policy    delivery.Policy
	logger    logging.Logger
}

func (h *derivativeHandler) serve(route delivery.Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := decodedRequest(c)
		if !ok {
			c.String(http.StatusNotFound, "Not found.")
			return
		}
		ctx := c.Request.Context()
		logger := requestLogger(c, h.logger)

		result, err := h.deliverer.Deliver(ctx, req)
		if err != nil {
			writeDerivativeError(c, err)
			return
		}

		file, err := h.files.Open(ctx, result.URI)
		if err != nil {
			logger.Error("Open derivative %s: %v", result.URI, err)
			writeDerivativeError(c, err)
			return
		}
		defer func() { _ = file.Close() }()

		header := c.Writer.Header()
		for key, values := range result.Headers {
			header[key] = append([]string(nil), values...)
		}
		if _, err := h.policy.Annotate(header, route, result.Scheme, file); err != nil {
			logger.Error("Hash derivative %s: %v", result.URI, err)
			writeDerivativeError(c, err)
			return
		}
		http.ServeContent(c.Writer, c.Request, path.Base(result.URI), result.ModTime, file)
	}
}

// decodedRequest reads the route parameters the path decoder produced.
func decodedRequest(c *gin.Context) (generate.Request, bool) {
	width, err := strconv.Atoi(c.Param("width"))
	if err != nil {
		return generate.Request{}, false
	}
	height, err := strconv.Atoi(c.Param("height"))
	if err != nil {
		return generate.Request{}, false
	}
	crop, err := strconv.Atoi(c.Param("crop"))
	if err != nil {
		return generate.Request{}, false
	}
	return generate.Request{
		Style:  c.Param("style"),
		Scheme: c.Param("scheme"),
		Width:  width,
		Height: height,
		Crop:   crop,
		File:   c.Query(pathdecode.FileParam),
	}, true
}
