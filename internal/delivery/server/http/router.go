package http

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"rimg/internal/derivative/delivery"
	"rimg/internal/derivative/pathdecode"
	"rimg/internal/shared/logging"
)

const derivativeParams = "/:style/:scheme/:width/:height/:crop"

// NewRouter creates the HTTP handler with all endpoints. Inbound derivative
// paths are rewritten by the path decoder before gin routes them.
func NewRouter(deps RouterDeps, cfg RouterConfig) http.Handler {
	logger := logging.OrNop(deps.Logger)
	if logging.IsNil(deps.Logger) {
		logger = logging.NewComponentLogger("Router")
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(LoggingMiddleware(logger))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	engine.GET("/healthz", handleHealth)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	if deps.Deliverer != nil && deps.Files != nil {
		images := &derivativeHandler{
			deliverer: deps.Deliverer,
			files:     deps.Files,
			policy:    delivery.NewPolicy(cfg.CacheMaxAge),
			logger:    logger,
		}
		publicRoute := "/" + strings.Trim(cfg.PublicDir, "/") + "/styles" + derivativeParams
		gatedRoute := strings.TrimSuffix(pathdecode.GatedPrefix, "/") + derivativeParams
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			engine.Handle(method, publicRoute, images.serve(delivery.RoutePublic))
			engine.Handle(method, gatedRoute, images.serve(delivery.RouteGated))
		}
	}

	if deps.URLs != nil {
		urlAPI := &urlHandler{urls: deps.URLs}
		api := engine.Group("/api")
		api.GET("/url", urlAPI.handleURL)
		api.GET("/srcset", urlAPI.handleSrcset)
	}

	if deps.Flusher != nil {
		if cfg.AdminToken == "" {
			logger.Info("Admin routes disabled: no admin token configured")
		} else {
			admin := engine.Group("/admin", requireBearer(cfg.AdminToken))
			admin.POST("/flush", (&adminHandler{flusher: deps.Flusher, logger: logger}).handleFlush)
		}
	}

	decoder := deps.Decoder
	if decoder == nil {
		decoder = pathdecode.New(cfg.PublicDir, func(string) bool { return true })
	}
	return decoder.Middleware(engine)
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()
	allowAll := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			allowAll = true
		}
	}
	if allowAll {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	config.AllowMethods = []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Log-Id", "If-None-Match"}
	config.ExposeHeaders = []string{"X-Log-Id", "ETag", "Retry-After"}
	return config
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
