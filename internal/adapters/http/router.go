package http

import (
	"path/filepath"

	"github.com/dkeye/Cast/internal/config"
	transport "github.com/dkeye/Cast/internal/transport/http"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func SetupRouter(cfg *config.Config, h *transport.Handlers) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(filepath.Join(cfg.StaticPath, "index.html"))
	})

	offer := []gin.HandlerFunc{h.Offer}
	if cfg.OfferLimit.Limit > 0 {
		limiter := transport.NewOfferRateLimiter(cfg.OfferLimit.Limit, cfg.OfferLimit.Interval)
		offer = append([]gin.HandlerFunc{limiter.Middleware()}, offer...)
	}
	r.POST("/offer", offer...)
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	api.GET("/sessions", h.ListSessions)
	api.DELETE("/sessions/:id", h.CloseSession)

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("metrics", cfg.Metrics.Enabled).Msg("router setup")
	return r
}
