package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/julianostefano/BunNow-sub006/internal/events"
	"github.com/julianostefano/BunNow-sub006/internal/sla"
	syncservice "github.com/julianostefano/BunNow-sub006/internal/sync"
	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/database"
)

// Router builds the HTTP surface
func Router(cfg config.HTTPConfig, svc *syncservice.Service, calculator *sla.Calculator, queue *warmup.Queue, bus *events.Bus, db *database.DB) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	}
	r.Use(cors.New(corsCfg))

	h := &Handler{
		Sync:       svc,
		Calculator: calculator,
		Queue:      queue,
		Bus:        bus,
		DB:         db,
		Validator:  validator.New(),
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api/v1")
	{
		api.GET("/tickets/:table", h.ListTickets)
		api.GET("/tickets/:table/:sysId", h.GetTicket)
		api.POST("/tickets/:table/:sysId/sync", h.SyncTicket)
		api.GET("/tickets/:table/:sysId/sla", h.GetTicketSLA)
		api.GET("/tickets/:table/:sysId/audit", h.GetAuditTrail)

		api.GET("/sla/metrics", h.SLAMetrics)

		api.GET("/warmup", h.WarmupStats)
		api.POST("/warmup", h.EnqueueWarmup)
		api.POST("/warmup/drain", h.DrainWarmup)

		api.POST("/notifications", h.Notify)

		api.GET("/stats", h.Stats)
	}

	return r
}
